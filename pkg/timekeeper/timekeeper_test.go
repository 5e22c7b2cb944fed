package timekeeper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLaps(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	elapse := NewElapsingWithClock(clock.now)

	clock.advance(40 * time.Millisecond)
	assert.Equal(t, 40*time.Millisecond, elapse.Lap("build"))

	clock.advance(250 * time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, elapse.Lap("estimate"))

	assert.Equal(t, []Lap{{"build", 40 * time.Millisecond}, {"estimate", 250 * time.Millisecond}}, elapse.Laps())
	assert.Equal(t, 290*time.Millisecond, elapse.Total())
}

func TestReportMovesCheckpoint(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	elapse := NewElapsingWithClock(clock.now)

	clock.advance(time.Second)
	assert.Equal(t, time.Second, elapse.Report())
	assert.Zero(t, elapse.Report())
	assert.Empty(t, elapse.Laps())
}

func TestElapsingRealClock(t *testing.T) {
	elapse := NewElapsing()
	time.Sleep(10 * time.Millisecond)
	assert.GreaterOrEqual(t, elapse.Lap("sleep"), 10*time.Millisecond)
}

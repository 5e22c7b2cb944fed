// Package timekeeper measures the stages of a user operation pipeline.
package timekeeper

import (
	"time"
)

// Elapsing is a lap timer. It is not safe for concurrent use; each pipeline
// invocation owns its own.
type Elapsing struct {
	now func() time.Time

	// In Go, Now keeps track both of wallclock and monotonic clock
	// therefore we can use it to check delta as well
	started    time.Time
	checkpoint time.Time

	laps []Lap
}

type Lap struct {
	Stage    string
	Duration time.Duration
}

func NewElapsing() *Elapsing {
	return NewElapsingWithClock(time.Now)
}

func NewElapsingWithClock(now func() time.Time) *Elapsing {
	t := now()
	return &Elapsing{now: now, started: t, checkpoint: t}
}

// Report returns the time since the previous Report or Lap and moves the
// checkpoint.
func (e *Elapsing) Report() time.Duration {
	t := e.now()
	d := t.Sub(e.checkpoint)
	e.checkpoint = t
	return d
}

// Lap closes the current stage under the given name.
func (e *Elapsing) Lap(stage string) time.Duration {
	d := e.Report()
	e.laps = append(e.laps, Lap{Stage: stage, Duration: d})
	return d
}

func (e *Elapsing) Laps() []Lap {
	return append([]Lap{}, e.laps...)
}

// Total is the time since the timer was created, laps included.
func (e *Elapsing) Total() time.Duration {
	return e.now().Sub(e.started)
}

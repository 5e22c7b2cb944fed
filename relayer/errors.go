package relayer

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// goSafe runs fn in a goroutine and reports a panic to Sentry before
// re-panicking.
func goSafe(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				sentry.CurrentHub().Recover(r)
				sentryFlushSafely(2 * time.Second)
				panic(r)
			}
		}()
		fn()
	}()
}

// sentryFlushSafely is a no-op when Sentry was never initialized.
func sentryFlushSafely(timeout time.Duration) {
	_ = sentry.Flush(timeout)
}

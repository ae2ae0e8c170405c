package goroutine

import (
	"runtime"
	"testing"
	"time"
)

// AssertNoLeaks fails t at cleanup if more goroutines are running than when
// it was called. Worker pools get up to five seconds to wind down.
//
//	func TestRun(t *testing.T) {
//	    goroutine.AssertNoLeaks(t)
//	    ...
//	}
func AssertNoLeaks(t testing.TB) {
	t.Helper()
	AssertNoLeaksWithTimeout(t, 5*time.Second, 50*time.Millisecond)
}

// AssertNoLeaksWithTimeout is AssertNoLeaks with a custom wait.
func AssertNoLeaksWithTimeout(t testing.TB, timeout, pollInterval time.Duration) {
	t.Helper()
	before := runtime.NumGoroutine()

	t.Cleanup(func() {
		deadline := time.Now().Add(timeout)
		for time.Now().Before(deadline) {
			if runtime.NumGoroutine() <= before {
				return
			}
			time.Sleep(pollInterval)
		}

		current := runtime.NumGoroutine()
		if current > before {
			buf := make([]byte, 1024*1024)
			n := runtime.Stack(buf, true)
			t.Errorf("goroutine leak: %d before, %d after", before, current)
			t.Logf("Active goroutines:\n%s", buf[:n])
		}
	})
}

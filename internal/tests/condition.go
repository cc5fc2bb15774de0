package tests

import "time"

// WaitCondition polls fn every interval until it returns true or timeout
// elapses. It reports whether fn succeeded.
func WaitCondition(timeout, interval time.Duration, fn func() bool) bool {
	if fn() {
		return true
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-deadline.C:
			return fn()
		case <-tick.C:
			if fn() {
				return true
			}
		}
	}
}

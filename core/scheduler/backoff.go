package scheduler

import "time"

// BackoffFunc maps a retry count to the delay before the next attempt.
type BackoffFunc func(retries int) time.Duration

// ExponentialBackoff returns a BackoffFunc doubling the base delay per retry,
// bounded by cap.
func ExponentialBackoff(base, cap time.Duration) BackoffFunc {
	return func(retries int) time.Duration {
		if retries < 0 {
			retries = 0
		}
		// Shift overflow guard: past 30 doublings we are far beyond any cap.
		if retries > 30 {
			return cap
		}
		d := base * time.Duration(1<<uint(retries))
		if d > cap || d <= 0 {
			return cap
		}
		return d
	}
}

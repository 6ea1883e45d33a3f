package settlement

import "time"

// Backoff returns the delay before the next attempt after the given number
// of attempts: base × attempts, capped at max.
func Backoff(base, max time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if base <= 0 {
		return 0
	}
	if time.Duration(attempts) > max/base {
		return max
	}
	return base * time.Duration(attempts)
}

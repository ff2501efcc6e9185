package supervisor

import "time"

// Backoff returns the reconnect delay for the given attempt number:
// min(base * 2^attempt, limit). Attempt counting starts at zero.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if limit > 0 && base >= limit {
		return limit
	}

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if limit > 0 && d >= limit {
			return limit
		}
	}
	return d
}

package exchange

import (
	"math"
	"time"
)

// RetryDelay returns base * 2^(attempts-1) capped at maxBackoff. Zero attempts
// or a zero base yield no delay.
func RetryDelay(attempts int, base, maxBackoff time.Duration) time.Duration {
	if attempts <= 0 || base <= 0 {
		return 0
	}
	factor := math.Pow(2, float64(attempts-1))
	d := time.Duration(factor * float64(base))
	// float overflow on huge attempt counts turns negative
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

package config

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns the wait before retry attempt (1-based). Attempts grow
// geometrically from InitialDelay and are capped at MaxDelay; jitter scales
// the result into [0.5, 1.5).
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	switch {
	case attempt <= 1:
		return b.InitialDelay
	case b.InitialDelay <= 0:
		return 0
	}
	growth := math.Max(b.Multiplier, 1.0)
	delay := float64(b.InitialDelay) * math.Pow(growth, float64(attempt-1))
	if b.MaxDelay > 0 {
		delay = math.Min(delay, float64(b.MaxDelay))
	}
	if b.Jitter {
		scale := 0.5
		if rng != nil {
			scale += rng.Float64()
		}
		delay *= scale
	}
	return time.Duration(delay)
}

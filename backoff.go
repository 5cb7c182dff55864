package rofsock

import (
	"math/rand"
	"time"
)

// BackoffConfig defines delays between reconnect attempts.
type BackoffConfig struct {
	InitialDelay time.Duration `toml:"initial_delay"`
	Multiplier   float64       `toml:"multiplier"`
	MaxDelay     time.Duration `toml:"max_delay"`
	Jitter       bool          `toml:"jitter"`
}

// DefaultBackoffConfig returns the reconnect backoff defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
}

// Delay returns the wait before the given retry, counting from 1. The
// wait grows by Multiplier per retry and stops at MaxDelay. With Jitter
// it is scaled by a factor in [0.5, 1.5) drawn from rng, or halved when
// rng is nil.
func (c BackoffConfig) Delay(retry int, rng *rand.Rand) time.Duration {
	wait := c.InitialDelay
	if wait <= 0 {
		return 0
	}

	growth := max(c.Multiplier, 1)
	for i := 1; i < retry; i++ {
		if c.MaxDelay > 0 && wait >= c.MaxDelay {
			break
		}
		wait = time.Duration(float64(wait) * growth)
	}
	if c.MaxDelay > 0 && wait > c.MaxDelay {
		wait = c.MaxDelay
	}

	if !c.Jitter {
		return wait
	}
	scale := 0.5
	if rng != nil {
		scale += rng.Float64()
	}
	return time.Duration(float64(wait) * scale)
}

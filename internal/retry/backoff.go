// Package retry provides bounded exponential backoff with jitter.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff computes capped exponential delays: Base*Factor^(attempt-1),
// never above Max, scaled by a random factor in [0.5, 1.5) unless NoJitter.
// A Factor of 1 gives a constant delay; zero means Default.Factor.
type Backoff struct {
	Base     time.Duration `mapstructure:"base" validate:"gte=0"`
	Max      time.Duration `mapstructure:"max" validate:"gte=0"`
	Factor   float64       `mapstructure:"factor" validate:"omitempty,gte=1"`
	NoJitter bool          `mapstructure:"no_jitter"`
}

// Default is used for zero-valued fields.
var Default = Backoff{Base: 200 * time.Millisecond, Max: 30 * time.Second, Factor: 2}

// Duration returns the delay before retry number attempt (1-based).
func (b Backoff) Duration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = Default.Base
	}
	factor := b.Factor
	if factor == 0 {
		factor = Default.Factor
	}
	limit := b.Max
	if limit <= 0 {
		limit = Default.Max
	}

	delay := float64(base) * math.Pow(factor, float64(attempt-1))
	if delay > float64(limit) || math.IsInf(delay, 0) {
		delay = float64(limit)
	}
	if !b.NoJitter {
		delay *= 0.5 + rand.Float64()
	}
	return time.Duration(delay)
}

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// DefaultMax caps every computed delay unless overridden.
const DefaultMax = 300000 * time.Millisecond

// RandomSource returns a value in [0, 1).
type RandomSource func() float64

type options struct {
	max    time.Duration
	random RandomSource
}

// Option tweaks a single Delay computation.
type Option func(*options)

// WithMax overrides DefaultMax. Non-positive values are ignored.
func WithMax(max time.Duration) Option {
	return func(o *options) {
		if max > 0 {
			o.max = max
		}
	}
}

// WithRandom injects the jitter source.
func WithRandom(src RandomSource) Option {
	return func(o *options) {
		if src != nil {
			o.random = src
		}
	}
}

// Delay returns min(base*2^(retryCount-1) + random()*base, max).
// retryCount values below 1 are treated as 1.
func Delay(base time.Duration, retryCount int, opts ...Option) time.Duration {
	o := options{max: DefaultMax, random: rand.Float64}
	for _, opt := range opts {
		opt(&o)
	}
	if base <= 0 {
		return 0
	}
	if retryCount < 1 {
		retryCount = 1
	}

	jitter := clampUnit(o.random()) * float64(base)
	exp := float64(base) * math.Pow(2, float64(retryCount-1))
	total := exp + jitter
	if math.IsInf(total, 0) || math.IsNaN(total) || total >= float64(o.max) {
		return o.max
	}
	return time.Duration(total)
}

// Calculator binds a base and max for callers that hold configuration.
type Calculator struct {
	Base   time.Duration
	Max    time.Duration
	Random RandomSource
}

// Delay computes the delay for retryCount using the calculator settings.
func (c Calculator) Delay(retryCount int) time.Duration {
	return Delay(c.Base, retryCount, WithMax(c.Max), WithRandom(c.Random))
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v >= 1:
		return math.Nextafter(1, 0)
	default:
		return v
	}
}

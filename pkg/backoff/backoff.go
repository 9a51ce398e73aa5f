package backoff

import (
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func Exponential(initialInterval, maxInterval time.Duration, multiplier float64) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initialInterval
	exp.MaxInterval = maxInterval
	exp.Multiplier = multiplier
	exp.MaxElapsedTime = 0
	return exp
}

func ExponentialWithMaxElapsed(initialInterval, maxInterval, maxElapsed time.Duration, multiplier float64) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initialInterval
	exp.MaxInterval = maxInterval
	exp.Multiplier = multiplier
	exp.MaxElapsedTime = maxElapsed
	return exp
}

// Delay computes the wait before attempt N (zero-based) of an
// exponential schedule, capped at maxInterval.
func Delay(attempt int, initialInterval time.Duration, multiplier float64, maxInterval time.Duration) time.Duration {
	duration := float64(initialInterval) * math.Pow(multiplier, float64(attempt))
	if duration > float64(maxInterval) {
		return maxInterval
	}
	return time.Duration(duration)
}

// DelayWithJitter spreads Delay by up to +/- jitter fraction so that a
// burst of failures does not resubmit in lockstep. The result stays
// within (0, maxInterval].
func DelayWithJitter(attempt int, initialInterval time.Duration, multiplier float64, maxInterval time.Duration, jitter float64) time.Duration {
	base := Delay(attempt, initialInterval, multiplier, maxInterval)
	if jitter <= 0 {
		return base
	}
	if jitter > 1 {
		jitter = 1
	}

	spread := (rand.Float64()*2 - 1) * jitter * float64(base)
	d := time.Duration(float64(base) + spread)
	if d <= 0 {
		d = initialInterval
	}
	if d > maxInterval {
		d = maxInterval
	}
	return d
}

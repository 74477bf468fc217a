// Package backoff provides constant, incremental and exponential retry delays.
package backoff

import (
	"math"
	"time"
)

// Kind selects the growth of the delay between attempts.
type Kind string

const (
	Constant    Kind = "constant"
	Incremental Kind = "incremental"
	Exponential Kind = "exponential"
)

// ceiling caps every schedule so exponential growth cannot overflow.
const ceiling = time.Hour

// Config for a backoff schedule. Zero values use defaults.
type Config struct {
	Kind     Kind          // default: constant
	Period   time.Duration // default: 3s
	Exponent float64       // exponential only, default: 2
	Max      time.Duration // default: 1h
}

// Delay returns the wait before the given retry attempt.
// Attempt 1 is the first retry.
//
//   - constant:    period
//   - incremental: period * attempt
//   - exponential: period * exponent^(attempt-1)
func (c Config) Delay(attempt int) time.Duration {
	period := 3 * time.Second
	if c.Period > 0 {
		period = c.Period
	}
	maxDelay := ceiling
	if c.Max > 0 && c.Max < ceiling {
		maxDelay = c.Max
	}
	if attempt < 1 {
		attempt = 1
	}

	var delay float64
	switch c.Kind {
	case Incremental:
		delay = float64(period) * float64(attempt)
	case Exponential:
		exponent := 2.0
		if c.Exponent > 0 {
			exponent = c.Exponent
		}
		delay = float64(period) * math.Pow(exponent, float64(attempt-1))
	default:
		delay = float64(period)
	}

	if delay > float64(maxDelay) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		return maxDelay
	}
	return time.Duration(delay)
}

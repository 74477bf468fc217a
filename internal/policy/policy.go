// Package policy resolves the delivery policy a retry sequence runs under.
//
// The effective policy is the consumer's override if set, else the broker
// default, else the built-in default: constant 3s backoff, unbounded
// attempts, no circuit breaker, every non-success outcome retryable.
package policy

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"time"

	"eventbroker/internal/apperrors"
	"eventbroker/internal/resources"
	"eventbroker/pkg/backoff"
	"eventbroker/pkg/circuitbreaker"
	"eventbroker/pkg/cloudevent"
)

// DefaultPeriod is the built-in backoff period.
const DefaultPeriod = 3 * time.Second

// Default returns the built-in policy.
func Default() resources.DeliveryPolicy {
	return resources.DeliveryPolicy{
		Backoff: &resources.BackoffDuration{Type: resources.BackoffConstant, Period: DefaultPeriod},
	}
}

// Resolve picks the effective policy. The result never aliases its inputs.
func Resolve(override, brokerDefault *resources.DeliveryPolicy) resources.DeliveryPolicy {
	switch {
	case override != nil:
		return *override.Clone()
	case brokerDefault != nil:
		return *brokerDefault.Clone()
	default:
		return Default()
	}
}

// Resolver holds the broker default so it can change while engines run.
type Resolver struct {
	brokerDefault atomic.Pointer[resources.DeliveryPolicy]
}

// NewResolver creates a resolver with an optional broker default.
func NewResolver(brokerDefault *resources.DeliveryPolicy) *Resolver {
	r := &Resolver{}
	r.SetDefault(brokerDefault)
	return r
}

// SetDefault replaces the broker default. Sequences already running keep
// the policy they resolved.
func (r *Resolver) SetDefault(p *resources.DeliveryPolicy) {
	r.brokerDefault.Store(p.Clone())
}

// Resolve returns the effective policy for a consumer override.
func (r *Resolver) Resolve(override *resources.DeliveryPolicy) resources.DeliveryPolicy {
	return Resolve(override, r.brokerDefault.Load())
}

// Backoff converts the policy's backoff into a schedule. A missing backoff
// or period falls back to the built-in constant period.
func Backoff(p resources.DeliveryPolicy) backoff.Config {
	cfg := backoff.Config{Kind: backoff.Constant, Period: DefaultPeriod}
	if p.Backoff == nil {
		return cfg
	}
	switch p.Backoff.Type {
	case resources.BackoffIncremental:
		cfg.Kind = backoff.Incremental
	case resources.BackoffExponential:
		cfg.Kind = backoff.Exponential
	}
	if p.Backoff.Period > 0 {
		cfg.Period = p.Backoff.Period
	}
	if p.Backoff.Exponent != nil {
		cfg.Exponent = *p.Backoff.Exponent
	}
	return cfg
}

// Breaker returns the circuit breaker configuration, if the policy has one.
func Breaker(p resources.DeliveryPolicy) (circuitbreaker.Config, bool) {
	if p.CircuitBreaker == nil || p.CircuitBreaker.BreakAfter <= 0 {
		return circuitbreaker.Config{}, false
	}
	return circuitbreaker.Config{
		Threshold: p.CircuitBreaker.BreakAfter,
		Cooldown:  p.CircuitBreaker.BreakDuration,
	}, true
}

// Exhausted reports whether attempts have used up the policy's budget.
func Exhausted(p resources.DeliveryPolicy, attempts int) bool {
	return p.MaxAttempts != nil && attempts >= *p.MaxAttempts
}

// Retryable reports whether a delivery error should be retried. HTTP
// failures are matched against the status-code allow-list; transport
// failures are always retryable. Cancellation and validation errors never are.
func Retryable(p resources.DeliveryPolicy, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, apperrors.ErrValidation) {
		return false
	}
	if code, ok := cloudevent.StatusCode(err); ok {
		return len(p.StatusCodes) == 0 || slices.Contains(p.StatusCodes, code)
	}
	return true
}

// Validate checks a policy for values no schedule can run with.
func Validate(field string, p *resources.DeliveryPolicy) error {
	if p == nil {
		return nil
	}
	if b := p.Backoff; b != nil {
		switch b.Type {
		case resources.BackoffConstant, resources.BackoffIncremental, resources.BackoffExponential:
		default:
			return apperrors.Validation(field+".backoff.type", "must be constant, incremental or exponential")
		}
		if b.Period < 0 {
			return apperrors.Validation(field+".backoff.period", "must not be negative")
		}
		if b.Exponent != nil && *b.Exponent <= 1 {
			return apperrors.Validation(field+".backoff.exponent", "must be greater than 1")
		}
	}
	if p.MaxAttempts != nil && *p.MaxAttempts < 1 {
		return apperrors.Validation(field+".maxAttempts", "must be at least 1")
	}
	for _, code := range p.StatusCodes {
		if code < 100 || code > 599 {
			return apperrors.Validation(field+".statusCodes", "must be HTTP status codes")
		}
	}
	if cb := p.CircuitBreaker; cb != nil && (cb.BreakAfter < 1 || cb.BreakDuration <= 0) {
		return apperrors.Validation(field+".circuitBreaker", "breakAfter and breakDuration must be positive")
	}
	return nil
}

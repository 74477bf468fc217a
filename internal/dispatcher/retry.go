package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"eventbroker/internal/policy"
	"eventbroker/internal/resources"
	"eventbroker/pkg/circuitbreaker"
)

// retry re-attempts a failed delivery under pol until it succeeds or the
// policy gives up. The policy was resolved when the sequence started, so a
// broker default change only affects the next sequence. Attempts rejected
// by an open circuit count against the budget and wait for the backoff delay.
func (e *Engine) retry(ctx context.Context, pol resources.DeliveryPolicy, p *pipeline, event cloudevents.Event, cause error) error {
	schedule := policy.Backoff(pol)

	var breaker *circuitbreaker.Breaker
	if cfg, ok := policy.Breaker(pol); ok {
		breaker = circuitbreaker.New(e.Key(), cfg, e.logger)
	}

	lastErr := cause
	attempt := 0
	for !policy.Exhausted(pol, attempt) {
		attempt++
		delay := schedule.Delay(attempt)
		e.logger.Debug("Retrying delivery", "attempt", attempt, "delay", delay, "last_error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		e.metrics.RecordDispatchRetry(ctx, e.kind)
		err := e.attempt(ctx, breaker, p, event)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, circuitbreaker.ErrOpen) {
			continue
		}
		if !policy.Retryable(pol, err) {
			return err
		}
		if err.Error() != lastErr.Error() {
			e.writeSubscriber(ctx, resources.SubscriberUnreachable, err.Error())
		}
		lastErr = err
	}
	return fmt.Errorf("delivery failed after %d retry attempts: %w", attempt, lastErr)
}

func (e *Engine) attempt(ctx context.Context, breaker *circuitbreaker.Breaker, p *pipeline, event cloudevents.Event) error {
	if breaker == nil {
		return e.send(ctx, p, event, false)
	}
	return breaker.Do(func() error {
		return e.send(ctx, p, event, false)
	})
}

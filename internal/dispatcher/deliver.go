package dispatcher

import (
	"context"
	"fmt"
	"net/url"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"golang.org/x/time/rate"

	"eventbroker/internal/apperrors"
	"eventbroker/internal/feed"
	"eventbroker/internal/filter"
	"eventbroker/internal/mutation"
	"eventbroker/internal/policy"
	"eventbroker/internal/resources"
)

// pipeline is the compiled per-generation delivery configuration.
type pipeline struct {
	address  string
	override *resources.DeliveryPolicy
	tracks   bool
	filter   *filter.Filter
	mutator  mutation.Mutator
	limiter  *rate.Limiter
}

func (e *Engine) compile(c *resources.Consumer) (*pipeline, error) {
	address := e.target.Address(c)
	u, err := url.Parse(address)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, apperrors.Validation("spec.subscriber.uri", fmt.Sprintf("invalid subscriber address %q", address))
	}

	f, err := filter.New(c.Spec.Filter)
	if err != nil {
		return nil, err
	}
	m, err := mutation.New(c.Spec.Mutation, e.sender)
	if err != nil {
		return nil, err
	}

	p := &pipeline{
		address:  address,
		override: e.target.PolicyOverride(c).Clone(),
		tracks:   e.target.TracksOffsets(c),
		filter:   f,
		mutator:  m,
	}
	if r := c.Spec.Subscriber.RateLimit; r != nil && *r > 0 {
		// One delivery per 1/rate seconds.
		p.limiter = rate.NewLimiter(rate.Limit(*r), 1)
	}
	return p, nil
}

func (e *Engine) currentPipeline() *pipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pipeline
}

// process runs one record through filter, mutation and delivery. With
// retry set, a retryable delivery failure enters a retry sequence; with
// catchUp also set, a successful retry is followed by catch-up.
func (e *Engine) process(cy *cycle, rec feed.Record, retry, catchUp bool) error {
	p := e.currentPipeline()
	ctx := cy.ctx

	event, err := rec.Event()
	if err != nil {
		return apperrors.Invalid("record", err)
	}
	if !p.filter.Match(event) {
		e.metrics.RecordDispatchFiltered(ctx, e.kind)
		e.advance(rec.Offset)
		return nil
	}

	event, err = p.mutator.Mutate(ctx, event)
	if err != nil {
		return err
	}
	if err := mutation.Validate(event); err != nil {
		return err
	}

	sendErr := e.send(ctx, p, event, true)
	if sendErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pol := e.resolver.Resolve(p.override)
		if !retry || !policy.Retryable(pol, sendErr) {
			return sendErr
		}

		e.markUnreachable(ctx, sendErr)
		if err := e.retry(ctx, pol, p, event, sendErr); err != nil {
			return err
		}
		e.markReachable(ctx)
		if err := e.commit(ctx, p, rec.Offset); err != nil {
			return err
		}
		if catchUp {
			e.startCatchUp(cy)
		}
		return nil
	}

	e.markReachable(ctx)
	return e.commit(ctx, p, rec.Offset)
}

// send posts the event once. The rate limiter paces first attempts only;
// retries are paced by the backoff schedule.
func (e *Engine) send(ctx context.Context, p *pipeline, event cloudevents.Event, limited bool) error {
	if limited && p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	start := time.Now()
	if err := e.sender.Send(ctx, p.address, event); err != nil {
		e.metrics.RecordDispatchFailed(ctx, e.kind)
		return err
	}
	e.metrics.RecordDispatchDelivered(ctx, e.kind, time.Since(start).Seconds())
	return nil
}

// commit records offset as delivered. Tracked consumers persist
// ackedOffset := offset+1, never moving it backwards.
func (e *Engine) commit(ctx context.Context, p *pipeline, offset uint64) error {
	e.advance(offset)
	if !p.tracks {
		return nil
	}
	next := offset + 1
	return e.updateStatus(ctx, func(s *resources.Status) {
		if acked, ok := s.AckedOffset(); ok && acked >= next {
			return
		}
		if s.Stream == nil {
			s.Stream = &resources.StreamStatus{}
		}
		s.Stream.AckedOffset = &next
	})
}

// advance moves the in-memory position past offset.
func (e *Engine) advance(offset uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if offset+1 > e.position {
		e.position = offset + 1
	}
}

func (e *Engine) markUnreachable(ctx context.Context, cause error) {
	e.syncMu.Lock()
	e.outOfSync = true
	e.syncMu.Unlock()

	e.mu.Lock()
	e.subscriber = resources.SubscriberUnreachable
	e.mu.Unlock()

	e.logger.Warn("Subscriber unreachable", "error", cause)
	e.writeSubscriber(ctx, resources.SubscriberUnreachable, cause.Error())
}

func (e *Engine) markReachable(ctx context.Context) {
	e.mu.Lock()
	was := e.subscriber
	e.subscriber = resources.SubscriberReachable
	e.mu.Unlock()

	if was == resources.SubscriberUnreachable {
		e.logger.Info("Subscriber reachable again")
	}
	e.writeSubscriber(ctx, resources.SubscriberReachable, "")
}

// writeSubscriber persists the subscriber status. Failures are logged only:
// reachability is informational and retried on the next state change.
func (e *Engine) writeSubscriber(ctx context.Context, state resources.SubscriberState, reason string) {
	err := e.updateStatus(ctx, func(s *resources.Status) {
		s.Subscriber = &resources.SubscriberStatus{State: state, Reason: reason}
	})
	if err != nil && !isCanceled(err) {
		e.logger.Warn("Failed to update subscriber status", "state", state, "error", err)
	}
}

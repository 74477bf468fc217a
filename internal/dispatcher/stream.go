package dispatcher

import (
	"errors"
	"fmt"
	"time"

	"eventbroker/internal/feed"
	"eventbroker/internal/resources"
)

// errSubscriptionClosed is reported when the feed ends a live subscription on its own.
var errSubscriptionClosed = errors.New("feed subscription closed")

// run is the live loop of a cycle. Events are handled one at a time.
func (e *Engine) run(cy *cycle, resume uint64) {
	sub, tail, err := e.openStream(cy, resume)
	if err != nil {
		e.fault(err)
		return
	}

	e.syncMu.Lock()
	e.tail = tail
	behind := resume < tail
	e.syncMu.Unlock()

	e.setState(StateStreaming)
	if behind {
		e.startCatchUp(cy)
	} else {
		e.logger.Debug("Nothing to catch up", "offset", resume)
	}

	for {
		select {
		case <-cy.ctx.Done():
			return
		case rec, ok := <-sub:
			if !ok {
				if cy.ctx.Err() == nil {
					e.fault(errSubscriptionClosed)
				}
				return
			}
			if err := e.handleLive(cy, rec); err != nil {
				e.fault(err)
				return
			}
		}
	}
}

// openStream subscribes to the consumer's stream and captures its tail. A
// stream that does not exist yet is retried on a fixed interval.
func (e *Engine) openStream(cy *cycle, resume uint64) (<-chan feed.Record, uint64, error) {
	c := e.current()
	for {
		sub, tail, err := e.subscribe(cy, c.Spec.Partition, resume)
		if err == nil {
			return sub, tail, nil
		}
		if !errors.Is(err, feed.ErrStreamNotFound) {
			return nil, 0, err
		}

		e.logger.Debug("Stream not found, waiting", "partition", c.Spec.Partition.String(), "retry_in", e.config.StreamRetryInterval)
		select {
		case <-cy.ctx.Done():
			return nil, 0, cy.ctx.Err()
		case <-time.After(e.config.StreamRetryInterval):
		}
	}
}

func (e *Engine) subscribe(cy *cycle, partition *resources.PartitionReference, resume uint64) (<-chan feed.Record, uint64, error) {
	md, err := e.feed.Metadata(cy.ctx, partition)
	if err != nil {
		return nil, 0, err
	}
	from := max(resume, md.Length)
	sub, err := e.feed.Subscribe(cy.ctx, partition, int64(from))
	if err != nil {
		return nil, 0, err
	}
	return sub, md.Length, nil
}

// handleLive processes one live record. It always advances the known tail;
// the record is dropped while the engine is faulted or out of sync, since
// catch-up will read it from the feed.
func (e *Engine) handleLive(cy *cycle, rec feed.Record) error {
	e.syncMu.Lock()
	if rec.Offset+1 > e.tail {
		e.tail = rec.Offset + 1
	}
	drop := e.outOfSync
	e.syncMu.Unlock()

	if drop || e.isFaulted() {
		return nil
	}
	if floor := e.floor(); rec.Offset < floor {
		e.logger.Debug("Skipping record below acknowledged offset", "offset", rec.Offset, "acked", floor)
		return nil
	}

	if err := e.process(cy, rec, true, true); err != nil {
		if isCanceled(err) {
			return nil
		}
		return fmt.Errorf("offset %d: %w", rec.Offset, err)
	}
	return nil
}

// floor is the lowest offset still to be delivered.
func (e *Engine) floor() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.target.TracksOffsets(e.consumer) {
		if acked, ok := e.consumer.Status.AckedOffset(); ok {
			return acked
		}
	}
	return e.position
}

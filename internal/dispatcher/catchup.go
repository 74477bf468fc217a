package dispatcher

import (
	"errors"
	"fmt"
	"time"

	"eventbroker/internal/feed"
)

// startCatchUp marks the engine out of sync and backfills from the
// acknowledged offset to the known tail in the background.
func (e *Engine) startCatchUp(cy *cycle) {
	e.syncMu.Lock()
	e.outOfSync = true
	e.syncMu.Unlock()

	cy.wg.Add(1)
	go func() {
		defer cy.wg.Done()
		if err := e.catchUp(cy); err != nil {
			e.fault(err)
		}
	}()
}

// catchUp delivers records one by one with point reads. It stops once the
// cursor reaches the tail; the tail check and clearing the out-of-sync flag
// happen under one lock so no live record slips between them. The flag is
// cleared on every exit.
func (e *Engine) catchUp(cy *cycle) error {
	defer func() {
		e.syncMu.Lock()
		e.outOfSync = false
		e.syncMu.Unlock()
		e.setState(StateStreaming)
	}()
	e.setState(StateCatchingUp)

	cursor := e.floor()
	partition := e.current().Spec.Partition
	start := cursor
	e.logger.Info("Catch-up started", "from", cursor)

	for {
		e.syncMu.Lock()
		if cursor >= e.tail {
			e.outOfSync = false
			e.syncMu.Unlock()
			e.logger.Info("Catch-up complete", "from", start, "to", cursor)
			return nil
		}
		e.syncMu.Unlock()

		rec, err := e.feed.ReadOne(cy.ctx, partition, feed.Forwards, int64(cursor))
		if errors.Is(err, feed.ErrNotFound) {
			select {
			case <-cy.ctx.Done():
				return nil
			case <-time.After(e.config.CatchUpPollInterval):
			}
			continue
		}
		if err != nil {
			if isCanceled(err) || cy.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("catch-up read at offset %d: %w", cursor, err)
		}

		e.metrics.RecordCatchUpEvent(cy.ctx, e.kind)
		if err := e.process(cy, *rec, true, false); err != nil {
			if isCanceled(err) || cy.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("catch-up offset %d: %w", cursor, err)
		}
		cursor++
	}
}

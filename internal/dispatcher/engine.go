package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"eventbroker/internal/apperrors"
	"eventbroker/internal/feed"
	"eventbroker/internal/policy"
	"eventbroker/internal/registry"
	"eventbroker/internal/resources"
	"eventbroker/pkg/cloudevent"
)

// Engine dispatches the event feed to a single consumer.
type Engine struct {
	target   Target
	feed     feed.Feed
	registry registry.Registry
	resolver *policy.Resolver
	sender   *cloudevent.Sender
	metrics  MetricsRecorder
	config   Config
	logger   *slog.Logger
	kind     string

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	initMu sync.Mutex // one stream-initialization cycle at a time

	mu         sync.Mutex
	consumer   *resources.Consumer // last known version
	pipeline   *pipeline
	state      State
	faulted    bool
	subscriber resources.SubscriberState
	position   uint64 // next offset to deliver, for consumers without tracking
	cycle      *cycle

	syncMu    sync.Mutex // guards tail and outOfSync together
	tail      uint64
	outOfSync bool

	statusMu sync.Mutex // serializes status patches
}

// cycle is one stream-initialization cycle: the live loop plus any catch-up.
type cycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine for a consumer. The engine does nothing until Initialize.
func New(parent context.Context, c *resources.Consumer, deps Deps, cfg Config) (*Engine, error) {
	target, err := TargetFor(c.Kind)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	ctx, cancel := context.WithCancel(parent)
	subscriber := resources.SubscriberUnknown
	if c.Status.Subscriber != nil && c.Status.Subscriber.State != "" {
		subscriber = c.Status.Subscriber.State
	}

	return &Engine{
		target:     target,
		feed:       deps.Feed,
		registry:   deps.Registry,
		resolver:   policy.NewResolver(nil),
		sender:     cloudevent.NewSender(cfg.HTTPTimeout),
		metrics:    metrics,
		config:     cfg,
		kind:       string(c.Kind),
		logger:     logger.With("component", "dispatcher", "kind", c.Kind, "namespace", c.Metadata.Namespace, "name", c.Metadata.Name),
		ctx:        ctx,
		cancel:     cancel,
		consumer:   c.Clone(),
		state:      StateUninitialized,
		subscriber: subscriber,
	}, nil
}

// Key returns the consumer's namespace/name.
func (e *Engine) Key() string {
	return e.current().Metadata.Key()
}

// SetDefaultPolicy replaces the broker default policy. It applies from the
// next retry sequence on.
func (e *Engine) SetDefaultPolicy(p *resources.DeliveryPolicy) {
	e.resolver.SetDefault(p)
}

// Initialize starts a fresh stream-initialization cycle, cancelling and
// awaiting the current one. Consumers with a persisted fault stay dormant.
func (e *Engine) Initialize() error {
	e.initMu.Lock()
	defer e.initMu.Unlock()

	e.stopCycle()
	if e.ctx.Err() != nil {
		return nil
	}
	if err := e.initialize(); err != nil {
		if isCanceled(err) {
			return nil
		}
		e.fault(err)
		return err
	}
	return nil
}

func (e *Engine) initialize() error {
	c := e.current()
	if c.Status.Fault() != nil {
		e.mu.Lock()
		e.faulted = true
		e.state = StateFaulted
		e.mu.Unlock()
		e.logger.Info("Consumer is faulted, skipping initialization")
		return nil
	}

	e.mu.Lock()
	e.faulted = false
	e.state = StateInitializing
	e.mu.Unlock()

	p, err := e.compile(c)
	if err != nil {
		return err
	}

	resume, adopt, err := e.resumption(c)
	if err != nil {
		return err
	}

	if err := e.updateStatus(e.ctx, func(s *resources.Status) {
		s.Phase = resources.PhaseActive
		s.ObservedGeneration = c.Metadata.Generation
		if adopt {
			if s.Stream == nil {
				s.Stream = &resources.StreamStatus{}
			}
			offset := resume
			s.Stream.AckedOffset = &offset
		}
	}); err != nil {
		return fmt.Errorf("failed to persist initial status: %w", err)
	}

	cctx, cancel := context.WithCancel(e.ctx)
	cy := &cycle{ctx: cctx, cancel: cancel}

	e.mu.Lock()
	e.pipeline = p
	e.position = resume
	e.cycle = cy
	e.mu.Unlock()

	e.syncMu.Lock()
	e.outOfSync = false
	e.syncMu.Unlock()

	e.logger.Info("Engine initialized", "resume_offset", resume, "adopted_spec_offset", adopt, "generation", c.Metadata.Generation)

	cy.wg.Add(1)
	go func() {
		defer cy.wg.Done()
		e.run(cy, resume)
	}()
	return nil
}

// resumption computes where streaming resumes and whether that offset is
// newly adopted from spec.stream.offset. That offset is a one-shot directive: it is
// only adopted when nothing was acknowledged yet or when a generation bump
// asks for an offset different from the acknowledged one.
func (e *Engine) resumption(c *resources.Consumer) (uint64, bool, error) {
	desired, err := e.resolveOffset(c, c.Spec.Stream.DesiredOffset())
	if err != nil {
		return 0, false, err
	}
	if !e.target.TracksOffsets(c) {
		return desired, false, nil
	}

	acked, ok := c.Status.AckedOffset()
	if !ok || (c.Metadata.Generation > c.Status.ObservedGeneration && desired != acked) {
		return desired, true, nil
	}
	return acked, false, nil
}

// resolveOffset maps EndOfStream to the stream length. A partition that
// does not exist yet has length zero.
func (e *Engine) resolveOffset(c *resources.Consumer, offset int64) (uint64, error) {
	if offset >= 0 {
		return uint64(offset), nil
	}
	md, err := e.feed.Metadata(e.ctx, c.Spec.Partition)
	if errors.Is(err, feed.ErrStreamNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read stream metadata: %w", err)
	}
	return md.Length, nil
}

// Update applies a newer version of the consumer. Versions older than the
// last known one are ignored unless they carry a newer generation. A changed
// desired offset or partition, a cleared fault, or a spec edit on a faulted
// engine restarts initialization; other spec edits are applied to the
// running pipeline.
func (e *Engine) Update(c *resources.Consumer) {
	e.mu.Lock()
	prev := e.consumer
	stale := c.Metadata.ResourceVersion != 0 && c.Metadata.ResourceVersion < prev.Metadata.ResourceVersion
	if stale && c.Metadata.Generation <= prev.Metadata.Generation {
		e.mu.Unlock()
		return
	}
	next := c.Clone()
	if stale {
		// A status patch written after this edit is newer than its status.
		next.Status = prev.Status.Clone()
		next.Metadata.ResourceVersion = prev.Metadata.ResourceVersion
	}
	e.consumer = next
	faulted := e.faulted
	e.mu.Unlock()

	specChanged := next.Metadata.Generation != prev.Metadata.Generation
	restart := false
	switch {
	case faulted:
		restart = (prev.Status.Fault() != nil && next.Status.Fault() == nil) || specChanged
	case specChanged:
		restart = prev.Spec.Stream.DesiredOffset() != next.Spec.Stream.DesiredOffset() ||
			e.target.TracksOffsets(prev) != e.target.TracksOffsets(next) ||
			prev.Spec.Partition.String() != next.Spec.Partition.String()
	}

	if restart {
		e.logger.Info("Consumer reconfigured, reinitializing", "generation", next.Metadata.Generation)
		e.bg.Add(1)
		go func() {
			defer e.bg.Done()
			_ = e.Initialize()
		}()
		return
	}
	if specChanged && !faulted {
		e.reconfigure(next)
	}
}

// reconfigure swaps the pipeline for a spec edit that keeps the stream position.
func (e *Engine) reconfigure(c *resources.Consumer) {
	p, err := e.compile(c)
	if err != nil {
		e.fault(err)
		return
	}
	e.mu.Lock()
	e.pipeline = p
	e.mu.Unlock()

	if err := e.updateStatus(e.ctx, func(s *resources.Status) {
		s.ObservedGeneration = c.Metadata.Generation
	}); err != nil && !isCanceled(err) {
		e.logger.Warn("Failed to record observed generation", "error", err)
	}
}

// Shutdown stops the engine and marks the consumer Inactive, best effort.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.initMu.Lock()
	e.stopCycle()
	e.initMu.Unlock()

	err := e.updateStatus(ctx, func(s *resources.Status) {
		s.Phase = resources.PhaseInactive
	})
	if err != nil && !isCanceled(err) {
		e.logger.Warn("Failed to mark consumer inactive", "error", err)
	}

	e.Dispose()
	e.mu.Lock()
	e.state = StateInactive
	e.mu.Unlock()
	return err
}

// Dispose cancels all work and releases HTTP resources without touching the consumer.
func (e *Engine) Dispose() {
	e.cancel()
	e.initMu.Lock()
	e.stopCycle()
	e.initMu.Unlock()
	e.bg.Wait()
	e.sender.CloseIdleConnections()
}

// Snapshot returns the engine's current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	c := e.consumer
	s := Snapshot{
		Kind:       c.Kind,
		Namespace:  c.Metadata.Namespace,
		Name:       c.Metadata.Name,
		Generation: c.Metadata.Generation,
		State:      e.state,
		Subscriber: e.subscriber,
	}
	if acked, ok := c.Status.AckedOffset(); ok {
		s.AckedOffset = &acked
	}
	e.mu.Unlock()

	e.syncMu.Lock()
	s.Tail = e.tail
	s.OutOfSync = e.outOfSync
	e.syncMu.Unlock()
	return s
}

// stopCycle cancels the current cycle and waits for its goroutines. Callers hold initMu.
func (e *Engine) stopCycle() {
	e.mu.Lock()
	cy := e.cycle
	e.cycle = nil
	e.mu.Unlock()
	if cy == nil {
		return
	}
	cy.cancel()
	cy.wg.Wait()
}

// fault freezes the engine and persists the error on the consumer when it
// tracks offsets. The consumer stays dormant until the fault is cleared.
func (e *Engine) fault(err error) {
	if isCanceled(err) {
		return
	}
	e.mu.Lock()
	if e.faulted {
		e.mu.Unlock()
		return
	}
	e.faulted = true
	e.state = StateFaulted
	cy := e.cycle
	c := e.consumer
	e.mu.Unlock()

	if cy != nil {
		cy.cancel()
	}
	e.metrics.RecordDispatchFault(e.ctx, e.kind)
	e.logger.Error("Engine faulted", "error", err)

	if !e.target.TracksOffsets(c) {
		return
	}
	problem := apperrors.Problem(err)
	if perr := e.updateStatus(e.ctx, func(s *resources.Status) {
		if s.Stream == nil {
			s.Stream = &resources.StreamStatus{}
		}
		s.Stream.Fault = problem
	}); perr != nil && !isCanceled(perr) {
		e.logger.Error("Failed to persist fault", "error", perr)
	}
}

func (e *Engine) current() *resources.Consumer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consumer.Clone()
}

func (e *Engine) isFaulted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.faulted
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.faulted {
		e.state = s
	}
}

// updateStatus patches the fields mutate changes relative to the last known
// status. A not-modified answer means the registry already holds the values.
func (e *Engine) updateStatus(ctx context.Context, mutate func(*resources.Status)) error {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	c := e.current()
	next := c.Status.Clone()
	mutate(&next)
	patch := resources.DiffStatus(c.Status, next)
	if len(patch) == 0 {
		return nil
	}

	updated, err := e.registry.PatchStatus(ctx, c.Kind, c.Metadata.Name, c.Metadata.Namespace, patch)
	if errors.Is(err, registry.ErrNotModified) {
		e.mu.Lock()
		e.consumer.Status = next
		e.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}

	// Only status and version are taken from the answer: spec, labels and
	// generation change through Update so that edits are reconciled.
	e.mu.Lock()
	if updated.Metadata.ResourceVersion >= e.consumer.Metadata.ResourceVersion {
		e.consumer.Status = updated.Status.Clone()
		e.consumer.Metadata.ResourceVersion = updated.Metadata.ResourceVersion
	} else {
		e.consumer.Status = next
	}
	e.mu.Unlock()
	return nil
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

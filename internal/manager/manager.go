// Package manager keeps one dispatch engine per eligible consumer.
//
// Subscriptions are eligible when their labels match the broker selector;
// Channels always are. The manager follows registry and broker changes,
// starts and disposes engines accordingly, and broadcasts the broker's
// default delivery policy to every running engine.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"eventbroker/internal/apperrors"
	"eventbroker/internal/dispatcher"
	"eventbroker/internal/feed"
	"eventbroker/internal/registry"
	"eventbroker/internal/resources"
)

// ErrNotStarted is returned by Ready before Start completes.
var ErrNotStarted = errors.New("manager not started")

// kinds are the consumer kinds the manager supervises, in start order.
var kinds = []resources.Kind{resources.KindSubscription, resources.KindChannel}

// MetricsRecorder records dispatch and engine metrics.
type MetricsRecorder interface {
	dispatcher.MetricsRecorder
	RecordEngineActive(ctx context.Context, kind string, delta int64)
}

// Deps are the manager's collaborators.
type Deps struct {
	Feed     feed.Feed
	Registry registry.Registry
	Brokers  registry.BrokerSource // optional; without it every consumer is eligible
	Metrics  MetricsRecorder       // optional
	Logger   *slog.Logger          // optional
}

// Manager supervises dispatch engines.
type Manager struct {
	deps   Deps
	config dispatcher.Config
	logger *slog.Logger
	locks  *keyedMutex

	mu            sync.RWMutex
	engines       map[string]*dispatcher.Engine
	selector      resources.Selector
	defaultPolicy *resources.DeliveryPolicy

	ctx         context.Context
	cancel      context.CancelFunc
	watchCancel context.CancelFunc
	watchers    sync.WaitGroup
	started     atomic.Bool
}

// New creates a manager. Nothing runs until Start.
func New(deps Deps, cfg dispatcher.Config) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deps.Logger = logger
	return &Manager{
		deps:    deps,
		config:  cfg,
		logger:  logger.With("component", "manager"),
		locks:   newKeyedMutex(),
		engines: make(map[string]*dispatcher.Engine),
	}
}

// Start reads the broker, starts an engine for every eligible consumer and
// follows subsequent changes until Stop.
func (m *Manager) Start(ctx context.Context) error {
	if m.started.Load() {
		return errors.New("manager already started")
	}
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	watchCtx, watchCancel := context.WithCancel(m.ctx)
	m.watchCancel = watchCancel

	var brokerEvents <-chan *resources.Broker
	if m.deps.Brokers != nil {
		b, err := m.deps.Brokers.Broker(ctx)
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			m.logger.Warn("No broker configured, dispatching every consumer")
		case err != nil:
			return fmt.Errorf("failed to read broker: %w", err)
		default:
			m.mu.Lock()
			m.selector = b.Spec.Selector.Clone()
			m.defaultPolicy = b.Spec.Dispatch.Policy.Clone()
			m.mu.Unlock()
		}
		brokerEvents, err = m.deps.Brokers.WatchBroker(watchCtx)
		if err != nil {
			return fmt.Errorf("failed to watch broker: %w", err)
		}
	}

	// Watches open before listing so nothing created in between is missed.
	watches := make(map[resources.Kind]<-chan registry.WatchEvent, len(kinds))
	for _, kind := range kinds {
		ch, err := m.deps.Registry.Watch(watchCtx, kind)
		if err != nil {
			watchCancel()
			return fmt.Errorf("failed to watch %s: %w", kind, err)
		}
		watches[kind] = ch
	}

	for _, kind := range kinds {
		var selector resources.Selector
		if kind == resources.KindSubscription {
			selector = m.currentSelector()
		}
		consumers, err := m.deps.Registry.List(ctx, kind, selector)
		if err != nil {
			watchCancel()
			return fmt.Errorf("failed to list %s: %w", kind, err)
		}
		for _, c := range consumers {
			m.reconcile(c)
		}
	}

	for _, kind := range kinds {
		m.watchers.Add(1)
		go m.watch(watchCtx, watches[kind])
	}
	if brokerEvents != nil {
		m.watchers.Add(1)
		go m.watchBroker(watchCtx, brokerEvents)
	}

	m.started.Store(true)
	m.logger.Info("Manager started", "engines", m.count())
	return nil
}

// Stop stops following changes and shuts every engine down, marking its
// consumer Inactive.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.started.Swap(false) {
		return nil
	}
	m.watchCancel()
	m.watchers.Wait()

	m.mu.Lock()
	engines := m.engines
	m.engines = make(map[string]*dispatcher.Engine)
	m.mu.Unlock()

	var g errgroup.Group
	for key, e := range engines {
		g.Go(func() error {
			defer m.recordActive(kindOf(key), -1)
			if err := e.Shutdown(ctx); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			return nil
		})
	}
	err := g.Wait()
	m.cancel()
	m.logger.Info("Manager stopped", "engines", len(engines))
	return err
}

// Ready reports whether the manager is running.
func (m *Manager) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// Engines returns a snapshot of every running engine, ordered by kind,
// namespace and name.
func (m *Manager) Engines() []dispatcher.Snapshot {
	m.mu.RLock()
	out := make([]dispatcher.Snapshot, 0, len(m.engines))
	for _, e := range m.engines {
		out = append(out, e.Snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Namespace != b.Namespace {
			return a.Namespace < b.Namespace
		}
		return a.Name < b.Name
	})
	return out
}

func (m *Manager) watch(ctx context.Context, events <-chan registry.WatchEvent) {
	defer m.watchers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handle(ev)
		}
	}
}

func (m *Manager) handle(ev registry.WatchEvent) {
	switch ev.Type {
	case registry.Created, registry.Updated:
		m.reconcile(ev.Consumer)
	case registry.Deleted:
		key := engineKey(ev.Consumer)
		unlock := m.locks.Lock(key)
		defer unlock()
		m.remove(key, "Consumer deleted")
	}
}

// reconcile brings the engine for c in line with its eligibility: it starts
// a missing engine, disposes one that is no longer eligible, or forwards
// the new version to the running one.
func (m *Manager) reconcile(c *resources.Consumer) {
	key := engineKey(c)
	unlock := m.locks.Lock(key)
	defer unlock()

	eligible, err := m.eligible(c)
	if err != nil {
		m.logger.Error("Ignoring consumer", "key", key, "error", err)
		return
	}

	m.mu.RLock()
	e, running := m.engines[key]
	m.mu.RUnlock()

	switch {
	case eligible && !running:
		m.activate(key, c)
	case !eligible && running:
		m.remove(key, "Consumer no longer selected")
	case running:
		e.Update(c)
	}
}

// activate starts an engine. A failed initialization leaves the engine
// registered and faulted so that clearing the fault restarts it. Callers
// hold the key lock.
func (m *Manager) activate(key string, c *resources.Consumer) {
	e, err := dispatcher.New(m.ctx, c, dispatcher.Deps{
		Feed:     m.deps.Feed,
		Registry: m.deps.Registry,
		Metrics:  m.deps.Metrics,
		Logger:   m.deps.Logger,
	}, m.config)
	if err != nil {
		m.logger.Error("Failed to create engine", "key", key, "error", err)
		return
	}

	m.mu.Lock()
	e.SetDefaultPolicy(m.defaultPolicy)
	m.engines[key] = e
	m.mu.Unlock()
	m.recordActive(string(c.Kind), 1)

	if err := e.Initialize(); err != nil {
		m.logger.Warn("Engine failed to initialize", "key", key, "error", err)
		return
	}
	m.logger.Info("Engine started", "key", key)
}

// remove disposes an engine without touching its consumer. Callers hold the key lock.
func (m *Manager) remove(key, reason string) {
	m.mu.Lock()
	e, ok := m.engines[key]
	delete(m.engines, key)
	m.mu.Unlock()
	if !ok {
		return
	}
	e.Dispose()
	m.recordActive(kindOf(key), -1)
	m.logger.Info(reason+", engine disposed", "key", key)
}

func (m *Manager) eligible(c *resources.Consumer) (bool, error) {
	target, err := dispatcher.TargetFor(c.Kind)
	if err != nil {
		return false, err
	}
	if !target.BrokerScoped() {
		return true, nil
	}
	return m.currentSelector().Matches(c.Metadata.Labels), nil
}

func (m *Manager) watchBroker(ctx context.Context, events <-chan *resources.Broker) {
	defer m.watchers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-events:
			if !ok {
				return
			}
			m.applyBroker(ctx, b)
		}
	}
}

// applyBroker broadcasts a changed default policy and re-evaluates
// subscription membership when the selector changed.
func (m *Manager) applyBroker(ctx context.Context, b *resources.Broker) {
	m.mu.Lock()
	policyChanged := !reflect.DeepEqual(m.defaultPolicy, b.Spec.Dispatch.Policy)
	selectorChanged := !m.selector.Equal(b.Spec.Selector)
	m.defaultPolicy = b.Spec.Dispatch.Policy.Clone()
	m.selector = b.Spec.Selector.Clone()
	engines := make([]*dispatcher.Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	policy := m.defaultPolicy
	m.mu.Unlock()

	if policyChanged {
		for _, e := range engines {
			e.SetDefaultPolicy(policy)
		}
		m.logger.Info("Broker default policy updated", "engines", len(engines))
	}
	if !selectorChanged {
		return
	}

	m.logger.Info("Broker selector changed", "selector", b.Spec.Selector.String())
	subs, err := m.deps.Registry.List(ctx, resources.KindSubscription, nil)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.logger.Error("Failed to list subscriptions", "error", err)
		}
		return
	}
	for _, c := range subs {
		m.reconcile(c)
	}
}

func (m *Manager) currentSelector() resources.Selector {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selector
}

func (m *Manager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.engines)
}

func (m *Manager) recordActive(kind string, delta int64) {
	if m.deps.Metrics != nil {
		m.deps.Metrics.RecordEngineActive(m.ctx, kind, delta)
	}
}

// engineKey identifies an engine by kind and namespace/name, so a
// Subscription and a Channel may share a name.
func engineKey(c *resources.Consumer) string {
	return string(c.Kind) + ":" + c.Metadata.Key()
}

func kindOf(key string) string {
	kind, _, _ := strings.Cut(key, ":")
	return kind
}

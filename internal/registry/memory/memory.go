// Package memory provides an in-process consumer registry.
//
// Spec edits bump the generation, every write bumps the resource version, and
// each watcher gets its own unbounded queue of change events. With a Store,
// every write is saved and a consumer created again after a restart picks up
// its saved generation and status.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"eventbroker/internal/apperrors"
	"eventbroker/internal/registry"
	"eventbroker/internal/resources"
)

// Registry is an in-memory registry.Registry and registry.BrokerSource.
type Registry struct {
	mu             sync.RWMutex
	consumers      map[resources.Kind]map[string]*resources.Consumer
	broker         *resources.Broker
	version        uint64
	watchers       map[resources.Kind][]*queue[registry.WatchEvent]
	brokerWatchers []*queue[*resources.Broker]
	store          registry.Store
	logger         *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore saves every consumer write to store and restores from it on create.
func WithStore(store registry.Store) Option {
	return func(r *Registry) { r.store = store }
}

var (
	_ registry.Registry     = (*Registry)(nil)
	_ registry.BrokerSource = (*Registry)(nil)
)

// New creates an empty registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		consumers: make(map[resources.Kind]map[string]*resources.Consumer),
		watchers:  make(map[resources.Kind][]*queue[registry.WatchEvent]),
		logger:    logger.With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func validateConsumer(c *resources.Consumer) error {
	if c == nil {
		return apperrors.Validation("consumer", "is required")
	}
	if c.Kind != resources.KindSubscription && c.Kind != resources.KindChannel {
		return apperrors.Validation("kind", "must be Subscription or Channel")
	}
	if c.Metadata.Name == "" {
		return apperrors.Validation("metadata.name", "is required")
	}
	if c.Spec.Subscriber.URI == "" {
		return apperrors.Validation("spec.subscriber.uri", "is required")
	}
	if r := c.Spec.Subscriber.RateLimit; r != nil && *r <= 0 {
		return apperrors.Validation("spec.subscriber.rateLimit", "must be positive")
	}
	return nil
}

// Apply creates a consumer or updates its labels and spec. A spec change
// bumps the generation; the status is never touched by Apply, except that a
// created consumer restores the status saved in the store.
func (r *Registry) Apply(ctx context.Context, c *resources.Consumer) (*resources.Consumer, error) {
	if err := validateConsumer(c); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byKey := r.consumers[c.Kind]
	if byKey == nil {
		byKey = make(map[string]*resources.Consumer)
		r.consumers[c.Kind] = byKey
	}

	key := c.Metadata.Key()
	next := c.Clone()
	eventType := registry.Created
	if existing, ok := byKey[key]; ok {
		eventType = registry.Updated
		next.Status = existing.Status.Clone()
		next.Metadata.Generation = existing.Metadata.Generation
		if !reflect.DeepEqual(existing.Spec, next.Spec) {
			next.Metadata.Generation++
		}
		if next.Metadata.Generation == existing.Metadata.Generation && reflect.DeepEqual(existing.Metadata.Labels, next.Metadata.Labels) {
			return existing.Clone(), nil
		}
	} else {
		saved, err := r.restore(ctx, next)
		if err != nil {
			return nil, err
		}
		switch {
		case saved != nil:
			next.Status = saved.Status.Clone()
			next.Metadata.Generation = saved.Metadata.Generation
			if !sameSpec(saved.Spec, next.Spec) {
				next.Metadata.Generation++
			}
		case next.Metadata.Generation == 0:
			next.Metadata.Generation = 1
		}
	}

	r.version++
	next.Metadata.ResourceVersion = r.version
	if err := r.save(ctx, next); err != nil {
		return nil, err
	}
	byKey[key] = next
	r.notify(registry.WatchEvent{Type: eventType, Consumer: next.Clone()})
	return next.Clone(), nil
}

// UpdateStatus replaces a consumer's status, as an external operator edit would.
func (r *Registry) UpdateStatus(ctx context.Context, kind resources.Kind, name, namespace string, status resources.Status) (*resources.Consumer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.lookup(kind, name, namespace)
	if err != nil {
		return nil, err
	}
	return r.writeStatus(ctx, c, status.Clone())
}

// Delete removes a consumer.
func (r *Registry) Delete(ctx context.Context, kind resources.Kind, name, namespace string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.lookup(kind, name, namespace)
	if err != nil {
		return err
	}
	if r.store != nil {
		if err := r.store.Delete(ctx, kind, name, namespace); err != nil {
			return apperrors.Unavailable("registry.delete", err)
		}
	}
	delete(r.consumers[kind], c.Metadata.Key())
	r.version++
	gone := c.Clone()
	gone.Metadata.ResourceVersion = r.version
	r.notify(registry.WatchEvent{Type: registry.Deleted, Consumer: gone})
	return nil
}

func (r *Registry) Get(ctx context.Context, kind resources.Kind, name, namespace string) (*resources.Consumer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, err := r.lookup(kind, name, namespace)
	if err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

func (r *Registry) List(ctx context.Context, kind resources.Kind, selector resources.Selector) ([]*resources.Consumer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*resources.Consumer
	for _, c := range r.consumers[kind] {
		if selector.Matches(c.Metadata.Labels) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.Key() < out[j].Metadata.Key()
	})
	return out, nil
}

func (r *Registry) PatchStatus(ctx context.Context, kind resources.Kind, name, namespace string, patch resources.Patch) (*resources.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.lookup(kind, name, namespace)
	if err != nil {
		return nil, err
	}
	status := c.Status.Clone()
	if err := patch.Apply(&status); err != nil {
		return nil, apperrors.Invalid("patch", err)
	}
	if len(resources.DiffStatus(c.Status, status)) == 0 {
		return nil, registry.ErrNotModified
	}
	return r.writeStatus(ctx, c, status)
}

func (r *Registry) Watch(ctx context.Context, kind resources.Kind) (<-chan registry.WatchEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, out := newQueue[registry.WatchEvent](ctx)
	r.watchers[kind] = append(r.watchers[kind], q)
	return out, nil
}

// SetBroker stores the broker and notifies broker watchers.
func (r *Registry) SetBroker(ctx context.Context, b *resources.Broker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.broker = b.Clone()
	live := r.brokerWatchers[:0]
	for _, q := range r.brokerWatchers {
		if q.closed() {
			continue
		}
		q.push(b.Clone())
		live = append(live, q)
	}
	r.brokerWatchers = live
}

// Broker returns the current broker, or a not-found error if none is set.
func (r *Registry) Broker(ctx context.Context) (*resources.Broker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.broker == nil {
		return nil, apperrors.NotFound("broker", "default")
	}
	return r.broker.Clone(), nil
}

func (r *Registry) WatchBroker(ctx context.Context) (<-chan *resources.Broker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, out := newQueue[*resources.Broker](ctx)
	r.brokerWatchers = append(r.brokerWatchers, q)
	return out, nil
}

// lookup finds a stored consumer. Callers hold r.mu.
func (r *Registry) lookup(kind resources.Kind, name, namespace string) (*resources.Consumer, error) {
	key := resources.Metadata{Name: name, Namespace: namespace}.Key()
	c, ok := r.consumers[kind][key]
	if !ok {
		return nil, apperrors.NotFound(string(kind), key)
	}
	return c, nil
}

// writeStatus stores a new status and emits an update. Callers hold r.mu.
func (r *Registry) writeStatus(ctx context.Context, c *resources.Consumer, status resources.Status) (*resources.Consumer, error) {
	next := c.Clone()
	next.Status = status
	r.version++
	next.Metadata.ResourceVersion = r.version
	if err := r.save(ctx, next); err != nil {
		return nil, err
	}
	r.consumers[c.Kind][c.Metadata.Key()] = next
	r.notify(registry.WatchEvent{Type: registry.Updated, Consumer: next.Clone()})
	return next.Clone(), nil
}

// save writes c to the store, if any.
func (r *Registry) save(ctx context.Context, c *resources.Consumer) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.Save(ctx, c); err != nil {
		return apperrors.Unavailable("registry.save", err)
	}
	return nil
}

// restore loads the saved version of a consumer being created. It returns
// nil when there is no store or nothing was saved.
func (r *Registry) restore(ctx context.Context, c *resources.Consumer) (*resources.Consumer, error) {
	if r.store == nil {
		return nil, nil
	}
	saved, err := r.store.Load(ctx, c.Kind, c.Metadata.Name, c.Metadata.Namespace)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Unavailable("registry.load", err)
	}
	r.logger.Info("Restored consumer",
		"kind", c.Kind,
		"key", c.Metadata.Key(),
		"generation", saved.Metadata.Generation)
	return saved, nil
}

// sameSpec compares specs by their JSON form, so a spec that went through
// the store compares equal to the same spec read from a file.
func sameSpec(a, b resources.ConsumerSpec) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

// notify fans an event out to the kind's watchers. Callers hold r.mu.
func (r *Registry) notify(ev registry.WatchEvent) {
	kind := ev.Consumer.Kind
	live := r.watchers[kind][:0]
	for _, q := range r.watchers[kind] {
		if q.closed() {
			continue
		}
		q.push(ev)
		live = append(live, q)
	}
	r.watchers[kind] = live
	r.logger.Debug("consumer changed",
		"type", ev.Type,
		"kind", kind,
		"key", ev.Consumer.Metadata.Key(),
		"resource_version", ev.Consumer.Metadata.ResourceVersion)
}

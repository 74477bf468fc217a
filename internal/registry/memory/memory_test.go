package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventbroker/internal/apperrors"
	"eventbroker/internal/registry"
	"eventbroker/internal/resources"
)

func subscription(name string, labels map[string]string) *resources.Consumer {
	return &resources.Consumer{
		Kind:     resources.KindSubscription,
		Metadata: resources.Metadata{Name: name, Namespace: "default", Labels: labels},
		Spec: resources.ConsumerSpec{
			Stream:     &resources.StreamSpec{},
			Subscriber: resources.Subscriber{URI: "http://subscriber.local"},
		},
	}
}

func next(t *testing.T, ch <-chan registry.WatchEvent) registry.WatchEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch event")
		return registry.WatchEvent{}
	}
}

func TestRegistry_ApplyGeneration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := New(nil)

	created, err := r.Apply(ctx, subscription("a", nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), created.Metadata.Generation)

	// Label-only change keeps the generation.
	relabeled, err := r.Apply(ctx, subscription("a", map[string]string{"tier": "gold"}))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), relabeled.Metadata.Generation)
	assert.Greater(t, relabeled.Metadata.ResourceVersion, created.Metadata.ResourceVersion)

	c := subscription("a", map[string]string{"tier": "gold"})
	offset := int64(4)
	c.Spec.Stream.Offset = &offset
	updated, err := r.Apply(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), updated.Metadata.Generation)
}

func TestRegistry_ApplyValidates(t *testing.T) {
	t.Parallel()
	c := subscription("a", nil)
	c.Spec.Subscriber.URI = ""

	_, err := New(nil).Apply(context.Background(), c)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestRegistry_PatchStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := New(nil)
	_, err := r.Apply(ctx, subscription("a", nil))
	require.NoError(t, err)

	patch := resources.DiffStatus(resources.Status{}, resources.Status{Phase: resources.PhaseActive})
	patched, err := r.PatchStatus(ctx, resources.KindSubscription, "a", "default", patch)
	require.NoError(t, err)
	assert.Equal(t, resources.PhaseActive, patched.Status.Phase)

	_, err = r.PatchStatus(ctx, resources.KindSubscription, "a", "default", patch)
	assert.ErrorIs(t, err, registry.ErrNotModified)

	_, err = r.PatchStatus(ctx, resources.KindSubscription, "missing", "default", patch)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestRegistry_ListSelector(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := New(nil)
	for name, tier := range map[string]string{"a": "gold", "b": "silver", "c": "gold"} {
		_, err := r.Apply(ctx, subscription(name, map[string]string{"tier": tier}))
		require.NoError(t, err)
	}

	gold, err := r.List(ctx, resources.KindSubscription, resources.Selector{"tier": "gold"})
	require.NoError(t, err)
	require.Len(t, gold, 2)
	assert.Equal(t, "a", gold[0].Metadata.Name)
	assert.Equal(t, "c", gold[1].Metadata.Name)

	all, err := r.List(ctx, resources.KindSubscription, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	channels, err := r.List(ctx, resources.KindChannel, nil)
	require.NoError(t, err)
	assert.Empty(t, channels)
}

func TestRegistry_Watch(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(nil)

	ch, err := r.Watch(ctx, resources.KindSubscription)
	require.NoError(t, err)

	_, err = r.Apply(ctx, subscription("a", nil))
	require.NoError(t, err)
	_, err = r.UpdateStatus(ctx, resources.KindSubscription, "a", "default", resources.Status{Phase: resources.PhaseInactive})
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, resources.KindSubscription, "a", "default"))

	ev := next(t, ch)
	assert.Equal(t, registry.Created, ev.Type)
	ev = next(t, ch)
	assert.Equal(t, registry.Updated, ev.Type)
	assert.Equal(t, resources.PhaseInactive, ev.Consumer.Status.Phase)
	ev = next(t, ch)
	assert.Equal(t, registry.Deleted, ev.Type)
	assert.Equal(t, "a", ev.Consumer.Metadata.Name)
}

func TestRegistry_Broker(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(nil)

	_, err := r.Broker(ctx)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	ch, err := r.WatchBroker(ctx)
	require.NoError(t, err)

	r.SetBroker(ctx, &resources.Broker{Spec: resources.BrokerSpec{Selector: resources.Selector{"tier": "gold"}}})

	select {
	case b := <-ch:
		assert.Equal(t, "gold", b.Spec.Selector["tier"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broker change")
	}

	b, err := r.Broker(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tier=gold", b.Spec.Selector.String())
}

// jsonStore keeps consumers as JSON, the way a durable store does.
type jsonStore struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newJSONStore() *jsonStore { return &jsonStore{data: make(map[string][]byte)} }

func storeKey(kind resources.Kind, name, namespace string) string {
	return string(kind) + ":" + namespace + "/" + name
}

func (s *jsonStore) Load(ctx context.Context, kind resources.Kind, name, namespace string) (*resources.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[storeKey(kind, name, namespace)]
	if !ok {
		return nil, apperrors.NotFound(string(kind), namespace+"/"+name)
	}
	var c resources.Consumer
	return &c, json.Unmarshal(data, &c)
}

func (s *jsonStore) Save(ctx context.Context, c *resources.Consumer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	data, err := json.Marshal(c)
	s.data[storeKey(c.Kind, c.Metadata.Name, c.Metadata.Namespace)] = data
	return err
}

func (s *jsonStore) Delete(ctx context.Context, kind resources.Kind, name, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, storeKey(kind, name, namespace))
	return nil
}

func (s *jsonStore) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func TestRegistry_StoreRestoresAfterRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newJSONStore()

	first := New(nil, WithStore(store))
	c := subscription("a", nil)
	c.Spec.Filter = &resources.Filter{Type: resources.FilterAttributes, Attributes: map[string]string{}}
	_, err := first.Apply(ctx, c)
	require.NoError(t, err)
	edited := subscription("a", nil)
	edited.Spec.Filter = c.Spec.Filter
	edited.Spec.Stream.Offset = new(int64)
	_, err = first.Apply(ctx, edited)
	require.NoError(t, err)

	acked := uint64(7)
	patch := resources.DiffStatus(resources.Status{}, resources.Status{
		ObservedGeneration: 2,
		Stream:             &resources.StreamStatus{AckedOffset: &acked},
	})
	_, err = first.PatchStatus(ctx, resources.KindSubscription, "a", "default", patch)
	require.NoError(t, err)

	// The same spec applied to a fresh registry keeps generation and status.
	second := New(nil, WithStore(store))
	restored, err := second.Apply(ctx, edited)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), restored.Metadata.Generation)
	got, ok := restored.Status.AckedOffset()
	require.True(t, ok)
	assert.Equal(t, uint64(7), got)
	assert.Equal(t, uint64(2), restored.Status.ObservedGeneration)
}

func TestRegistry_StoreBumpsGenerationOnChangedSpec(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newJSONStore()

	_, err := New(nil, WithStore(store)).Apply(ctx, subscription("a", nil))
	require.NoError(t, err)

	changed := subscription("a", nil)
	changed.Spec.Stream.Offset = new(int64)
	restored, err := New(nil, WithStore(store)).Apply(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), restored.Metadata.Generation)
}

func TestRegistry_StoreFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newJSONStore()
	r := New(nil, WithStore(store))
	_, err := r.Apply(ctx, subscription("a", nil))
	require.NoError(t, err)

	store.fail(errors.New("disk full"))
	patch := resources.DiffStatus(resources.Status{}, resources.Status{Phase: resources.PhaseActive})
	_, err = r.PatchStatus(ctx, resources.KindSubscription, "a", "default", patch)
	assert.ErrorIs(t, err, apperrors.ErrUnavailable)

	got, err := r.Get(ctx, resources.KindSubscription, "a", "default")
	require.NoError(t, err)
	assert.Empty(t, got.Status.Phase)
}

func TestRegistry_DeleteRemovesFromStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newJSONStore()
	r := New(nil, WithStore(store))
	_, err := r.Apply(ctx, subscription("a", nil))
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, resources.KindSubscription, "a", "default"))
	_, err = store.Load(ctx, resources.KindSubscription, "a", "default")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

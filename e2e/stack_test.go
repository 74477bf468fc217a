//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"eventbroker/internal/api"
	"eventbroker/internal/dispatcher"
	badgerfeed "eventbroker/internal/feed/badger"
	"eventbroker/internal/health"
	"eventbroker/internal/manager"
	registrybadger "eventbroker/internal/registry/badger"
	memregistry "eventbroker/internal/registry/memory"
	"eventbroker/internal/resources"
	"eventbroker/internal/testutil"
)

// stack is a complete dispatcher: badger feed, registry, manager and admin API.
type stack struct {
	URL      string
	Registry *memregistry.Registry
	Manager  *manager.Manager

	stopOnce sync.Once
	stop     func(tb testing.TB)
}

// newStack starts an in-memory dispatcher serving the given consumers.
// Everything is torn down when the test ends.
func newStack(tb testing.TB, broker resources.BrokerSpec, consumers ...*resources.Consumer) *stack {
	tb.Helper()
	return newStackAt(tb, "", broker, consumers...)
}

// newStackAt starts a dispatcher whose feed and consumer status live in dir.
// An empty dir keeps everything in memory.
func newStackAt(tb testing.TB, dir string, broker resources.BrokerSpec, consumers ...*resources.Consumer) *stack {
	tb.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	events, err := badgerfeed.Open(dir)
	if err != nil {
		tb.Fatalf("Failed to open feed: %v", err)
	}

	registry := memregistry.New(logger, memregistry.WithStore(registrybadger.New(events.DB())))
	registry.SetBroker(ctx, &resources.Broker{Metadata: resources.Metadata{Name: "default"}, Spec: broker})
	for _, c := range consumers {
		if _, err := registry.Apply(ctx, c); err != nil {
			tb.Fatalf("Failed to apply %s: %v", c.Metadata.Name, err)
		}
	}

	mgr := manager.New(manager.Deps{
		Feed:     events,
		Registry: registry,
		Brokers:  registry,
		Logger:   logger,
	}, dispatcher.Config{
		HTTPTimeout:         5 * time.Second,
		StreamRetryInterval: 20 * time.Millisecond,
		CatchUpPollInterval: 5 * time.Millisecond,
	})
	if err := mgr.Start(ctx); err != nil {
		tb.Fatalf("Failed to start manager: %v", err)
	}

	checker := health.NewChecker()
	checker.Require("manager", health.CheckFunc(mgr.Ready))

	server := httptest.NewServer(api.NewRouter(api.RouterConfig{
		Engines:       mgr,
		Events:        events,
		HealthChecker: checker,
		Logger:        logger,
	}))

	s := &stack{URL: server.URL, Registry: registry, Manager: mgr}
	s.stop = func(tb testing.TB) {
		server.Close()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mgr.Stop(stopCtx); err != nil {
			tb.Errorf("Manager stop failed: %v", err)
		}
		if err := events.Close(); err != nil {
			tb.Errorf("Feed close failed: %v", err)
		}
	}
	tb.Cleanup(func() { s.Stop(tb) })
	return s
}

// Stop shuts the stack down. It is safe to call more than once.
func (s *stack) Stop(tb testing.TB) {
	tb.Helper()
	s.stopOnce.Do(func() { s.stop(tb) })
}

// publish posts events to the stack's ingress and returns their offsets.
func (s *stack) publish(tb testing.TB, ids ...string) []uint64 {
	tb.Helper()
	events := make([]map[string]any, len(ids))
	for i, id := range ids {
		events[i] = map[string]any{
			"specversion": "1.0",
			"id":          id,
			"source":      "/e2e",
			"type":        "e2e.test",
			"data":        map[string]any{"seq": i},
		}
	}
	body, _ := json.Marshal(events)

	resp, err := http.Post(s.URL+"/v1/events", "application/json", bytes.NewReader(body))
	if err != nil {
		tb.Fatalf("Publish failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		tb.Fatalf("Expected status 202, got %d", resp.StatusCode)
	}

	var result api.PublishResult
	json.NewDecoder(resp.Body).Decode(&result)
	return result.Offsets
}

// engines lists the stack's engines through the admin API.
func (s *stack) engines(tb testing.TB) []dispatcher.Snapshot {
	tb.Helper()
	resp, err := http.Get(s.URL + "/v1/engines")
	if err != nil {
		tb.Fatalf("List engines failed: %v", err)
	}
	defer resp.Body.Close()

	var list api.EngineList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		tb.Fatalf("Failed to decode engines: %v", err)
	}
	return list.Engines
}

// acked returns the persisted acked offset of a consumer, or 0 if none.
func (s *stack) acked(tb testing.TB, kind resources.Kind, name string) uint64 {
	tb.Helper()
	c, err := s.Registry.Get(context.Background(), kind, name, "default")
	if err != nil {
		tb.Fatalf("Get %s: %v", name, err)
	}
	acked, _ := c.Status.AckedOffset()
	return acked
}

func subscription(name, uri string, labels map[string]string, policy *resources.DeliveryPolicy) *resources.Consumer {
	start := int64(0)
	return &resources.Consumer{
		Kind:     resources.KindSubscription,
		Metadata: resources.Metadata{Name: name, Namespace: "default", Labels: labels},
		Spec: resources.ConsumerSpec{
			Stream:     &resources.StreamSpec{Offset: &start},
			Subscriber: resources.Subscriber{URI: uri, Policy: policy},
		},
	}
}

func channel(name, uri string) *resources.Consumer {
	start := int64(0)
	return &resources.Consumer{
		Kind:     resources.KindChannel,
		Metadata: resources.Metadata{Name: name, Namespace: "default"},
		Spec: resources.ConsumerSpec{
			Stream:     &resources.StreamSpec{Offset: &start},
			Subscriber: resources.Subscriber{URI: uri},
		},
	}
}

func fastRetry() *resources.DeliveryPolicy {
	return &resources.DeliveryPolicy{
		Backoff: &resources.BackoffDuration{Type: resources.BackoffConstant, Period: 10 * time.Millisecond},
	}
}

func eventIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("evt-%d", i)
	}
	return ids
}

func waitFor(tb testing.TB, cond func() bool) {
	tb.Helper()
	testutil.MustWaitFor(tb, cond, testutil.WithTimeout(10*time.Second), testutil.WithInterval(10*time.Millisecond))
}

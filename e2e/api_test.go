//go:build e2e

package e2e

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"testing"

	"eventbroker/internal/dispatcher"
	"eventbroker/internal/health"
	"eventbroker/internal/resources"
	"eventbroker/internal/testutil"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

func TestAPI_Probes(t *testing.T) {
	s := newStack(t, resources.BrokerSpec{})

	for _, path := range []string{"/livez", "/readyz"} {
		resp, err := http.Get(s.URL + path)
		if err != nil {
			t.Fatalf("%s failed: %v", path, err)
		}
		var result health.Response
		json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", path, resp.StatusCode)
		}
		if result.Status != health.StatusHealthy {
			t.Errorf("%s: expected healthy status, got %s", path, result.Status)
		}
	}
}

func TestAPI_PublishAndDeliver(t *testing.T) {
	sub := testutil.NewSubscriber(t, nil)
	s := newStack(t, resources.BrokerSpec{}, subscription("orders", sub.URL, nil, nil))

	offsets := s.publish(t, eventIDs(3)...)
	if !slices.Equal(offsets, []uint64{0, 1, 2}) {
		t.Fatalf("Expected offsets [0 1 2], got %v", offsets)
	}

	waitFor(t, func() bool { return len(sub.IDs()) == 3 })
	if got := sub.IDs(); !slices.Equal(got, eventIDs(3)) {
		t.Errorf("Expected in-order delivery, got %v", got)
	}
	waitFor(t, func() bool { return s.acked(t, resources.KindSubscription, "orders") == 3 })

	engines := s.engines(t)
	if len(engines) != 1 {
		t.Fatalf("Expected 1 engine, got %d", len(engines))
	}
	if engines[0].State != dispatcher.StateStreaming {
		t.Errorf("Expected Streaming, got %s", engines[0].State)
	}
}

func TestAPI_SelectorScopesSubscriptions(t *testing.T) {
	selected := testutil.NewSubscriber(t, nil)
	ignored := testutil.NewSubscriber(t, nil)
	s := newStack(t,
		resources.BrokerSpec{Selector: resources.Selector{"team": "payments"}},
		subscription("selected", selected.URL, map[string]string{"team": "payments"}, nil),
		subscription("ignored", ignored.URL, map[string]string{"team": "search"}, nil),
	)

	s.publish(t, eventIDs(2)...)

	waitFor(t, func() bool { return len(selected.IDs()) == 2 })
	if n := ignored.Requests(); n != 0 {
		t.Errorf("Expected no deliveries outside the selector, got %d", n)
	}
	if n := len(s.engines(t)); n != 1 {
		t.Errorf("Expected 1 engine, got %d", n)
	}
}

func TestAPI_RecoversFromOutage(t *testing.T) {
	sub := testutil.NewSubscriber(t, func(e cloudevents.Event, attempt int) int {
		if e.ID() == "evt-1" && attempt <= 2 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	})
	s := newStack(t, resources.BrokerSpec{}, subscription("orders", sub.URL, nil, fastRetry()))

	s.publish(t, eventIDs(5)...)

	waitFor(t, func() bool { return len(sub.IDs()) == 5 })
	if got := sub.IDs(); !slices.Equal(got, eventIDs(5)) {
		t.Errorf("Expected in-order delivery without duplicates, got %v", got)
	}
	if n := sub.Attempts("evt-1"); n != 3 {
		t.Errorf("Expected 3 attempts for evt-1, got %d", n)
	}
	waitFor(t, func() bool { return s.acked(t, resources.KindSubscription, "orders") == 5 })
}

func TestAPI_ChannelRelaysToAnotherBroker(t *testing.T) {
	sub := testutil.NewSubscriber(t, nil)
	downstream := newStack(t, resources.BrokerSpec{}, subscription("audit", sub.URL, nil, fastRetry()))
	upstream := newStack(t, resources.BrokerSpec{}, channel("relay", downstream.URL+"/v1/events"))

	upstream.publish(t, eventIDs(4)...)

	waitFor(t, func() bool { return len(sub.IDs()) == 4 })
	if got := sub.IDs(); !slices.Equal(got, eventIDs(4)) {
		t.Errorf("Expected relayed events in order, got %v", got)
	}
	waitFor(t, func() bool { return upstream.acked(t, resources.KindChannel, "relay") == 4 })
}

func TestAPI_InvalidEvent(t *testing.T) {
	s := newStack(t, resources.BrokerSpec{})

	resp, err := http.Post(s.URL+"/v1/events", "application/json", strings.NewReader(`{"id":"x"}`))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

func TestAPI_EngineNotFound(t *testing.T) {
	s := newStack(t, resources.BrokerSpec{})

	resp, err := http.Get(s.URL + "/v1/engines/Subscription/default/missing")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestAPI_ResumesAfterRestart(t *testing.T) {
	dir := t.TempDir()
	sub := testutil.NewSubscriber(t, func(e cloudevents.Event, attempt int) int {
		if e.ID() == "evt-3" || e.ID() == "evt-4" {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	})
	orders := subscription("orders", sub.URL, nil, fastRetry())

	first := newStackAt(t, dir, resources.BrokerSpec{}, orders)
	first.publish(t, eventIDs(5)...)
	waitFor(t, func() bool { return first.acked(t, resources.KindSubscription, "orders") == 3 })
	waitFor(t, func() bool { return sub.Attempts("evt-3") > 0 })
	first.Stop(t)

	sub.SetResponder(nil)
	second := newStackAt(t, dir, resources.BrokerSpec{}, orders)

	waitFor(t, func() bool { return second.acked(t, resources.KindSubscription, "orders") == 5 })
	if got := sub.IDs(); !slices.Equal(got, eventIDs(5)) {
		t.Errorf("Expected the restart to resume at evt-3 without redelivery, got %v", got)
	}
}

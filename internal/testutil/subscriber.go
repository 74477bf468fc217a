package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// Responder picks the status for a delivery. attempt counts deliveries of
// the same event id, starting at 1.
type Responder func(event cloudevents.Event, attempt int) int

// Subscriber is an HTTP subscriber that records the events it accepts.
type Subscriber struct {
	*httptest.Server

	mu       sync.Mutex
	respond  Responder
	attempts map[string]int
	accepted []cloudevents.Event
	requests int
}

// NewSubscriber starts a subscriber. A nil responder accepts everything.
// The server is closed when the test ends.
func NewSubscriber(tb testing.TB, respond Responder) *Subscriber {
	tb.Helper()
	s := &Subscriber{respond: respond, attempts: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	tb.Cleanup(s.Close)
	return s
}

func (s *Subscriber) handle(w http.ResponseWriter, r *http.Request) {
	var event cloudevents.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.requests++
	s.attempts[event.ID()]++
	attempt := s.attempts[event.ID()]
	respond := s.respond
	s.mu.Unlock()

	status := http.StatusOK
	if respond != nil {
		status = respond(event, attempt)
	}
	if status >= 200 && status < 300 {
		s.mu.Lock()
		s.accepted = append(s.accepted, event)
		s.mu.Unlock()
	}
	w.WriteHeader(status)
}

// SetResponder replaces the responder.
func (s *Subscriber) SetResponder(respond Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.respond = respond
}

// IDs returns the ids of accepted events in arrival order.
func (s *Subscriber) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.accepted))
	for i, e := range s.accepted {
		ids[i] = e.ID()
	}
	return ids
}

// Accepted returns the accepted events in arrival order.
func (s *Subscriber) Accepted() []cloudevents.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cloudevents.Event(nil), s.accepted...)
}

// Attempts returns how many times the event id was posted.
func (s *Subscriber) Attempts(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[id]
}

// Requests returns the total number of requests received.
func (s *Subscriber) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

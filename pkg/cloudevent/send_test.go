package cloudevent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

func TestHTTPError_Error(t *testing.T) {
	t.Parallel()
	tests := []struct {
		statusCode int
		expected   string
	}{
		{400, "HTTP 400"},
		{404, "HTTP 404"},
		{500, "HTTP 500"},
		{503, "HTTP 503"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			t.Parallel()
			err := &HTTPError{StatusCode: tt.statusCode}
			if err.Error() != tt.expected {
				t.Errorf("HTTPError{%d}.Error() = %q, want %q", tt.statusCode, err.Error(), tt.expected)
			}
		})
	}
}

func TestStatusCode_Wrapped(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("delivery: %w", &HTTPError{StatusCode: 503})

	code, ok := StatusCode(err)
	if !ok || code != 503 {
		t.Errorf("StatusCode() = %d, %v, want 503, true", code, ok)
	}
	if _, ok := StatusCode(context.Canceled); ok {
		t.Error("StatusCode() should not match non-HTTP errors")
	}
}

func testEvent(t *testing.T) cloudevents.Event {
	t.Helper()
	event, err := New("order.created", "/orders", "order-1", "evt-1", map[string]any{"total": 42})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return event
}

func TestSender_Send(t *testing.T) {
	t.Parallel()
	var gotHeaders http.Header
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sender := NewSender(5 * time.Second)
	defer sender.CloseIdleConnections()

	if err := sender.Send(context.Background(), server.URL, testEvent(t)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if ct := gotHeaders.Get("Content-Type"); ct != ContentType {
		t.Errorf("Content-Type = %q, want %q", ct, ContentType)
	}
	for header := range gotHeaders {
		if strings.HasPrefix(strings.ToLower(header), "ce-") {
			t.Errorf("structured request carries binary-mode header %s", header)
		}
	}
	if gotHeaders.Get("Accept") != "" {
		t.Error("Send() should not request a JSON response")
	}

	var decoded cloudevents.Event
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("body is not a structured event: %v", err)
	}
	if decoded.ID() != "evt-1" || decoded.Type() != "order.created" || decoded.Source() != "/orders" || decoded.Subject() != "order-1" {
		t.Errorf("decoded attributes = %s %s %s %s", decoded.ID(), decoded.Type(), decoded.Source(), decoded.Subject())
	}
}

func TestSender_SendNon2xx(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := NewSender(5*time.Second).Send(context.Background(), server.URL, testEvent(t))
	code, ok := StatusCode(err)
	if !ok || code != http.StatusServiceUnavailable {
		t.Fatalf("Send() error = %v, want HTTP 503", err)
	}
}

func TestSender_Call(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/json" {
			w.WriteHeader(http.StatusNotAcceptable)
			return
		}
		var in cloudevents.Event
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		in.SetType(in.Type() + ".enriched")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(in)
	}))
	defer server.Close()

	out, err := NewSender(5*time.Second).Call(context.Background(), server.URL, testEvent(t))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if out.Type() != "order.created.enriched" {
		t.Errorf("Type() = %q, want order.created.enriched", out.Type())
	}
	if out.ID() != "evt-1" {
		t.Errorf("ID() = %q, want evt-1", out.ID())
	}
}

func TestSender_CallInvalidBody(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer server.Close()

	if _, err := NewSender(5*time.Second).Call(context.Background(), server.URL, testEvent(t)); err == nil {
		t.Fatal("Call() expected a decode error")
	}
}

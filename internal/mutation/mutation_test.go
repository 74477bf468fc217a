package mutation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventbroker/internal/apperrors"
	"eventbroker/internal/resources"
	"eventbroker/pkg/cloudevent"
)

func sampleEvent(t *testing.T) cloudevents.Event {
	t.Helper()
	e := cloudevents.NewEvent()
	e.SetID("evt-1")
	e.SetSource("/shop/orders")
	e.SetType("order.created")
	e.SetSubject("order-1")
	require.NoError(t, e.SetData(cloudevents.ApplicationJSON, map[string]any{"total": 21}))
	return e
}

func TestNew_Identity(t *testing.T) {
	t.Parallel()
	m, err := New(nil, nil)
	require.NoError(t, err)

	in := sampleEvent(t)
	out, err := m.Mutate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in.ID(), out.ID())
}

func TestExpression_OverlaysAttributes(t *testing.T) {
	t.Parallel()
	m, err := New(&resources.Mutation{
		Type:       resources.MutationExpression,
		Expression: `{"type": event.type + ".v2", "subject": null, "data": {"total": data.total * 2.0}}`,
	}, nil)
	require.NoError(t, err)

	out, err := m.Mutate(context.Background(), sampleEvent(t))
	require.NoError(t, err)
	require.NoError(t, Validate(out))

	assert.Equal(t, "order.created.v2", out.Type())
	assert.Equal(t, "evt-1", out.ID())
	assert.Equal(t, "/shop/orders", out.Source())
	assert.Empty(t, out.Subject())
	assert.JSONEq(t, `{"total":42}`, string(out.Data()))
}

func TestExpression_Errors(t *testing.T) {
	t.Parallel()
	_, err := New(&resources.Mutation{Type: resources.MutationExpression, Expression: `{`}, nil)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	m, err := New(&resources.Mutation{Type: resources.MutationExpression, Expression: `event.id`}, nil)
	require.NoError(t, err)
	_, err = m.Mutate(context.Background(), sampleEvent(t))
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	m, err = New(&resources.Mutation{Type: resources.MutationExpression, Expression: `{"id": null}`}, nil)
	require.NoError(t, err)
	out, err := m.Mutate(context.Background(), sampleEvent(t))
	if err == nil {
		err = Validate(out)
	}
	assert.ErrorIs(t, err, apperrors.ErrValidation, "an event without id must not validate")
}

func TestWebhook(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		var in cloudevents.Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		in.SetExtension("enriched", "yes")
		_ = json.NewEncoder(w).Encode(in)
	}))
	defer server.Close()

	m, err := New(&resources.Mutation{
		Type:    resources.MutationWebhook,
		Webhook: &resources.WebhookMutation{URI: server.URL},
	}, cloudevent.NewSender(5*time.Second))
	require.NoError(t, err)

	out, err := m.Mutate(context.Background(), sampleEvent(t))
	require.NoError(t, err)
	assert.Equal(t, "yes", out.Extensions()["enriched"])
	assert.NoError(t, Validate(out))
}

func TestWebhook_FailureIsNonRetryable(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	m, err := New(&resources.Mutation{
		Type:    resources.MutationWebhook,
		Webhook: &resources.WebhookMutation{URI: server.URL},
	}, cloudevent.NewSender(5*time.Second))
	require.NoError(t, err)

	_, err = m.Mutate(context.Background(), sampleEvent(t))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestNew_InvalidSpecs(t *testing.T) {
	t.Parallel()
	_, err := New(&resources.Mutation{Type: resources.MutationWebhook}, cloudevent.NewSender(time.Second))
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = New(&resources.Mutation{Type: "xslt"}, nil)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

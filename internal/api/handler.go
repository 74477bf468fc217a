// Package api serves the dispatcher's HTTP endpoints: health probes, a
// read-only view of the running engines and a local event ingress.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"eventbroker/internal/apperrors"
	"eventbroker/internal/dispatcher"
	"eventbroker/internal/feed"
	"eventbroker/internal/health"
	"eventbroker/internal/resources"
)

// EngineLister lists engine snapshots. *manager.Manager implements it.
type EngineLister interface {
	Engines() []dispatcher.Snapshot
}

// EngineList is the response of GET /v1/engines.
type EngineList struct {
	Engines []dispatcher.Snapshot `json:"engines"`
}

// PublishResult is the response of POST /v1/events.
type PublishResult struct {
	Offsets []uint64 `json:"offsets"`
}

// maxEventBytes bounds a published event body.
const maxEventBytes = 1 << 20

// Handler contains the admin HTTP handlers.
type Handler struct {
	engines EngineLister
	events  feed.Appender // optional
	health  *health.Checker
	logger  *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(engines EngineLister, healthChecker *health.Checker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engines: engines,
		health:  healthChecker,
		logger:  logger.With("component", "api"),
	}
}

// ListEngines handles GET /v1/engines. The optional kind and state query
// parameters narrow the list.
func (h *Handler) ListEngines(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind != "" {
		if _, err := dispatcher.TargetFor(resources.Kind(kind)); err != nil {
			h.handleError(w, r, apperrors.Invalid("kind", err))
			return
		}
	}
	state := dispatcher.State(r.URL.Query().Get("state"))

	out := EngineList{Engines: []dispatcher.Snapshot{}}
	for _, s := range h.engines.Engines() {
		if kind != "" && string(s.Kind) != kind {
			continue
		}
		if state != "" && s.State != state {
			continue
		}
		out.Engines = append(out.Engines, s)
	}
	h.writeJSON(w, http.StatusOK, out)
}

// GetEngine handles GET /v1/engines/{kind}/{namespace}/{name}.
func (h *Handler) GetEngine(w http.ResponseWriter, r *http.Request) {
	kind := resources.Kind(r.PathValue("kind"))
	namespace, name := r.PathValue("namespace"), r.PathValue("name")
	if _, err := dispatcher.TargetFor(kind); err != nil {
		h.handleError(w, r, apperrors.Invalid("kind", err))
		return
	}

	for _, s := range h.engines.Engines() {
		if s.Kind == kind && s.Namespace == namespace && s.Name == name {
			h.writeJSON(w, http.StatusOK, s)
			return
		}
	}
	h.handleError(w, r, apperrors.NotFound("engine", string(kind)+"/"+namespace+"/"+name))
}

// PublishEvent handles POST /v1/events. The body is a single structured
// CloudEvent or a JSON array of them; they are appended in order.
func (h *Handler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		h.handleError(w, r, apperrors.Invalid("body", err))
		return
	}

	var events []cloudevents.Event
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &events)
	} else {
		var event cloudevents.Event
		err = json.Unmarshal(body, &event)
		events = []cloudevents.Event{event}
	}
	if err != nil {
		h.handleError(w, r, apperrors.Invalid("body", err))
		return
	}

	records := make([]feed.Record, 0, len(events))
	for i, event := range events {
		if err := event.Validate(); err != nil {
			h.handleError(w, r, apperrors.Invalid(fmt.Sprintf("events[%d]", i), err))
			return
		}
		records = append(records, feed.NewRecord(event))
	}

	offsets, err := h.events.Append(r.Context(), records...)
	if err != nil {
		h.handleError(w, r, apperrors.Unavailable("feed.append", err))
		return
	}
	h.writeJSON(w, http.StatusAccepted, PublishResult{Offsets: offsets})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 when a required dependency is unavailable; a degraded
// response is still ready.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, response)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// handleError writes err as problem details with the matching status code.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	problem := apperrors.Problem(err)
	problem.Instance = r.URL.Path
	if problem.Status >= 500 {
		h.logger.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		h.logger.Warn("Client error", "error", err, "path", r.URL.Path, "status", problem.Status)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	if err := json.NewEncoder(w).Encode(problem); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

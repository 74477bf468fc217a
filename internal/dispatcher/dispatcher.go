// Package dispatcher streams recorded events to one consumer.
//
// An Engine resumes from the consumer's acknowledged offset, follows the live
// feed, filters and mutates each event, delivers it over HTTP and commits the
// next offset back to the consumer's status. Failed deliveries are retried
// under the resolved delivery policy; events that arrive while the subscriber
// is unreachable or while the engine is behind are dropped from the live path
// and backfilled by catch-up, which reads the feed point by point.
package dispatcher

import (
	"context"
	"log/slog"

	"eventbroker/internal/feed"
	"eventbroker/internal/registry"
	"eventbroker/internal/resources"
)

// State is the lifecycle state of an engine.
type State string

const (
	StateUninitialized State = "Uninitialized"
	StateInitializing  State = "Initializing"
	StateStreaming     State = "Streaming"
	StateCatchingUp    State = "CatchingUp"
	StateFaulted       State = "Faulted"
	StateInactive      State = "Inactive"
)

// Snapshot is a point-in-time view of an engine.
type Snapshot struct {
	Kind        resources.Kind            `json:"kind"`
	Namespace   string                    `json:"namespace"`
	Name        string                    `json:"name"`
	Generation  uint64                    `json:"generation"`
	State       State                     `json:"state"`
	Subscriber  resources.SubscriberState `json:"subscriber"`
	OutOfSync   bool                      `json:"outOfSync"`
	Tail        uint64                    `json:"tail"`
	AckedOffset *uint64                   `json:"ackedOffset,omitempty"`
}

// MetricsRecorder is an optional interface for recording dispatch metrics.
type MetricsRecorder interface {
	RecordDispatchDelivered(ctx context.Context, kind string, durationSeconds float64)
	RecordDispatchFailed(ctx context.Context, kind string)
	RecordDispatchRetry(ctx context.Context, kind string)
	RecordDispatchFiltered(ctx context.Context, kind string)
	RecordCatchUpEvent(ctx context.Context, kind string)
	RecordDispatchFault(ctx context.Context, kind string)
}

// Deps are the collaborators an engine needs.
type Deps struct {
	Feed     feed.Feed
	Registry registry.Registry
	Metrics  MetricsRecorder // optional
	Logger   *slog.Logger    // optional
}

type noopMetrics struct{}

func (noopMetrics) RecordDispatchDelivered(context.Context, string, float64) {}
func (noopMetrics) RecordDispatchFailed(context.Context, string)             {}
func (noopMetrics) RecordDispatchRetry(context.Context, string)              {}
func (noopMetrics) RecordDispatchFiltered(context.Context, string)           {}
func (noopMetrics) RecordCatchUpEvent(context.Context, string)               {}
func (noopMetrics) RecordDispatchFault(context.Context, string)              {}

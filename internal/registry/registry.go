// Package registry defines the control-plane store of consumer resources.
package registry

import (
	"context"
	"errors"

	"eventbroker/internal/apperrors"
	"eventbroker/internal/resources"
)

var (
	// ErrNotModified is returned by PatchStatus when the patch changes nothing.
	ErrNotModified = errors.New("not modified")
	// ErrNotFound is matched by errors returned for missing resources.
	ErrNotFound = apperrors.ErrNotFound
)

// EventType is the kind of change a watch event reports.
type EventType string

const (
	Created EventType = "Created"
	Updated EventType = "Updated"
	Deleted EventType = "Deleted"
)

// WatchEvent reports a change to one consumer.
type WatchEvent struct {
	Type     EventType
	Consumer *resources.Consumer
}

// Registry is the consumer store the dispatch core reads and patches.
type Registry interface {
	Get(ctx context.Context, kind resources.Kind, name, namespace string) (*resources.Consumer, error)
	// List returns consumers whose labels match selector. A nil selector matches all.
	List(ctx context.Context, kind resources.Kind, selector resources.Selector) ([]*resources.Consumer, error)
	// PatchStatus applies a field-level status patch and returns the updated
	// consumer, or ErrNotModified when the patch is empty or a no-op.
	PatchStatus(ctx context.Context, kind resources.Kind, name, namespace string, patch resources.Patch) (*resources.Consumer, error)
	// Watch streams changes until ctx is done.
	Watch(ctx context.Context, kind resources.Kind) (<-chan WatchEvent, error)
}

// BrokerSource provides the broker resource scoping subscriptions.
type BrokerSource interface {
	Broker(ctx context.Context) (*resources.Broker, error)
	// WatchBroker streams every broker change until ctx is done.
	WatchBroker(ctx context.Context) (<-chan *resources.Broker, error)
}

// Store persists consumers so their generation and status survive a restart.
type Store interface {
	// Load returns the saved consumer, or an error matching ErrNotFound.
	Load(ctx context.Context, kind resources.Kind, name, namespace string) (*resources.Consumer, error)
	Save(ctx context.Context, c *resources.Consumer) error
	Delete(ctx context.Context, kind resources.Kind, name, namespace string) error
}

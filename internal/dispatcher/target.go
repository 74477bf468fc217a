package dispatcher

import (
	"fmt"

	"eventbroker/internal/resources"
)

// Target adapts a consumer kind to the engine.
type Target interface {
	Kind() resources.Kind
	// Address is the URI events are delivered to.
	Address(c *resources.Consumer) string
	// PolicyOverride is the consumer-level delivery policy, if any.
	PolicyOverride(c *resources.Consumer) *resources.DeliveryPolicy
	// TracksOffsets reports whether progress is persisted in status.stream.
	TracksOffsets(c *resources.Consumer) bool
	// BrokerScoped reports whether membership follows the broker selector.
	BrokerScoped() bool
}

// TargetFor returns the adapter for a consumer kind.
func TargetFor(kind resources.Kind) (Target, error) {
	switch kind {
	case resources.KindSubscription:
		return subscriptionTarget{}, nil
	case resources.KindChannel:
		return channelTarget{}, nil
	default:
		return nil, fmt.Errorf("unsupported consumer kind %q", kind)
	}
}

type subscriptionTarget struct{}

func (subscriptionTarget) Kind() resources.Kind { return resources.KindSubscription }

func (subscriptionTarget) Address(c *resources.Consumer) string { return c.Spec.Subscriber.URI }

func (subscriptionTarget) PolicyOverride(c *resources.Consumer) *resources.DeliveryPolicy {
	return c.Spec.Subscriber.Policy
}

func (subscriptionTarget) TracksOffsets(c *resources.Consumer) bool { return c.Spec.Stream != nil }

func (subscriptionTarget) BrokerScoped() bool { return true }

// channelTarget relays to another broker's ingress. Channels are addressed
// directly and are not filtered by the broker selector.
type channelTarget struct{}

func (channelTarget) Kind() resources.Kind { return resources.KindChannel }

func (channelTarget) Address(c *resources.Consumer) string { return c.Spec.Subscriber.URI }

func (channelTarget) PolicyOverride(c *resources.Consumer) *resources.DeliveryPolicy {
	return c.Spec.Subscriber.Policy
}

func (channelTarget) TracksOffsets(c *resources.Consumer) bool { return c.Spec.Stream != nil }

func (channelTarget) BrokerScoped() bool { return false }

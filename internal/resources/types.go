// Package resources defines the control-plane records the dispatch core reads and patches.
package resources

import "time"

// Kind identifies the type of a consumer resource.
type Kind string

const (
	KindSubscription Kind = "Subscription"
	KindChannel      Kind = "Channel"
)

// Metadata identifies a resource and carries its versioning counters.
type Metadata struct {
	Name            string            `json:"name" yaml:"name"`
	Namespace       string            `json:"namespace" yaml:"namespace"`
	Labels          map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Generation      uint64            `json:"generation,omitempty" yaml:"generation,omitempty"`
	ResourceVersion uint64            `json:"resourceVersion,omitempty" yaml:"-"`
}

// Key returns the namespace-qualified name, used to key engines and locks.
func (m Metadata) Key() string {
	return m.Namespace + "/" + m.Name
}

// Consumer is a Subscription or a Channel. Both share the same shape and
// differ only in how they are addressed and scoped.
type Consumer struct {
	Kind     Kind         `json:"kind" yaml:"kind"`
	Metadata Metadata     `json:"metadata" yaml:"metadata"`
	Spec     ConsumerSpec `json:"spec" yaml:"spec"`
	Status   Status       `json:"status,omitempty" yaml:"status,omitempty"`
}

// ConsumerSpec is the desired dispatch configuration.
type ConsumerSpec struct {
	Partition  *PartitionReference `json:"partition,omitempty" yaml:"partition,omitempty"`
	Filter     *Filter             `json:"filter,omitempty" yaml:"filter,omitempty"`
	Mutation   *Mutation           `json:"mutation,omitempty" yaml:"mutation,omitempty"`
	Stream     *StreamSpec         `json:"stream,omitempty" yaml:"stream,omitempty"`
	Subscriber Subscriber          `json:"subscriber" yaml:"subscriber"`
}

// EndOfStream is the desired offset meaning "the next event to be appended".
const EndOfStream int64 = -1

// StreamSpec declares that the consumer tracks its progress in status.stream.
type StreamSpec struct {
	// Offset is a one-shot directive consumed once per generation bump.
	// Nil means EndOfStream.
	Offset *int64 `json:"offset,omitempty" yaml:"offset,omitempty"`
}

// DesiredOffset returns the directive offset, defaulting to EndOfStream.
func (s *StreamSpec) DesiredOffset() int64 {
	if s == nil || s.Offset == nil {
		return EndOfStream
	}
	return *s.Offset
}

// Subscriber is the HTTP target events are delivered to.
type Subscriber struct {
	URI       string          `json:"uri" yaml:"uri"`
	RateLimit *float64        `json:"rateLimit,omitempty" yaml:"rate_limit,omitempty"`
	Policy    *DeliveryPolicy `json:"policy,omitempty" yaml:"policy,omitempty"`
}

// PartitionType names the attribute a partition groups events by.
type PartitionType string

const (
	PartitionBySource        PartitionType = "bySource"
	PartitionBySubject       PartitionType = "bySubject"
	PartitionByType          PartitionType = "byType"
	PartitionByCorrelationID PartitionType = "byCorrelationId"
	PartitionByCausationID   PartitionType = "byCausationId"
)

// PartitionReference selects a partition projection of the event feed.
type PartitionReference struct {
	Type PartitionType `json:"type" yaml:"type"`
	Key  string        `json:"key" yaml:"key"`
}

// String renders the reference as "type/key".
func (p *PartitionReference) String() string {
	if p == nil {
		return ""
	}
	return string(p.Type) + "/" + p.Key
}

// FilterType selects how a filter is evaluated.
type FilterType string

const (
	FilterAttributes FilterType = "attributes"
	FilterExpression FilterType = "expression"
)

// Filter decides whether an event is delivered to the consumer.
type Filter struct {
	Type FilterType `json:"type" yaml:"type"`
	// Attributes maps context attribute names to a pattern. An empty pattern
	// only requires presence; a runtime expression ("${ ... }") is evaluated
	// against the event; anything else is a regular expression.
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Expression string            `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// MutationType selects how an event is transformed before delivery.
type MutationType string

const (
	MutationExpression MutationType = "expression"
	MutationWebhook    MutationType = "webhook"
)

// Mutation replaces an event with the result of an expression or a webhook call.
type Mutation struct {
	Type       MutationType     `json:"type" yaml:"type"`
	Expression string           `json:"expression,omitempty" yaml:"expression,omitempty"`
	Webhook    *WebhookMutation `json:"webhook,omitempty" yaml:"webhook,omitempty"`
}

// WebhookMutation posts the event to URI and parses the JSON response as the new event.
type WebhookMutation struct {
	URI string `json:"uri" yaml:"uri"`
}

// Phase is the coarse lifecycle state of a consumer.
type Phase string

const (
	PhaseInactive Phase = "Inactive"
	PhaseActive   Phase = "Active"
)

// Status is the observed state written back by the dispatch engine.
type Status struct {
	Phase              Phase             `json:"phase,omitempty" yaml:"phase,omitempty"`
	ObservedGeneration uint64            `json:"observedGeneration,omitempty" yaml:"observed_generation,omitempty"`
	Stream             *StreamStatus     `json:"stream,omitempty" yaml:"stream,omitempty"`
	Subscriber         *SubscriberStatus `json:"subscriber,omitempty" yaml:"subscriber,omitempty"`
}

// StreamStatus holds the resumption checkpoint and any engine fault.
type StreamStatus struct {
	// AckedOffset is the next offset to resume from. Nil means never initialized.
	AckedOffset *uint64 `json:"ackedOffset,omitempty" yaml:"acked_offset,omitempty"`
	// Fault freezes automatic reinitialization until cleared externally.
	Fault *ProblemDetails `json:"fault,omitempty" yaml:"fault,omitempty"`
}

// SubscriberState reports whether the subscriber accepted the last delivery.
type SubscriberState string

const (
	SubscriberUnknown     SubscriberState = "Unknown"
	SubscriberReachable   SubscriberState = "Reachable"
	SubscriberUnreachable SubscriberState = "Unreachable"
)

// SubscriberStatus is the delivery-level health of a consumer.
type SubscriberStatus struct {
	State  SubscriberState `json:"state" yaml:"state"`
	Reason string          `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// ProblemDetails describes an error in RFC 7807 form.
type ProblemDetails struct {
	Type     string `json:"type" yaml:"type"`
	Title    string `json:"title" yaml:"title"`
	Status   int    `json:"status" yaml:"status"`
	Detail   string `json:"detail,omitempty" yaml:"detail,omitempty"`
	Instance string `json:"instance,omitempty" yaml:"instance,omitempty"`
}

// Broker holds the broker-wide consumer selector and delivery defaults.
type Broker struct {
	Metadata Metadata   `json:"metadata" yaml:"metadata"`
	Spec     BrokerSpec `json:"spec" yaml:"spec"`
}

// BrokerSpec configures which subscriptions the broker dispatches and how.
type BrokerSpec struct {
	Selector Selector       `json:"selector,omitempty" yaml:"selector,omitempty"`
	Dispatch BrokerDispatch `json:"dispatch,omitempty" yaml:"dispatch,omitempty"`
}

// BrokerDispatch holds broker-level delivery defaults.
type BrokerDispatch struct {
	Policy *DeliveryPolicy `json:"policy,omitempty" yaml:"policy,omitempty"`
}

// BackoffType selects a backoff schedule.
type BackoffType string

const (
	BackoffConstant    BackoffType = "constant"
	BackoffIncremental BackoffType = "incremental"
	BackoffExponential BackoffType = "exponential"
)

// BackoffDuration configures the delay between retry attempts.
type BackoffDuration struct {
	Type     BackoffType   `json:"type" yaml:"type"`
	Period   time.Duration `json:"period" yaml:"period"`
	Exponent *float64      `json:"exponent,omitempty" yaml:"exponent,omitempty"`
}

// CircuitBreakerPolicy stops attempts for BreakDuration after BreakAfter consecutive failures.
type CircuitBreakerPolicy struct {
	BreakAfter    int           `json:"breakAfter" yaml:"break_after"`
	BreakDuration time.Duration `json:"breakDuration" yaml:"break_duration"`
}

// DeliveryPolicy configures retries for failed deliveries.
type DeliveryPolicy struct {
	Backoff *BackoffDuration `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	// MaxAttempts bounds the retry attempts. Nil means unbounded.
	MaxAttempts *int `json:"maxAttempts,omitempty" yaml:"max_attempts,omitempty"`
	// StatusCodes restricts which HTTP statuses are retried. Empty means every
	// non-success status.
	StatusCodes    []int                 `json:"statusCodes,omitempty" yaml:"status_codes,omitempty"`
	CircuitBreaker *CircuitBreakerPolicy `json:"circuitBreaker,omitempty" yaml:"circuit_breaker,omitempty"`
}

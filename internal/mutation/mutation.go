// Package mutation transforms events before delivery.
//
// An expression mutation evaluates a CEL expression that yields an object;
// its keys replace the matching context attributes (or the data, under
// "data") and a null value removes the attribute. A webhook mutation posts
// the event to a service and uses the JSON event it returns. Either way the
// result must be a valid CloudEvent.
package mutation

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"eventbroker/internal/apperrors"
	"eventbroker/internal/filter"
	"eventbroker/internal/resources"
)

// Caller performs a webhook round trip. *cloudevent.Sender implements it.
type Caller interface {
	Call(ctx context.Context, url string, event cloudevents.Event) (*cloudevents.Event, error)
}

// Mutator replaces an event.
type Mutator interface {
	Mutate(ctx context.Context, event cloudevents.Event) (cloudevents.Event, error)
}

// New compiles a mutation. A nil spec yields a mutator returning events unchanged.
func New(spec *resources.Mutation, caller Caller) (Mutator, error) {
	if spec == nil {
		return identity{}, nil
	}
	switch spec.Type {
	case resources.MutationExpression:
		prog, err := filter.Compile(spec.Expression)
		if err != nil {
			return nil, apperrors.Invalid("spec.mutation.expression", err)
		}
		return &expression{prog: prog}, nil
	case resources.MutationWebhook:
		if spec.Webhook == nil || spec.Webhook.URI == "" {
			return nil, apperrors.Validation("spec.mutation.webhook.uri", "is required")
		}
		if caller == nil {
			return nil, apperrors.Validation("spec.mutation.webhook", "no webhook client configured")
		}
		return &webhook{uri: spec.Webhook.URI, caller: caller}, nil
	default:
		return nil, apperrors.Validation("spec.mutation.type", fmt.Sprintf("unsupported mutation type %q", spec.Type))
	}
}

// Validate checks a mutated event against the CloudEvents rules producers are held to.
func Validate(event cloudevents.Event) error {
	if err := event.Validate(); err != nil {
		return apperrors.Invalid("event", err)
	}
	return nil
}

type identity struct{}

func (identity) Mutate(_ context.Context, event cloudevents.Event) (cloudevents.Event, error) {
	return event, nil
}

type expression struct {
	prog *filter.Program
}

var structValueType = reflect.TypeOf(&structpb.Value{})

func (m *expression) Mutate(_ context.Context, event cloudevents.Event) (cloudevents.Event, error) {
	out, err := m.prog.EvalValue(event)
	if err != nil {
		return event, apperrors.Invalid("spec.mutation.expression", err)
	}
	native, err := out.ConvertToNative(structValueType)
	if err != nil {
		return event, apperrors.Invalid("spec.mutation.expression", err)
	}
	value, ok := native.(*structpb.Value)
	if !ok || value.GetStructValue() == nil {
		return event, apperrors.Validation("spec.mutation.expression", "must evaluate to an object")
	}
	raw, err := protojson.Marshal(value)
	if err != nil {
		return event, apperrors.Internal("mutation.encode", err)
	}
	var overlay map[string]any
	if err := json.Unmarshal(raw, &overlay); err != nil {
		return event, apperrors.Internal("mutation.decode", err)
	}

	merged := filter.Attributes(event)
	if data := filter.Data(event); data != nil {
		merged["data"] = data
	}
	for k, v := range overlay {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return decode(merged)
}

func decode(fields map[string]any) (cloudevents.Event, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return cloudevents.Event{}, apperrors.Internal("mutation.encode", err)
	}
	out := cloudevents.NewEvent()
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, apperrors.Invalid("spec.mutation.expression", err)
	}
	return out, nil
}

type webhook struct {
	uri    string
	caller Caller
}

func (m *webhook) Mutate(ctx context.Context, event cloudevents.Event) (cloudevents.Event, error) {
	out, err := m.caller.Call(ctx, m.uri, event)
	if err != nil {
		if ctx.Err() != nil {
			return event, ctx.Err()
		}
		return event, apperrors.Invalid("spec.mutation.webhook", err)
	}
	return *out, nil
}

package resources

import "fmt"

// Patch operation kinds, named after their JSON Patch counterparts.
const (
	OpAdd     = "add"
	OpReplace = "replace"
	OpRemove  = "remove"
)

// Status field paths the dispatch engine writes.
const (
	PathPhase              = "/status/phase"
	PathObservedGeneration = "/status/observedGeneration"
	PathAckedOffset        = "/status/stream/ackedOffset"
	PathFault              = "/status/stream/fault"
	PathSubscriberState    = "/status/subscriber/state"
	PathSubscriberReason   = "/status/subscriber/reason"
)

// PatchOp is a single field-level change.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Patch is an ordered list of field-level changes to a status.
type Patch []PatchOp

// DiffStatus returns the minimal patch turning from into to. Only the fields the
// dispatch engine owns are compared, so concurrent writers of other fields are
// never clobbered.
func DiffStatus(from, to Status) Patch {
	var p Patch

	p = diffValue(p, PathPhase, from.Phase != "", to.Phase != "", from.Phase == to.Phase, to.Phase)
	p = diffValue(p, PathObservedGeneration, from.ObservedGeneration != 0, to.ObservedGeneration != 0,
		from.ObservedGeneration == to.ObservedGeneration, to.ObservedGeneration)

	fromAcked, fromHasAcked := from.AckedOffset()
	toAcked, toHasAcked := to.AckedOffset()
	p = diffValue(p, PathAckedOffset, fromHasAcked, toHasAcked, fromAcked == toAcked, toAcked)

	fromFault, toFault := from.Fault(), to.Fault()
	sameFault := fromFault != nil && toFault != nil && *fromFault == *toFault
	var faultValue any
	if toFault != nil {
		f := *toFault
		faultValue = &f
	}
	p = diffValue(p, PathFault, fromFault != nil, toFault != nil, sameFault, faultValue)

	var fromState, toState SubscriberState
	var fromReason, toReason string
	if from.Subscriber != nil {
		fromState, fromReason = from.Subscriber.State, from.Subscriber.Reason
	}
	if to.Subscriber != nil {
		toState, toReason = to.Subscriber.State, to.Subscriber.Reason
	}
	p = diffValue(p, PathSubscriberState, fromState != "", toState != "", fromState == toState, toState)
	p = diffValue(p, PathSubscriberReason, fromReason != "", toReason != "", fromReason == toReason, toReason)

	return p
}

func diffValue(p Patch, path string, fromSet, toSet, equal bool, value any) Patch {
	switch {
	case !fromSet && !toSet:
		return p
	case fromSet && !toSet:
		return append(p, PatchOp{Op: OpRemove, Path: path})
	case !fromSet && toSet:
		return append(p, PatchOp{Op: OpAdd, Path: path, Value: value})
	case !equal:
		return append(p, PatchOp{Op: OpReplace, Path: path, Value: value})
	}
	return p
}

// Apply applies the patch to status in place.
func (p Patch) Apply(status *Status) error {
	for _, op := range p {
		if err := op.apply(status); err != nil {
			return err
		}
	}
	return nil
}

func (op PatchOp) apply(s *Status) error {
	remove := op.Op == OpRemove
	if !remove && op.Op != OpAdd && op.Op != OpReplace {
		return fmt.Errorf("unsupported patch op %q", op.Op)
	}

	switch op.Path {
	case PathPhase:
		if remove {
			s.Phase = ""
			return nil
		}
		v, ok := op.Value.(Phase)
		if !ok {
			return typeError(op)
		}
		s.Phase = v
	case PathObservedGeneration:
		if remove {
			s.ObservedGeneration = 0
			return nil
		}
		v, ok := op.Value.(uint64)
		if !ok {
			return typeError(op)
		}
		s.ObservedGeneration = v
	case PathAckedOffset:
		if remove {
			if s.Stream != nil {
				s.Stream.AckedOffset = nil
			}
			return nil
		}
		v, ok := op.Value.(uint64)
		if !ok {
			return typeError(op)
		}
		ensureStream(s).AckedOffset = &v
	case PathFault:
		if remove {
			if s.Stream != nil {
				s.Stream.Fault = nil
			}
			return nil
		}
		v, ok := op.Value.(*ProblemDetails)
		if !ok || v == nil {
			return typeError(op)
		}
		f := *v
		ensureStream(s).Fault = &f
	case PathSubscriberState:
		if remove {
			if s.Subscriber != nil {
				s.Subscriber.State = ""
			}
			return nil
		}
		v, ok := op.Value.(SubscriberState)
		if !ok {
			return typeError(op)
		}
		ensureSubscriber(s).State = v
	case PathSubscriberReason:
		if remove {
			if s.Subscriber != nil {
				s.Subscriber.Reason = ""
			}
			return nil
		}
		v, ok := op.Value.(string)
		if !ok {
			return typeError(op)
		}
		ensureSubscriber(s).Reason = v
	default:
		return fmt.Errorf("unsupported patch path %q", op.Path)
	}
	return nil
}

func ensureStream(s *Status) *StreamStatus {
	if s.Stream == nil {
		s.Stream = &StreamStatus{}
	}
	return s.Stream
}

func ensureSubscriber(s *Status) *SubscriberStatus {
	if s.Subscriber == nil {
		s.Subscriber = &SubscriberStatus{}
	}
	return s.Subscriber
}

func typeError(op PatchOp) error {
	return fmt.Errorf("invalid value %T for %s", op.Value, op.Path)
}

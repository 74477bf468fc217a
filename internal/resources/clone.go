package resources

import "maps"

// Clone returns a deep copy of the consumer.
func (c *Consumer) Clone() *Consumer {
	if c == nil {
		return nil
	}
	out := *c
	out.Metadata.Labels = maps.Clone(c.Metadata.Labels)
	out.Spec = c.Spec.clone()
	out.Status = c.Status.Clone()
	return &out
}

func (s ConsumerSpec) clone() ConsumerSpec {
	out := s
	if s.Partition != nil {
		p := *s.Partition
		out.Partition = &p
	}
	if s.Filter != nil {
		f := *s.Filter
		f.Attributes = maps.Clone(s.Filter.Attributes)
		out.Filter = &f
	}
	if s.Mutation != nil {
		m := *s.Mutation
		if s.Mutation.Webhook != nil {
			w := *s.Mutation.Webhook
			m.Webhook = &w
		}
		out.Mutation = &m
	}
	if s.Stream != nil {
		st := StreamSpec{}
		if s.Stream.Offset != nil {
			o := *s.Stream.Offset
			st.Offset = &o
		}
		out.Stream = &st
	}
	if s.Subscriber.RateLimit != nil {
		r := *s.Subscriber.RateLimit
		out.Subscriber.RateLimit = &r
	}
	out.Subscriber.Policy = s.Subscriber.Policy.Clone()
	return out
}

// Clone returns a deep copy of the status.
func (s Status) Clone() Status {
	out := s
	if s.Stream != nil {
		st := StreamStatus{}
		if s.Stream.AckedOffset != nil {
			o := *s.Stream.AckedOffset
			st.AckedOffset = &o
		}
		if s.Stream.Fault != nil {
			f := *s.Stream.Fault
			st.Fault = &f
		}
		out.Stream = &st
	}
	if s.Subscriber != nil {
		sub := *s.Subscriber
		out.Subscriber = &sub
	}
	return out
}

// Clone returns a deep copy of the policy.
func (p *DeliveryPolicy) Clone() *DeliveryPolicy {
	if p == nil {
		return nil
	}
	out := *p
	if p.Backoff != nil {
		b := *p.Backoff
		if p.Backoff.Exponent != nil {
			e := *p.Backoff.Exponent
			b.Exponent = &e
		}
		out.Backoff = &b
	}
	if p.MaxAttempts != nil {
		m := *p.MaxAttempts
		out.MaxAttempts = &m
	}
	if p.StatusCodes != nil {
		out.StatusCodes = append([]int(nil), p.StatusCodes...)
	}
	if p.CircuitBreaker != nil {
		cb := *p.CircuitBreaker
		out.CircuitBreaker = &cb
	}
	return &out
}

// Clone returns a deep copy of the broker.
func (b *Broker) Clone() *Broker {
	if b == nil {
		return nil
	}
	out := *b
	out.Metadata.Labels = maps.Clone(b.Metadata.Labels)
	out.Spec.Selector = maps.Clone(b.Spec.Selector)
	out.Spec.Dispatch.Policy = b.Spec.Dispatch.Policy.Clone()
	return &out
}

// AckedOffset returns the persisted checkpoint, if any.
func (s Status) AckedOffset() (uint64, bool) {
	if s.Stream == nil || s.Stream.AckedOffset == nil {
		return 0, false
	}
	return *s.Stream.AckedOffset, true
}

// Fault returns the persisted fault, if any.
func (s Status) Fault() *ProblemDetails {
	if s.Stream == nil {
		return nil
	}
	return s.Stream.Fault
}

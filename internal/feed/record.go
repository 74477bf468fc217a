package feed

import (
	"fmt"
	"maps"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"eventbroker/internal/resources"
)

// Context attribute names stored in record metadata.
const (
	AttrSpecVersion     = "specversion"
	AttrID              = "id"
	AttrSource          = "source"
	AttrType            = "type"
	AttrSubject         = "subject"
	AttrTime            = "time"
	AttrDataContentType = "datacontenttype"
	AttrDataSchema      = "dataschema"
	AttrCorrelationID   = "correlationid"
	AttrCausationID     = "causationid"
)

// Record is an immutable recorded event.
type Record struct {
	StreamID string         `json:"streamId"`
	Offset   uint64         `json:"offset"`
	Time     time.Time      `json:"time"`
	Metadata map[string]any `json:"metadata"`
	Data     []byte         `json:"data,omitempty"`
}

// NewRecord captures the context attributes and payload of an event.
// Extension values are stored in their canonical string form.
func NewRecord(event cloudevents.Event) Record {
	md := map[string]any{
		AttrSpecVersion: event.SpecVersion(),
		AttrID:          event.ID(),
		AttrSource:      event.Source(),
		AttrType:        event.Type(),
	}
	if v := event.Subject(); v != "" {
		md[AttrSubject] = v
	}
	if t := event.Time(); !t.IsZero() {
		md[AttrTime] = t.UTC().Format(time.RFC3339Nano)
	}
	if v := event.DataContentType(); v != "" {
		md[AttrDataContentType] = v
	}
	if v := event.DataSchema(); v != "" {
		md[AttrDataSchema] = v
	}
	for name, value := range event.Extensions() {
		md[name] = fmt.Sprint(value)
	}
	return Record{Metadata: md, Data: event.Data()}
}

// Attribute returns a metadata attribute as a string.
func (r Record) Attribute(name string) (string, bool) {
	v, ok := r.Metadata[name]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

// Event rebuilds the CloudEvent the record was created from.
func (r Record) Event() (cloudevents.Event, error) {
	event := cloudevents.NewEvent()
	if v, ok := r.Attribute(AttrSpecVersion); ok {
		event.SetSpecVersion(v)
	}
	for name, value := range r.Metadata {
		s, _ := r.Attribute(name)
		switch name {
		case AttrSpecVersion:
		case AttrID:
			event.SetID(s)
		case AttrSource:
			event.SetSource(s)
		case AttrType:
			event.SetType(s)
		case AttrSubject:
			event.SetSubject(s)
		case AttrDataContentType:
			event.SetDataContentType(s)
		case AttrDataSchema:
			event.SetDataSchema(s)
		case AttrTime:
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return event, fmt.Errorf("record %d: invalid time %q: %w", r.Offset, s, err)
			}
			event.SetTime(t)
		default:
			if value != nil {
				event.SetExtension(name, s)
			}
		}
	}
	if r.Data != nil {
		event.DataEncoded = r.Data
		event.DataBase64 = !textual(event.DataContentType())
	}
	return event, nil
}

// At returns a copy of the record addressed within stream at offset.
func (r Record) At(stream string, offset uint64) Record {
	r.StreamID = stream
	r.Offset = offset
	r.Metadata = maps.Clone(r.Metadata)
	return r
}

// PartitionKeys returns the partition projections the record belongs to.
func (r Record) PartitionKeys() []resources.PartitionReference {
	attrs := []struct {
		typ  resources.PartitionType
		name string
	}{
		{resources.PartitionBySource, AttrSource},
		{resources.PartitionBySubject, AttrSubject},
		{resources.PartitionByType, AttrType},
		{resources.PartitionByCorrelationID, AttrCorrelationID},
		{resources.PartitionByCausationID, AttrCausationID},
	}
	refs := make([]resources.PartitionReference, 0, len(attrs))
	for _, a := range attrs {
		if key, ok := r.Attribute(a.name); ok && key != "" {
			refs = append(refs, resources.PartitionReference{Type: a.typ, Key: key})
		}
	}
	return refs
}

// StreamID returns the stream id of a partition, or GlobalStream for nil.
func StreamID(partition *resources.PartitionReference) string {
	if partition == nil {
		return GlobalStream
	}
	return partition.String()
}

func textual(contentType string) bool {
	return contentType == "" ||
		strings.Contains(contentType, "json") ||
		strings.HasPrefix(contentType, "text/") ||
		strings.Contains(contentType, "xml")
}

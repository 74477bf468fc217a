// Package feed defines the event log contract the dispatch engine reads from.
//
// A feed is a globally ordered, append-only log of recorded CloudEvents.
// Every event is also projected into partitions keyed by one of its context
// attributes. Offsets are zero-based and local to the stream being read: the
// global stream or a single partition.
package feed

import (
	"context"
	"errors"
	"time"

	"eventbroker/internal/resources"
)

// GlobalStream is the stream id of records read without a partition.
const GlobalStream = "$all"

// EndOfStream addresses the end of a stream. Reading forwards from it finds
// nothing; reading backwards from it returns the last record.
const EndOfStream = resources.EndOfStream

var (
	// ErrNotFound is returned by point reads when no record exists at the offset.
	ErrNotFound = errors.New("record not found")
	// ErrStreamNotFound is returned when a partition has not received any event yet.
	ErrStreamNotFound = errors.New("stream not found")
)

// Direction is the read direction of point and range reads.
type Direction int

const (
	Forwards Direction = iota
	Backwards
)

func (d Direction) String() string {
	if d == Backwards {
		return "backwards"
	}
	return "forwards"
}

// StreamMetadata summarizes a stream.
type StreamMetadata struct {
	FirstEventTime time.Time `json:"firstEventTime"`
	LastEventTime  time.Time `json:"lastEventTime"`
	Length         uint64    `json:"length"`
}

// Feed is the read side of the event log. A nil partition addresses the global stream.
type Feed interface {
	// ReadOne returns the record at offset, or ErrNotFound.
	ReadOne(ctx context.Context, partition *resources.PartitionReference, dir Direction, offset int64) (*Record, error)
	// ReadRange returns up to length records starting at offset in the given direction.
	ReadRange(ctx context.Context, partition *resources.PartitionReference, dir Direction, offset int64, length uint64) ([]Record, error)
	// Subscribe pushes every record from offset onwards until ctx is done.
	// The channel is closed when ctx is done or the feed fails.
	Subscribe(ctx context.Context, partition *resources.PartitionReference, offset int64) (<-chan Record, error)
	// Metadata describes the stream. Partitions without events return ErrStreamNotFound.
	Metadata(ctx context.Context, partition *resources.PartitionReference) (*StreamMetadata, error)
}

// Appender is implemented by feeds that accept new events.
type Appender interface {
	Append(ctx context.Context, records ...Record) ([]uint64, error)
}

// Package memory provides an in-process event feed with partition projections.
package memory

import (
	"context"
	"sync"
	"time"

	"eventbroker/internal/feed"
	"eventbroker/internal/resources"
)

// followBatch bounds how many records one subscription read hands out.
const followBatch = 256

// Feed is an in-memory feed.Feed. The zero value is not usable; use New.
type Feed struct {
	mu         sync.RWMutex
	records    []feed.Record
	partitions map[string][]uint64 // partition stream id -> global offsets
	notify     chan struct{}
	now        func() time.Time
}

var (
	_ feed.Feed     = (*Feed)(nil)
	_ feed.Appender = (*Feed)(nil)
)

// New creates an empty feed.
func New() *Feed {
	return &Feed{
		partitions: make(map[string][]uint64),
		notify:     make(chan struct{}),
		now:        time.Now,
	}
}

// Append records events at the end of the global stream and every partition
// they project into. It returns the assigned global offsets.
func (f *Feed) Append(ctx context.Context, records ...feed.Record) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	offsets := make([]uint64, len(records))
	for i, rec := range records {
		off := uint64(len(f.records))
		rec = rec.At(feed.GlobalStream, off)
		if rec.Time.IsZero() {
			rec.Time = f.now().UTC()
		}
		f.records = append(f.records, rec)
		for _, ref := range rec.PartitionKeys() {
			id := ref.String()
			f.partitions[id] = append(f.partitions[id], off)
		}
		offsets[i] = off
	}

	close(f.notify)
	f.notify = make(chan struct{})
	return offsets, nil
}

// view returns the length of a stream and an accessor for its records.
// Callers hold f.mu.
func (f *Feed) view(partition *resources.PartitionReference) (uint64, func(uint64) feed.Record, error) {
	if partition == nil {
		return uint64(len(f.records)), func(i uint64) feed.Record { return f.records[i].At(feed.GlobalStream, i) }, nil
	}
	id := partition.String()
	index, ok := f.partitions[id]
	if !ok {
		return 0, nil, feed.ErrStreamNotFound
	}
	return uint64(len(index)), func(i uint64) feed.Record {
		return f.records[index[i]].At(id, i)
	}, nil
}

func (f *Feed) ReadOne(ctx context.Context, partition *resources.PartitionReference, dir feed.Direction, offset int64) (*feed.Record, error) {
	records, err := f.ReadRange(ctx, partition, dir, offset, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, feed.ErrNotFound
	}
	return &records[0], nil
}

func (f *Feed) ReadRange(ctx context.Context, partition *resources.PartitionReference, dir feed.Direction, offset int64, length uint64) ([]feed.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	n, at, err := f.view(partition)
	if err != nil {
		return nil, err
	}
	positions := feed.Positions(dir, offset, length, n)
	out := make([]feed.Record, 0, len(positions))
	for _, p := range positions {
		out = append(out, at(p))
	}
	return out, nil
}

func (f *Feed) Subscribe(ctx context.Context, partition *resources.PartitionReference, offset int64) (<-chan feed.Record, error) {
	f.mu.RLock()
	n, _, err := f.view(partition)
	f.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	return feed.Follow(ctx, feed.Resolve(offset, n), func(ctx context.Context, from uint64) ([]feed.Record, <-chan struct{}, error) {
		f.mu.RLock()
		defer f.mu.RUnlock()
		wait := f.notify
		n, at, err := f.view(partition)
		if err != nil {
			return nil, nil, err
		}
		var out []feed.Record
		for i := from; i < n && len(out) < followBatch; i++ {
			out = append(out, at(i))
		}
		return out, wait, nil
	}), nil
}

func (f *Feed) Metadata(ctx context.Context, partition *resources.PartitionReference) (*feed.StreamMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	n, at, err := f.view(partition)
	if err != nil {
		return nil, err
	}
	md := &feed.StreamMetadata{Length: n}
	if n > 0 {
		md.FirstEventTime = at(0).Time
		md.LastEventTime = at(n - 1).Time
	}
	return md, nil
}

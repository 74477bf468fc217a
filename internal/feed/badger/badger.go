// Package badger provides a durable event feed on BadgerDB.
//
// Key layout:
//
//	g/{offset}                 -> JSON record
//	p/{type}/{key}/{offset}    -> global offset
//	m/g                        -> global length
//	m/p/{type}/{key}           -> partition length
//
// Offsets are 8-byte big-endian so keys sort in offset order. Partition keys
// are path-escaped. Other prefixes are free for stores sharing the database.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"eventbroker/internal/feed"
	"eventbroker/internal/resources"
)

const (
	globalPrefix    = "g/"
	partitionPrefix = "p/"
	globalLengthKey = "m/g"
	partitionMeta   = "m/p/"
	followBatch     = 256
)

// Feed is a feed.Feed stored in BadgerDB.
type Feed struct {
	db *badger.DB

	mu     sync.Mutex // serializes appends
	notify chan struct{}
}

var (
	_ feed.Feed     = (*Feed)(nil)
	_ feed.Appender = (*Feed)(nil)
)

// New creates a feed on an open database. The caller owns db.
func New(db *badger.DB) *Feed {
	return &Feed{db: db, notify: make(chan struct{})}
}

// Open opens (or creates) a feed database in dir. An empty dir opens an
// in-memory database.
func Open(dir string) (*Feed, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open feed database: %w", err)
	}
	return New(db), nil
}

// DB returns the underlying database, for stores that share it.
func (f *Feed) DB() *badger.DB {
	return f.db
}

// Close closes the underlying database.
func (f *Feed) Close() error {
	return f.db.Close()
}

// Append writes records atomically and returns their global offsets.
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
	err := f.db.Update(func(txn *badger.Txn) error {
		length, err := getUint64(txn, []byte(globalLengthKey))
		if err != nil {
			return err
		}
		partLengths := make(map[string]uint64)

		for i, rec := range records {
			off := length
			length++
			rec = rec.At(feed.GlobalStream, off)
			if rec.Time.IsZero() {
				rec.Time = time.Now().UTC()
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to encode record: %w", err)
			}
			if err := txn.Set(globalKey(off), data); err != nil {
				return err
			}

			for _, ref := range rec.PartitionKeys() {
				id := partitionID(&ref)
				plen, ok := partLengths[id]
				if !ok {
					if plen, err = getUint64(txn, []byte(partitionMeta+id)); err != nil {
						return err
					}
				}
				if err := txn.Set(partitionKey(id, plen), uint64ToBytes(off)); err != nil {
					return err
				}
				partLengths[id] = plen + 1
			}
			offsets[i] = off
		}

		for id, plen := range partLengths {
			if err := txn.Set([]byte(partitionMeta+id), uint64ToBytes(plen)); err != nil {
				return err
			}
		}
		return txn.Set([]byte(globalLengthKey), uint64ToBytes(length))
	})
	if err != nil {
		return nil, err
	}

	close(f.notify)
	f.notify = make(chan struct{})
	return offsets, nil
}

func (f *Feed) waiter() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notify
}

// length returns the length of a stream inside txn.
func length(txn *badger.Txn, partition *resources.PartitionReference) (uint64, error) {
	if partition == nil {
		return getUint64(txn, []byte(globalLengthKey))
	}
	item, err := txn.Get([]byte(partitionMeta + partitionID(partition)))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, feed.ErrStreamNotFound
	}
	if err != nil {
		return 0, err
	}
	var n uint64
	err = item.Value(func(val []byte) error {
		n = bytesToUint64(val)
		return nil
	})
	return n, err
}

// load reads the record at a stream-local offset inside txn.
func load(txn *badger.Txn, partition *resources.PartitionReference, offset uint64) (feed.Record, error) {
	global := offset
	if partition != nil {
		item, err := txn.Get(partitionKey(partitionID(partition), offset))
		if err != nil {
			return feed.Record{}, err
		}
		if err := item.Value(func(val []byte) error {
			global = bytesToUint64(val)
			return nil
		}); err != nil {
			return feed.Record{}, err
		}
	}

	item, err := txn.Get(globalKey(global))
	if err != nil {
		return feed.Record{}, err
	}
	var rec feed.Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return feed.Record{}, fmt.Errorf("failed to decode record %d: %w", global, err)
	}
	return rec.At(feed.StreamID(partition), offset), nil
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

func (f *Feed) ReadRange(ctx context.Context, partition *resources.PartitionReference, dir feed.Direction, offset int64, count uint64) ([]feed.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []feed.Record
	err := f.db.View(func(txn *badger.Txn) error {
		n, err := length(txn, partition)
		if err != nil {
			return err
		}
		for _, p := range feed.Positions(dir, offset, count, n) {
			rec, err := load(txn, partition, p)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (f *Feed) Subscribe(ctx context.Context, partition *resources.PartitionReference, offset int64) (<-chan feed.Record, error) {
	var n uint64
	err := f.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = length(txn, partition)
		return err
	})
	if err != nil {
		return nil, err
	}

	return feed.Follow(ctx, feed.Resolve(offset, n), func(ctx context.Context, from uint64) ([]feed.Record, <-chan struct{}, error) {
		wait := f.waiter()
		out, err := f.ReadRange(ctx, partition, feed.Forwards, int64(from), followBatch)
		return out, wait, err
	}), nil
}

func (f *Feed) Metadata(ctx context.Context, partition *resources.PartitionReference) (*feed.StreamMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	md := &feed.StreamMetadata{}
	err := f.db.View(func(txn *badger.Txn) error {
		n, err := length(txn, partition)
		if err != nil {
			return err
		}
		md.Length = n
		if n == 0 {
			return nil
		}
		first, err := load(txn, partition, 0)
		if err != nil {
			return err
		}
		last, err := load(txn, partition, n-1)
		if err != nil {
			return err
		}
		md.FirstEventTime, md.LastEventTime = first.Time, last.Time
		return nil
	})
	if err != nil {
		return nil, err
	}
	return md, nil
}

func partitionID(ref *resources.PartitionReference) string {
	return string(ref.Type) + "/" + url.PathEscape(ref.Key)
}

func globalKey(offset uint64) []byte {
	return append([]byte(globalPrefix), uint64ToBytes(offset)...)
}

func partitionKey(id string, offset uint64) []byte {
	return append([]byte(partitionPrefix+id+"/"), uint64ToBytes(offset)...)
}

func getUint64(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n uint64
	err = item.Value(func(val []byte) error {
		n = bytesToUint64(val)
		return nil
	})
	return n, err
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

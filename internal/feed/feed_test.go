package feed

import (
	"context"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventbroker/internal/resources"
)

func TestRecord_EventRoundTrip(t *testing.T) {
	t.Parallel()
	in := cloudevents.NewEvent()
	in.SetID("evt-1")
	in.SetSource("/orders")
	in.SetType("order.created")
	in.SetSubject("order-1")
	in.SetTime(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	in.SetExtension(AttrCorrelationID, "corr-9")
	require.NoError(t, in.SetData(cloudevents.ApplicationJSON, map[string]any{"total": 42}))

	rec := NewRecord(in)
	out, err := rec.Event()
	require.NoError(t, err)

	assert.Equal(t, "evt-1", out.ID())
	assert.Equal(t, "/orders", out.Source())
	assert.Equal(t, "order.created", out.Type())
	assert.Equal(t, "order-1", out.Subject())
	assert.True(t, in.Time().Equal(out.Time()))
	assert.Equal(t, "corr-9", out.Extensions()[AttrCorrelationID])
	assert.JSONEq(t, `{"total":42}`, string(out.Data()))
	assert.NoError(t, out.Validate())
}

func TestRecord_PartitionKeys(t *testing.T) {
	t.Parallel()
	rec := Record{Metadata: map[string]any{
		AttrSource:        "/orders",
		AttrType:          "order.created",
		AttrCausationID:   "cause-1",
		AttrCorrelationID: "",
	}}

	assert.Equal(t, []resources.PartitionReference{
		{Type: resources.PartitionBySource, Key: "/orders"},
		{Type: resources.PartitionByType, Key: "order.created"},
		{Type: resources.PartitionByCausationID, Key: "cause-1"},
	}, rec.PartitionKeys())
}

func TestRecord_InvalidTime(t *testing.T) {
	t.Parallel()
	rec := Record{Metadata: map[string]any{AttrSpecVersion: "1.0", AttrTime: "yesterday"}}
	_, err := rec.Event()
	assert.Error(t, err)
}

func TestPositions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		dir    Direction
		offset int64
		count  uint64
		length uint64
		want   []uint64
	}{
		{"forwards within", Forwards, 2, 3, 10, []uint64{2, 3, 4}},
		{"forwards clipped", Forwards, 8, 5, 10, []uint64{8, 9}},
		{"forwards past end", Forwards, 10, 1, 10, nil},
		{"forwards from end of stream", Forwards, EndOfStream, 1, 10, nil},
		{"backwards within", Backwards, 3, 2, 10, []uint64{3, 2}},
		{"backwards to zero", Backwards, 1, 5, 10, []uint64{1, 0}},
		{"backwards from end of stream", Backwards, EndOfStream, 2, 10, []uint64{9, 8}},
		{"empty stream", Backwards, EndOfStream, 1, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Positions(tt.dir, tt.offset, tt.count, tt.length))
		})
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uint64(7), Resolve(EndOfStream, 7))
	assert.Equal(t, uint64(3), Resolve(3, 7))
}

func TestFollow(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appended := make(chan struct{})
	calls := 0
	read := func(ctx context.Context, from uint64) ([]Record, <-chan struct{}, error) {
		calls++
		switch {
		case from == 5:
			return []Record{{Offset: 5}, {Offset: 6}}, nil, nil
		case from == 7 && calls == 2:
			return nil, appended, nil
		case from == 7:
			return []Record{{Offset: 7}}, nil, nil
		}
		return nil, make(chan struct{}), nil
	}

	ch := Follow(ctx, 5, read)
	assert.Equal(t, uint64(5), (<-ch).Offset)
	assert.Equal(t, uint64(6), (<-ch).Offset)
	close(appended)
	assert.Equal(t, uint64(7), (<-ch).Offset)

	cancel()
	_, ok := <-ch
	for ok {
		_, ok = <-ch
	}
}

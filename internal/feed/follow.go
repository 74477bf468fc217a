package feed

import "context"

// ReadFunc reads the records available from offset. It also returns a channel
// that is closed on the next append, captured before the read so no append
// is missed between the two.
type ReadFunc func(ctx context.Context, offset uint64) ([]Record, <-chan struct{}, error)

// Follow implements a live subscription on top of a polling read. Records are
// pushed in offset order until ctx is done or read fails; then the channel closes.
func Follow(ctx context.Context, offset uint64, read ReadFunc) <-chan Record {
	out := make(chan Record)
	go func() {
		defer close(out)
		next := offset
		for {
			records, wait, err := read(ctx, next)
			if err != nil {
				return
			}
			for _, rec := range records {
				select {
				case out <- rec:
					next = rec.Offset + 1
				case <-ctx.Done():
					return
				}
			}
			if len(records) > 0 {
				continue
			}
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Resolve turns a possibly negative offset into a position within a stream of length.
func Resolve(offset int64, length uint64) uint64 {
	if offset < 0 {
		return length
	}
	return uint64(offset)
}

// Positions lists the offsets a read of count records from offset visits in a
// stream of length. Backward reads from EndOfStream, or from beyond the end,
// start at the last record.
func Positions(dir Direction, offset int64, count, length uint64) []uint64 {
	if length == 0 || count == 0 {
		return nil
	}
	var out []uint64
	if dir == Backwards {
		start := length - 1
		if offset >= 0 && uint64(offset) < length {
			start = uint64(offset)
		}
		for i := start; uint64(len(out)) < count; i-- {
			out = append(out, i)
			if i == 0 {
				break
			}
		}
		return out
	}
	if offset < 0 || uint64(offset) >= length {
		return nil
	}
	for i := uint64(offset); i < length && uint64(len(out)) < count; i++ {
		out = append(out, i)
	}
	return out
}

package memory

import (
	"context"
	"sync"
)

// queue is an unbounded FIFO drained into a channel by a pump goroutine, so
// a slow watcher never blocks writers.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
	done   <-chan struct{}
}

func newQueue[T any](ctx context.Context) (*queue[T], <-chan T) {
	q := &queue[T]{signal: make(chan struct{}, 1), done: ctx.Done()}
	out := make(chan T)
	go q.pump(ctx, out)
	return q, out
}

func (q *queue[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue[T]) closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func (q *queue[T]) pump(ctx context.Context, out chan<- T) {
	defer close(out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.signal:
				continue
			case <-ctx.Done():
				return
			}
		}
		v := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case out <- v:
		case <-ctx.Done():
			return
		}
	}
}

// Package queue provides the bounded FIFO used by mailboxes.
//
// Producers never block: Enqueue fails once the queue holds Depth items.
// Consumers either pull with Dequeue (poll, bounded wait or wait forever) or
// attach a single worker goroutine that pushes items to a handler.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultDepth is the capacity used when New is given a non-positive depth.
const DefaultDepth = 32

// Forever makes Dequeue wait until an item arrives or the queue is closed.
const Forever time.Duration = -1

var (
	ErrFull          = errors.New("queue: full")
	ErrTimeout       = errors.New("queue: timed out")
	ErrClosed        = errors.New("queue: closed")
	ErrWorkerRunning = errors.New("queue: worker already running")
)

// Queue is a bounded multi-producer multi-consumer FIFO.
//
// Every stored item is paired with one token in a counting semaphore
// (a buffered channel). The item and its token are published under the same
// lock, and a consumer takes a token before popping, so the number of tokens
// never exceeds the number of items.
type Queue[T any] struct {
	mu     spinLocker
	buf    []T
	head   int
	count  int
	closed bool

	tokens chan struct{}
	done   chan struct{}

	workerMu sync.Mutex
	stop     chan struct{}
	workerWG sync.WaitGroup
}

// New creates a queue holding at most depth items.
func New[T any](depth int) *Queue[T] {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Queue[T]{
		buf:    make([]T, depth),
		tokens: make(chan struct{}, depth),
		done:   make(chan struct{}),
	}
}

// Enqueue appends item and wakes exactly one waiter. It returns ErrFull when
// the queue already holds Depth items and ErrClosed after Close.
func (q *Queue[T]) Enqueue(item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.count == len(q.buf) {
		q.mu.Unlock()
		return ErrFull
	}
	q.buf[(q.head+q.count)%len(q.buf)] = item
	q.count++
	// tokens <= count-1 < cap here, the send cannot block.
	q.tokens <- struct{}{}
	q.mu.Unlock()
	return nil
}

// Dequeue removes the oldest item. A zero timeout polls, a negative timeout
// (Forever) waits without limit, anything else waits at most timeout and then
// returns ErrTimeout.
func (q *Queue[T]) Dequeue(timeout time.Duration) (T, error) {
	switch {
	case timeout == 0:
		var zero T
		select {
		case <-q.done:
			return zero, ErrClosed
		default:
		}
		select {
		case <-q.tokens:
			return q.pop()
		default:
			return zero, ErrTimeout
		}
	case timeout < 0:
		return q.wait(nil, nil)
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		return q.wait(timer.C, nil)
	}
}

// DequeueContext waits until an item arrives, the queue is closed or ctx is
// done. Context expiry is reported as ErrTimeout wrapping ctx.Err().
func (q *Queue[T]) DequeueContext(ctx context.Context) (T, error) {
	item, err := q.wait(nil, ctx.Done())
	if errors.Is(err, ErrTimeout) {
		return item, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
	return item, err
}

func (q *Queue[T]) wait(expired <-chan time.Time, cancel <-chan struct{}) (T, error) {
	var zero T
	select {
	case <-q.tokens:
		return q.pop()
	case <-q.done:
		return zero, ErrClosed
	case <-expired:
		return zero, ErrTimeout
	case <-cancel:
		return zero, ErrTimeout
	}
}

// pop is only called by a consumer that owns a token.
func (q *Queue[T]) pop() (T, error) {
	var zero T
	q.mu.Lock()
	if q.closed || q.count == 0 {
		q.mu.Unlock()
		return zero, ErrClosed
	}
	item := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.mu.Unlock()
	return item, nil
}

// Len returns a snapshot of the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	n := q.count
	q.mu.Unlock()
	return n
}

// Depth returns the capacity.
func (q *Queue[T]) Depth() int {
	return len(q.buf)
}

// IsClosed reports whether Close has been called.
func (q *Queue[T]) IsClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Close rejects further Enqueue calls, wakes every waiter with ErrClosed and
// returns the items that were never dequeued. The worker, if any, exits on
// its own. Calling Close twice returns nil.
func (q *Queue[T]) Close() []T {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	remaining := make([]T, 0, q.count)
	var zero T
	for q.count > 0 {
		remaining = append(remaining, q.buf[q.head])
		q.buf[q.head] = zero
		q.head = (q.head + 1) % len(q.buf)
		q.count--
	}
	close(q.done)
	q.mu.Unlock()
	return remaining
}

// Start attaches a worker goroutine that dequeues items and passes them to
// handler, for callers that want push-style delivery. Only one worker may run
// at a time.
func (q *Queue[T]) Start(handler func(T)) error {
	q.workerMu.Lock()
	defer q.workerMu.Unlock()
	if q.IsClosed() {
		return ErrClosed
	}
	if q.stop != nil {
		return ErrWorkerRunning
	}
	stop := make(chan struct{})
	q.stop = stop
	q.workerWG.Add(1)
	go func() {
		defer q.workerWG.Done()
		for {
			item, err := q.wait(nil, stop)
			if err != nil {
				return
			}
			handler(item)
		}
	}()
	return nil
}

// Stop detaches the worker and waits for it to return. It must not be called
// from the handler.
func (q *Queue[T]) Stop() {
	q.workerMu.Lock()
	stop := q.stop
	q.stop = nil
	q.workerMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	q.workerWG.Wait()
}

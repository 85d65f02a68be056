package canhub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/notnil/canhub/internal/queue"
)

// Forever makes Receive block until a frame arrives or the mailbox closes.
const Forever = queue.Forever

// DefaultQueueDepth is the mailbox depth used when none is configured.
const DefaultQueueDepth = queue.DefaultDepth

// FilterID identifies one installed filter within a mailbox.
type FilterID uint64

type installedFilter struct {
	id     FilterID
	filter Filter
	fn     FrameFilter // set for predicate filters, filter is unused then
}

func (f installedFilter) match(frame Frame) bool {
	if f.fn != nil {
		return f.fn(frame)
	}
	return f.filter.Match(frame)
}

// Mailbox is one receiver's view of a controller: an ordered filter list and
// a bounded queue of accepted messages. With no filters installed every frame
// is accepted; otherwise a frame is accepted when any filter matches.
type Mailbox struct {
	mu      sync.RWMutex
	filters []installedFilter
	nextID  FilterID

	queue *queue.Queue[*Message]
}

// NewMailbox creates a mailbox whose queue holds at most depth messages
// (DefaultQueueDepth when depth <= 0).
func NewMailbox(depth int) *Mailbox {
	return &Mailbox{queue: queue.New[*Message](depth)}
}

// AddFilter appends f to the filter list. Identical filters may be installed
// more than once; each gets its own FilterID.
func (b *Mailbox) AddFilter(f Filter) (FilterID, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.filters = append(b.filters, installedFilter{id: b.nextID, filter: f})
	return b.nextID, nil
}

// AddFrameFilter appends a predicate to the filter list. It takes part in
// acceptance like any Filter but can only be removed with RemoveFilter.
func (b *Mailbox) AddFrameFilter(fn FrameFilter) (FilterID, error) {
	if fn == nil {
		return 0, fmt.Errorf("%w: nil frame filter", ErrInvalidParam)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.filters = append(b.filters, installedFilter{id: b.nextID, fn: fn})
	return b.nextID, nil
}

// DelFilter removes the earliest installed filter equal to f.
func (b *Mailbox) DelFilter(f Filter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, inst := range b.filters {
		if inst.fn == nil && inst.filter == f {
			b.filters = append(b.filters[:i], b.filters[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: filter not installed", ErrNotSupported)
}

// RemoveFilter removes the filter installed under id.
func (b *Mailbox) RemoveFilter(id FilterID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, inst := range b.filters {
		if inst.id == id {
			b.filters = append(b.filters[:i], b.filters[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: filter %d not installed", ErrNotSupported, id)
}

// Filters returns the installed Filter values in insertion order. Predicate
// filters are not listed.
func (b *Mailbox) Filters() []Filter {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Filter, 0, len(b.filters))
	for _, inst := range b.filters {
		if inst.fn == nil {
			out = append(out, inst.filter)
		}
	}
	return out
}

// TryAccept reports whether frame passes the filter list.
func (b *Mailbox) TryAccept(frame Frame) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.filters) == 0 {
		return true
	}
	for _, inst := range b.filters {
		if inst.match(frame) {
			return true
		}
	}
	return false
}

// Submit offers msg to the mailbox. When accepted the mailbox takes its own
// reference; on ErrNoMatch or a queue failure the reference count is left as
// it was.
func (b *Mailbox) Submit(msg *Message) error {
	if msg == nil {
		return ErrInvalidParam
	}
	if !b.TryAccept(msg.frame) {
		return ErrNoMatch
	}
	msg.Acquire()
	if err := b.queue.Enqueue(msg); err != nil {
		msg.Release()
		return err
	}
	return nil
}

// Receive removes the oldest message. A zero timeout polls, Forever blocks.
// The caller owns the returned reference and must Release it.
func (b *Mailbox) Receive(timeout time.Duration) (*Message, error) {
	return b.queue.Dequeue(timeout)
}

// ReceiveContext is Receive bounded by ctx instead of a timeout.
func (b *Mailbox) ReceiveContext(ctx context.Context) (*Message, error) {
	return b.queue.DequeueContext(ctx)
}

// Serve hands every accepted frame to handler from a dedicated goroutine
// until StopServing or Close. Receive must not be used concurrently with it.
func (b *Mailbox) Serve(handler func(Frame)) error {
	return b.queue.Start(func(msg *Message) {
		frame := msg.frame
		msg.Release()
		handler(frame)
	})
}

// StopServing stops the Serve goroutine and waits for it to return. It must
// not be called from the handler.
func (b *Mailbox) StopServing() { b.queue.Stop() }

// Len returns the number of queued messages.
func (b *Mailbox) Len() int { return b.queue.Len() }

// Depth returns the queue capacity.
func (b *Mailbox) Depth() int { return b.queue.Depth() }

// Closed reports whether Close was called.
func (b *Mailbox) Closed() bool { return b.queue.IsClosed() }

// Close wakes blocked receivers with ErrClosed and releases every message
// still queued. It is safe to call more than once.
func (b *Mailbox) Close() {
	for _, msg := range b.queue.Close() {
		msg.Release()
	}
}

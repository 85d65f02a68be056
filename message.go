package canhub

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// Message is a reference counted, immutable holder of one received frame.
// A single Message is shared by every mailbox that accepted it; the holder
// goes back to its pool when the last reference is released.
type Message struct {
	frame Frame
	refs  atomic.Int32
	pool  *MessagePool
}

// Frame returns a copy of the carried frame.
func (m *Message) Frame() Frame {
	return m.frame
}

// Refs returns the current reference count.
func (m *Message) Refs() int32 {
	return m.refs.Load()
}

// Acquire adds a reference.
func (m *Message) Acquire() {
	if m.refs.Inc() <= 1 {
		panic("canhub: acquire on released message")
	}
}

// Release drops a reference. The last release recycles the holder; releasing
// more often than acquired panics.
func (m *Message) Release() {
	n := m.refs.Dec()
	switch {
	case n == 0:
		m.pool.put(m)
	case n < 0:
		panic("canhub: negative message reference count")
	}
}

// MessagePool hands out Messages. A positive limit caps the number of live
// messages; Obtain fails with ErrResourceExhausted beyond it.
type MessagePool struct {
	pool  sync.Pool
	sem   *semaphore.Weighted
	limit int64
	live  atomic.Int64
}

// NewMessagePool creates a pool. limit <= 0 means unbounded.
func NewMessagePool(limit int64) *MessagePool {
	p := &MessagePool{limit: limit}
	if limit > 0 {
		p.sem = semaphore.NewWeighted(limit)
	}
	p.pool.New = func() any { return new(Message) }
	return p
}

// Obtain returns a Message carrying frame with one reference owned by the
// caller.
func (p *MessagePool) Obtain(frame Frame) (*Message, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	if p.sem != nil && !p.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: %d messages in flight", ErrResourceExhausted, p.limit)
	}
	m := p.pool.Get().(*Message)
	m.frame = frame
	m.pool = p
	m.refs.Store(1)
	p.live.Inc()
	return m, nil
}

// Live returns the number of messages not yet fully released.
func (p *MessagePool) Live() int64 {
	return p.live.Load()
}

// Limit returns the configured cap, 0 when unbounded.
func (p *MessagePool) Limit() int64 {
	if p.limit < 0 {
		return 0
	}
	return p.limit
}

func (p *MessagePool) put(m *Message) {
	m.frame = Frame{}
	m.pool = nil
	p.live.Dec()
	p.pool.Put(m)
	if p.sem != nil {
		p.sem.Release(1)
	}
}

package canhub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ClientOption configures a Client.
type ClientOption interface {
	// Apply sets the option value on a client.
	Apply(*Client)
}

var _ ClientOption = ClientOptionFunc(nil)

// ClientOptionFunc implements the ClientOption interface.
type ClientOptionFunc func(*Client)

func (f ClientOptionFunc) Apply(c *Client) {
	f(c)
}

// WithQueueDepth sets the depth of the client mailbox.
func WithQueueDepth(depth int) ClientOption {
	return ClientOptionFunc(func(c *Client) {
		c.depth = depth
	})
}

// Client is an open session on one controller. It owns a mailbox attached to
// that controller, so each client sees every received frame that passes its
// own filters regardless of other clients.
type Client struct {
	id    uuid.UUID
	depth int

	reg  *Registry
	cntl *Controller
	box  *Mailbox

	mu     sync.RWMutex
	closed bool
}

// Open looks up bus number in reg and attaches a new mailbox to it.
func Open(reg *Registry, number int, opts ...ClientOption) (*Client, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: nil registry", ErrInvalidObject)
	}
	cntl, ok := reg.LookupByNumber(number)
	if !ok {
		return nil, fmt.Errorf("%w: bus %d not registered", ErrInvalidObject, number)
	}
	return open(reg, cntl, opts)
}

// OpenByName is Open keyed by bus name ("CAN0").
func OpenByName(reg *Registry, name string, opts ...ClientOption) (*Client, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: nil registry", ErrInvalidObject)
	}
	cntl, ok := reg.LookupByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: bus %q not registered", ErrInvalidObject, name)
	}
	return open(reg, cntl, opts)
}

func open(reg *Registry, cntl *Controller, opts []ClientOption) (*Client, error) {
	c := &Client{
		id:    uuid.New(),
		depth: DefaultQueueDepth,
		reg:   reg,
		cntl:  cntl,
	}
	for _, opt := range opts {
		opt.Apply(c)
	}
	c.box = NewMailbox(c.depth)
	if err := cntl.Attach(c.box); err != nil {
		return nil, multierr.Append(err, reg.Put(cntl))
	}
	cntl.logger.Debug("client opened",
		zap.String("bus", cntl.name),
		zap.Stringer("client", c.id),
		zap.Int("depth", c.box.Depth()),
	)
	return c, nil
}

// ID returns the client identity used in logs.
func (c *Client) ID() uuid.UUID {
	if c == nil {
		return uuid.Nil
	}
	return c.id
}

// Bus returns the bus name of the client's controller.
func (c *Client) Bus() string {
	if c == nil {
		return ""
	}
	return c.cntl.name
}

// Mailbox returns the client mailbox.
func (c *Client) Mailbox() *Mailbox {
	if c == nil {
		return nil
	}
	return c.box
}

func (c *Client) controller() (*Controller, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil client", ErrInvalidObject)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, fmt.Errorf("%w: client closed", ErrInvalidObject)
	}
	return c.cntl, nil
}

// Close detaches the mailbox, drops every frame still queued and releases
// the controller handle. Closing twice is a no-op. It waits for the Serve
// handler to return and deadlocks when called from inside it.
func (c *Client) Close() error {
	if c == nil {
		return fmt.Errorf("%w: nil client", ErrInvalidObject)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var err error
	if derr := c.cntl.Detach(c.box); derr != nil && !c.cntl.removed.Load() {
		err = derr
	}
	c.box.StopServing()
	c.box.Close()
	err = multierr.Append(err, c.reg.Put(c.cntl))
	c.cntl.logger.Debug("client closed",
		zap.String("bus", c.cntl.name),
		zap.Stringer("client", c.id),
	)
	return err
}

// Send transmits frame on the client's bus.
func (c *Client) Send(frame Frame) error {
	cntl, err := c.controller()
	if err != nil {
		return err
	}
	return cntl.Send(frame)
}

// Receive waits up to timeout for the next accepted frame. A zero timeout
// polls and Forever blocks until a frame arrives or the client's bus goes
// away.
func (c *Client) Receive(timeout time.Duration) (Frame, error) {
	if _, err := c.controller(); err != nil {
		return Frame{}, err
	}
	msg, err := c.box.Receive(timeout)
	return c.take(msg, err)
}

// ReceiveContext waits for the next accepted frame until ctx is done.
func (c *Client) ReceiveContext(ctx context.Context) (Frame, error) {
	if _, err := c.controller(); err != nil {
		return Frame{}, err
	}
	msg, err := c.box.ReceiveContext(ctx)
	return c.take(msg, err)
}

func (c *Client) take(msg *Message, err error) (Frame, error) {
	if err != nil {
		if errors.Is(err, ErrClosed) {
			if c.cntl.removed.Load() {
				return Frame{}, fmt.Errorf("%w: %s unregistered: %w", ErrInvalidObject, c.cntl.name, err)
			}
			return Frame{}, fmt.Errorf("%w: client closed: %w", ErrInvalidObject, err)
		}
		return Frame{}, err
	}
	frame := msg.Frame()
	msg.Release()
	return frame, nil
}

// Serve calls handler for every accepted frame from a background goroutine
// until the client is closed. Close waits for a running handler to return,
// so a handler must not call Close itself; hand it to another goroutine.
func (c *Client) Serve(handler func(Frame)) error {
	if _, err := c.controller(); err != nil {
		return err
	}
	return c.box.Serve(handler)
}

// AddFilter installs a software acceptance filter on the client mailbox.
func (c *Client) AddFilter(f Filter) (FilterID, error) {
	if _, err := c.controller(); err != nil {
		return 0, err
	}
	return c.box.AddFilter(f)
}

// AddFrameFilter installs a predicate such as ByIDs or And(ExtendedOnly(),
// DataOnly()) on the client mailbox. Remove it with RemoveFilter.
func (c *Client) AddFrameFilter(fn FrameFilter) (FilterID, error) {
	if _, err := c.controller(); err != nil {
		return 0, err
	}
	return c.box.AddFrameFilter(fn)
}

// DelFilter removes the earliest installed filter equal to f.
func (c *Client) DelFilter(f Filter) error {
	if _, err := c.controller(); err != nil {
		return err
	}
	return c.box.DelFilter(f)
}

// RemoveFilter removes the filter installed under id.
func (c *Client) RemoveFilter(id FilterID) error {
	if _, err := c.controller(); err != nil {
		return err
	}
	return c.box.RemoveFilter(id)
}

// SetConfig configures the client's bus.
func (c *Client) SetConfig(cfg BusConfig) error {
	cntl, err := c.controller()
	if err != nil {
		return err
	}
	return cntl.SetConfig(cfg)
}

// GetConfig reads the configuration of the client's bus.
func (c *Client) GetConfig() (BusConfig, error) {
	cntl, err := c.controller()
	if err != nil {
		return BusConfig{}, err
	}
	return cntl.GetConfig()
}

// GetState reads the state of the client's bus.
func (c *Client) GetState() (BusState, error) {
	cntl, err := c.controller()
	if err != nil {
		return StateInvalid, err
	}
	return cntl.GetState()
}

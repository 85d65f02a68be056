package canhub

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// MaxControllers bounds controller numbers to [0, MaxControllers).
const MaxControllers = 32

// ControllerOption configures a Controller.
type ControllerOption interface {
	// Apply sets the option value on a controller.
	Apply(*Controller)
}

var _ ControllerOption = ControllerOptionFunc(nil)

// ControllerOptionFunc implements the ControllerOption interface.
type ControllerOptionFunc func(*Controller)

func (f ControllerOptionFunc) Apply(c *Controller) {
	f(c)
}

// WithLocker replaces the lock that serializes driver calls.
func WithLocker(l sync.Locker) ControllerOption {
	return ControllerOptionFunc(func(c *Controller) {
		if l != nil {
			c.lock = l
		}
	})
}

// WithMessagePool makes the controller obtain messages from pool, for instance
// to share one bounded pool between several controllers.
func WithMessagePool(pool *MessagePool) ControllerOption {
	return ControllerOptionFunc(func(c *Controller) {
		if pool != nil {
			c.pool = pool
		}
	})
}

// WithControllerLogger sets the controller logger.
func WithControllerLogger(logger *zap.Logger) ControllerOption {
	return ControllerOptionFunc(func(c *Controller) {
		if logger != nil {
			c.logger = logger
			c.ownLogger = true
		}
	})
}

// ControllerStats is a snapshot of the fan-out counters of a controller.
type ControllerStats struct {
	Dispatched int64 // messages handed to Dispatch
	Delivered  int64 // mailbox submissions that were queued
	Dropped    int64 // submissions lost to a full or closed mailbox
	Filtered   int64 // submissions rejected by mailbox filters
	Mailboxes  int   // currently attached mailboxes
}

// Controller is one CAN bus: a driver, the mailboxes attached to it and the
// bookkeeping that fans received frames out to them.
//
// Driver calls (Send, SetConfig, GetConfig, GetState, AddFilter, DelFilter)
// are serialized by the controller lock. Dispatch only takes the mailbox list
// lock so a driver may dispatch from inside its own Send.
type Controller struct {
	number int
	name   string
	ops    ControllerOps
	lock   sync.Locker
	pool   *MessagePool
	logger *zap.Logger

	ownLogger bool

	state atomic.Int32

	listMu sync.Mutex
	boxes  []*Mailbox

	dispatched atomic.Int64
	delivered  atomic.Int64
	dropped    atomic.Int64
	filtered   atomic.Int64

	// registry bookkeeping, owner is guarded by the registry mutex
	owner   *Registry
	handles atomic.Int32
	removed atomic.Bool
	closed  atomic.Bool
}

// NewController creates controller number for the given driver. If ops
// implements Binder it is bound to the new controller before returning.
func NewController(number int, ops ControllerOps, opts ...ControllerOption) (*Controller, error) {
	if ops == nil {
		return nil, fmt.Errorf("%w: nil controller ops", ErrInvalidObject)
	}
	if number < 0 || number >= MaxControllers {
		return nil, fmt.Errorf("%w: controller number %d out of range", ErrInvalidObject, number)
	}
	c := &Controller{
		number: number,
		name:   fmt.Sprintf("CAN%d", number),
		ops:    ops,
		logger: zap.NewNop(),
	}
	if l, ok := ops.(ControllerLocker); ok {
		c.lock = controllerLock{l}
	}
	for _, opt := range opts {
		opt.Apply(c)
	}
	if c.lock == nil {
		c.lock = new(sync.Mutex)
	}
	if c.pool == nil {
		c.pool = NewMessagePool(0)
	}
	c.state.Store(int32(StateReset))
	if b, ok := ops.(Binder); ok {
		b.Bind(c)
	}
	return c, nil
}

// Number returns the bus number.
func (c *Controller) Number() int { return c.number }

// Name returns the bus name, "CAN<number>".
func (c *Controller) Name() string { return c.name }

// Pool returns the message pool used by Obtain.
func (c *Controller) Pool() *MessagePool { return c.pool }

func (c *Controller) alive() error {
	if c == nil {
		return fmt.Errorf("%w: nil controller", ErrInvalidObject)
	}
	if c.removed.Load() {
		return fmt.Errorf("%w: %s unregistered", ErrInvalidObject, c.name)
	}
	return nil
}

// ReportState records the state reported by the driver.
func (c *Controller) ReportState(s BusState) {
	c.state.Store(int32(s))
}

// LastState returns the state most recently reported or queried.
func (c *Controller) LastState() BusState {
	return BusState(c.state.Load())
}

// Attach adds box to the receivers of this controller.
func (c *Controller) Attach(box *Mailbox) error {
	if err := c.alive(); err != nil {
		return err
	}
	if box == nil {
		return fmt.Errorf("%w: nil mailbox", ErrInvalidParam)
	}
	c.listMu.Lock()
	defer c.listMu.Unlock()
	// retire may have run since alive; its box list is gone.
	if c.removed.Load() {
		return fmt.Errorf("%w: %s unregistered", ErrInvalidObject, c.name)
	}
	for _, b := range c.boxes {
		if b == box {
			return fmt.Errorf("%w: mailbox already attached to %s", ErrInvalidParam, c.name)
		}
	}
	c.boxes = append(c.boxes, box)
	return nil
}

// Detach removes box from the receivers of this controller.
func (c *Controller) Detach(box *Mailbox) error {
	if c == nil {
		return fmt.Errorf("%w: nil controller", ErrInvalidObject)
	}
	if box == nil {
		return fmt.Errorf("%w: nil mailbox", ErrInvalidParam)
	}
	c.listMu.Lock()
	defer c.listMu.Unlock()
	for i, b := range c.boxes {
		if b == box {
			c.boxes = append(c.boxes[:i], c.boxes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: mailbox not attached to %s", ErrNotSupported, c.name)
}

// Obtain returns a new Message for frame from the controller pool.
func (c *Controller) Obtain(frame Frame) (*Message, error) {
	if err := c.alive(); err != nil {
		return nil, err
	}
	return c.pool.Obtain(frame)
}

// Dispatch offers msg to every attached mailbox in attachment order and then
// drops the caller's reference, which Dispatch always consumes. A mailbox that
// rejects or cannot queue the message does not affect the others.
func (c *Controller) Dispatch(msg *Message) error {
	if c == nil {
		return fmt.Errorf("%w: nil controller", ErrInvalidObject)
	}
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidParam)
	}
	defer msg.Release()
	if c.removed.Load() {
		return fmt.Errorf("%w: %s unregistered", ErrInvalidObject, c.name)
	}
	c.dispatched.Inc()

	c.listMu.Lock()
	defer c.listMu.Unlock()
	for _, box := range c.boxes {
		err := box.Submit(msg)
		switch {
		case err == nil:
			c.delivered.Inc()
		case errors.Is(err, ErrNoMatch):
			c.filtered.Inc()
		default:
			c.dropped.Inc()
			c.logger.Debug("frame dropped",
				zap.String("bus", c.name),
				zap.Stringer("frame", msg.frame),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Deliver obtains a message for frame and dispatches it. Drivers call it for
// every received frame.
func (c *Controller) Deliver(frame Frame) error {
	msg, err := c.Obtain(frame)
	if err != nil {
		if errors.Is(err, ErrResourceExhausted) {
			c.dropped.Inc()
		}
		return err
	}
	return c.Dispatch(msg)
}

// Send transmits frame through the driver.
func (c *Controller) Send(frame Frame) error {
	if err := c.alive(); err != nil {
		return err
	}
	if err := frame.Validate(); err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.ops.Send(frame)
}

// SetConfig applies cfg through the driver.
func (c *Controller) SetConfig(cfg BusConfig) error {
	if err := c.alive(); err != nil {
		return err
	}
	if !cfg.Mode.Valid() {
		return fmt.Errorf("%w: bus mode %v", ErrInvalidParam, cfg.Mode)
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.ops.SetConfig(cfg)
}

// GetConfig reads the configuration from the driver.
func (c *Controller) GetConfig() (BusConfig, error) {
	if err := c.alive(); err != nil {
		return BusConfig{}, err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.ops.GetConfig()
}

// GetState queries the driver and records the answer.
func (c *Controller) GetState() (BusState, error) {
	if err := c.alive(); err != nil {
		return StateInvalid, err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	s, err := c.ops.GetState()
	if err != nil {
		return StateInvalid, err
	}
	c.ReportState(s)
	return s, nil
}

// AddFilter programs a hardware filter. Drivers without FilterOps return
// ErrNotSupported.
func (c *Controller) AddFilter(f Filter) error {
	if err := c.alive(); err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return err
	}
	fops, ok := c.ops.(FilterOps)
	if !ok {
		return fmt.Errorf("%w: %s has no hardware filters", ErrNotSupported, c.name)
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	return fops.AddFilter(f)
}

// DelFilter removes a hardware filter.
func (c *Controller) DelFilter(f Filter) error {
	if err := c.alive(); err != nil {
		return err
	}
	fops, ok := c.ops.(FilterOps)
	if !ok {
		return fmt.Errorf("%w: %s has no hardware filters", ErrNotSupported, c.name)
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	return fops.DelFilter(f)
}

// Stats returns a snapshot of the fan-out counters.
func (c *Controller) Stats() ControllerStats {
	c.listMu.Lock()
	n := len(c.boxes)
	c.listMu.Unlock()
	return ControllerStats{
		Dispatched: c.dispatched.Load(),
		Delivered:  c.delivered.Load(),
		Dropped:    c.dropped.Load(),
		Filtered:   c.filtered.Load(),
		Mailboxes:  n,
	}
}

// retire detaches and closes every mailbox so blocked readers wake up.
// Later operations fail with ErrInvalidObject.
func (c *Controller) retire() {
	c.removed.Store(true)
	c.listMu.Lock()
	boxes := c.boxes
	c.boxes = nil
	c.listMu.Unlock()
	for _, box := range boxes {
		box.Close()
	}
}

// closeDriver closes the driver once if it implements io.Closer.
func (c *Controller) closeDriver() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	closer, ok := c.ops.(io.Closer)
	if !ok {
		return nil
	}
	if err := closer.Close(); err != nil {
		return fmt.Errorf("close %s driver: %w", c.name, err)
	}
	return nil
}

package canhub

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultVirtualBus is the bus number conventionally used for the virtual
// controller.
const DefaultVirtualBus = 31

// Bit rates accepted by the virtual driver.
const (
	BitRate1M   uint32 = 1000 * 1000
	BitRate800K uint32 = 1000 * 800
	BitRate500K uint32 = 1000 * 500
	BitRate250K uint32 = 1000 * 250
	BitRate125K uint32 = 1000 * 125
	BitRate100K uint32 = 1000 * 100
	BitRate50K  uint32 = 1000 * 50
	BitRate20K  uint32 = 1000 * 20
	BitRate10K  uint32 = 1000 * 10
)

// Timing is the bit timing a controller clocked at 80 MHz would use for a
// bit rate: rate = clock / (Prescaler * (1 + Seg1 + Seg2)).
type Timing struct {
	SJW       uint32
	Seg1      uint32
	Seg2      uint32
	Prescaler uint32
}

var virtualTimings = map[uint32]Timing{
	BitRate1M:   {SJW: 2, Seg1: 5, Seg2: 2, Prescaler: 10},
	BitRate800K: {SJW: 2, Seg1: 14, Seg2: 5, Prescaler: 5},
	BitRate500K: {SJW: 2, Seg1: 7, Seg2: 2, Prescaler: 16},
	BitRate250K: {SJW: 2, Seg1: 13, Seg2: 2, Prescaler: 20},
	BitRate125K: {SJW: 2, Seg1: 13, Seg2: 2, Prescaler: 40},
	BitRate100K: {SJW: 2, Seg1: 13, Seg2: 2, Prescaler: 50},
	BitRate50K:  {SJW: 2, Seg1: 13, Seg2: 2, Prescaler: 100},
	BitRate20K:  {SJW: 2, Seg1: 13, Seg2: 2, Prescaler: 250},
	BitRate10K:  {SJW: 2, Seg1: 13, Seg2: 2, Prescaler: 500},
}

// LookupTiming returns the timing for a supported bit rate.
func LookupTiming(bitRate uint32) (Timing, error) {
	t, ok := virtualTimings[bitRate]
	if !ok {
		return Timing{}, fmt.Errorf("%w: bit rate %d", ErrNotSupported, bitRate)
	}
	return t, nil
}

// VirtualOption configures a VirtualDriver.
type VirtualOption interface {
	// Apply sets the option value on a virtual driver.
	Apply(*VirtualDriver)
}

var _ VirtualOption = VirtualOptionFunc(nil)

// VirtualOptionFunc implements the VirtualOption interface.
type VirtualOptionFunc func(*VirtualDriver)

func (f VirtualOptionFunc) Apply(d *VirtualDriver) {
	f(d)
}

// WithBitRate sets the initial bit rate.
func WithBitRate(rate uint32) VirtualOption {
	return VirtualOptionFunc(func(d *VirtualDriver) {
		d.cfg.BitRate = rate
	})
}

// WithMode sets the initial bus mode.
func WithMode(mode BusMode) VirtualOption {
	return VirtualOptionFunc(func(d *VirtualDriver) {
		d.cfg.Mode = mode
	})
}

// WithWire joins the driver to a shared virtual wire.
func WithWire(bus *VirtualBus) VirtualOption {
	return VirtualOptionFunc(func(d *VirtualDriver) {
		d.wire = bus
	})
}

// VirtualDriver is an in-memory controller driver. In loopback mode every
// sent frame is received by its own controller; in normal mode it is
// received by every other driver on the same VirtualBus.
type VirtualDriver struct {
	mu     sync.Mutex
	cfg    BusConfig
	timing Timing
	state  BusState
	cntl   *Controller
	wire   *VirtualBus
}

var (
	_ ControllerOps = (*VirtualDriver)(nil)
	_ Binder        = (*VirtualDriver)(nil)
)

// NewVirtualDriver creates a virtual driver, by default in loopback mode at
// 10 kbit/s.
func NewVirtualDriver(opts ...VirtualOption) (*VirtualDriver, error) {
	d := &VirtualDriver{
		cfg:   BusConfig{BitRate: BitRate10K, Mode: ModeLoopback},
		state: StateReset,
	}
	for _, opt := range opts {
		opt.Apply(d)
	}
	t, err := LookupTiming(d.cfg.BitRate)
	if err != nil {
		return nil, err
	}
	if !d.cfg.Mode.Valid() {
		return nil, fmt.Errorf("%w: bus mode %v", ErrInvalidParam, d.cfg.Mode)
	}
	d.timing = t
	if d.wire != nil {
		wire := d.wire
		d.wire = nil
		if err := wire.Join(d); err != nil {
			return nil, err
		}
	}
	d.state = StateReady
	return d, nil
}

// Bind records the controller that receives looped back frames.
func (d *VirtualDriver) Bind(c *Controller) {
	d.mu.Lock()
	d.cntl = c
	d.mu.Unlock()
	c.ReportState(d.State())
}

// State returns the driver state without going through the controller.
func (d *VirtualDriver) State() BusState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *VirtualDriver) setState(s BusState) {
	d.mu.Lock()
	d.state = s
	cntl := d.cntl
	d.mu.Unlock()
	if cntl != nil {
		cntl.ReportState(s)
	}
}

// Send loops frame back to the bound controller or puts it on the wire.
func (d *VirtualDriver) Send(frame Frame) error {
	d.mu.Lock()
	if d.state == StateStop {
		d.mu.Unlock()
		return fmt.Errorf("%w: virtual driver stopped", ErrIO)
	}
	d.state = StateBusy
	mode, cntl, wire := d.cfg.Mode, d.cntl, d.wire
	d.mu.Unlock()

	var err error
	switch {
	case mode == ModeLoopback && cntl == nil:
		err = fmt.Errorf("%w: virtual driver not bound", ErrInvalidObject)
	case mode == ModeLoopback:
		err = cntl.Deliver(frame)
	case wire == nil:
		err = fmt.Errorf("%w: normal mode without a virtual wire", ErrNotSupported)
	default:
		err = wire.transmit(d, frame)
	}
	d.setState(StateReady)
	return err
}

// receive hands a frame arriving from the wire to the bound controller.
func (d *VirtualDriver) receive(frame Frame) {
	d.mu.Lock()
	cntl, state := d.cntl, d.state
	d.mu.Unlock()
	if cntl == nil || state == StateStop {
		return
	}
	if err := cntl.Deliver(frame); err != nil {
		cntl.logger.Debug("deliver failed",
			zap.String("bus", cntl.name),
			zap.Stringer("frame", frame),
			zap.Error(err),
		)
	}
}

// SetConfig resets the driver and applies cfg.
func (d *VirtualDriver) SetConfig(cfg BusConfig) error {
	t, err := LookupTiming(cfg.BitRate)
	if err != nil {
		return err
	}
	if !cfg.Mode.Valid() {
		return fmt.Errorf("%w: bus mode %v", ErrNotSupported, cfg.Mode)
	}
	d.setState(StateReset)
	d.mu.Lock()
	d.cfg = cfg
	d.timing = t
	d.mu.Unlock()
	d.setState(StateReady)
	return nil
}

// GetConfig returns the current configuration.
func (d *VirtualDriver) GetConfig() (BusConfig, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, nil
}

// GetState returns the current state.
func (d *VirtualDriver) GetState() (BusState, error) {
	return d.State(), nil
}

// Timing returns the bit timing of the current bit rate.
func (d *VirtualDriver) Timing() Timing {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timing
}

// Close leaves the wire and stops the driver.
func (d *VirtualDriver) Close() error {
	d.mu.Lock()
	wire := d.wire
	d.mu.Unlock()
	if wire != nil {
		wire.Leave(d)
	}
	d.setState(StateStop)
	return nil
}

// VirtualBus is an in-memory CAN wire shared by virtual drivers in normal
// mode. A frame sent by one member is received by all the others.
type VirtualBus struct {
	mu      sync.RWMutex
	closed  bool
	members map[*VirtualDriver]struct{}
}

// NewVirtualBus creates an empty wire.
func NewVirtualBus() *VirtualBus {
	return &VirtualBus{members: make(map[*VirtualDriver]struct{})}
}

// Join attaches d to the wire.
func (b *VirtualBus) Join(d *VirtualDriver) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: virtual bus", ErrClosed)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.wire != nil && d.wire != b {
		return fmt.Errorf("%w: driver already on another wire", ErrInvalidParam)
	}
	d.wire = b
	b.members[d] = struct{}{}
	return nil
}

// Leave detaches d from the wire.
func (b *VirtualBus) Leave(d *VirtualDriver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d.mu.Lock()
	if d.wire == b {
		d.wire = nil
	}
	d.mu.Unlock()
	delete(b.members, d)
}

// Len returns the number of attached drivers.
func (b *VirtualBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.members)
}

// Close detaches every driver. Later transmissions fail with ErrClosed.
func (b *VirtualBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for d := range b.members {
		d.mu.Lock()
		if d.wire == b {
			d.wire = nil
		}
		d.mu.Unlock()
	}
	b.members = nil
	return nil
}

func (b *VirtualBus) transmit(from *VirtualDriver, frame Frame) error {
	// Snapshot members under the lock to avoid holding it while delivering.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("%w: virtual bus", ErrClosed)
	}
	targets := make([]*VirtualDriver, 0, len(b.members))
	for d := range b.members {
		if d != from {
			targets = append(targets, d)
		}
	}
	b.mu.RUnlock()

	for _, d := range targets {
		d.receive(frame)
	}
	return nil
}

//go:build linux

package socketcan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/notnil/canhub"
)

// DefaultPollInterval bounds how long Run waits before rechecking its
// context and the driver state.
const DefaultPollInterval = 100 * time.Millisecond

// Option configures a Driver.
type Option interface {
	// Apply sets the option value on a driver.
	Apply(*Driver)
}

var _ Option = OptionFunc(nil)

// OptionFunc implements the Option interface.
type OptionFunc func(*Driver)

func (f OptionFunc) Apply(d *Driver) {
	f(d)
}

// WithLogger sets the driver logger.
func WithLogger(logger *zap.Logger) Option {
	return OptionFunc(func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	})
}

// WithPollInterval sets the Run poll interval.
func WithPollInterval(interval time.Duration) Option {
	return OptionFunc(func(d *Driver) {
		if interval > 0 {
			d.poll = interval
		}
	})
}

// WithInterfaceOptions makes Dial reconfigure the interface (down, apply,
// up) before opening the socket.
func WithInterfaceOptions(opts InterfaceOptions) Option {
	return OptionFunc(func(d *Driver) {
		d.ifOpts = opts
	})
}

// Driver is a canhub controller driver over a raw CAN socket.
type Driver struct {
	iface  string
	fd     int
	poll   time.Duration
	logger *zap.Logger
	ifOpts InterfaceOptions

	mu      sync.Mutex
	cntl    *canhub.Controller
	cfg     canhub.BusConfig
	filters []canhub.Filter

	closed atomic.Bool
}

var (
	_ canhub.ControllerOps = (*Driver)(nil)
	_ canhub.FilterOps     = (*Driver)(nil)
	_ canhub.Binder        = (*Driver)(nil)
)

// Dial opens a raw CAN socket bound to iface.
func Dial(iface string, opts ...Option) (*Driver, error) {
	if err := checkName(iface); err != nil {
		return nil, fmt.Errorf("%w: %v", canhub.ErrInvalidParam, err)
	}
	netIf, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", canhub.ErrInvalidObject, err)
	}
	d := &Driver{
		iface:  iface,
		fd:     -1,
		poll:   DefaultPollInterval,
		logger: zap.NewNop(),
		cfg:    canhub.BusConfig{Mode: canhub.ModeNormal},
	}
	for _, opt := range opts {
		opt.Apply(d)
	}
	d.logger = d.logger.With(zap.String("iface", iface))
	if !d.ifOpts.empty() {
		if err := reconfigure(iface, d.ifOpts); err != nil {
			return nil, err
		}
		if d.ifOpts.Bitrate != nil {
			d.cfg.BitRate = *d.ifOpts.Bitrate
		}
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("%w: socket: %w", canhub.ErrIO, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: netIf.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: bind %s: %w", canhub.ErrIO, iface, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: %w", canhub.ErrIO, err)
	}

	d.fd = fd
	return d, nil
}

// Interface returns the interface name.
func (d *Driver) Interface() string { return d.iface }

// Bind records the controller that receives frames read by Run.
func (d *Driver) Bind(c *canhub.Controller) {
	d.mu.Lock()
	d.cntl = c
	d.mu.Unlock()
}

func (d *Driver) controller() *canhub.Controller {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cntl
}

// Run reads frames until ctx is done, the driver is closed or its controller
// is unregistered, delivering each one to the bound controller.
func (d *Driver) Run(ctx context.Context) error {
	buf := make([]byte, canhub.FrameSize)
	timeout := int(d.poll / time.Millisecond)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.closed.Load() {
			return nil
		}
		fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return d.ioError("poll", err)
		}
		if n == 0 {
			continue
		}
		n, err = unix.Read(d.fd, buf)
		if errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			return d.ioError("read", err)
		}
		if n != canhub.FrameSize {
			d.logger.Debug("short read", zap.Int("bytes", n))
			continue
		}
		var frame canhub.Frame
		if err := frame.UnmarshalBinary(buf); err != nil {
			d.logger.Debug("bad frame", zap.Error(err))
			continue
		}
		cntl := d.controller()
		if cntl == nil {
			continue
		}
		if err := cntl.Deliver(frame); err != nil {
			if errors.Is(err, canhub.ErrInvalidObject) {
				return nil
			}
			d.logger.Debug("deliver failed", zap.Stringer("frame", frame), zap.Error(err))
		}
	}
}

func (d *Driver) ioError(op string, err error) error {
	if d.closed.Load() {
		return nil
	}
	return fmt.Errorf("%w: %s %s: %w", canhub.ErrIO, op, d.iface, err)
}

// Send writes one frame, waiting for socket buffer space if needed.
func (d *Driver) Send(frame canhub.Frame) error {
	if d.closed.Load() {
		return fmt.Errorf("%w: %s closed", canhub.ErrIO, d.iface)
	}
	buf, err := frame.MarshalBinary()
	if err != nil {
		return err
	}
	for {
		n, err := unix.Write(d.fd, buf)
		if errors.Is(err, unix.EAGAIN) {
			fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLOUT}}
			if _, perr := unix.Poll(fds, int(d.poll/time.Millisecond)); perr != nil && !errors.Is(perr, unix.EINTR) {
				return d.ioError("poll", perr)
			}
			continue
		}
		if err != nil {
			return d.ioError("write", err)
		}
		if n != len(buf) {
			return fmt.Errorf("%w: short write on %s", canhub.ErrIO, d.iface)
		}
		return nil
	}
}

// SetConfig applies cfg. Loopback mode makes the socket receive its own
// frames. A bit rate change takes the interface down, reconfigures it with
// iproute2 and brings it back up; a zero bit rate leaves it unchanged.
func (d *Driver) SetConfig(cfg canhub.BusConfig) error {
	recvOwn := 0
	if cfg.Mode == canhub.ModeLoopback {
		recvOwn = 1
	}
	if err := unix.SetsockoptInt(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_LOOPBACK, 1); err != nil {
		return d.ioError("setsockopt", err)
	}
	if err := unix.SetsockoptInt(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, recvOwn); err != nil {
		return d.ioError("setsockopt", err)
	}

	d.mu.Lock()
	current := d.cfg.BitRate
	d.mu.Unlock()
	if cfg.BitRate != 0 && cfg.BitRate != current {
		if err := d.setBitRate(cfg.BitRate); err != nil {
			return err
		}
	} else {
		cfg.BitRate = current
	}

	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	return nil
}

func (d *Driver) setBitRate(rate uint32) error {
	opts := d.ifOpts
	opts.Bitrate = &rate
	opts.TxQueueLen = nil
	return reconfigure(d.iface, opts)
}

// reconfigure takes iface down, applies opts and brings it back up.
func reconfigure(iface string, opts InterfaceOptions) error {
	if err := SetInterfaceDown(iface); err != nil {
		return fmt.Errorf("%w: %w", canhub.ErrNotSupported, err)
	}
	err := ConfigureInterface(iface, opts)
	err = multierr.Append(err, SetInterfaceUp(iface))
	if err != nil {
		return fmt.Errorf("%w: %w", canhub.ErrNotSupported, err)
	}
	return nil
}

// GetConfig returns the last applied configuration.
func (d *Driver) GetConfig() (canhub.BusConfig, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, nil
}

// GetState reports Ready while the interface is up and Stop otherwise.
func (d *Driver) GetState() (canhub.BusState, error) {
	if d.closed.Load() {
		return canhub.StateStop, nil
	}
	up, err := IsInterfaceUp(d.iface)
	if err != nil {
		return canhub.StateInvalid, fmt.Errorf("%w: %w", canhub.ErrIO, err)
	}
	if !up {
		return canhub.StateStop, nil
	}
	return canhub.StateReady, nil
}

// AddFilter installs f in the kernel filter list of the socket.
func (d *Driver) AddFilter(f canhub.Filter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	filters := append(append([]canhub.Filter(nil), d.filters...), f)
	if err := d.applyFilters(filters); err != nil {
		return err
	}
	d.filters = filters
	return nil
}

// DelFilter removes the earliest installed filter equal to f.
func (d *Driver) DelFilter(f canhub.Filter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, cur := range d.filters {
		if cur != f {
			continue
		}
		filters := append(append([]canhub.Filter(nil), d.filters[:i]...), d.filters[i+1:]...)
		if err := d.applyFilters(filters); err != nil {
			return err
		}
		d.filters = filters
		return nil
	}
	return fmt.Errorf("%w: filter not installed on %s", canhub.ErrNotSupported, d.iface)
}

func (d *Driver) applyFilters(filters []canhub.Filter) error {
	if err := unix.SetsockoptCanRawFilter(d.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, kernelFilters(filters)); err != nil {
		return d.ioError("set filter", err)
	}
	return nil
}

// kernelFilters converts filters to CAN_RAW_FILTER entries. An empty list
// becomes a single match-all entry, the kernel default.
func kernelFilters(filters []canhub.Filter) []unix.CanFilter {
	if len(filters) == 0 {
		return []unix.CanFilter{{Id: 0, Mask: 0}}
	}
	out := make([]unix.CanFilter, 0, len(filters))
	for _, f := range filters {
		kf := unix.CanFilter{Id: f.ID, Mask: f.IDMask}
		if f.IDE {
			kf.Id |= unix.CAN_EFF_FLAG
		}
		if f.IDEMask {
			kf.Mask |= unix.CAN_EFF_FLAG
		}
		if f.RTR {
			kf.Id |= unix.CAN_RTR_FLAG
		}
		if f.RTRMask {
			kf.Mask |= unix.CAN_RTR_FLAG
		}
		out = append(out, kf)
	}
	return out
}

// Close closes the socket. Run returns within one poll interval.
func (d *Driver) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(d.fd)
}

package canhub

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogOption is a bitmask for selecting which driver operations to log.
type LogOption uint8

const (
	LogNone  LogOption = 0
	LogRead  LogOption = 1 << iota // GetConfig, GetState
	LogWrite                       // Send, SetConfig, AddFilter, DelFilter
	LogAll   = LogRead | LogWrite
)

// NewLoggedOps wraps a driver and logs the selected operations at level.
// Failures of logged operations are logged at error level.
func NewLoggedOps(inner ControllerOps, logger *zap.Logger, level zapcore.Level, opts LogOption) ControllerOps {
	return NewLoggedOpsWithFilter(inner, logger, level, opts, nil)
}

// NewLoggedOpsWithFilter is NewLoggedOps that only logs sent frames accepted
// by filter. A nil filter logs every frame.
func NewLoggedOpsWithFilter(inner ControllerOps, logger *zap.Logger, level zapcore.Level, opts LogOption, filter FrameFilter) ControllerOps {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &loggedOps{
		inner:  inner,
		logger: logger,
		level:  level,
		opts:   opts,
		filter: filter,
	}
	if locker, ok := inner.(ControllerLocker); ok {
		return &lockedLoggedOps{loggedOps: l, locker: locker}
	}
	return l
}

type loggedOps struct {
	inner  ControllerOps
	logger *zap.Logger
	level  zapcore.Level
	opts   LogOption
	filter FrameFilter
}

var (
	_ FilterOps        = (*loggedOps)(nil)
	_ Binder           = (*loggedOps)(nil)
	_ ControllerLocker = (*lockedLoggedOps)(nil)
)

// lockedLoggedOps keeps the inner driver's lock visible to the controller.
type lockedLoggedOps struct {
	*loggedOps
	locker ControllerLocker
}

func (l *lockedLoggedOps) LockController()   { l.locker.LockController() }
func (l *lockedLoggedOps) UnlockController() { l.locker.UnlockController() }

func (l *loggedOps) log(msg string, fields ...zap.Field) {
	if ce := l.logger.Check(l.level, msg); ce != nil {
		ce.Write(fields...)
	}
}

func frameFields(frame Frame) []zap.Field {
	return []zap.Field{
		zap.Uint32("id", frame.ID),
		zap.Bool("extended", frame.Extended),
		zap.Bool("rtr", frame.RTR),
		zap.Uint8("len", frame.Len),
		zap.Binary("data", frame.Payload()),
		zap.Stringer("frame", frame),
	}
}

// Send logs the frame and the result when write logging is enabled.
func (l *loggedOps) Send(frame Frame) error {
	write := l.opts&LogWrite != 0
	if write && (l.filter == nil || l.filter(frame)) {
		l.log("canhub send", frameFields(frame)...)
	}
	err := l.inner.Send(frame)
	if write && err != nil {
		l.logger.Error("canhub send error", zap.Uint32("id", frame.ID), zap.Error(err))
	}
	return err
}

func (l *loggedOps) SetConfig(cfg BusConfig) error {
	write := l.opts&LogWrite != 0
	if write {
		l.log("canhub set config", zap.Uint32("bitrate", cfg.BitRate), zap.Stringer("mode", cfg.Mode))
	}
	err := l.inner.SetConfig(cfg)
	if write && err != nil {
		l.logger.Error("canhub set config error", zap.Error(err))
	}
	return err
}

func (l *loggedOps) GetConfig() (BusConfig, error) {
	cfg, err := l.inner.GetConfig()
	if l.opts&LogRead != 0 {
		if err != nil {
			l.logger.Error("canhub get config error", zap.Error(err))
		} else {
			l.log("canhub get config", zap.Uint32("bitrate", cfg.BitRate), zap.Stringer("mode", cfg.Mode))
		}
	}
	return cfg, err
}

func (l *loggedOps) GetState() (BusState, error) {
	s, err := l.inner.GetState()
	if l.opts&LogRead != 0 {
		if err != nil {
			l.logger.Error("canhub get state error", zap.Error(err))
		} else {
			l.log("canhub get state", zap.Stringer("state", s))
		}
	}
	return s, err
}

func (l *loggedOps) AddFilter(f Filter) error {
	return l.filterOp("canhub add filter", f, func(fops FilterOps) error { return fops.AddFilter(f) })
}

func (l *loggedOps) DelFilter(f Filter) error {
	return l.filterOp("canhub del filter", f, func(fops FilterOps) error { return fops.DelFilter(f) })
}

func (l *loggedOps) filterOp(msg string, f Filter, op func(FilterOps) error) error {
	write := l.opts&LogWrite != 0
	fops, ok := l.inner.(FilterOps)
	var err error
	if ok {
		if write {
			l.log(msg, zap.Uint32("id", f.ID), zap.Uint32("mask", f.IDMask))
		}
		err = op(fops)
	} else {
		err = fmt.Errorf("%w: driver has no hardware filters", ErrNotSupported)
	}
	if write && err != nil {
		l.logger.Error(msg+" error", zap.Error(err))
	}
	return err
}

// Bind forwards to the inner driver.
func (l *loggedOps) Bind(c *Controller) {
	if b, ok := l.inner.(Binder); ok {
		b.Bind(c)
	}
}

// Close forwards to the inner driver without logging.
func (l *loggedOps) Close() error {
	if closer, ok := l.inner.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

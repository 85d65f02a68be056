package canhub

import "fmt"

// BusState is the controller state last reported by its driver.
type BusState int32

const (
	StateReset BusState = iota
	StateReady
	StateBusy
	StateStop
	StateSleep
	StateError
	StateInvalid
)

func (s BusState) String() string {
	switch s {
	case StateReset:
		return "reset"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateStop:
		return "stop"
	case StateSleep:
		return "sleep"
	case StateError:
		return "error"
	case StateInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("BusState(%d)", int32(s))
	}
}

// BusMode selects how the controller treats transmitted frames.
type BusMode uint8

const (
	// ModeNormal transmits on the wire.
	ModeNormal BusMode = iota
	// ModeLoopback feeds transmitted frames back to the controller's own
	// receivers.
	ModeLoopback
)

func (m BusMode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeLoopback:
		return "loopback"
	default:
		return fmt.Sprintf("BusMode(%d)", uint8(m))
	}
}

// Valid reports whether m is a known mode.
func (m BusMode) Valid() bool {
	return m == ModeNormal || m == ModeLoopback
}

// BusConfig is the runtime configuration of a controller.
type BusConfig struct {
	BitRate uint32 // bits per second
	Mode    BusMode
}

// ControllerOps is implemented by drivers. Calls are serialized by the owning
// Controller, so implementations need no locking of their own for them.
type ControllerOps interface {
	Send(Frame) error
	SetConfig(BusConfig) error
	GetConfig() (BusConfig, error)
	GetState() (BusState, error)
}

// FilterOps is implemented by drivers that can program acceptance filters
// into hardware.
type FilterOps interface {
	AddFilter(Filter) error
	DelFilter(Filter) error
}

// Binder is implemented by drivers that need their Controller, typically to
// feed received frames into Deliver or Dispatch.
type Binder interface {
	Bind(*Controller)
}

// ControllerLocker is implemented by drivers that supply the lock serializing
// calls into them. The controller holds it around every driver operation
// instead of its own mutex. WithLocker takes precedence.
type ControllerLocker interface {
	LockController()
	UnlockController()
}

// controllerLock adapts a ControllerLocker to sync.Locker.
type controllerLock struct{ l ControllerLocker }

func (c controllerLock) Lock()   { c.l.LockController() }
func (c controllerLock) Unlock() { c.l.UnlockController() }

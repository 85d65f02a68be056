//go:build linux

package socketcan

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"
)

// Linux network interface helpers. Bringing interfaces up or down and
// changing CAN parameters requires CAP_NET_ADMIN; without it the kernel
// answers EPERM.

const ifNameSize = unix.IFNAMSIZ

func checkName(name string) error {
	if len(name) == 0 || len(name) >= ifNameSize {
		return fmt.Errorf("socketcan: invalid interface name %q", name)
	}
	return nil
}

func ifreqIoctl(name string, req uint, set func(*unix.Ifreq)) (*unix.Ifreq, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return nil, err
	}
	if set != nil {
		set(ifr)
	}
	if err := unix.IoctlIfreq(fd, req, ifr); err != nil {
		return nil, err
	}
	return ifr, nil
}

func interfaceFlags(name string) (uint16, error) {
	ifr, err := ifreqIoctl(name, unix.SIOCGIFFLAGS, nil)
	if err != nil {
		return 0, err
	}
	return ifr.Uint16(), nil
}

func setInterfaceFlags(name string, flags uint16) error {
	_, err := ifreqIoctl(name, unix.SIOCSIFFLAGS, func(ifr *unix.Ifreq) { ifr.SetUint16(flags) })
	return err
}

// IsInterfaceUp reports whether the interface has IFF_UP set.
func IsInterfaceUp(name string) (bool, error) {
	flags, err := interfaceFlags(name)
	if err != nil {
		return false, err
	}
	return flags&unix.IFF_UP != 0, nil
}

// SetInterfaceUp sets IFF_UP on the interface.
func SetInterfaceUp(name string) error {
	flags, err := interfaceFlags(name)
	if err != nil {
		return err
	}
	if flags&unix.IFF_UP != 0 {
		return nil
	}
	return requireCapNetAdmin(setInterfaceFlags(name, flags|unix.IFF_UP))
}

// SetInterfaceDown clears IFF_UP on the interface.
func SetInterfaceDown(name string) error {
	flags, err := interfaceFlags(name)
	if err != nil {
		return err
	}
	if flags&unix.IFF_UP == 0 {
		return nil
	}
	return requireCapNetAdmin(setInterfaceFlags(name, flags&^unix.IFF_UP))
}

func requireCapNetAdmin(err error) error {
	if errors.Is(err, unix.EPERM) {
		return fmt.Errorf("operation requires CAP_NET_ADMIN (or root): %w", err)
	}
	return err
}

// InterfaceOptions selects CAN interface parameters to change. Nil fields
// are left untouched.
type InterfaceOptions struct {
	// Bitrate in bits per second.
	Bitrate *uint32
	// RestartMs is the automatic bus-off recovery delay, 0 disables it.
	RestartMs *uint32
	// TxQueueLen is the transmit queue length in frames.
	TxQueueLen *int
}

func (opts InterfaceOptions) empty() bool {
	return opts.Bitrate == nil && opts.RestartMs == nil && opts.TxQueueLen == nil
}

// args returns the iproute2 invocations applying opts to name.
func (opts InterfaceOptions) args(name string) [][]string {
	var cmds [][]string
	if opts.TxQueueLen != nil {
		cmds = append(cmds, []string{"link", "set", "dev", name, "txqueuelen", strconv.Itoa(*opts.TxQueueLen)})
	}
	if opts.Bitrate != nil || opts.RestartMs != nil {
		args := []string{"link", "set", "dev", name, "type", "can"}
		if opts.Bitrate != nil {
			args = append(args, "bitrate", strconv.FormatUint(uint64(*opts.Bitrate), 10))
		}
		if opts.RestartMs != nil {
			args = append(args, "restart-ms", strconv.FormatUint(uint64(*opts.RestartMs), 10))
		}
		cmds = append(cmds, args)
	}
	return cmds
}

// ConfigureInterface applies opts through the iproute2 `ip` tool. Bit rate
// and restart-ms can usually only change while the interface is down.
func ConfigureInterface(name string, opts InterfaceOptions) error {
	if err := checkName(name); err != nil {
		return err
	}
	for _, args := range opts.args(name) {
		out, err := exec.Command("ip", args...).CombinedOutput()
		if err != nil {
			return requireCapNetAdmin(fmt.Errorf("ip %v failed: %w; output: %s", args[3:], err, out))
		}
	}
	return nil
}

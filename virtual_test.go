package canhub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestVirtualDriver_Defaults(t *testing.T) {
	drv, err := NewVirtualDriver()
	require.NoError(t, err)

	cfg, err := drv.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, BusConfig{BitRate: BitRate10K, Mode: ModeLoopback}, cfg)
	assert.Equal(t, StateReady, drv.State())
	assert.Equal(t, Timing{SJW: 2, Seg1: 13, Seg2: 2, Prescaler: 500}, drv.Timing())

	_, err = NewVirtualDriver(WithBitRate(33333))
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestVirtualDriver_BitRateTable(t *testing.T) {
	const clock = 80_000_000
	drv, err := NewVirtualDriver()
	require.NoError(t, err)

	for _, rate := range []uint32{
		BitRate1M, BitRate800K, BitRate500K, BitRate250K, BitRate125K,
		BitRate100K, BitRate50K, BitRate20K, BitRate10K,
	} {
		require.NoError(t, drv.SetConfig(BusConfig{BitRate: rate, Mode: ModeLoopback}))
		tm := drv.Timing()
		assert.Equal(t, rate, clock/(tm.Prescaler*(1+tm.Seg1+tm.Seg2)), "rate %d", rate)
		assert.Equal(t, uint32(2), tm.SJW)
	}
	assert.ErrorIs(t, drv.SetConfig(BusConfig{BitRate: 42}), ErrNotSupported)
}

func TestVirtualDriver_Loopback(t *testing.T) {
	drv, err := NewVirtualDriver()
	require.NoError(t, err)
	assert.ErrorIs(t, drv.Send(frameA), ErrInvalidObject, "unbound")

	c, err := NewController(DefaultVirtualBus, drv)
	require.NoError(t, err)
	assert.Equal(t, StateReady, c.LastState())
	box := NewMailbox(4)
	require.NoError(t, c.Attach(box))
	defer box.Close()

	require.NoError(t, c.Send(frameA))
	msg, err := box.Receive(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, frameA, msg.Frame())
	msg.Release()
	assert.Equal(t, StateReady, c.LastState())

	require.NoError(t, drv.Close())
	assert.ErrorIs(t, c.Send(frameA), ErrIO)
	assert.Equal(t, StateStop, c.LastState())
}

func TestVirtualBus_NormalMode(t *testing.T) {
	wire := NewVirtualBus()
	defer wire.Close()

	newNode := func(number int) (*Controller, *Mailbox) {
		drv, err := NewVirtualDriver(WithMode(ModeNormal), WithBitRate(BitRate500K), WithWire(wire))
		require.NoError(t, err)
		c, err := NewController(number, drv)
		require.NoError(t, err)
		box := NewMailbox(4)
		require.NoError(t, c.Attach(box))
		t.Cleanup(box.Close)
		return c, box
	}
	a, boxA := newNode(0)
	_, boxB := newNode(1)
	_, boxC := newNode(2)
	assert.Equal(t, 3, wire.Len())

	require.NoError(t, a.Send(frameB))
	assert.Equal(t, 0, boxA.Len(), "sender does not receive its own frame")
	assert.Equal(t, 1, boxB.Len())
	assert.Equal(t, 1, boxC.Len())

	lonely, err := NewVirtualDriver(WithMode(ModeNormal))
	require.NoError(t, err)
	assert.ErrorIs(t, lonely.Send(frameB), ErrNotSupported)

	require.NoError(t, wire.Close())
	assert.Equal(t, 0, wire.Len())
	assert.ErrorIs(t, wire.Join(lonely), ErrClosed)
}

func TestVirtualBus_LogsDeliveryFailure(t *testing.T) {
	wire := NewVirtualBus()
	defer wire.Close()

	tx, err := NewVirtualDriver(WithMode(ModeNormal), WithWire(wire))
	require.NoError(t, err)
	sender, err := NewController(0, tx)
	require.NoError(t, err)

	rx, err := NewVirtualDriver(WithMode(ModeNormal), WithWire(wire))
	require.NoError(t, err)
	logger, logs := observed()
	receiver, err := NewController(1, rx,
		WithMessagePool(NewMessagePool(1)),
		WithControllerLogger(logger),
	)
	require.NoError(t, err)

	// exhaust the receiver's pool
	held, err := receiver.Obtain(frameA)
	require.NoError(t, err)
	defer held.Release()

	require.NoError(t, sender.Send(frameB))
	assert.True(t, hasLog(logs, zapcore.DebugLevel, "deliver failed"))
	assert.Equal(t, int64(1), receiver.Stats().Dropped)
}

package canhub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	frameA = MustFrame(0x15A, []byte{0xAB})
	frameB = MustFrame(0x2A5, []byte{0xAB})
	frameC = MustFrame(0x555, []byte{0xAB})
)

func openClient(t *testing.T, reg *Registry, number int, opts ...ClientOption) *Client {
	t.Helper()
	c, err := Open(reg, number, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_NoFilterReceivesInOrder(t *testing.T) {
	reg := newTestRegistry(t)
	cntl := newRegistered(t, reg, 0, &fakeOps{})
	client := openClient(t, reg, 0)

	require.NoError(t, cntl.Deliver(frameA))
	require.NoError(t, cntl.Deliver(frameB))

	got, err := client.Receive(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, frameA, got)
	got, err = client.Receive(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, frameB, got)
}

func TestClient_FilterThenDelete(t *testing.T) {
	reg := newTestRegistry(t)
	cntl := newRegistered(t, reg, 0, &fakeOps{})
	client := openClient(t, reg, 0)

	f := Filter{ID: 0x15A, IDMask: 0x1FFFFFFF}
	_, err := client.AddFilter(f)
	require.NoError(t, err)

	require.NoError(t, cntl.Deliver(frameA))
	require.NoError(t, cntl.Deliver(frameB))

	got, err := client.Receive(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, frameA, got)
	_, err = client.Receive(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, client.DelFilter(f))
	require.NoError(t, cntl.Deliver(frameB))
	got, err = client.Receive(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, frameB, got)
}

func TestClient_IndependentMailboxes(t *testing.T) {
	reg := newTestRegistry(t)
	cntl := newRegistered(t, reg, 0, &fakeOps{})
	first := openClient(t, reg, 0)
	second := openClient(t, reg, 0)
	assert.NotEqual(t, first.ID(), second.ID())

	require.NoError(t, cntl.Deliver(frameA))

	for _, c := range []*Client{first, second} {
		got, err := c.Receive(10 * time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, frameA, got)
	}
	assert.Equal(t, int64(0), cntl.Pool().Live())
}

func TestClient_FullQueueKeepsRefCount(t *testing.T) {
	reg := newTestRegistry(t)
	cntl := newRegistered(t, reg, 0, &fakeOps{})
	client := openClient(t, reg, 0, WithQueueDepth(2))
	box := client.Mailbox()

	for n := box.Depth(); n > 0; n-- {
		require.NoError(t, cntl.Deliver(frameA))
	}
	msg, err := cntl.Obtain(frameB)
	require.NoError(t, err)
	assert.ErrorIs(t, box.Submit(msg), ErrResourceExhausted)
	assert.Equal(t, int32(1), msg.Refs())
	msg.Release()

	require.NoError(t, client.Close())
	assert.Equal(t, int64(0), cntl.Pool().Live())
}

func TestClient_MultipleFilters(t *testing.T) {
	reg := newTestRegistry(t)
	cntl := newRegistered(t, reg, 0, &fakeOps{})
	client := openClient(t, reg, 0)

	_, err := client.AddFilter(ExactFilter(0x15A, false))
	require.NoError(t, err)
	id, err := client.AddFilter(ExactFilter(0x2A5, false))
	require.NoError(t, err)

	for _, f := range []Frame{frameA, frameB, frameC} {
		require.NoError(t, cntl.Deliver(f))
	}
	got, err := client.Receive(0)
	require.NoError(t, err)
	assert.Equal(t, frameA, got)
	got, err = client.Receive(0)
	require.NoError(t, err)
	assert.Equal(t, frameB, got)
	_, err = client.Receive(0)
	assert.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, client.RemoveFilter(id))
	require.NoError(t, cntl.Deliver(frameB))
	_, err = client.Receive(0)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestClient_FrameFilter(t *testing.T) {
	reg := newTestRegistry(t)
	cntl := newRegistered(t, reg, 0, &fakeOps{})
	client := openClient(t, reg, 0)

	_, err := client.AddFrameFilter(ByIDs(0x15A, 0x555))
	require.NoError(t, err)
	for _, f := range []Frame{frameA, frameB, frameC} {
		require.NoError(t, cntl.Deliver(f))
	}
	got, err := client.Receive(0)
	require.NoError(t, err)
	assert.Equal(t, frameA, got)
	got, err = client.Receive(0)
	require.NoError(t, err)
	assert.Equal(t, frameC, got)
	_, err = client.Receive(0)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestClient_CloseRequestedFromHandler(t *testing.T) {
	reg := newTestRegistry(t)
	cntl := newRegistered(t, reg, 0, &fakeOps{})
	client, err := Open(reg, 0)
	require.NoError(t, err)

	closed := make(chan error, 1)
	require.NoError(t, client.Serve(func(Frame) {
		go func() { closed <- client.Close() }()
	}))
	require.NoError(t, cntl.Deliver(frameA))

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, 0, cntl.Stats().Mailboxes)
}

func TestClient_BlockingReceiveWokenBySender(t *testing.T) {
	reg := newTestRegistry(t)
	drv, err := NewVirtualDriver()
	require.NoError(t, err)
	newRegistered(t, reg, DefaultVirtualBus, drv)

	reader := openClient(t, reg, DefaultVirtualBus)
	writer := openClient(t, reg, DefaultVirtualBus)

	got := make(chan Frame, 1)
	go func() {
		f, err := reader.Receive(Forever)
		if err == nil {
			got <- f
		}
		close(got)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, writer.Send(frameC))

	select {
	case f := <-got:
		assert.Equal(t, frameC, f)
	case <-time.After(time.Second):
		t.Fatal("reader not woken")
	}
}

func TestClient_UnregisterWakesReaders(t *testing.T) {
	reg := newTestRegistry(t)
	ops := &fakeOps{}
	cntl := newRegistered(t, reg, 0, ops)
	client := openClient(t, reg, 0)

	errs := make(chan error, 1)
	go func() {
		_, err := client.Receive(Forever)
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, reg.Unregister(cntl))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrInvalidObject)
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("reader not woken by unregister")
	}
	assert.ErrorIs(t, client.Send(frameA), ErrInvalidObject)
	assert.Equal(t, 0, ops.closeCount(), "client still holds a handle")

	require.NoError(t, client.Close())
	assert.Equal(t, 1, ops.closeCount())
}

func TestClient_ClosedAndNil(t *testing.T) {
	reg := newTestRegistry(t)
	newRegistered(t, reg, 0, &fakeOps{})

	_, err := Open(reg, 5)
	assert.ErrorIs(t, err, ErrInvalidObject)
	_, err = Open(nil, 0)
	assert.ErrorIs(t, err, ErrInvalidObject)
	_, err = OpenByName(reg, "CAN5")
	assert.ErrorIs(t, err, ErrInvalidObject)

	client, err := OpenByName(reg, "CAN0")
	require.NoError(t, err)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err = client.Receive(0)
	assert.ErrorIs(t, err, ErrInvalidObject)
	assert.ErrorIs(t, client.Send(frameA), ErrInvalidObject)
	_, err = client.AddFilter(ExactFilter(0x1, false))
	assert.ErrorIs(t, err, ErrInvalidObject)
	_, err = client.GetState()
	assert.ErrorIs(t, err, ErrInvalidObject)

	var none *Client
	_, err = none.Receive(0)
	assert.ErrorIs(t, err, ErrInvalidObject)
	assert.ErrorIs(t, none.Close(), ErrInvalidObject)
}

func TestClient_ConfigAndState(t *testing.T) {
	reg := newTestRegistry(t)
	drv, err := NewVirtualDriver()
	require.NoError(t, err)
	newRegistered(t, reg, 2, drv)
	client := openClient(t, reg, 2)

	require.NoError(t, client.SetConfig(BusConfig{BitRate: BitRate125K, Mode: ModeLoopback}))
	cfg, err := client.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, BusConfig{BitRate: BitRate125K, Mode: ModeLoopback}, cfg)
	state, err := client.GetState()
	require.NoError(t, err)
	assert.Equal(t, StateReady, state)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.Send(frameB))
	got, err := client.ReceiveContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, frameB, got)
}

func TestClient_ConcurrentFanOutReleasesEverything(t *testing.T) {
	reg := newTestRegistry(t)
	pool := NewMessagePool(0)
	cntl, err := NewController(0, &fakeOps{}, WithMessagePool(pool))
	require.NoError(t, err)
	require.NoError(t, reg.Register(cntl))

	const (
		readers = 4
		writers = 4
		frames  = 200
	)
	clients := make([]*Client, readers)
	for i := range clients {
		clients[i] = openClient(t, reg, 0, WithQueueDepth(8))
	}

	stop := make(chan struct{})
	var readWG sync.WaitGroup
	for _, c := range clients {
		c := c
		readWG.Add(1)
		go func() {
			defer readWG.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_, _ = c.Receive(time.Millisecond)
			}
		}()
	}

	var writeWG sync.WaitGroup
	for w := 0; w < writers; w++ {
		w := w
		writeWG.Add(1)
		go func() {
			defer writeWG.Done()
			for i := 0; i < frames; i++ {
				_ = cntl.Deliver(MustFrame(uint32(w*frames+i)&0x7FF, []byte{byte(i)}))
			}
		}()
	}
	writeWG.Wait()
	close(stop)
	readWG.Wait()

	for _, c := range clients {
		require.NoError(t, c.Close())
	}
	st := cntl.Stats()
	assert.Equal(t, int64(writers*frames), st.Dispatched)
	assert.Equal(t, int64(writers*frames*readers), st.Delivered+st.Dropped)
	assert.Equal(t, int64(0), pool.Live())
}

func ExampleClient() {
	reg, _ := NewRegistry()
	defer reg.Close()

	drv, _ := NewVirtualDriver()
	cntl, _ := NewController(DefaultVirtualBus, drv)
	_ = reg.Register(cntl)

	client, _ := Open(reg, DefaultVirtualBus)
	defer client.Close()
	_, _ = client.AddFilter(ExactFilter(0x123, false))

	_ = client.Send(MustFrame(0x321, []byte("no")))
	_ = client.Send(MustFrame(0x123, []byte("hi")))
	f, _ := client.Receive(10 * time.Millisecond)
	fmt.Println(client.Bus(), f)
	// Output: CAN31 123 [2] 68 69
}

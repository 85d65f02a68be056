package canhub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_RefCount(t *testing.T) {
	pool := NewMessagePool(0)
	msg, err := pool.Obtain(MustFrame(0x2A5, []byte{0xAB}))
	require.NoError(t, err)
	assert.Equal(t, int32(1), msg.Refs())
	assert.Equal(t, int64(1), pool.Live())

	msg.Acquire()
	msg.Acquire()
	assert.Equal(t, int32(3), msg.Refs())
	assert.Equal(t, uint32(0x2A5), msg.Frame().ID)

	msg.Release()
	msg.Release()
	assert.Equal(t, int64(1), pool.Live())
	msg.Release()
	assert.Equal(t, int64(0), pool.Live())

	assert.Panics(t, func() { msg.Release() })
}

func TestMessagePool_InvalidFrame(t *testing.T) {
	pool := NewMessagePool(0)
	_, err := pool.Obtain(Frame{ID: 0x800})
	assert.ErrorIs(t, err, ErrInvalidParam)
	assert.Equal(t, int64(0), pool.Live())
}

func TestMessagePool_Limit(t *testing.T) {
	pool := NewMessagePool(2)
	assert.Equal(t, int64(2), pool.Limit())

	a, err := pool.Obtain(MustFrame(0x1, nil))
	require.NoError(t, err)
	b, err := pool.Obtain(MustFrame(0x2, nil))
	require.NoError(t, err)

	_, err = pool.Obtain(MustFrame(0x3, nil))
	assert.ErrorIs(t, err, ErrResourceExhausted)

	a.Release()
	c, err := pool.Obtain(MustFrame(0x3, nil))
	require.NoError(t, err)
	b.Release()
	c.Release()
	assert.Equal(t, int64(0), pool.Live())
}

func TestMessage_ConcurrentAcquireRelease(t *testing.T) {
	pool := NewMessagePool(0)
	msg, err := pool.Obtain(MustFrame(0x555, nil))
	require.NoError(t, err)

	const holders = 64
	for n := 0; n < holders; n++ {
		msg.Acquire()
	}
	var wg sync.WaitGroup
	for n := 0; n < holders; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg.Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), msg.Refs())
	msg.Release()
	assert.Equal(t, int64(0), pool.Live())
}

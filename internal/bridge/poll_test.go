package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollCycleDrainsInBoundedChunks(t *testing.T) {
	a := newFakeAdapter()
	b := New(a, Options{})
	peer := &fakePeer{}
	p := NewPoller(b, peer, time.Millisecond, 4, nil)

	require.NoError(t, p.Cycle())
	assert.Empty(t, peer.blobs)

	require.NoError(t, b.Connect("/dev/ttyUSB0", 9600))
	a.last().push([]byte("0123456789"))
	require.NoError(t, p.Cycle())

	require.Len(t, peer.blobs, 3)
	assert.Equal(t, "0123", string(peer.blobs[0]))
	assert.Equal(t, "4567", string(peer.blobs[1]))
	assert.Equal(t, "89", string(peer.blobs[2]))
}

func TestPollCycleReportsDeviceErrorsWithoutDisconnecting(t *testing.T) {
	a := newFakeAdapter()
	b := New(a, Options{})
	peer := &fakePeer{}
	p := NewPoller(b, peer, time.Millisecond, 0, nil)

	require.NoError(t, b.Connect("/dev/ttyUSB0", 9600))
	h := a.last()
	h.push([]byte("abc"))
	h.readErr = errors.New("Input/output error")

	require.NoError(t, p.Cycle())
	assert.Equal(t, []string{"ERROR: Input/output error"}, peer.Texts())
	assert.Empty(t, peer.blobs)
	assert.True(t, b.Connected())

	h.readErr = nil
	require.NoError(t, p.Cycle())
	assert.Equal(t, "abc", string(peer.Received()))
}

func TestPollRunStopsWithContext(t *testing.T) {
	a := newFakeAdapter()
	b := New(a, Options{})
	peer := &fakePeer{}
	require.NoError(t, b.Connect("/dev/ttyUSB0", 9600))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewPoller(b, peer, time.Millisecond, 0, nil).Run(ctx) }()

	a.last().push([]byte("hello"))
	require.Eventually(t, func() bool { return string(peer.Received()) == "hello" }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestPollRunEndsWhenPeerIsGone(t *testing.T) {
	a := newFakeAdapter()
	b := New(a, Options{})
	gone := errors.New("session closed")
	peer := &fakePeer{sendErr: gone}
	require.NoError(t, b.Connect("/dev/ttyUSB0", 9600))
	a.last().push([]byte("x"))

	err := NewPoller(b, peer, time.Millisecond, 0, nil).Run(context.Background())
	assert.ErrorIs(t, err, gone)
}

package bridge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDispatcher(a *fakeAdapter) (*Dispatcher, *Bridge, *fakePeer) {
	b := New(a, Options{})
	peer := &fakePeer{}
	return NewDispatcher(b, peer, nil), b, peer
}

func text(s string) Message { return Message{Kind: TextMessage, Data: []byte(s)} }

func TestDispatchCommands(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"status when idle", []string{"STATUS"}, []string{"OK: DOWN"}},
		{"connect then status", []string{"CONNECT /dev/ttyUSB0 9600", "STATUS"}, []string{"OK: UP", "OK: UP"}},
		{"connect default baud", []string{"CONNECT /dev/ttyUSB0"}, []string{"OK: UP"}},
		{"connect without port", []string{"CONNECT"}, []string{"ERROR: Port is required"}},
		{"connect with empty port", []string{"CONNECT "}, []string{"ERROR: Port is required"}},
		{"disconnect when idle", []string{"DISCONNECT", "STATUS"}, []string{"OK: DOWN", "OK: DOWN"}},
		{"disconnect after connect", []string{"CONNECT /dev/ttyUSB0", "DISCONNECT", "STATUS"}, []string{"OK: UP", "OK: DOWN", "OK: DOWN"}},
		{"list", []string{"LIST"}, []string{"LIST: /dev/ttyACM0 /dev/ttyUSB0"}},
		{"unknown command", []string{"RESET"}, []string{"ERROR: Unsupported command"}},
		{"commands are case sensitive", []string{"status"}, []string{"ERROR: Unsupported command"}},
		{"extra args ignored", []string{"STATUS now", "CONNECT /dev/ttyUSB0 9600 8N1"}, []string{"OK: DOWN", "OK: UP"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _, peer := newDispatcher(newFakeAdapter("/dev/ttyUSB0", "/dev/ttyACM0"))
			for _, in := range tt.in {
				require.NoError(t, d.Handle(text(in)))
			}
			assert.Equal(t, tt.want, peer.Texts())
		})
	}
}

func TestDispatchBadBaudKeepsExistingConnection(t *testing.T) {
	a := newFakeAdapter()
	d, b, peer := newDispatcher(a)

	require.NoError(t, d.Handle(text("CONNECT /dev/ttyUSB0 9600")))
	assert.Equal(t, "OK: UP", peer.LastText())
	first := a.last()

	require.NoError(t, d.Handle(text("CONNECT /dev/ttyUSB0 fast")))
	assert.Equal(t, `ERROR: invalid baud rate "fast": invalid syntax`, peer.LastText())

	require.NoError(t, d.Handle(text("STATUS")))
	assert.Equal(t, "OK: UP", peer.LastText())
	assert.True(t, b.Connected())
	assert.False(t, first.isClosed())
	assert.Equal(t, 1, a.openCount())
}

func TestDispatchOpenFailure(t *testing.T) {
	a := newFakeAdapter()
	a.setOpenErr(errors.New("No such file or directory"))
	d, _, peer := newDispatcher(a)

	require.NoError(t, d.Handle(text("CONNECT /dev/ttyUSB7 9600")))
	require.NoError(t, d.Handle(text("STATUS")))
	assert.Equal(t, []string{"ERROR: No such file or directory", "OK: DOWN"}, peer.Texts())
}

func TestDispatchListEmpty(t *testing.T) {
	a := newFakeAdapter()
	d, _, peer := newDispatcher(a)
	require.NoError(t, d.Handle(text("LIST")))

	a.listErr = errors.New("boom")
	require.NoError(t, d.Handle(text("LIST")))
	assert.Equal(t, []string{"LIST: ", "LIST: "}, peer.Texts())
}

// A blank text frame is an empty command name and is rejected like any
// other unknown command.
func TestDispatchBlankTextIsUnsupported(t *testing.T) {
	d, _, peer := newDispatcher(newFakeAdapter())
	require.NoError(t, d.Handle(text("")))
	require.NoError(t, d.Handle(text(" STATUS")))
	assert.Equal(t, []string{"ERROR: Unsupported command", "ERROR: Unsupported command"}, peer.Texts())
	assert.Empty(t, peer.blobs)
}

func TestDispatchBinary(t *testing.T) {
	a := newFakeAdapter()
	d, _, peer := newDispatcher(a)

	require.NoError(t, d.Handle(Message{Kind: BinaryMessage, Data: []byte{1, 2, 3}}))
	assert.Equal(t, []string{"ERROR: Disconnected"}, peer.Texts())
	assert.Zero(t, a.openCount())

	require.NoError(t, d.Handle(text("CONNECT /dev/ttyUSB0")))
	require.NoError(t, d.Handle(Message{Kind: BinaryMessage, Data: []byte{1, 2, 3}}))
	require.NoError(t, d.Handle(Message{Kind: BinaryMessage, Data: []byte("hi")}))
	assert.Equal(t, [][]byte{{1, 2, 3}, []byte("hi")}, a.last().written())

	a.last().writeErr = errors.New("Broken pipe")
	require.NoError(t, d.Handle(Message{Kind: BinaryMessage, Data: []byte("x")}))
	assert.Equal(t, "ERROR: Broken pipe", peer.LastText())
}

func TestDispatchControlFrames(t *testing.T) {
	d, _, peer := newDispatcher(newFakeAdapter())

	require.NoError(t, d.Handle(Message{Kind: PingMessage, Data: []byte("p1")}))
	require.NoError(t, d.Handle(Message{Kind: PongMessage}))
	assert.Equal(t, 2, peer.touches)
	assert.Equal(t, [][]byte{[]byte("p1")}, peer.pongs)

	err := d.Handle(Message{Kind: CloseMessage})
	assert.ErrorIs(t, err, ErrPeerClosed)
}

func TestDispatchReturnsTransportErrors(t *testing.T) {
	d, _, peer := newDispatcher(newFakeAdapter())
	gone := errors.New("session closed")
	peer.sendErr = gone

	assert.ErrorIs(t, d.Handle(text("STATUS")), gone)
	assert.ErrorIs(t, d.Handle(text("NOPE")), gone)
}

func TestParseConnectArgs(t *testing.T) {
	tests := []struct {
		args    []string
		port    string
		baud    int
		wantErr string
	}{
		{[]string{"/dev/ttyUSB0"}, "/dev/ttyUSB0", 0, ""},
		{[]string{"/dev/ttyUSB0", "9600"}, "/dev/ttyUSB0", 9600, ""},
		{[]string{"COM3", "115200", "extra"}, "COM3", 115200, ""},
		{nil, "", 0, "Port is required"},
		{[]string{"/dev/ttyUSB0", "-1"}, "", 0, `invalid baud rate "-1": invalid syntax`},
		{[]string{"/dev/ttyUSB0", "99999999999"}, "", 0, `invalid baud rate "99999999999": value out of range`},
		{[]string{"/dev/ttyUSB0", "0"}, "", 0, `invalid baud rate "0": must be positive`},
	}
	for _, tt := range tests {
		port, baud, err := ParseConnectArgs(tt.args)
		if tt.wantErr != "" {
			require.Error(t, err, "%v", tt.args)
			assert.Equal(t, tt.wantErr, err.Error())
			assert.Equal(t, KindArgument, KindOf(err))
			continue
		}
		require.NoError(t, err, "%v", tt.args)
		assert.Equal(t, tt.port, port)
		assert.Equal(t, tt.baud, baud)
	}
}

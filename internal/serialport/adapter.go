// Package serialport is the device side of the bridge: it lists, opens and
// drives serial ports. The OS implementation sits on go.bug.st/serial; the
// demo implementation is an in-memory loopback used for --demo runs and tests.
package serialport

import (
	"errors"
	"io"
)

// DefaultBaudRate is used when a caller does not ask for a specific rate.
const DefaultBaudRate = 115200

// ErrClosed is returned by every Handle method once the handle is closed.
var ErrClosed = errors.New("port closed")

// Adapter is the interface that all serial backends must implement.
type Adapter interface {
	// Name returns the human-readable name of this adapter.
	Name() string
	// ListPorts returns the names of the ports currently visible.
	ListPorts() ([]string, error)
	// Open opens the named port at the given baud rate.
	Open(port string, baud int) (Handle, error)
}

// Handle is an open serial device.
//
// Write has write-all semantics: it returns an error unless every byte was
// handed to the device. Read never blocks; it returns whatever is buffered,
// which may be nothing.
type Handle interface {
	io.ReadWriteCloser
	// BytesAvailable reports how many bytes can be read without waiting.
	BytesAvailable() (int, error)
}

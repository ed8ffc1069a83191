package serialport

import (
	"fmt"
	"sync"
)

// DemoAdapter simulates serial devices for development and testing.
// Every demo port is a loopback: bytes written to it come back on the
// read side, after a short banner emitted when the port opens.
type DemoAdapter struct {
	mu    sync.Mutex
	ports []string
	open  map[string]*DemoHandle
}

// NewDemoAdapter creates a demo adapter exposing the given port names, or
// two default ports when none are given.
func NewDemoAdapter(ports ...string) *DemoAdapter {
	if len(ports) == 0 {
		ports = []string{"/dev/ttyDEMO0", "/dev/ttyDEMO1"}
	}
	return &DemoAdapter{
		ports: ports,
		open:  make(map[string]*DemoHandle),
	}
}

func (d *DemoAdapter) Name() string { return "Demo (Simulated)" }

func (d *DemoAdapter) ListPorts() ([]string, error) {
	out := make([]string, len(d.ports))
	copy(out, d.ports)
	return out, nil
}

// Open returns a loopback handle. A port can only be open once at a time,
// mirroring the exclusive lock real drivers take.
func (d *DemoAdapter) Open(port string, baud int) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	known := false
	for _, p := range d.ports {
		if p == port {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("open %s: no such file or directory", port)
	}
	if h, busy := d.open[port]; busy && !h.isClosed() {
		return nil, fmt.Errorf("open %s: device or resource busy", port)
	}

	h := &DemoHandle{
		adapter: d,
		port:    port,
		buf:     []byte(fmt.Sprintf("wterm demo device %s @ %d baud\r\n", port, baud)),
	}
	d.open[port] = h
	return h, nil
}

func (d *DemoAdapter) release(port string, h *DemoHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open[port] == h {
		delete(d.open, port)
	}
}

// DemoHandle is a loopback serial device.
type DemoHandle struct {
	adapter *DemoAdapter
	port    string

	mu     sync.Mutex
	buf    []byte
	closed bool
}

// Inject makes p available on the read side as if the device had sent it.
func (h *DemoHandle) Inject(p []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.buf = append(h.buf, p...)
	}
}

func (h *DemoHandle) BytesAvailable() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrClosed
	}
	return len(h.buf), nil
}

func (h *DemoHandle) Read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrClosed
	}
	n := copy(p, h.buf)
	h.buf = h.buf[n:]
	return n, nil
}

func (h *DemoHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrClosed
	}
	h.buf = append(h.buf, p...)
	return len(p), nil
}

func (h *DemoHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.buf = nil
	h.mu.Unlock()

	h.adapter.release(h.port, h)
	return nil
}

func (h *DemoHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

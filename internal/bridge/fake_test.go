package bridge

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dotcypress/wterm/internal/serialport"
)

// fakeAdapter is a scripted serial adapter. Any use of a handle after it
// was closed is counted in violations.
type fakeAdapter struct {
	mu         sync.Mutex
	ports      []string
	listErr    error
	openErr    error
	opened     []*fakeHandle
	violations atomic.Int32
}

func newFakeAdapter(ports ...string) *fakeAdapter {
	return &fakeAdapter{ports: ports}
}

func (a *fakeAdapter) Name() string { return "fake" }

func (a *fakeAdapter) ListPorts() ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listErr != nil {
		return nil, a.listErr
	}
	return append([]string(nil), a.ports...), nil
}

func (a *fakeAdapter) Open(port string, baud int) (serialport.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.openErr != nil {
		return nil, a.openErr
	}
	h := &fakeHandle{port: port, baud: baud, violations: &a.violations}
	a.opened = append(a.opened, h)
	return h, nil
}

func (a *fakeAdapter) setOpenErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.openErr = err
}

func (a *fakeAdapter) last() *fakeHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.opened) == 0 {
		return nil
	}
	return a.opened[len(a.opened)-1]
}

func (a *fakeAdapter) openCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.opened)
}

type fakeHandle struct {
	port string
	baud int

	mu         sync.Mutex
	rx         []byte
	writes     [][]byte
	closed     bool
	writeErr   error
	availErr   error
	readErr    error
	violations *atomic.Int32
}

func (h *fakeHandle) useLocked() error {
	if h.closed {
		h.violations.Add(1)
		return serialport.ErrClosed
	}
	return nil
}

func (h *fakeHandle) push(p []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rx = append(h.rx, p...)
}

func (h *fakeHandle) BytesAvailable() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.useLocked(); err != nil {
		return 0, err
	}
	if h.availErr != nil {
		return 0, h.availErr
	}
	return len(h.rx), nil
}

func (h *fakeHandle) Read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.useLocked(); err != nil {
		return 0, err
	}
	if h.readErr != nil {
		return 0, h.readErr
	}
	n := copy(p, h.rx)
	h.rx = h.rx[n:]
	return n, nil
}

func (h *fakeHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.useLocked(); err != nil {
		return 0, err
	}
	if h.writeErr != nil {
		return 0, h.writeErr
	}
	h.writes = append(h.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("double close")
	}
	h.closed = true
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) written() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.writes...)
}

// fakePeer records everything the bridge sends.
type fakePeer struct {
	mu      sync.Mutex
	texts   []string
	blobs   [][]byte
	pongs   [][]byte
	touches int
	sendErr error
}

func (p *fakePeer) SendText(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.texts = append(p.texts, text)
	return nil
}

func (p *fakePeer) SendBinary(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.blobs = append(p.blobs, b)
	return nil
}

func (p *fakePeer) SendPong(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pongs = append(p.pongs, payload)
	return nil
}

func (p *fakePeer) Touch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touches++
}

func (p *fakePeer) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

func (p *fakePeer) LastText() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.texts) == 0 {
		return ""
	}
	return p.texts[len(p.texts)-1]
}

func (p *fakePeer) Received() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []byte
	for _, b := range p.blobs {
		out = append(out, b...)
	}
	return out
}

// recorder collects capture calls.
type recorder struct {
	mu   sync.Mutex
	rows []string
}

func (r *recorder) Record(direction string, p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, direction+":"+string(p))
}

func (r *recorder) Rows() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.rows...)
}

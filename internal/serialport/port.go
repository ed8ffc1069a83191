package serialport

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// rawPort is the subset of serial.Port the handle needs.
type rawPort interface {
	SetReadTimeout(timeout time.Duration) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// allow tests to override external dependencies
var (
	openPort = func(name string, mode *serial.Mode) (rawPort, error) { return serial.Open(name, mode) }
	getPorts = serial.GetPortsList
	getUSB   = enumerator.GetDetailedPortsList

	// maxBuffered caps bytes held for a reader that is not keeping up.
	// Anything beyond it is dropped.
	maxBuffered = 4 * 64 * 1024
)

const (
	// pumpReadTimeout bounds how long the background reader sits in one
	// Read call, so Close is noticed promptly.
	pumpReadTimeout = 50 * time.Millisecond
	pumpChunkSize   = 4096
)

// OSAdapter opens real serial devices through go.bug.st/serial.
type OSAdapter struct {
	dataBits int
	parity   serial.Parity
	stopBits serial.StopBits
	log      *logrus.Entry
}

// OSConfig holds line settings applied to every port the adapter opens.
type OSConfig struct {
	DataBits int    `yaml:"data_bits" json:"dataBits"`
	Parity   string `yaml:"parity" json:"parity"`       // "none", "odd", "even", "mark", "space"
	StopBits string `yaml:"stop_bits" json:"stopBits"` // "1", "1.5", "2"
}

// NewOSAdapter creates an adapter backed by the operating system's serial driver.
func NewOSAdapter(cfg OSConfig, log *logrus.Entry) *OSAdapter {
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &OSAdapter{
		dataBits: cfg.DataBits,
		parity:   parseParity(cfg.Parity),
		stopBits: parseStopBits(cfg.StopBits),
		log:      log.WithField("component", "serial"),
	}
}

func (a *OSAdapter) Name() string { return "OS serial" }

// ListPorts returns visible port names. USB details are logged at debug
// level when the enumerator can provide them.
func (a *OSAdapter) ListPorts() ([]string, error) {
	details, err := getUSB()
	if err == nil && len(details) > 0 {
		names := make([]string, 0, len(details))
		for _, d := range details {
			names = append(names, d.Name)
			if d.IsUSB {
				a.log.Debugf("%s: usb %s:%s serial=%s product=%q", d.Name, d.VID, d.PID, d.SerialNumber, d.Product)
			}
		}
		return names, nil
	}
	ports, err := getPorts()
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}
	return ports, nil
}

// Open opens the serial port and starts its background reader.
func (a *OSAdapter) Open(port string, baud int) (Handle, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: a.dataBits,
		Parity:   a.parity,
		StopBits: a.stopBits,
	}
	p, err := openPort(port, mode)
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(pumpReadTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", port, err)
	}
	a.log.Infof("opened %s at %d baud", port, baud)
	return newPortHandle(p, port, a.log), nil
}

// portHandle buffers incoming bytes from a pump goroutine so that
// BytesAvailable and Read never block on the device.
type portHandle struct {
	port rawPort
	name string
	log  *logrus.Entry

	mu     sync.Mutex
	buf    []byte
	err    error // read error not yet reported to the caller
	closed bool

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	exited    chan struct{}
}

func newPortHandle(p rawPort, name string, log *logrus.Entry) *portHandle {
	h := &portHandle{
		port:   p,
		name:   name,
		log:    log,
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go h.pump()
	return h
}

func (h *portHandle) pump() {
	defer close(h.exited)
	chunk := make([]byte, pumpChunkSize)
	for {
		n, err := h.port.Read(chunk)
		select {
		case <-h.done:
			return
		default:
		}

		dropped := 0
		h.mu.Lock()
		if room := max(maxBuffered-len(h.buf), 0); n > room {
			dropped = n - room
			n = room
		}
		if n > 0 {
			h.buf = append(h.buf, chunk[:n]...)
		}
		if err != nil {
			h.err = fmt.Errorf("read %s: %w", h.name, err)
		}
		h.mu.Unlock()

		if dropped > 0 {
			h.log.Warnf("buffer full on %s, dropped %d bytes", h.name, dropped)
		}

		if err != nil {
			h.log.Warnf("reader on %s stopped: %v", h.name, err)
			return
		}
	}
}

func (h *portHandle) BytesAvailable() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrClosed
	}
	if len(h.buf) > 0 {
		return len(h.buf), nil
	}
	if err := h.err; err != nil {
		h.err = nil
		return 0, err
	}
	return 0, nil
}

func (h *portHandle) Read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrClosed
	}
	if len(h.buf) == 0 {
		if err := h.err; err != nil {
			h.err = nil
			return 0, err
		}
		return 0, nil
	}
	n := copy(p, h.buf)
	h.buf = h.buf[n:]
	if len(h.buf) == 0 {
		h.buf = nil
	}
	return n, nil
}

func (h *portHandle) Write(p []byte) (int, error) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	written := 0
	for written < len(p) {
		n, err := h.port.Write(p[written:])
		written += n
		if err != nil {
			return written, fmt.Errorf("write %s: %w", h.name, err)
		}
		if n == 0 {
			return written, fmt.Errorf("write %s: %w", h.name, io.ErrShortWrite)
		}
	}
	return written, nil
}

func (h *portHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.buf = nil
		h.mu.Unlock()

		close(h.done)
		err = h.port.Close()
		<-h.exited
		h.log.Infof("closed %s", h.name)
	})
	return err
}

func parseParity(s string) serial.Parity {
	switch s {
	case "odd":
		return serial.OddParity
	case "even":
		return serial.EvenParity
	case "mark":
		return serial.MarkParity
	case "space":
		return serial.SpaceParity
	default:
		return serial.NoParity
	}
}

func parseStopBits(s string) serial.StopBits {
	switch s {
	case "1.5":
		return serial.OnePointFiveStopBits
	case "2":
		return serial.TwoStopBits
	default:
		return serial.OneStopBit
	}
}

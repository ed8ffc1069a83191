// Package bridge translates the wterm command protocol into serial port
// operations and streams device output back to the client.
//
// A Bridge owns the single connection to a device. Every access to it, from
// the dispatcher or the poll loop, happens under one mutex that is held only
// for the duration of one device call.
package bridge

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dotcypress/wterm/internal/serialport"
)

// connection is either disconnected or connected; there is no third state.
type connection interface {
	isConnection()
}

type disconnected struct{}

type connected struct {
	port   string
	baud   int
	handle serialport.Handle
}

func (disconnected) isConnection() {}
func (*connected) isConnection()   {}

// Options configures a Bridge.
type Options struct {
	// DefaultBaud is used by Connect when no rate is given.
	DefaultBaud int
	// Recorder, when set, sees every byte written to or read from the device.
	Recorder Recorder
	Log      *logrus.Entry
}

// Bridge holds the state of one serial connection.
type Bridge struct {
	adapter     serialport.Adapter
	defaultBaud int
	rec         Recorder
	log         *logrus.Entry

	mu   sync.Mutex
	conn connection
}

// New creates a disconnected Bridge on top of adapter.
func New(adapter serialport.Adapter, opts Options) *Bridge {
	if opts.DefaultBaud <= 0 {
		opts.DefaultBaud = serialport.DefaultBaudRate
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Bridge{
		adapter:     adapter,
		defaultBaud: opts.DefaultBaud,
		rec:         opts.Recorder,
		log:         opts.Log.WithField("component", "bridge"),
		conn:        disconnected{},
	}
}

// Connected reports whether a device is open.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.conn.(*connected)
	return ok
}

// Connect opens port at baud, or at the default rate when baud is zero.
// A previously open device is closed first. If the open fails the bridge
// ends up disconnected.
func (b *Bridge) Connect(port string, baud int) error {
	if port == "" {
		return argumentError(ErrPortRequired)
	}
	if baud == 0 {
		baud = b.defaultBaud
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.closeLocked()

	h, err := b.adapter.Open(port, baud)
	if err != nil {
		b.log.Warnf("open %s at %d failed: %v", port, baud, err)
		return deviceError(err)
	}
	b.conn = &connected{port: port, baud: baud, handle: h}
	b.log.Infof("connected to %s at %d baud", port, baud)
	return nil
}

// Disconnect closes the device if one is open. It is always safe to call.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

// Close releases the device when the owning session ends.
func (b *Bridge) Close() {
	b.Disconnect()
}

func (b *Bridge) closeLocked() {
	c, ok := b.conn.(*connected)
	b.conn = disconnected{}
	if !ok {
		return
	}
	if err := c.handle.Close(); err != nil {
		b.log.Warnf("close %s: %v", c.port, err)
	}
	b.log.Infof("disconnected from %s", c.port)
}

// ListPorts returns the ports the adapter can see, sorted. Adapter errors
// are logged and yield an empty list.
func (b *Bridge) ListPorts() []string {
	ports, err := b.adapter.ListPorts()
	if err != nil {
		b.log.Warnf("list ports: %v", err)
		return nil
	}
	sort.Strings(ports)
	return ports
}

// Write sends p to the device in a single adapter call.
func (b *Bridge) Write(p []byte) error {
	if err := b.write(p); err != nil {
		return err
	}
	b.record("tx", p)
	return nil
}

func (b *Bridge) write(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.conn.(*connected)
	if !ok {
		return deviceError(ErrDisconnected)
	}
	n, err := c.handle.Write(p)
	if err != nil {
		return deviceError(err)
	}
	if n != len(p) {
		return deviceError(fmt.Errorf("short write to %s: %d of %d bytes", c.port, n, len(p)))
	}
	return nil
}

// ReadAvailable performs one poll step: if a device is open and has bytes
// waiting, it reads up to len(buf) of them. It returns 0 when disconnected
// or when nothing is waiting.
func (b *Bridge) ReadAvailable(buf []byte) (int, error) {
	n, err := b.readAvailable(buf)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.record("rx", buf[:n])
	}
	return n, nil
}

func (b *Bridge) readAvailable(buf []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.conn.(*connected)
	if !ok {
		return 0, nil
	}
	avail, err := c.handle.BytesAvailable()
	if err != nil {
		return 0, deviceError(err)
	}
	if avail == 0 {
		return 0, nil
	}
	n, err := c.handle.Read(buf)
	if err != nil {
		return 0, deviceError(err)
	}
	return n, nil
}

// record runs outside the bridge lock; recorders may touch the disk.
func (b *Bridge) record(direction string, p []byte) {
	if b.rec != nil {
		b.rec.Record(direction, p)
	}
}

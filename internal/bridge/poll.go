package bridge

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultPollInterval is how often the device is checked for new bytes.
	DefaultPollInterval = 5 * time.Millisecond
	// DefaultReadBufferSize caps a single device read and so a single
	// outbound binary frame.
	DefaultReadBufferSize = 64 * 1024
)

// Poller surfaces bytes arriving on the device as binary frames.
type Poller struct {
	bridge   *Bridge
	peer     Peer
	interval time.Duration
	buf      []byte
	log      *logrus.Entry
}

// NewPoller creates a poll loop for one session. Zero values select the
// defaults.
func NewPoller(b *Bridge, peer Peer, interval time.Duration, bufSize int, log *logrus.Entry) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if bufSize <= 0 {
		bufSize = DefaultReadBufferSize
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Poller{
		bridge:   b,
		peer:     peer,
		interval: interval,
		buf:      make([]byte, bufSize),
		log:      log,
	}
}

// Run polls until ctx is cancelled or the peer stops accepting frames.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Cycle(); err != nil {
				return err
			}
		}
	}
}

// Cycle drains everything the device currently has. A device error is
// reported to the peer once and ends the cycle without disconnecting. The
// bridge lock is released before each frame is sent.
func (p *Poller) Cycle() error {
	for {
		n, err := p.bridge.ReadAvailable(p.buf)
		if err != nil {
			p.log.Warnf("poll: %v", err)
			return p.peer.SendText(ErrorText(err))
		}
		if n == 0 {
			return nil
		}
		chunk := make([]byte, n)
		copy(chunk, p.buf[:n])
		if err := p.peer.SendBinary(chunk); err != nil {
			return err
		}
	}
}

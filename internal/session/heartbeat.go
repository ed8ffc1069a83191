package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultClientTimeout     = 10 * time.Second
)

// ErrClientTimeout ends a session whose client stopped answering pings.
var ErrClientTimeout = errors.New("client heartbeat timeout")

// Liveness tracks when the client was last heard from.
type Liveness struct {
	now  func() time.Time
	last atomic.Int64 // unix nanos
}

// NewLiveness starts the clock at now. A nil now uses time.Now.
func NewLiveness(now func() time.Time) *Liveness {
	if now == nil {
		now = time.Now
	}
	l := &Liveness{now: now}
	l.Touch()
	return l
}

// Touch marks the client as seen now.
func (l *Liveness) Touch() {
	l.last.Store(l.now().UnixNano())
}

// Idle returns how long the client has been silent.
func (l *Liveness) Idle() time.Duration {
	return l.now().Sub(time.Unix(0, l.last.Load()))
}

// Heartbeat pings the client on a fixed interval and gives up once it has
// been silent for longer than the timeout.
type Heartbeat struct {
	live     *Liveness
	interval time.Duration
	timeout  time.Duration
	ping     func() error
}

// NewHeartbeat creates a monitor. Zero durations select the defaults.
func NewHeartbeat(live *Liveness, interval, timeout time.Duration, ping func() error) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	return &Heartbeat{live: live, interval: interval, timeout: timeout, ping: ping}
}

// Check runs one heartbeat tick.
func (h *Heartbeat) Check() error {
	if h.live.Idle() < h.timeout {
		return h.ping()
	}
	return ErrClientTimeout
}

// Run ticks until ctx is cancelled, the client times out or a ping cannot
// be sent.
func (h *Heartbeat) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := h.Check(); err != nil {
				return err
			}
		}
	}
}

// Package session runs one browser WebSocket against a bridge.
//
// Each session has a reader goroutine feeding the dispatcher, a single
// writer goroutine that owns every write to the socket, the bridge poll loop
// and the heartbeat monitor. When any of them stops, the rest follow.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dotcypress/wterm/internal/bridge"
)

const (
	defaultWriteTimeout   = 10 * time.Second
	defaultMaxMessageSize = 1 << 20
	defaultSendQueue      = 64
	closeGrace            = time.Second
)

// ErrSessionClosed is returned when sending on a session that has ended.
var ErrSessionClosed = errors.New("session closed")

// Config holds per-session tuning. Zero values select the defaults.
type Config struct {
	PollInterval      time.Duration
	ReadBufferSize    int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	SendQueue         int
}

type frame struct {
	kind int
	data []byte
}

// Session is one client connection.
type Session struct {
	id     string
	conn   *websocket.Conn
	bridge *bridge.Bridge
	cfg    Config
	log    *logrus.Entry
	live   *Liveness

	send      chan frame
	done      chan struct{}
	closeOnce sync.Once
}

// New wraps an upgraded connection. The session takes ownership of conn and
// closes b when it ends.
func New(id string, conn *websocket.Conn, b *bridge.Bridge, cfg Config, log *logrus.Entry) *Session {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{
		id:     id,
		conn:   conn,
		bridge: b,
		cfg:    cfg,
		log: log.WithFields(logrus.Fields{
			"component": "ws",
			"session":   id,
			"remote":    conn.RemoteAddr().String(),
		}),
		live: NewLiveness(nil),
		send: make(chan frame, cfg.SendQueue),
		done: make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Done is closed once the session stops accepting frames.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close ends the session. Run returns shortly after.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) SendText(text string) error {
	return s.enqueue(frame{kind: websocket.TextMessage, data: []byte(text)})
}

func (s *Session) SendBinary(p []byte) error {
	return s.enqueue(frame{kind: websocket.BinaryMessage, data: p})
}

func (s *Session) SendPong(payload []byte) error {
	return s.enqueue(frame{kind: websocket.PongMessage, data: payload})
}

func (s *Session) sendPing() error {
	return s.enqueue(frame{kind: websocket.PingMessage})
}

func (s *Session) Touch() { s.live.Touch() }

// enqueue blocks while the queue is full; frames are never dropped while
// the session is alive.
func (s *Session) enqueue(f frame) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- f:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// Run serves the session until the client leaves, times out, the socket
// fails, Close is called or ctx is cancelled. The bridge is closed on return.
// A clean end (client close, Close, ctx) returns nil.
func (s *Session) Run(ctx context.Context) error {
	s.log.Info("session started")
	defer s.bridge.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	spawn := func(fn func(context.Context) error) {
		g.Go(func() error {
			defer cancel()
			return fn(ctx)
		})
	}

	dispatcher := bridge.NewDispatcher(s.bridge, s, s.log)
	poller := bridge.NewPoller(s.bridge, s, s.cfg.PollInterval, s.cfg.ReadBufferSize, s.log)
	heartbeat := NewHeartbeat(s.live, s.cfg.HeartbeatInterval, s.cfg.HeartbeatTimeout, s.sendPing)

	spawn(func(ctx context.Context) error { return s.readLoop(dispatcher) })
	spawn(s.writeLoop)
	spawn(poller.Run)
	spawn(heartbeat.Run)
	spawn(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, bridge.ErrPeerClosed) || errors.Is(err, ErrSessionClosed) {
		err = nil
	}
	if err != nil {
		s.log.Infof("session ended: %v", err)
	} else {
		s.log.Info("session ended")
	}
	return err
}

func (s *Session) readLoop(d *bridge.Dispatcher) error {
	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	s.conn.SetPingHandler(func(appData string) error {
		return d.Handle(bridge.Message{Kind: bridge.PingMessage, Data: []byte(appData)})
	})
	s.conn.SetPongHandler(func(appData string) error {
		return d.Handle(bridge.Message{Kind: bridge.PongMessage, Data: []byte(appData)})
	})

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return d.Handle(bridge.Message{Kind: bridge.CloseMessage})
			}
			select {
			case <-s.done:
				return nil
			default:
			}
			if errors.Is(err, ErrSessionClosed) {
				return err
			}
			return fmt.Errorf("read: %w", err)
		}

		msg := bridge.Message{Kind: bridge.BinaryMessage, Data: data}
		if kind == websocket.TextMessage {
			msg.Kind = bridge.TextMessage
		}
		if err := d.Handle(msg); err != nil {
			return err
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	defer s.conn.Close()
	defer s.Close()

	for {
		select {
		case f := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(f.kind, f.data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-ctx.Done():
			s.Close()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace)); err != nil &&
				!errors.Is(err, websocket.ErrCloseSent) {
				s.log.Debugf("close frame: %v", err)
			}
			return nil
		}
	}
}

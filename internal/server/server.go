package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dotcypress/wterm/internal/bridge"
	"github.com/dotcypress/wterm/internal/capture"
	"github.com/dotcypress/wterm/internal/serialport"
	"github.com/dotcypress/wterm/internal/session"
)

const shutdownTimeout = 5 * time.Second

// Server accepts WebSocket clients and gives each one its own bridge to the
// serial adapter.
type Server struct {
	cfg     *Config
	adapter serialport.Adapter
	capture *capture.Writer
	webFS   fs.FS
	log     *logrus.Entry

	upgrader websocket.Upgrader

	sessions   map[string]*session.Session
	sessionsMu sync.Mutex
	closing    bool // guarded by sessionsMu; set once shutdown starts
	wg         sync.WaitGroup
}

// New creates a new Server.
func New(cfg *Config, adapter serialport.Adapter, webFS fs.FS, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	snap := cfg.Snapshot()
	return &Server{
		cfg:     cfg,
		adapter: adapter,
		capture: capture.New(snap.Capture, log),
		webFS:   webFS,
		log:     log.WithField("component", "server"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*session.Session),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/api/ports", s.handlePorts).Methods(http.MethodGet)
	r.HandleFunc("/api/config", s.handleGetConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/config", s.handlePostConfig).Methods(http.MethodPost)
	if s.webFS != nil {
		r.PathPrefix("/").Handler(http.FileServer(http.FS(s.webFS))).Methods(http.MethodGet, http.MethodHead)
	}
	return r
}

// Run serves until ctx is cancelled. Failing to bind is the only error.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Snapshot().Server.ListenAddr
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		s.closeSessions()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.log.Warnf("shutdown: %v", err)
		}
		s.waitSessions(shutCtx)
		s.capture.Close()
	}()

	s.log.Infof("listening on %s", ln.Addr())
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}
	return err
}

// SessionCount reports the number of live sessions.
func (s *Server) SessionCount() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.sessionsMu.Lock()
	if s.closing {
		s.sessionsMu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.sessionsMu.Unlock()
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("upgrade error: %v", err)
		return
	}

	cfg := s.cfg.Snapshot()
	id := uuid.NewString()
	log := s.log.WithField("session", id)
	b := bridge.New(s.adapter, bridge.Options{
		DefaultBaud: cfg.Serial.DefaultBaud,
		Recorder:    s.capture.Session(id),
		Log:         log,
	})
	sess := session.New(id, conn, b, cfg.SessionConfig(), log)

	s.sessionsMu.Lock()
	s.sessions[id] = sess
	total := len(s.sessions)
	if s.closing {
		sess.Close()
	}
	s.sessionsMu.Unlock()
	log.Infof("client connected (%d total)", total)

	defer func() {
		s.sessionsMu.Lock()
		delete(s.sessions, id)
		total := len(s.sessions)
		s.sessionsMu.Unlock()
		log.Infof("client disconnected (%d total)", total)
	}()

	if err := sess.Run(r.Context()); err != nil {
		log.Debugf("session error: %v", err)
	}
}

type portsResponse struct {
	Ports []string `json:"ports"`
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.adapter.ListPorts()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if ports == nil {
		ports = []string{}
	}
	sort.Strings(ports)
	writeJSON(w, http.StatusOK, portsResponse{Ports: ports})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	data, err := s.cfg.ToJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.cfg.UpdateFromJSON(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.cfg.Save(); err != nil {
		s.log.Warnf("config save failed: %v", err)
	}
	snap := s.cfg.Snapshot()
	s.capture.SetEnabled(snap.Capture.Enabled)
	if lvl, err := logrus.ParseLevel(snap.Logging.Level); err == nil {
		s.log.Logger.SetLevel(lvl)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// closeSessions stops accepting new sessions and ends the live ones.
func (s *Server) closeSessions() {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.closing = true
	for _, sess := range s.sessions {
		sess.Close()
	}
}

func (s *Server) waitSessions(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("sessions still open after shutdown timeout")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

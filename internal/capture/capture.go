// Package capture records serial traffic to CSV files with automatic rotation.
package capture

import (
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dotcypress/wterm/internal/bridge"
)

const (
	maxRowsPerFile = 100_000
	DefaultPath    = "/var/log/wterm"
)

var csvHeader = []string{"timestamp", "session", "direction", "length", "hex"}

// Config holds capture configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// Writer appends traffic rows for every session to a shared CSV file.
type Writer struct {
	mu      sync.Mutex
	dir     string
	enabled bool
	now     func() time.Time
	log     *logrus.Entry

	file   *os.File
	writer *csv.Writer
	rows   int
}

// New creates a Writer. Nothing touches the disk until the first row.
func New(cfg Config, log *logrus.Entry) *Writer {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Writer{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
		now:     time.Now,
		log:     log.WithField("component", "capture"),
	}
}

// SetEnabled toggles capture at runtime.
func (w *Writer) SetEnabled(on bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enabled = on
	if !on {
		w.closeFile()
	}
}

func (w *Writer) IsEnabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enabled
}

// Session returns a recorder that tags rows with the session id.
func (w *Writer) Session(id string) bridge.Recorder {
	return sessionRecorder{w: w, id: id}
}

type sessionRecorder struct {
	w  *Writer
	id string
}

func (r sessionRecorder) Record(direction string, p []byte) {
	r.w.write(r.id, direction, p)
}

func (w *Writer) write(session, direction string, p []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.enabled {
		return
	}

	now := w.now()
	if w.writer == nil || w.rows >= maxRowsPerFile {
		if err := w.rotateFile(now); err != nil {
			w.log.Errorf("rotate failed: %v", err)
			return
		}
	}

	row := []string{
		now.Format(time.RFC3339Nano),
		session,
		direction,
		strconv.Itoa(len(p)),
		hex.EncodeToString(p),
	}
	if err := w.writer.Write(row); err != nil {
		w.log.Errorf("write failed: %v", err)
		return
	}
	w.writer.Flush()
	w.rows++
}

// Close flushes and closes the current capture file.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeFile()
}

func (w *Writer) rotateFile(now time.Time) error {
	w.closeFile()

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", w.dir, err)
	}

	filename := fmt.Sprintf("wterm_%s.csv", now.Format("2006-01-02_150405.000000"))
	path := filepath.Join(w.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	w.file = f
	w.writer = csv.NewWriter(f)
	w.rows = 0

	if err := w.writer.Write(csvHeader); err != nil {
		return err
	}
	w.writer.Flush()

	w.log.Infof("opened %s", path)
	return nil
}

func (w *Writer) closeFile() {
	if w.writer != nil {
		w.writer.Flush()
		w.writer = nil
	}
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
}

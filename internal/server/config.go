package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/dotcypress/wterm/internal/bridge"
	"github.com/dotcypress/wterm/internal/capture"
	"github.com/dotcypress/wterm/internal/serialport"
	"github.com/dotcypress/wterm/internal/session"
)

const DefaultConfigPath = "/etc/wterm/config.yaml"

// Config holds all wterm configuration.
type Config struct {
	mu sync.RWMutex

	Serial    SerialConfig    `yaml:"serial" json:"serial"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat" json:"heartbeat"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Capture   capture.Config  `yaml:"capture" json:"capture"`

	path string
}

type SerialConfig struct {
	Adapter        string `yaml:"adapter" json:"adapter"` // "os" or "demo"
	DefaultBaud    int    `yaml:"default_baud" json:"defaultBaud"`
	PollIntervalMs int    `yaml:"poll_interval_ms" json:"pollIntervalMs"`
	ReadBufferSize int    `yaml:"read_buffer_size" json:"readBufferSize"`

	serialport.OSConfig `yaml:",inline"`
}

type HeartbeatConfig struct {
	IntervalMs int `yaml:"interval_ms" json:"intervalMs"`
	TimeoutMs  int `yaml:"timeout_ms" json:"timeoutMs"`
}

type ServerConfig struct {
	ListenAddr     string `yaml:"listen_addr" json:"listenAddr"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms" json:"writeTimeoutMs"`
	MaxMessageSize int64  `yaml:"max_message_size" json:"maxMessageSize"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // "text" or "json"
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Adapter:        "os",
			DefaultBaud:    serialport.DefaultBaudRate,
			PollIntervalMs: int(bridge.DefaultPollInterval / time.Millisecond),
			ReadBufferSize: bridge.DefaultReadBufferSize,
			OSConfig: serialport.OSConfig{
				DataBits: 8,
				Parity:   "none",
				StopBits: "1",
			},
		},
		Heartbeat: HeartbeatConfig{
			IntervalMs: int(session.DefaultHeartbeatInterval / time.Millisecond),
			TimeoutMs:  int(session.DefaultClientTimeout / time.Millisecond),
		},
		Server: ServerConfig{
			ListenAddr:     "127.0.0.1:4242",
			WriteTimeoutMs: 10000,
			MaxMessageSize: 1 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Capture: capture.Config{
			Enabled: false,
			Path:    capture.DefaultPath,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if the YAML is missing or bad.
func LoadConfig(path string, log *logrus.Entry) *Config {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "config")

	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Infof("no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warnf("error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Infof("loaded from %s", path)
	}

	// godotenv.Load never overrides variables already set in the environment.
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		if _, err := os.Stat(ep); err != nil {
			continue
		}
		if err := godotenv.Load(ep); err != nil {
			log.Warnf("loading %s: %v", ep, err)
			continue
		}
		log.Debugf("loaded .env from %s", ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// applyEnvOverrides reads WTERM_* variables over the file values.
// Supported: WTERM_LISTEN, WTERM_ADAPTER, WTERM_BAUD, WTERM_POLL_MS,
// WTERM_LOG_LEVEL, WTERM_LOG_FORMAT, WTERM_CAPTURE, WTERM_CAPTURE_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("WTERM_LISTEN"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("WTERM_ADAPTER"); v != "" {
		c.Serial.Adapter = v
	}
	if v := os.Getenv("WTERM_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Serial.DefaultBaud = n
		}
	}
	if v := os.Getenv("WTERM_POLL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Serial.PollIntervalMs = n
		}
	}
	if v := os.Getenv("WTERM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("WTERM_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("WTERM_CAPTURE"); v != "" {
		c.Capture.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("WTERM_CAPTURE_PATH"); v != "" {
		c.Capture.Path = v
	}
}

// SetListenAddr overrides the listen address, typically from a flag.
func (c *Config) SetListenAddr(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Server.ListenAddr = addr
}

// SetAdapter overrides the serial adapter kind.
func (c *Config) SetAdapter(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Serial.Adapter = kind
}

// SetLogLevel overrides the log level.
func (c *Config) SetLogLevel(level string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Logging.Level = level
}

// Snapshot returns a private copy of the current values. Sessions read
// their settings from a snapshot so later API updates only affect new ones.
func (c *Config) Snapshot() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Config{
		Serial:    c.Serial,
		Heartbeat: c.Heartbeat,
		Server:    c.Server,
		Logging:   c.Logging,
		Capture:   c.Capture,
		path:      c.path,
	}
}

// SessionConfig converts the millisecond settings into session tuning.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		PollInterval:      time.Duration(c.Serial.PollIntervalMs) * time.Millisecond,
		ReadBufferSize:    c.Serial.ReadBufferSize,
		HeartbeatInterval: time.Duration(c.Heartbeat.IntervalMs) * time.Millisecond,
		HeartbeatTimeout:  time.Duration(c.Heartbeat.TimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(c.Server.WriteTimeoutMs) * time.Millisecond,
		MaxMessageSize:    c.Server.MaxMessageSize,
	}
}

// Path is the file Save writes to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.path == "" {
		return DefaultConfigPath
	}
	return c.path
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	path := c.Path()

	c.mu.RLock()
	data, err := yaml.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}
	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	next := DefaultConfig()
	if err := json.Unmarshal(merged, next); err != nil {
		return fmt.Errorf("apply update: %w", err)
	}
	if err := next.validate(); err != nil {
		return err
	}
	c.Serial, c.Heartbeat, c.Server, c.Logging, c.Capture =
		next.Serial, next.Heartbeat, next.Server, next.Logging, next.Capture
	return nil
}

func (c *Config) validate() error {
	switch c.Serial.Adapter {
	case "os", "demo":
	default:
		return fmt.Errorf("unknown serial adapter %q", c.Serial.Adapter)
	}
	if c.Serial.DefaultBaud <= 0 {
		return fmt.Errorf("default baud must be positive, got %d", c.Serial.DefaultBaud)
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dotcypress/wterm/internal/serialport"
	"github.com/dotcypress/wterm/internal/server"
	"github.com/dotcypress/wterm/web"
)

var (
	configPath string
	listenAddr string
	demo       bool
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "wterm",
	Short: "Serial terminal in the browser",
	Long: `wterm bridges serial ports to WebSocket clients.

Open http://127.0.0.1:4242 after starting it, or point any WebSocket client
at /ws and speak the text command protocol:
  STATUS | CONNECT <port> [baud] | DISCONNECT | LIST`,
	SilenceUsage: true,
	RunE:         runServer,
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports visible to wterm and exit",
	RunE:  runPorts,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", server.DefaultConfigPath, "Path to config file")
	rootCmd.PersistentFlags().BoolVar(&demo, "demo", false, "Use simulated loopback ports instead of real hardware")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().StringVarP(&listenAddr, "addr", "a", "", "Override listen address (e.g. 127.0.0.1:4242)")
	rootCmd.AddCommand(portsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig applies the config file, environment and flags, in that order,
// and configures the global logger from the result.
func loadConfig() (*server.Config, *logrus.Entry) {
	log := logrus.NewEntry(logrus.StandardLogger())
	cfg := server.LoadConfig(configPath, log)

	if demo {
		cfg.SetAdapter("demo")
	}
	if listenAddr != "" {
		cfg.SetListenAddr(listenAddr)
	}
	if logLevel != "" {
		cfg.SetLogLevel(logLevel)
	}

	snap := cfg.Snapshot()
	if snap.Logging.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if lvl, err := logrus.ParseLevel(snap.Logging.Level); err == nil {
		logrus.SetLevel(lvl)
	} else {
		log.Warnf("invalid log level %q, using info", snap.Logging.Level)
	}
	return cfg, log
}

func newAdapter(cfg *server.Config, log *logrus.Entry) (serialport.Adapter, error) {
	snap := cfg.Snapshot()
	switch snap.Serial.Adapter {
	case "demo":
		return serialport.NewDemoAdapter(), nil
	case "os", "":
		return serialport.NewOSAdapter(snap.Serial.OSConfig, log), nil
	default:
		return nil, fmt.Errorf("unknown serial adapter %q", snap.Serial.Adapter)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, log := loadConfig()
	log.WithField("component", "main").Info("wterm starting")

	adapter, err := newAdapter(cfg, log)
	if err != nil {
		return err
	}
	log.WithField("component", "main").Infof("serial adapter: %s", adapter.Name())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("component", "main").Infof("received %v, shutting down", sig)
		cancel()
	}()

	srv := server.New(cfg, adapter, web.FS, log)
	if err := srv.Run(ctx); err != nil {
		log.WithField("component", "main").Errorf("server exited: %v", err)
		return err
	}
	return nil
}

func runPorts(cmd *cobra.Command, args []string) error {
	cfg, log := loadConfig()
	adapter, err := newAdapter(cfg, log)
	if err != nil {
		return err
	}
	ports, err := adapter.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "no serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	return nil
}

// Sdhomed is a self-hosted home automation backend.
//
// It ingests device traffic from an MQTT broker (zigbee2mqtt topic
// layout), persists every signal, projects trigger events and sensor
// readings, evaluates user-defined automation rules, and pushes live
// events to UI clients over a WebSocket. Configuration is loaded from
// a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	sdhomed serve       Start the backend
//	sdhomed init [dir]  Initialize a working directory with defaults
//	sdhomed version     Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sdhome/sdhome/internal/automation"
	"github.com/sdhome/sdhome/internal/broadcast"
	"github.com/sdhome/sdhome/internal/buildinfo"
	"github.com/sdhome/sdhome/internal/config"
	"github.com/sdhome/sdhome/internal/metrics"
	"github.com/sdhome/sdhome/internal/mqtt"
	"github.com/sdhome/sdhome/internal/pairing"
	"github.com/sdhome/sdhome/internal/projection"
	"github.com/sdhome/sdhome/internal/signals"
	"github.com/sdhome/sdhome/internal/statesync"
	"github.com/sdhome/sdhome/internal/store"
	"github.com/sdhome/sdhome/internal/tracker"
	"github.com/sdhome/sdhome/internal/web"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run]. This keeps os.Exit, os.Stdout, and
// os.Args out of the application logic so the full lifecycle can be
// driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which makes it impossible
// to call run concurrently from tests, and the argument surface here
// is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runServe is the primary operating mode: load config, open the
// database, construct the event pipeline, and block until a shutdown
// signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. MQTT workers stop and the publisher disconnects
//  3. The HTTP server drains in-flight requests
//  4. The database closes via defer
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting sdhome",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"broker", cfg.MQTT.BrokerURL(),
		"database", cfg.Database.Path,
	)

	// --- Persistence ---
	// One SQLite database holds devices, zones, scenes, rules, and the
	// append-only signal history.
	st, err := store.NewStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	defer st.Close()
	logger.Info("database opened", "path", cfg.Database.Path)

	// --- Shared plumbing ---
	bus := broadcast.NewBus()
	m := metrics.New()
	publisher := mqtt.NewPublisher(cfg.MQTT, logger)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = publisher.Close(closeCtx)
	}()
	lat := tracker.New(bus, logger)

	// --- Automation engine ---
	// Caches warm from the last 24h of persisted signals so rules see
	// real device state immediately after a restart.
	engine := automation.NewEngine(st, publisher, bus, lat, m, logger)
	engine.SetWebhookDefault(cfg.Webhooks.Main)
	if err := engine.WarmCaches(); err != nil {
		logger.Warn("cache warmup failed, starting cold", "error", err)
	}
	go func() {
		if err := engine.Run(ctx); err != nil {
			logger.Error("automation engine stopped", "error", err)
		}
	}()

	// --- Signal pipeline ---
	svc := signals.NewService(
		signals.NewMapper(cfg.MQTT.BaseTopic),
		st, bus, projection.New(), engine, lat, m, logger,
	)

	// --- Pairing ---
	pair := pairing.NewManager(cfg.MQTT.BaseTopic, publisher, st, bus, logger)

	// --- MQTT workers ---
	// The ingestor feeds the signal pipeline and the pairing manager;
	// the state-sync worker maintains the device registry mirror.
	ingestor := mqtt.NewIngestor(cfg.MQTT, svc, pair, logger)
	go func() {
		if err := ingestor.Run(ctx); err != nil {
			logger.Error("mqtt ingestor stopped", "error", err)
		}
	}()

	pollInterval := time.Duration(cfg.StateSync.PollIntervalSeconds) * time.Second
	syncWorker := statesync.NewWorker(cfg.MQTT, pollInterval, st, publisher, bus, logger)
	go func() {
		if err := syncWorker.Run(ctx); err != nil {
			logger.Error("state sync worker stopped", "error", err)
		}
	}()

	// --- Web server ---
	server := web.NewServer(cfg.Listen.Address, cfg.Listen.Port, bus, m, logger)

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all workers.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	// Start blocks until the server shuts down via context cancellation
	// or a fatal listener error.
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("web server failed: %w", err)
		}
	}

	logger.Info("sdhome stopped")
	return nil
}

// runInit writes a commented default config into dir.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(w, "  - %s already exists, skipping\n", configPath)
		return nil
	}
	if err := os.WriteFile(configPath, []byte(defaultConfigYAML), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", configPath, err)
	}
	fmt.Fprintf(w, "  + %s\n", configPath)
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "sdhome - self-hosted home automation backend")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: sdhomed [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the backend")
	fmt.Fprintln(w, "  init [dir]   Initialize a working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/sdhome/config.yaml, /etc/sdhome/config.yaml")
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

const defaultConfigYAML = `# sdhome configuration
listen:
  address: ""        # bind address, empty = all interfaces
  port: 8090

mqtt:
  enabled: true
  host: localhost
  port: 1883
  topic_filter: "sdhome/#"
  base_topic: "sdhome"

database:
  path: sdhome.db

webhooks:
  main: ""           # default target for webhook actions without a URL
  test: ""

state_sync:
  poll_interval_seconds: 0   # 0 disables active polling

log_level: info
`

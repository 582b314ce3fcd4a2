// Package main provides the entry point for the axpert inverter daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hpema/axpert/internal/api"
	"github.com/hpema/axpert/internal/config"
	"github.com/hpema/axpert/internal/history"
	"github.com/hpema/axpert/internal/ledger"
	"github.com/hpema/axpert/internal/metrics"
	"github.com/hpema/axpert/internal/pubsub"
	"github.com/hpema/axpert/internal/scheduler"
	"github.com/hpema/axpert/internal/service"
	"github.com/hpema/axpert/internal/service/influx"
	pvoutput "github.com/hpema/axpert/internal/service/pvoutput"
	"github.com/hpema/axpert/internal/transport"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

// sampleQueueSize is the number of samples buffered for the monitoring sinks.
const sampleQueueSize = 16

func main() {
	code := run()
	os.Exit(code)
}

func run() int {
	// Parse command line flags
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("axpert %s\n", Version)
		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}

	var extra []io.Writer
	if cfg.LogFile != "" {
		logFile, err := openLogFile(cfg.LogFile)
		if err != nil {
			fmt.Printf("Failed to open log file: %v\n", err)
			return 1
		}
		defer logFile.Close()
		extra = append(extra, logFile)
	}
	initLogger(cfg.LogLevel, extra...)

	log.Info().Str("version", Version).Msg("Starting axpert daemon")
	cfg.Print()

	// Energy ledger, seeded from the state file when it can be read
	store := ledger.NewStore(cfg.State.File)
	energy := ledger.New(time.Now())
	if state, err := store.Load(); err != nil {
		log.Warn().Err(err).Str("path", store.Path()).Msg("Starting with an empty energy ledger")
	} else {
		energy.Restore(state)
	}

	sched := scheduler.New()
	tracker := api.NewCommandTracker(sched, log.Logger)

	port, err := transport.Open(cfg)
	if err != nil {
		log.Error().Err(err).Str("transport", cfg.Device.Transport).Msg("Failed to open inverter device")
		return 1
	}
	defer port.Close()

	publisher := pubsub.NewMQTTPublisher(cfg)
	publisher.SetCommandHandler(func(command string) {
		if _, err := tracker.Submit(command, scheduler.SourceMQTT); err != nil {
			log.Warn().Err(err).Str("command", command).Msg("Rejected MQTT command")
		}
	})
	if err := publisher.Connect(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to connect to MQTT broker")
		return 1
	}
	defer publisher.Close()

	sinks, err := buildSinks(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize monitoring sinks")
		return 1
	}
	defer sinks.Close()

	deps := service.Dependencies{
		Port:      port,
		Scheduler: sched,
		Ledger:    energy,
		Store:     store,
		Publisher: publisher,
		Replies:   tracker,
	}
	var queue *service.QueuedMonitor
	if sinks.monitors.Len() > 0 {
		queue = service.NewQueuedMonitor(sinks.monitors, sampleQueueSize)
		deps.Monitoring = queue
	}
	if len(sinks.recorders) > 0 {
		deps.Recorder = sinks.recorders
	}

	daemon, err := service.NewDaemon(cfg, deps)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create daemon")
		return 1
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(daemon))

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, daemon, tracker, registry, Version)
		if sinks.history != nil {
			apiServer.SetHistory(sinks.history)
		}
		if err := apiServer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to start HTTP API server")
			return 1
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := daemon.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Polling loop stopped with error")
		}
	}()

	// Handle graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signalChan:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-done:
		log.Warn().Msg("Polling loop exited")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Polling loop did not stop in time")
	}

	if queue != nil {
		queue.Stop(shutdownCtx)
	}

	code := 0
	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping HTTP API server")
			code = 1
		}
	}

	log.Info().Msg("Daemon stopped")
	return code
}

// sinkSet holds the enabled monitoring services and day recorders.
type sinkSet struct {
	monitors  *service.MultiMonitor
	recorders service.MultiRecorder
	history   *history.Repository
}

// Close closes every monitoring service.
func (s *sinkSet) Close() {
	if err := s.monitors.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing monitoring sinks")
	}
}

// buildSinks creates the enabled monitoring services and day recorders.
func buildSinks(cfg *config.Config) (*sinkSet, error) {
	s := &sinkSet{monitors: service.NewMultiMonitor()}

	if cfg.PVOutput.Enabled {
		s.monitors.Add(pvoutput.NewClient(cfg))
	}

	if cfg.InfluxDB.Enabled {
		client := influx.NewClient(cfg)
		s.monitors.Add(client)
		s.recorders = append(s.recorders, client)
	}

	if cfg.History.Enabled {
		retention := time.Duration(cfg.History.RetentionDays) * 24 * time.Hour
		repo, err := history.New(cfg.History.Path, retention)
		if err != nil {
			return nil, fmt.Errorf("open history database: %w", err)
		}
		s.monitors.Add(repo)
		s.recorders = append(s.recorders, repo)
		s.history = repo
	}

	if err := s.monitors.Connect(); err != nil {
		_ = s.monitors.Close()
		return nil, err
	}

	return s, nil
}

// openLogFile opens path for appending, creating its directory if needed.
func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// initLogger configures the global zerolog logger. Extra writers receive the
// same events as the console.
func initLogger(level string, extra ...io.Writer) {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	var writer io.Writer = output
	if len(extra) > 0 {
		writers := append([]io.Writer{output}, extra...)
		writer = zerolog.MultiLevelWriter(writers...)
	}

	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(writer).
		With().
		Timestamp().
		Caller().
		Logger()
}

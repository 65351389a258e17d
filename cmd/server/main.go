package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/BoonHianLim/sc4051-distributed-systems/internal/config"
	"github.com/BoonHianLim/sc4051-distributed-systems/internal/metrics"
	"github.com/BoonHianLim/sc4051-distributed-systems/internal/server"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command line flags
	configPath := pflag.String("config", defaultConfigPath, "Path to configuration file")
	port := pflag.Int("port", -1, "Override the UDP port from the configuration")
	engine := pflag.String("engine", "", "Override the reactor engine (net or gnet)")
	pflag.Parse()

	// Load configuration
	cfg, usedDefaults, err := loadConfig(*configPath, pflag.CommandLine.Changed("config"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	// Apply command line overrides
	if *port >= 0 {
		cfg.Server.UDPPort = *port
	}
	if *engine != "" {
		cfg.Server.Engine = *engine
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	// Initialize logger based on configuration
	logger, closeLog := initLogger(cfg.Logging)
	defer closeLog()

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", server.ServiceName),
		slog.String("version", server.ServiceVersion),
		slog.String("config_path", *configPath),
		slog.Bool("default_config", usedDefaults),
	)
	// Log configuration summary
	logger.Info("Configuration loaded",
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.String("network", cfg.Server.Network),
		slog.String("engine", cfg.Server.Engine),
		slog.Bool("reuse_port", cfg.Server.ReusePort),
		slog.Int("dscp", cfg.Server.DSCP),
		slog.Bool("http_enabled", cfg.HTTP.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()

	// Initialize echo server
	echoServer, err := server.New(&cfg.Server, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create echo server", slog.String("error", err.Error()))
		return 1
	}

	// Start echo server
	if err := echoServer.Start(); err != nil {
		var bindErr *server.BindError
		if errors.As(err, &bindErr) {
			logger.Error("Failed to bind UDP socket",
				slog.String("network", bindErr.Network),
				slog.String("address", bindErr.Address),
				slog.String("error", bindErr.Err.Error()),
			)
		} else {
			logger.Error("Failed to start echo server", slog.String("error", err.Error()))
		}
		return 1
	}
	// Release the socket on every exit path below
	defer func() {
		if err := echoServer.Stop(); err != nil {
			logger.Error("Error stopping echo server", slog.String("error", err.Error()))
		}
	}()

	// Start HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, echoServer, appMetrics)
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			return 1
		}
	}

	// Wait for shutdown signal
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("udp_address", cfg.Server.ListenAddress()),
	)

	<-ctx.Done()
	logger.Info("Received shutdown signal, starting graceful shutdown...")

	// Stop HTTP server
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Log final statistics
	stats := echoServer.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("datagrams_received", stats.DatagramsReceived),
		slog.Uint64("echoes_sent", stats.EchoesSent),
		slog.Uint64("send_errors", stats.SendErrors),
	)

	logger.Info("Service stopped")
	return 0
}

// loadConfig reads the configuration file. A missing file at the default
// path falls back to the built-in defaults; an explicit path must exist.
func loadConfig(path string, explicit bool) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, false, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), true, nil
	}
	return nil, false, err
}

// initLogger creates the structured logger described by cfg. The returned
// func closes the log file, if any.
func initLogger(cfg config.LoggingConfig) (*slog.Logger, func()) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	output := os.Stdout
	closeFn := func() {}
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
		} else {
			output = file
			closeFn = func() { file.Close() }
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler), closeFn
}

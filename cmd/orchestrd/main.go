// Orchestrd runs the multi-phase orchestration engine behind an HTTP API.
//
// Configuration is read from ~/.config/orchestrd/config.yaml (or --config)
// and ORCHESTRD_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the service with defaults
//	orchestrd
//
//	# Use a different config file and port
//	ORCHESTRD_SERVER_HTTP_PORT=8080 orchestrd --config /etc/orchestrd/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fyrsmithlabs/orchestrd/internal/config"
	httpserver "github.com/fyrsmithlabs/orchestrd/internal/http"
	"github.com/fyrsmithlabs/orchestrd/internal/services"
	"go.uber.org/zap"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  orchestrd [--config FILE] [--verbose]   Start the service\n")
			fmt.Fprintf(os.Stderr, "  orchestrd version                       Show version information\n")
			os.Exit(1)
		}
	}

	cfg, err := config.LoadWithFile(*configPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, services.Options{Verbose: *verbose, Version: version}); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func printVersion() {
	fmt.Printf("orchestrd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the service and blocks until ctx is cancelled, then drains
// in-flight runs within the configured shutdown timeout.
func run(ctx context.Context, cfg *config.Config, opts services.Options) error {
	reg, err := services.New(ctx, cfg, opts)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	logger := reg.Logger

	serverOpts := []httpserver.Option{
		httpserver.WithMetrics(httpserver.NewHTTPMetrics(reg.Telemetry.Meter("orchestrd/http"), logger)),
	}
	if reg.Metrics != nil {
		serverOpts = append(serverOpts, httpserver.WithGatherer(reg.Metrics))
	}
	srv, err := httpserver.NewServer(reg.Engine, logger, &httpserver.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, serverOpts...)
	if err != nil {
		_ = reg.Close(context.WithoutCancel(ctx))
		return err
	}

	logger.Info(ctx, "starting orchestrd",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Int("engine.workers", cfg.Engine.Workers),
		zap.Int("engine.queue_threshold", cfg.Engine.QueueThreshold))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown requested")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	var errs []error
	if serveErr != nil {
		errs = append(errs, serveErr)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := reg.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
	}
	logger.Info(context.Background(), "shutdown complete")
	return errors.Join(errs...)
}

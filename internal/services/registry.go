package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/orchestrd/internal/config"
	"github.com/fyrsmithlabs/orchestrd/internal/events"
	"github.com/fyrsmithlabs/orchestrd/internal/integration"
	"github.com/fyrsmithlabs/orchestrd/internal/logging"
	"github.com/fyrsmithlabs/orchestrd/internal/model"
	"github.com/fyrsmithlabs/orchestrd/internal/orchestrator"
	"github.com/fyrsmithlabs/orchestrd/internal/prompts"
	"github.com/fyrsmithlabs/orchestrd/internal/secrets"
	"github.com/fyrsmithlabs/orchestrd/internal/store"
	"github.com/fyrsmithlabs/orchestrd/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// Options adjusts how New builds the registry.
type Options struct {
	// Logger replaces the logger New would build from cfg.Logging.
	Logger *logging.Logger
	// Verbose forces debug logging when New builds the logger.
	Verbose bool
	// Version is reported as the telemetry service version.
	Version string
	// Strategies are registered with the engine ahead of configured
	// providers of the same name.
	Strategies []model.Strategy
}

// Registry holds the wired engine and everything it depends on.
type Registry struct {
	Config    *config.Config
	Logger    *logging.Logger
	Telemetry *telemetry.Telemetry
	Store     store.Store
	Engine    *orchestrator.Engine
	// Metrics is nil unless events.metrics is enabled.
	Metrics *prometheus.Registry

	closers []func(context.Context) error
}

// New wires a Registry from cfg. On error everything built so far is
// released.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Registry, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	r := &Registry{Config: cfg}
	defer func() {
		if err != nil {
			_ = r.Close(context.WithoutCancel(ctx))
		}
	}()

	if err := r.initLogger(opts); err != nil {
		return nil, err
	}

	version := opts.Version
	if version == "" {
		version = "dev"
	}
	r.Telemetry, err = telemetry.New(ctx, telemetry.FromAppConfig(cfg.Observability, version))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	r.onClose(r.Telemetry.Shutdown)

	r.Store, err = store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	r.onClose(func(context.Context) error { return r.Store.Close() })

	engineOpts := []orchestrator.Option{
		orchestrator.WithLogger(r.Logger),
		orchestrator.WithTracer(r.Telemetry.Tracer("orchestrd/orchestrator")),
		orchestrator.WithRepository(r.Store),
	}
	for _, s := range opts.Strategies {
		engineOpts = append(engineOpts, orchestrator.WithStrategy(s))
	}

	if cfg.Secrets.Enabled {
		allow, err := secrets.LoadAllowlist(cfg.Secrets.AllowlistPath)
		if err != nil {
			return nil, err
		}
		redactor, err := secrets.NewRedactor(allow)
		if err != nil {
			return nil, fmt.Errorf("initializing redactor: %w", err)
		}
		engineOpts = append(engineOpts, orchestrator.WithRedactor(redactor))
	}

	if cfg.Integration.Enabled {
		factory, closeFactory, err := integration.NewFactoryFromConfig(ctx, cfg.Integration)
		if err != nil {
			return nil, fmt.Errorf("initializing integrations: %w", err)
		}
		r.onClose(func(context.Context) error { return closeFactory() })
		engineOpts = append(engineOpts, orchestrator.WithIntegration(factory))
	}

	loader := prompts.NewLoader(cfg.Engine.PromptDirs...)
	watchCtx, stopWatch := context.WithCancel(context.WithoutCancel(ctx))
	r.onClose(func(context.Context) error { stopWatch(); return nil })
	if err := loader.Watch(watchCtx, r.Logger.Named("prompts")); err != nil {
		r.Logger.Warn(ctx, "prompt overrides will not reload", zap.Error(err))
	}
	engineOpts = append(engineOpts, orchestrator.WithPrompts(loader))

	r.Engine, err = orchestrator.NewEngine(cfg, engineOpts...)
	if err != nil {
		return nil, err
	}
	r.onClose(r.Engine.Close)

	if err := r.attachObservers(ctx); err != nil {
		return nil, err
	}

	r.Logger.Info(ctx, "services initialized",
		zap.String("store.driver", cfg.Store.Driver),
		zap.String("model.provider", cfg.Model.Provider),
		zap.Bool("integration.enabled", cfg.Integration.Enabled),
		zap.Bool("secrets.enabled", cfg.Secrets.Enabled),
		zap.Bool("telemetry.enabled", r.Telemetry.IsEnabled()))
	return r, nil
}

func (r *Registry) initLogger(opts Options) error {
	if opts.Logger != nil {
		r.Logger = opts.Logger
		return nil
	}
	logCfg, err := logging.FromAppConfig(r.Config.Logging, opts.Verbose)
	if err != nil {
		return err
	}
	r.Logger, err = logging.NewLogger(logCfg, nil)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	r.onClose(func(context.Context) error { return r.Logger.Sync() })
	return nil
}

// attachObservers subscribes the configured observers to the engine bus.
func (r *Registry) attachObservers(ctx context.Context) error {
	bus := r.Engine.Bus()
	ev := r.Config.Events

	if ev.Audit {
		events.NewAuditLogger(r.Logger).Attach(bus)
	}
	if ev.Metrics {
		r.Metrics = prometheus.NewRegistry()
		r.Metrics.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		events.NewMetricsRecorder(r.Metrics).Attach(bus)
	}
	if ev.NATS.URL != "" {
		nc, err := events.ConnectNATS(ev.NATS.URL)
		if err != nil {
			return err
		}
		r.onClose(func(context.Context) error { return nc.Drain() })
		events.NewNATSPublisher(nc, ev.NATS.SubjectPrefix).Attach(bus)
		r.Logger.Info(ctx, "publishing run events to NATS", zap.String("nats.url", nc.ConnectedUrlRedacted()))
	}
	return nil
}

func (r *Registry) onClose(fn func(context.Context) error) {
	r.closers = append(r.closers, fn)
}

// Close releases every component in reverse construction order. The
// engine drains in-flight runs first, bounded by ctx.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/orchestrd/internal/config"
	"github.com/fyrsmithlabs/orchestrd/internal/errs"
	"github.com/fyrsmithlabs/orchestrd/internal/events"
	"github.com/fyrsmithlabs/orchestrd/internal/integration"
	"github.com/fyrsmithlabs/orchestrd/internal/logging"
	"github.com/fyrsmithlabs/orchestrd/internal/model"
	"github.com/fyrsmithlabs/orchestrd/internal/prompts"
	"github.com/fyrsmithlabs/orchestrd/internal/secrets"
	"github.com/fyrsmithlabs/orchestrd/internal/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultListLimit = 100

var errClosed = &errs.InvalidStateError{Op: "submit", Reason: "engine is closed"}

// Engine sequences the phases of submitted runs. It owns every run's state
// machine, the admission gate and the event bus; construct one per process
// and Close it on shutdown.
type Engine struct {
	cfg      *config.Config
	plan     []PhaseSpec
	logger   *logging.Logger
	tracer   trace.Tracer
	bus      *events.Bus
	repo     store.Repository
	reader   store.RunReader
	factory  *integration.Factory
	loader   *prompts.Loader
	redactor *secrets.Redactor
	gate     *admissionGate
	persist  *persister
	runner   *PhaseRunner

	strategyMu sync.Mutex
	strategies map[string]model.Strategy

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.RWMutex
	runs   map[string]*runState
	closed bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTracer sets the tracer used for run and phase spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithRepository sets the persistence repository. If repo also implements
// store.RunReader it serves status reads for runs no longer in memory.
func WithRepository(repo store.Repository) Option {
	return func(e *Engine) { e.repo = repo }
}

// WithBus sets the event bus. Observers should be attached before the
// first Submit.
func WithBus(b *events.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// WithStrategy registers s under s.Name(), taking precedence over the
// configured provider of the same name.
func WithStrategy(s model.Strategy) Option {
	return func(e *Engine) { e.strategies[s.Name()] = s }
}

// WithIntegration enables integration commands built by f.
func WithIntegration(f *integration.Factory) Option {
	return func(e *Engine) { e.factory = f }
}

// WithPrompts sets the prompt template loader.
func WithPrompts(l *prompts.Loader) Option {
	return func(e *Engine) { e.loader = l }
}

// WithRedactor redacts secrets from recorded prompt and response text.
func WithRedactor(r *secrets.Redactor) Option {
	return func(e *Engine) { e.redactor = r }
}

// WithPersistRetryDelay sets the pause before the single persistence retry.
func WithPersistRetryDelay(d time.Duration) Option {
	return func(e *Engine) { e.persist.delay = d }
}

// NewEngine creates an engine from cfg. A nil cfg uses config.Default().
func NewEngine(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{
		cfg:        cfg,
		strategies: map[string]model.Strategy{},
		runs:       map[string]*runState{},
		persist:    &persister{delay: defaultPersistRetryDelay},
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = logging.NewNop()
	}
	e.logger = e.logger.Named("orchestrator")
	if e.tracer == nil {
		e.tracer = otel.Tracer("orchestrd/orchestrator")
	}
	if e.bus == nil {
		e.bus = events.NewBus(e.logger)
	}
	if e.repo == nil {
		e.repo = store.NewMemory()
	}
	if r, ok := e.repo.(store.RunReader); ok {
		e.reader = r
	}
	if e.loader == nil {
		e.loader = prompts.NewLoader(cfg.Engine.PromptDirs...)
	}

	plan, err := NormalizePlan(PlanFromConfig(cfg.Engine.Phases))
	if err != nil {
		return nil, err
	}
	e.plan = plan

	e.gate = newAdmissionGate(cfg.Engine.Workers, cfg.Engine.QueueThreshold)
	e.persist.repo = e.repo
	e.persist.redactor = e.redactor
	e.runner = &PhaseRunner{
		bus:      e.bus,
		persist:  e.persist,
		redactor: e.redactor,
		tracer:   e.tracer,
		logger:   e.logger.Named("phase"),
	}
	e.baseCtx, e.baseCancel = context.WithCancel(context.Background())
	return e, nil
}

// Bus returns the engine's event bus.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Stats reports admission gate occupancy.
func (e *Engine) Stats() GateStats { return e.gate.stats() }

// Plan returns a copy of the default phase plan.
func (e *Engine) Plan() []PhaseSpec { return append([]PhaseSpec(nil), e.plan...) }

// Submit validates topic and opts, admits the run and starts it in the
// background. The run stays pending until a worker slot is free.
func (e *Engine) Submit(ctx context.Context, topic string, opts SubmitOptions) (string, error) {
	if e.isClosed() {
		return "", errClosed
	}
	topic, err := ValidateTopic(topic)
	if err != nil {
		return "", err
	}
	plan := opts.Phases
	if len(plan) == 0 {
		plan = e.plan
	}
	if plan, err = NormalizePlan(plan); err != nil {
		return "", err
	}
	for i, p := range plan {
		if p.Template != "" && !e.loader.Exists(p.Template) {
			return "", errs.NewValidationError("phases", "phase %d template %q not found", i, p.Template)
		}
	}
	settings, provider, err := e.settingsFor(opts)
	if err != nil {
		return "", err
	}
	if settings.prompts, err = e.snapshotPrompts(plan); err != nil {
		return "", err
	}

	tk, err := e.gate.admit()
	if err != nil {
		return "", err
	}

	rs := &runState{
		id:       uuid.NewString(),
		settings: settings,
		ticket:   tk,
		done:     make(chan struct{}),
	}
	if settings.integration {
		rs.executor = integration.NewExecutor(e.factory, e.tracer)
	}
	rs.ctx, rs.cancel = context.WithCancel(e.baseCtx)
	rs.run = Run{
		ID:                 rs.id,
		Topic:              topic,
		Status:             RunPending,
		Policy:             settings.policy,
		Provider:           provider,
		IntegrationEnabled: settings.integration,
		Plan:               plan,
		Phases:             []PhaseExecution{},
		TotalPhases:        len(plan),
		CreatedAt:          time.Now().UTC(),
	}

	if err := e.persist.createRun(ctx, rs.run); err != nil {
		rs.cancel()
		tk.abandon()
		return "", err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		rs.cancel()
		tk.abandon()
		return "", errClosed
	}
	e.runs[rs.id] = rs
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.Info(logging.WithRunID(ctx, rs.id), "run submitted",
		zap.Int("run.total_phases", len(plan)),
		zap.String("run.provider", provider),
		zap.String("run.policy", settings.policy),
		zap.Bool("run.integration", settings.integration))

	go e.execute(rs)
	return rs.id, nil
}

// settingsFor copies the configuration a run needs, applying overrides.
func (e *Engine) settingsFor(opts SubmitOptions) (runSettings, string, error) {
	s := runSettings{
		policy:       e.cfg.Engine.FailurePolicy,
		maxRetries:   e.cfg.Engine.MaxRetries,
		retryBackoff: e.cfg.Engine.RetryBackoff.Duration(),
		integration:  e.cfg.Integration.Enabled,
	}
	if opts.Policy != "" {
		s.policy = opts.Policy
	}
	if s.policy == "" {
		s.policy = PolicyHalt
	}
	if s.policy != PolicyHalt && s.policy != PolicyBestEffort {
		return s, "", errs.NewValidationError("policy", "must be %q or %q, got %q", PolicyHalt, PolicyBestEffort, s.policy)
	}
	if opts.MaxRetries != nil {
		if *opts.MaxRetries < 0 {
			return s, "", errs.NewValidationError("max_retries", "must not be negative")
		}
		s.maxRetries = *opts.MaxRetries
	}
	if opts.IntegrationEnabled != nil {
		s.integration = *opts.IntegrationEnabled
	}
	if s.integration {
		if e.factory == nil {
			return s, "", errs.NewValidationError("integration_enabled", "integration is not configured")
		}
		for _, k := range e.factory.EnabledKinds() {
			s.kinds = append(s.kinds, integration.Describe(k))
		}
	}

	provider := opts.Provider
	if provider == "" {
		provider = e.cfg.Model.Provider
	}
	strategy, err := e.strategyFor(provider)
	if err != nil {
		return s, "", err
	}
	s.strategy = strategy
	return s, provider, nil
}

// snapshotPrompts pins the templates of every phase so a reload while the
// run is in flight does not change its prompts.
func (e *Engine) snapshotPrompts(plan []PhaseSpec) (*prompts.Set, error) {
	phases := make([]prompts.Phase, len(plan))
	for i, p := range plan {
		phases[i] = prompts.Phase{Ordinal: p.Ordinal, Code: p.Code, Name: p.Name, Template: p.Template}
	}
	set, err := e.loader.Snapshot(phases...)
	if err != nil {
		return nil, &errs.InvalidStateError{Op: "load prompts", Reason: err.Error()}
	}
	return set, nil
}

func (e *Engine) strategyFor(name string) (model.Strategy, error) {
	e.strategyMu.Lock()
	defer e.strategyMu.Unlock()
	if s, ok := e.strategies[name]; ok {
		return s, nil
	}
	s, err := model.NewFromConfig(&e.cfg.Model, name)
	if err != nil {
		return nil, err
	}
	e.strategies[name] = s
	return s, nil
}

func (e *Engine) execute(rs *runState) {
	defer e.wg.Done()
	defer close(rs.done)
	defer rs.cancel()
	defer rs.ticket.release()

	ctx := logging.WithRunID(rs.ctx, rs.id)
	if err := rs.ticket.wait(rs.ctx); err != nil || rs.cancelRequested() {
		e.finalize(ctx, rs, RunCancelled, cancelDetails(e.baseCtx, ""))
		return
	}

	rs.mu.RLock()
	plan := rs.run.Plan
	topic := rs.run.Topic
	rs.mu.RUnlock()

	ctx, span := e.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("run.id", rs.id),
		attribute.Int("run.topic_len", len(topic)),
		attribute.Int("run.total_phases", len(plan)),
	))
	defer span.End()

	rs.update(func(r *Run) {
		r.Status = RunRunning
		r.StartedAt = now()
	})
	e.logger.Info(ctx, "run started")
	e.bus.Publish(ctx, events.New(events.RunStarted, rs.id, "", map[string]any{
		events.KeyTopic:       e.redactor.Redact(topic),
		events.KeyTotalPhases: len(plan),
		"provider":            rs.settings.strategy.Name(),
		"policy":              rs.settings.policy,
	}))
	if err := e.persist.updateRun(ctx, rs.snapshot()); err != nil {
		e.finalize(ctx, rs, RunFailed, detailsFor(err, ""))
		span.SetStatus(codes.Error, err.Error())
		return
	}

	status, details := e.runPhases(ctx, rs, plan)
	e.finalize(ctx, rs, status, details)

	span.SetAttributes(attribute.String("run.status", string(status)))
	if status == RunFailed {
		span.SetStatus(codes.Error, details.Message)
	}
}

// runPhases executes plan in order and decides the run's terminal status.
// A phase that fails after cancellation was requested ends the run as
// cancelled unless the failure is fatal.
func (e *Engine) runPhases(ctx context.Context, rs *runState, plan []PhaseSpec) (RunStatus, *ErrorDetails) {
	var last *ErrorDetails
	for _, spec := range plan {
		if rs.cancelRequested() || ctx.Err() != nil {
			return RunCancelled, cancelDetails(e.baseCtx, spec.Code)
		}

		err := e.runner.Run(ctx, rs, spec)
		if err == nil {
			continue
		}
		if !errs.IsFatal(err) && (rs.cancelRequested() || ctx.Err() != nil) {
			return RunCancelled, cancelDetails(e.baseCtx, spec.Code)
		}
		last = detailsFor(err, spec.Code)
		if errs.IsFatal(err) || rs.settings.policy == PolicyHalt || spec.Critical {
			return RunFailed, last
		}
		e.logger.Info(logging.WithPhase(ctx, spec.Code), "continuing past failed phase",
			zap.String("run.policy", rs.settings.policy))
	}
	return RunCompleted, last
}

// finalize rolls back a failed run when integration is enabled, records
// the terminal status, publishes the terminal event and persists it. It
// runs detached from cancellation so shutdown cannot leave half-applied
// side effects unrecorded.
func (e *Engine) finalize(ctx context.Context, rs *runState, status RunStatus, details *ErrorDetails) {
	ctx = context.WithoutCancel(ctx)

	if status == RunFailed && rs.executor != nil {
		report, changed := rs.executor.Rollback(ctx)
		rs.update(func(r *Run) { r.Rollback = &report })
		for _, op := range changed {
			if err := e.persist.updateOperation(ctx, op); err != nil {
				e.logger.Error(ctx, "failed to persist rolled back operation",
					zap.String("operation.id", op.ID), zap.Error(err))
			}
		}
		if report.Attempted > 0 {
			e.logger.Warn(ctx, "run rolled back",
				zap.Int("rollback.attempted", report.Attempted),
				zap.Int("rollback.undone", report.Undone),
				zap.String("rollback.failed_operation", report.FailedOperation))
		}
	}

	if details != nil {
		details.Message = e.redactor.Redact(details.Message)
	}
	rs.update(func(r *Run) {
		r.Status = status
		r.FinishedAt = now()
		r.ErrorDetails = details
		rs.tally()
	})
	snap := rs.snapshot()

	payload := map[string]any{
		events.KeyStatus:         string(status),
		events.KeySuccessRate:    snap.SuccessRate,
		events.KeyElapsedSeconds: snap.ElapsedSeconds,
		events.KeyTokens:         snap.TokensUsed,
		events.KeyStarted:        snap.StartedAt != nil,
		"completed_phases":       snap.CompletedPhases,
		"failed_phases":          snap.FailedPhases,
	}
	if details != nil {
		payload[events.KeyError] = details.Message
		payload[events.KeyErrorKind] = details.Kind
	}
	if snap.Rollback != nil {
		payload["rollback"] = map[string]any{
			"attempted":        snap.Rollback.Attempted,
			"undone":           snap.Rollback.Undone,
			"failed_operation": snap.Rollback.FailedOperation,
		}
	}
	e.bus.Publish(ctx, events.New(terminalEvent(status), rs.id, "", payload))

	if err := e.persist.updateRun(ctx, snap); err != nil {
		e.logger.Error(ctx, "failed to persist terminal run state", zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("run.status", string(status)),
		zap.Int("run.completed_phases", snap.CompletedPhases),
		zap.Float64("run.success_rate", snap.SuccessRate),
		zap.Float64("run.elapsed_seconds", snap.ElapsedSeconds),
	}
	if status == RunFailed {
		e.logger.Warn(ctx, "run finished", append(fields, zap.String("error", details.Message))...)
		return
	}
	e.logger.Info(ctx, "run finished", fields...)
}

func terminalEvent(s RunStatus) events.Kind {
	switch s {
	case RunCompleted:
		return events.RunCompleted
	case RunFailed:
		return events.RunFailed
	default:
		return events.RunCancelled
	}
}

func detailsFor(err error, phase string) *ErrorDetails {
	return &ErrorDetails{Phase: phase, Kind: string(errs.KindOf(err)), Message: err.Error()}
}

func cancelDetails(ctx context.Context, phase string) *ErrorDetails {
	msg := "cancellation requested"
	if ctx.Err() != nil {
		msg = "engine shut down before the run finished"
	}
	return &ErrorDetails{Phase: phase, Kind: string(errs.KindCancelled), Message: msg}
}

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

func (e *Engine) lookup(id string) (*runState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rs, ok := e.runs[id]
	return rs, ok
}

// GetRunStatus returns a snapshot of run id, reading through to the
// repository for runs the engine no longer holds.
func (e *Engine) GetRunStatus(ctx context.Context, id string) (Run, error) {
	if rs, ok := e.lookup(id); ok {
		return rs.snapshot(), nil
	}
	return e.load(ctx, id)
}

func (e *Engine) load(ctx context.Context, id string) (Run, error) {
	if e.reader == nil {
		return Run{}, &errs.NotFoundError{Resource: "run", ID: id}
	}
	r, err := e.reader.GetRun(ctx, id)
	if err != nil {
		return Run{}, err
	}
	phases, err := e.reader.ListPhaseExecutions(ctx, id)
	if err != nil {
		return Run{}, err
	}
	ops, err := e.reader.ListIntegrationOperations(ctx, id)
	if err != nil {
		return Run{}, err
	}
	return fromStore(r, phases, ops), nil
}

// Cancel requests cancellation of run id. A running run aborts its
// in-flight model call and stops at the next phase boundary; integration
// commands already executing are allowed to finish. A queued run is
// abandoned without starting. Cancelling a terminal run is a no-op.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	rs, ok := e.lookup(id)
	if !ok {
		_, err := e.load(ctx, id)
		return err
	}

	var pending, requested bool
	rs.update(func(r *Run) {
		if r.Status.Terminal() || r.CancelRequested {
			return
		}
		r.CancelRequested = true
		requested = true
		pending = r.Status == RunPending
	})
	if !requested {
		return nil
	}
	e.logger.Info(logging.WithRunID(ctx, id), "run cancellation requested", zap.Bool("run.queued", pending))
	rs.cancel()
	return nil
}

// Wait blocks until run id is terminal or ctx ends.
func (e *Engine) Wait(ctx context.Context, id string) (Run, error) {
	rs, ok := e.lookup(id)
	if !ok {
		return e.load(ctx, id)
	}
	select {
	case <-rs.done:
		return rs.snapshot(), nil
	case <-ctx.Done():
		return Run{}, ctx.Err()
	}
}

// ListRuns returns up to limit run snapshots, newest first. Runs held in
// memory carry their phases; runs read from the repository carry only
// their summary.
func (e *Engine) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	e.mu.RLock()
	states := make([]*runState, 0, len(e.runs))
	for _, rs := range e.runs {
		states = append(states, rs)
	}
	e.mu.RUnlock()

	out := make([]Run, 0, len(states))
	seen := make(map[string]bool, len(states))
	for _, rs := range states {
		out = append(out, rs.snapshot())
		seen[rs.id] = true
	}

	if e.reader != nil {
		stored, err := e.reader.ListRuns(ctx, limit)
		if err != nil {
			return nil, err
		}
		for _, r := range stored {
			if !seen[r.ID] {
				out = append(out, fromStore(r, nil, nil))
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close stops accepting runs and waits for in-flight runs to finish. If
// ctx ends first, remaining runs are cancelled and Close returns ctx's
// error once they have been finalized. The event bus is closed last.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		e.logger.Warn(ctx, "shutdown timeout, cancelling in-flight runs", zap.Int("runs.active", e.gate.stats().Active))
		e.baseCancel()
		<-done
	}
	e.baseCancel()
	e.bus.Close()
	return err
}

package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/orchestrd/internal/errs"
	"github.com/fyrsmithlabs/orchestrd/internal/events"
	"github.com/fyrsmithlabs/orchestrd/internal/integration"
	"github.com/fyrsmithlabs/orchestrd/internal/logging"
	"github.com/fyrsmithlabs/orchestrd/internal/model"
	"github.com/fyrsmithlabs/orchestrd/internal/prompts"
	"github.com/fyrsmithlabs/orchestrd/internal/secrets"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// PhaseRunner executes one phase of a run: it renders the prompt, calls
// the run's strategy with retries, dispatches integration directives and
// records the outcome. Every transition is published before it is
// persisted.
type PhaseRunner struct {
	bus      *events.Bus
	persist  *persister
	redactor *secrets.Redactor
	tracer   trace.Tracer
	logger   *logging.Logger
}

// Run drives spec from pending to completed or failed. The returned error
// is the phase's final failure, or a PersistenceError if a transition
// could not be recorded.
func (pr *PhaseRunner) Run(ctx context.Context, rs *runState, spec PhaseSpec) error {
	ctx = logging.WithPhase(ctx, spec.Code)
	ctx, span := pr.tracer.Start(ctx, "orchestrator.phase", trace.WithAttributes(
		attribute.String("phase.code", spec.Code),
		attribute.Int("phase.ordinal", spec.Ordinal),
	))
	defer span.End()

	if err := pr.start(ctx, rs, spec); err != nil {
		pr.conclude(ctx, rs, spec, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	var (
		err     error
		attempt int
	)
	for attempt = 1; ; attempt++ {
		err = pr.attempt(ctx, rs, spec, attempt)
		if err == nil || !pr.shouldRetry(ctx, rs, err, attempt) {
			break
		}
		pr.logger.Warn(ctx, "retrying phase",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", rs.settings.retryBackoff),
			zap.Error(err))
		if !sleep(ctx, rs.settings.retryBackoff) || rs.cancelRequested() {
			break
		}
	}
	span.SetAttributes(attribute.Int("phase.attempts", attempt))

	if ferr := pr.finish(ctx, rs, spec, err); ferr != nil {
		err = ferr
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (pr *PhaseRunner) shouldRetry(ctx context.Context, rs *runState, err error, attempt int) bool {
	if !errs.IsRetryable(err) || attempt > rs.settings.maxRetries {
		return false
	}
	return ctx.Err() == nil && !rs.cancelRequested()
}

func (pr *PhaseRunner) start(ctx context.Context, rs *runState, spec PhaseSpec) error {
	pe := PhaseExecution{
		Ordinal:   spec.Ordinal,
		Code:      spec.Code,
		Name:      spec.Name,
		Status:    PhaseRunning,
		StartedAt: now(),
	}
	rs.update(func(r *Run) {
		r.Phases = append(r.Phases, pe)
	})

	pr.logger.Info(ctx, "phase started", zap.Int("phase.ordinal", spec.Ordinal))
	pr.bus.Publish(ctx, events.New(events.PhaseStarted, rs.id, spec.Code, map[string]any{
		"ordinal": spec.Ordinal,
		"name":    spec.Name,
	}))
	return pr.persist.createPhase(ctx, rs.id, pe)
}

// attempt makes one model call for spec and, on success, runs the
// response's directives. Only the model call observes cancellation of ctx.
func (pr *PhaseRunner) attempt(ctx context.Context, rs *runState, spec PhaseSpec, attempt int) error {
	integrate := rs.settings.integration && spec.IntegrationAllowed
	prompt, err := pr.render(rs, spec, integrate)
	if err != nil {
		return err
	}
	rs.update(func(r *Run) {
		pe := rs.phase(spec.Code)
		pe.Attempts = attempt
		pe.Prompt = pr.redactor.Redact(prompt)
	})

	pr.logger.Trace(ctx, "phase prompt", zap.String("prompt", prompt))
	res, err := rs.settings.strategy.Generate(ctx, prompt, model.Options{})
	if err != nil {
		return err
	}
	rs.update(func(r *Run) {
		pe := rs.phase(spec.Code)
		pe.Response = pr.redactor.Redact(res.Text)
		pe.Model = res.Model
		pe.PromptTokens = res.PromptTokens
		pe.CompletionTokens = res.CompletionTokens
	})

	if !integrate {
		return nil
	}
	return pr.dispatch(context.WithoutCancel(ctx), rs, spec, integration.ParseDirectives(res.Text))
}

func (pr *PhaseRunner) render(rs *runState, spec PhaseSpec, integrate bool) (string, error) {
	rs.mu.RLock()
	data := prompts.Data{
		Topic: rs.run.Topic,
		Phase: prompts.Phase{
			Ordinal:  spec.Ordinal,
			Code:     spec.Code,
			Name:     spec.Name,
			Template: spec.Template,
		},
		Total:              len(rs.run.Plan),
		IntegrationEnabled: integrate,
		Kinds:              rs.settings.kinds,
	}
	for _, p := range rs.run.Phases {
		if p.Status == PhaseCompleted {
			data.Prior = append(data.Prior, prompts.Prior{Code: p.Code, Name: p.Name, Response: p.Response})
		}
	}
	rs.mu.RUnlock()

	prompt, err := rs.settings.prompts.Render(data)
	if err != nil {
		return "", &errs.InvalidStateError{Op: "render prompt", Reason: err.Error()}
	}
	return prompt, nil
}

// dispatch runs directives in response order and stops at the first
// failure. Directives after a failure are never recorded.
func (pr *PhaseRunner) dispatch(ctx context.Context, rs *runState, spec PhaseSpec, directives []integration.Directive) error {
	for _, d := range directives {
		op := rs.executor.Prepare(rs.id, spec.Code, d)
		if err := pr.persist.createOperation(ctx, op); err != nil {
			return err
		}

		op, runErr := rs.executor.Run(ctx, op.ID)
		payload := map[string]any{
			events.KeyIntegration:    string(op.Kind),
			events.KeyAction:         op.Action,
			events.KeyOperationID:    op.ID,
			events.KeyStatus:         string(op.Status),
			events.KeyElapsedSeconds: op.Elapsed.Seconds(),
		}
		if runErr != nil {
			payload[events.KeyError] = pr.redactor.Redact(runErr.Error())
			payload[events.KeyErrorKind] = string(errs.KindOf(runErr))
			pr.logger.Warn(ctx, "integration operation failed",
				zap.String("integration.kind", string(op.Kind)),
				zap.String("integration.action", op.Action),
				zap.Error(runErr))
		}
		pr.bus.Publish(ctx, events.New(events.IntegrationExecuted, rs.id, spec.Code, payload))

		if err := pr.persist.updateOperation(ctx, op); err != nil {
			return err
		}
		if runErr != nil {
			return runErr
		}
	}
	return nil
}

// finish records the terminal phase status, publishes it, then persists.
func (pr *PhaseRunner) finish(ctx context.Context, rs *runState, spec PhaseSpec, phaseErr error) error {
	pe := pr.conclude(ctx, rs, spec, phaseErr)
	if err := pr.persist.updatePhase(ctx, rs.id, pe); err != nil {
		if phaseErr != nil {
			return errors.Join(err, phaseErr)
		}
		return err
	}
	return nil
}

// conclude marks the phase terminal in memory and publishes the outcome.
// It is also used when the phase record itself could not be created.
func (pr *PhaseRunner) conclude(ctx context.Context, rs *runState, spec PhaseSpec, phaseErr error) PhaseExecution {
	var pe PhaseExecution
	rs.update(func(r *Run) {
		p := rs.phase(spec.Code)
		p.FinishedAt = now()
		if phaseErr != nil {
			p.Status = PhaseFailed
			p.Error = pr.redactor.Redact(phaseErr.Error())
			p.ErrorKind = string(errs.KindOf(phaseErr))
		} else {
			p.Status = PhaseCompleted
		}
		rs.tally()
		pe = *p
	})

	payload := map[string]any{
		events.KeyStatus:         string(pe.Status),
		events.KeyElapsedSeconds: elapsedSeconds(pe.StartedAt, pe.FinishedAt),
		events.KeyTokens:         pe.TokensUsed(),
		events.KeyAttempt:        pe.Attempts,
	}
	kind := events.PhaseCompleted
	if phaseErr != nil {
		kind = events.PhaseFailed
		payload[events.KeyError] = pe.Error
		payload[events.KeyErrorKind] = pe.ErrorKind
		pr.logger.Warn(ctx, "phase failed", zap.Int("attempts", pe.Attempts), zap.Error(phaseErr))
	} else {
		pr.logger.Info(ctx, "phase completed",
			zap.Int("attempts", pe.Attempts),
			zap.Int("tokens_used", pe.TokensUsed()))
	}
	pr.bus.Publish(ctx, events.New(kind, rs.id, spec.Code, payload))
	return pe
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

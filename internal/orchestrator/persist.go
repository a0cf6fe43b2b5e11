package orchestrator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fyrsmithlabs/orchestrd/internal/errs"
	"github.com/fyrsmithlabs/orchestrd/internal/integration"
	"github.com/fyrsmithlabs/orchestrd/internal/secrets"
	"github.com/fyrsmithlabs/orchestrd/internal/store"
)

const defaultPersistRetryDelay = 100 * time.Millisecond

// persister writes through a store.Repository with exactly one retry.
// A write that fails twice surfaces as errs.PersistenceError. Writes are
// detached from cancellation so a shutdown still records the transition.
type persister struct {
	repo     store.Repository
	redactor *secrets.Redactor
	delay    time.Duration
}

func (p *persister) do(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx = context.WithoutCancel(ctx)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn(ctx)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.delay)),
		backoff.WithMaxTries(2),
	)
	if err != nil {
		return &errs.PersistenceError{Op: op, Err: err}
	}
	return nil
}

func (p *persister) createRun(ctx context.Context, r Run) error {
	rec := toStoreRun(r)
	return p.do(ctx, "create run", func(ctx context.Context) error {
		return p.repo.CreateRun(ctx, rec)
	})
}

func (p *persister) updateRun(ctx context.Context, r Run) error {
	rec := toStoreRun(r)
	return p.do(ctx, "update run", func(ctx context.Context) error {
		return p.repo.UpdateRun(ctx, rec)
	})
}

func (p *persister) createPhase(ctx context.Context, runID string, pe PhaseExecution) error {
	rec := toStorePhase(runID, pe)
	return p.do(ctx, "create phase execution", func(ctx context.Context) error {
		return p.repo.CreatePhaseExecution(ctx, rec)
	})
}

func (p *persister) updatePhase(ctx context.Context, runID string, pe PhaseExecution) error {
	rec := toStorePhase(runID, pe)
	return p.do(ctx, "update phase execution", func(ctx context.Context) error {
		return p.repo.UpdatePhaseExecution(ctx, rec)
	})
}

func (p *persister) createOperation(ctx context.Context, op integration.Operation) error {
	rec := p.operationRecord(op)
	return p.do(ctx, "create integration operation", func(ctx context.Context) error {
		return p.repo.CreateIntegrationOperation(ctx, rec)
	})
}

func (p *persister) updateOperation(ctx context.Context, op integration.Operation) error {
	rec := p.operationRecord(op)
	return p.do(ctx, "update integration operation", func(ctx context.Context) error {
		return p.repo.UpdateIntegrationOperation(ctx, rec)
	})
}

// operationRecord converts op with its parameter and result values
// passed through the redactor. The executor's maps are left untouched.
func (p *persister) operationRecord(op integration.Operation) *store.IntegrationOperation {
	rec := toStoreOperation(op)
	rec.Params = p.redactor.RedactMap(cloneMap(rec.Params))
	rec.Result = p.redactor.RedactMap(cloneMap(rec.Result))
	return rec
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			v = cloneMap(nested)
		}
		out[k] = v
	}
	return out
}

func toStoreRun(r Run) *store.Run {
	rec := &store.Run{
		ID:                 r.ID,
		Topic:              r.Topic,
		Status:             string(r.Status),
		Policy:             r.Policy,
		Provider:           r.Provider,
		IntegrationEnabled: r.IntegrationEnabled,
		TotalPhases:        r.TotalPhases,
		CompletedPhases:    r.CompletedPhases,
		FailedPhases:       r.FailedPhases,
		SuccessRate:        r.SuccessRate,
		TokensUsed:         r.TokensUsed,
		CancelRequested:    r.CancelRequested,
		CreatedAt:          r.CreatedAt,
		StartedAt:          r.StartedAt,
		FinishedAt:         r.FinishedAt,
	}
	for _, p := range r.Plan {
		rec.Plan = append(rec.Plan, store.PlannedPhase{
			Ordinal:            p.Ordinal,
			Code:               p.Code,
			Name:               p.Name,
			IntegrationAllowed: p.IntegrationAllowed,
			Critical:           p.Critical,
		})
	}
	if r.ErrorDetails != nil {
		rec.Error = &store.ErrorDetails{Phase: r.ErrorDetails.Phase, Kind: r.ErrorDetails.Kind, Message: r.ErrorDetails.Message}
	}
	if r.Rollback != nil {
		rec.Rollback = &store.Rollback{
			Attempted:       r.Rollback.Attempted,
			Undone:          r.Rollback.Undone,
			FailedOperation: r.Rollback.FailedOperation,
			Error:           r.Rollback.Error,
		}
	}
	return rec
}

func toStorePhase(runID string, pe PhaseExecution) *store.PhaseExecution {
	return &store.PhaseExecution{
		RunID:            runID,
		Ordinal:          pe.Ordinal,
		Code:             pe.Code,
		Name:             pe.Name,
		Status:           string(pe.Status),
		Prompt:           pe.Prompt,
		Response:         pe.Response,
		Model:            pe.Model,
		Attempts:         pe.Attempts,
		PromptTokens:     pe.PromptTokens,
		CompletionTokens: pe.CompletionTokens,
		Error:            pe.Error,
		ErrorKind:        pe.ErrorKind,
		StartedAt:        pe.StartedAt,
		FinishedAt:       pe.FinishedAt,
	}
}

func toStoreOperation(op integration.Operation) *store.IntegrationOperation {
	return &store.IntegrationOperation{
		ID:        op.ID,
		RunID:     op.RunID,
		Phase:     op.Phase,
		Kind:      string(op.Kind),
		Type:      op.Type,
		Action:    op.Action,
		Params:    op.Params,
		Status:    string(op.Status),
		Result:    op.Result,
		Error:     op.Error,
		UndoError: op.UndoError,
		Elapsed:   op.Elapsed,
		CreatedAt: op.CreatedAt,
	}
}

// fromStore rebuilds a snapshot from persisted records.
func fromStore(r *store.Run, phases []*store.PhaseExecution, ops []*store.IntegrationOperation) Run {
	run := Run{
		ID:                 r.ID,
		Topic:              r.Topic,
		Status:             RunStatus(r.Status),
		Policy:             r.Policy,
		Provider:           r.Provider,
		IntegrationEnabled: r.IntegrationEnabled,
		TotalPhases:        r.TotalPhases,
		CompletedPhases:    r.CompletedPhases,
		FailedPhases:       r.FailedPhases,
		SuccessRate:        r.SuccessRate,
		TokensUsed:         r.TokensUsed,
		CancelRequested:    r.CancelRequested,
		CreatedAt:          r.CreatedAt,
		StartedAt:          r.StartedAt,
		FinishedAt:         r.FinishedAt,
		Phases:             make([]PhaseExecution, 0, len(phases)),
	}
	for _, p := range r.Plan {
		run.Plan = append(run.Plan, PhaseSpec{
			Ordinal:            p.Ordinal,
			Code:               p.Code,
			Name:               p.Name,
			IntegrationAllowed: p.IntegrationAllowed,
			Critical:           p.Critical,
		})
	}
	if r.Error != nil {
		run.ErrorDetails = &ErrorDetails{Phase: r.Error.Phase, Kind: r.Error.Kind, Message: r.Error.Message}
	}
	if r.Rollback != nil {
		run.Rollback = &integration.RollbackReport{
			Attempted:       r.Rollback.Attempted,
			Undone:          r.Rollback.Undone,
			FailedOperation: r.Rollback.FailedOperation,
			Error:           r.Rollback.Error,
		}
	}
	for _, p := range phases {
		run.Phases = append(run.Phases, PhaseExecution{
			Ordinal:          p.Ordinal,
			Code:             p.Code,
			Name:             p.Name,
			Status:           PhaseStatus(p.Status),
			Prompt:           p.Prompt,
			Response:         p.Response,
			Model:            p.Model,
			Attempts:         p.Attempts,
			PromptTokens:     p.PromptTokens,
			CompletionTokens: p.CompletionTokens,
			Error:            p.Error,
			ErrorKind:        p.ErrorKind,
			StartedAt:        p.StartedAt,
			FinishedAt:       p.FinishedAt,
		})
	}
	for _, op := range ops {
		run.Operations = append(run.Operations, integration.Operation{
			ID:        op.ID,
			RunID:     op.RunID,
			Phase:     op.Phase,
			Kind:      integration.Kind(op.Kind),
			Type:      op.Type,
			Action:    op.Action,
			Params:    op.Params,
			Status:    integration.Status(op.Status),
			Result:    op.Result,
			Error:     op.Error,
			UndoError: op.UndoError,
			Elapsed:   op.Elapsed,
			CreatedAt: op.CreatedAt,
		})
	}
	run.ElapsedSeconds = elapsedSeconds(run.StartedAt, run.FinishedAt)
	return run
}

package integration

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fyrsmithlabs/orchestrd/internal/errs"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Operation is the recorded history of one requested side effect.
type Operation struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Phase     string         `json:"phase"`
	Kind      Kind           `json:"kind"`
	Type      string         `json:"type"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"parameters"`
	Status    Status         `json:"status"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	UndoError string         `json:"undo_error,omitempty"`
	Elapsed   time.Duration  `json:"elapsed"`
	CreatedAt time.Time      `json:"created_at"`
}

// RollbackReport summarizes a reverse-order undo of a run's history.
type RollbackReport struct {
	Attempted       int    `json:"attempted"`
	Undone          int    `json:"undone"`
	FailedOperation string `json:"failed_operation,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Complete reports whether every executed operation was undone.
func (r RollbackReport) Complete() bool { return r.FailedOperation == "" }

type entry struct {
	op        Operation
	req       Request
	decodeErr error
	cmd       Command
}

// Executor runs one run's operations sequentially and keeps their ordered
// history for rollback. It is safe for concurrent readers.
type Executor struct {
	factory *Factory
	tracer  trace.Tracer

	mu      sync.Mutex
	entries []*entry
	byID    map[string]*entry
}

// NewExecutor creates an executor over factory. A nil tracer uses the global provider.
func NewExecutor(factory *Factory, tracer trace.Tracer) *Executor {
	if tracer == nil {
		tracer = otel.Tracer("orchestrd/integration")
	}
	return &Executor{factory: factory, tracer: tracer, byID: map[string]*entry{}}
}

// Prepare records a pending operation for d and returns its snapshot.
// Decoding errors surface when the operation is run.
func (e *Executor) Prepare(runID, phase string, d Directive) Operation {
	req, err := DecodeRequest(d.Type, d.Parameters)
	action, _ := d.Parameters["operation"].(string)
	if req.Params != nil {
		action = req.Action()
	}

	en := &entry{
		op: Operation{
			ID:        uuid.NewString(),
			RunID:     runID,
			Phase:     phase,
			Kind:      req.Kind,
			Type:      d.Type,
			Action:    action,
			Params:    d.Parameters,
			Status:    StatusPending,
			CreatedAt: time.Now().UTC(),
		},
		req:       req,
		decodeErr: err,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, en)
	e.byID[en.op.ID] = en
	return en.op
}

// Run executes the prepared operation id. The returned snapshot reflects
// the terminal status; err is the classified failure, if any.
func (e *Executor) Run(ctx context.Context, id string) (Operation, error) {
	e.mu.Lock()
	en, ok := e.byID[id]
	if !ok {
		e.mu.Unlock()
		return Operation{}, &errs.NotFoundError{Resource: "integration operation", ID: id}
	}
	if en.op.Status != StatusPending {
		op := en.op
		e.mu.Unlock()
		return op, &errs.InvalidStateError{Op: "integration.run", Reason: "operation " + id + " already ran"}
	}
	e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "integration.execute", trace.WithAttributes(
		attribute.String("integration.kind", string(en.op.Kind)),
		attribute.String("integration.action", en.op.Action),
		attribute.String("run.id", en.op.RunID),
	))
	defer span.End()

	start := time.Now()
	result, err := e.execute(ctx, en)

	e.mu.Lock()
	defer e.mu.Unlock()
	en.op.Elapsed = time.Since(start)
	if err != nil {
		en.op.Status = StatusFailed
		en.op.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return en.op, err
	}
	en.op.Status = StatusExecuted
	en.op.Result = result
	return en.op, nil
}

func (e *Executor) execute(ctx context.Context, en *entry) (map[string]any, error) {
	if en.decodeErr != nil {
		return nil, en.decodeErr
	}
	cmd, err := e.factory.NewCommand(en.req)
	if err != nil {
		return nil, err
	}
	en.cmd = cmd
	return cmd.Execute(ctx)
}

// Operations returns snapshots of every operation in request order.
func (e *Executor) Operations() []Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Operation, len(e.entries))
	for i, en := range e.entries {
		out[i] = en.op
	}
	return out
}

// Rollback undoes executed operations in strict reverse order and stops at
// the first undo failure. It returns the report and the snapshots of the
// operations whose status changed.
func (e *Executor) Rollback(ctx context.Context) (RollbackReport, []Operation) {
	e.mu.Lock()
	pending := make([]*entry, 0, len(e.entries))
	for i := len(e.entries) - 1; i >= 0; i-- {
		if en := e.entries[i]; en.op.Status == StatusExecuted && en.cmd != nil {
			pending = append(pending, en)
		}
	}
	e.mu.Unlock()

	var (
		report  RollbackReport
		changed []Operation
	)
	for _, en := range pending {
		report.Attempted++
		err := e.undo(ctx, en)

		e.mu.Lock()
		if err != nil {
			en.op.Status = StatusUndoFailed
			en.op.UndoError = err.Error()
		} else {
			en.op.Status = StatusRolledBack
		}
		changed = append(changed, en.op)
		e.mu.Unlock()

		if err != nil {
			report.FailedOperation = en.op.ID
			report.Error = err.Error()
			break
		}
		report.Undone++
	}
	return report, changed
}

func (e *Executor) undo(ctx context.Context, en *entry) error {
	ctx, span := e.tracer.Start(ctx, "integration.undo", trace.WithAttributes(
		attribute.String("integration.kind", string(en.op.Kind)),
		attribute.String("integration.action", en.op.Action),
		attribute.String("run.id", en.op.RunID),
	))
	defer span.End()

	_, err := en.cmd.Undo(ctx)
	if err != nil {
		var ie *errs.IntegrationError
		if !errors.As(err, &ie) && !errs.IsFatal(err) {
			err = errs.NewIntegrationError(errs.StageUndo, string(en.op.Kind), en.op.Action, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

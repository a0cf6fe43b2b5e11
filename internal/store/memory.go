package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/orchestrd/internal/errs"
)

// Memory is a process-local Store. Records are copied on the way in and out.
type Memory struct {
	mu     sync.RWMutex
	runs   map[string]*Run
	phases map[string][]*PhaseExecution
	ops    map[string]*IntegrationOperation
	opSeq  map[string][]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:   map[string]*Run{},
		phases: map[string][]*PhaseExecution{},
		ops:    map[string]*IntegrationOperation{},
		opSeq:  map[string][]string{},
	}
}

func copyRun(r *Run) *Run {
	c := *r
	c.Plan = append([]PlannedPhase(nil), r.Plan...)
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	if r.Rollback != nil {
		rb := *r.Rollback
		c.Rollback = &rb
	}
	return &c
}

func copyOp(op *IntegrationOperation) *IntegrationOperation {
	c := *op
	c.Params = maps.Clone(op.Params)
	c.Result = maps.Clone(op.Result)
	return &c
}

func (m *Memory) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	m.runs[run.ID] = copyRun(run)
	return nil
}

func (m *Memory) UpdateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return &errs.NotFoundError{Resource: "run", ID: run.ID}
	}
	m.runs[run.ID] = copyRun(run)
	return nil
}

func (m *Memory) CreatePhaseExecution(_ context.Context, pe *PhaseExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[pe.RunID]; !ok {
		return &errs.NotFoundError{Resource: "run", ID: pe.RunID}
	}
	for _, existing := range m.phases[pe.RunID] {
		if existing.Code == pe.Code {
			return fmt.Errorf("phase %s of run %s already exists", pe.Code, pe.RunID)
		}
	}
	c := *pe
	m.phases[pe.RunID] = append(m.phases[pe.RunID], &c)
	return nil
}

func (m *Memory) UpdatePhaseExecution(_ context.Context, pe *PhaseExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.phases[pe.RunID] {
		if existing.Code == pe.Code {
			c := *pe
			m.phases[pe.RunID][i] = &c
			return nil
		}
	}
	return &errs.NotFoundError{Resource: "phase execution", ID: pe.RunID + "/" + pe.Code}
}

func (m *Memory) CreateIntegrationOperation(_ context.Context, op *IntegrationOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ops[op.ID]; ok {
		return fmt.Errorf("integration operation %s already exists", op.ID)
	}
	m.ops[op.ID] = copyOp(op)
	m.opSeq[op.RunID] = append(m.opSeq[op.RunID], op.ID)
	return nil
}

func (m *Memory) UpdateIntegrationOperation(_ context.Context, op *IntegrationOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.ops[op.ID]
	if !ok {
		return &errs.NotFoundError{Resource: "integration operation", ID: op.ID}
	}
	existing.Status = op.Status
	existing.Result = maps.Clone(op.Result)
	existing.Error = op.Error
	existing.UndoError = op.UndoError
	existing.Elapsed = op.Elapsed
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, &errs.NotFoundError{Resource: "run", ID: id}
	}
	return copyRun(r), nil
}

func (m *Memory) ListPhaseExecutions(_ context.Context, runID string) ([]*PhaseExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*PhaseExecution, 0, len(m.phases[runID]))
	for _, pe := range m.phases[runID] {
		c := *pe
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (m *Memory) ListIntegrationOperations(_ context.Context, runID string) ([]*IntegrationOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*IntegrationOperation, 0, len(m.opSeq[runID]))
	for _, id := range m.opSeq[runID] {
		out = append(out, copyOp(m.ops[id]))
	}
	return out, nil
}

// ListRuns returns runs newest first. A non-positive limit returns all.
func (m *Memory) ListRuns(_ context.Context, limit int) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, copyRun(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

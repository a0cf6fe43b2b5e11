// Package store defines the persistence contract the engine writes run,
// phase and integration state through, with in-memory and SQLite backends.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/orchestrd/internal/config"
)

// PlannedPhase is one entry of a run's phase plan.
type PlannedPhase struct {
	Ordinal            int    `json:"ordinal"`
	Code               string `json:"code"`
	Name               string `json:"name"`
	IntegrationAllowed bool   `json:"integration_allowed"`
	Critical           bool   `json:"critical"`
}

// ErrorDetails summarizes the last fatal cause of a run.
type ErrorDetails struct {
	Phase   string `json:"phase,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Rollback records the outcome of a run-level rollback.
type Rollback struct {
	Attempted       int    `json:"attempted"`
	Undone          int    `json:"undone"`
	FailedOperation string `json:"failed_operation,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Run is the persisted attribute set of a run.
type Run struct {
	ID                 string
	Topic              string
	Status             string
	Policy             string
	Provider           string
	IntegrationEnabled bool
	Plan               []PlannedPhase
	TotalPhases        int
	CompletedPhases    int
	FailedPhases       int
	SuccessRate        float64
	TokensUsed         int
	CancelRequested    bool
	Error              *ErrorDetails
	Rollback           *Rollback
	CreatedAt          time.Time
	StartedAt          *time.Time
	FinishedAt         *time.Time
}

// PhaseExecution is the persisted attribute set of one phase of a run.
type PhaseExecution struct {
	RunID            string
	Ordinal          int
	Code             string
	Name             string
	Status           string
	Prompt           string
	Response         string
	Model            string
	Attempts         int
	PromptTokens     int
	CompletionTokens int
	Error            string
	ErrorKind        string
	StartedAt        *time.Time
	FinishedAt       *time.Time
}

// IntegrationOperation is the persisted attribute set of one side effect.
type IntegrationOperation struct {
	ID        string
	RunID     string
	Phase     string
	Kind      string
	Type      string
	Action    string
	Params    map[string]any
	Status    string
	Result    map[string]any
	Error     string
	UndoError string
	Elapsed   time.Duration
	CreatedAt time.Time
}

// Repository is the write side used by the engine. Records are keyed by
// caller-assigned identifiers: run id, (run id, phase code) and operation id.
type Repository interface {
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	CreatePhaseExecution(ctx context.Context, pe *PhaseExecution) error
	UpdatePhaseExecution(ctx context.Context, pe *PhaseExecution) error
	CreateIntegrationOperation(ctx context.Context, op *IntegrationOperation) error
	UpdateIntegrationOperation(ctx context.Context, op *IntegrationOperation) error
}

// RunReader is the read side used for runs no longer held in memory.
// Unknown ids fail with errs.NotFoundError.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*Run, error)
	ListPhaseExecutions(ctx context.Context, runID string) ([]*PhaseExecution, error)
	ListIntegrationOperations(ctx context.Context, runID string) ([]*IntegrationOperation, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
}

// Store is a complete backend.
type Store interface {
	Repository
	RunReader
	Close() error
}

// Open returns the backend selected by cfg with its schema ready.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", config.StoreMemory:
		return NewMemory(), nil
	case config.StoreSQLite:
		s, err := NewSQLite(ctx, SQLiteConfig{Path: cfg.Path})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

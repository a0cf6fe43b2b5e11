package orchestrator

import (
	"time"

	"github.com/fyrsmithlabs/orchestrd/internal/integration"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether s is a final state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// PhaseStatus is the lifecycle state of one phase.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
)

// Failure policies.
const (
	PolicyHalt       = "halt"
	PolicyBestEffort = "best_effort"
)

// PhaseSpec describes one step of a phase plan.
type PhaseSpec struct {
	Ordinal            int    `json:"ordinal" yaml:"ordinal" toml:"ordinal"`
	Code               string `json:"code" yaml:"code" toml:"code"`
	Name               string `json:"name" yaml:"name" toml:"name"`
	IntegrationAllowed bool   `json:"integration_allowed" yaml:"integration_allowed" toml:"integration_allowed"`
	Critical           bool   `json:"critical,omitempty" yaml:"critical" toml:"critical"`
	Template           string `json:"template,omitempty" yaml:"template" toml:"template"`
}

// PhaseExecution is the record of one phase of a run.
type PhaseExecution struct {
	Ordinal          int         `json:"ordinal"`
	Code             string      `json:"code"`
	Name             string      `json:"name"`
	Status           PhaseStatus `json:"status"`
	Prompt           string      `json:"prompt,omitempty"`
	Response         string      `json:"response,omitempty"`
	Model            string      `json:"model,omitempty"`
	Attempts         int         `json:"attempts"`
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	Error            string      `json:"error,omitempty"`
	ErrorKind        string      `json:"error_kind,omitempty"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	FinishedAt       *time.Time  `json:"finished_at,omitempty"`
}

// TokensUsed returns the phase's prompt plus completion tokens.
func (p PhaseExecution) TokensUsed() int {
	return p.PromptTokens + p.CompletionTokens
}

// ErrorDetails summarizes the last fatal cause of a run.
type ErrorDetails struct {
	Phase   string `json:"phase,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Run is a point-in-time snapshot of a run. Snapshots share no memory
// with the engine.
type Run struct {
	ID                 string                      `json:"id"`
	Topic              string                      `json:"topic"`
	Status             RunStatus                   `json:"status"`
	Policy             string                      `json:"policy"`
	Provider           string                      `json:"provider"`
	IntegrationEnabled bool                        `json:"integration_enabled"`
	Plan               []PhaseSpec                 `json:"plan"`
	Phases             []PhaseExecution            `json:"phases"`
	TotalPhases        int                         `json:"total_phases"`
	CompletedPhases    int                         `json:"completed_phases"`
	FailedPhases       int                         `json:"failed_phases"`
	SuccessRate        float64                     `json:"success_rate"`
	TokensUsed         int                         `json:"tokens_used"`
	CreatedAt          time.Time                   `json:"created_at"`
	StartedAt          *time.Time                  `json:"started_at,omitempty"`
	FinishedAt         *time.Time                  `json:"finished_at,omitempty"`
	ElapsedSeconds     float64                     `json:"elapsed_seconds"`
	CancelRequested    bool                        `json:"cancel_requested"`
	ErrorDetails       *ErrorDetails               `json:"error_details,omitempty"`
	Rollback           *integration.RollbackReport `json:"rollback,omitempty"`
	Operations         []integration.Operation     `json:"operations,omitempty"`
}

// Phase returns the execution record for code, if the phase was started.
func (r Run) Phase(code string) (PhaseExecution, bool) {
	for _, p := range r.Phases {
		if p.Code == code {
			return p, true
		}
	}
	return PhaseExecution{}, false
}

// SubmitOptions override configuration for one run. Zero values select
// the configured defaults.
type SubmitOptions struct {
	Phases             []PhaseSpec
	Provider           string
	Policy             string
	IntegrationEnabled *bool
	MaxRetries         *int
}

package http

import (
	"github.com/fyrsmithlabs/orchestrd/internal/orchestrator"
)

// SubmitRunRequest is the request body for POST /api/v1/runs.
type SubmitRunRequest struct {
	Topic              string         `json:"topic" validate:"required,min=5,max=1000"`
	Phases             []PhaseRequest `json:"phases,omitempty" validate:"omitempty,dive"`
	Provider           string         `json:"provider,omitempty" validate:"omitempty,max=64"`
	Policy             string         `json:"policy,omitempty" validate:"omitempty,oneof=halt best_effort"`
	IntegrationEnabled *bool          `json:"integration_enabled,omitempty"`
	MaxRetries         *int           `json:"max_retries,omitempty" validate:"omitempty,min=0,max=10"`
}

// PhaseRequest describes one phase of a custom plan.
type PhaseRequest struct {
	Code               string `json:"code" validate:"required,max=32"`
	Name               string `json:"name" validate:"required,max=128"`
	IntegrationAllowed bool   `json:"integration_allowed"`
	Critical           bool   `json:"critical"`
	Template           string `json:"template,omitempty"`
}

func (r SubmitRunRequest) options() orchestrator.SubmitOptions {
	opts := orchestrator.SubmitOptions{
		Provider:           r.Provider,
		Policy:             r.Policy,
		IntegrationEnabled: r.IntegrationEnabled,
		MaxRetries:         r.MaxRetries,
	}
	for _, p := range r.Phases {
		opts.Phases = append(opts.Phases, orchestrator.PhaseSpec{
			Code:               p.Code,
			Name:               p.Name,
			IntegrationAllowed: p.IntegrationAllowed,
			Critical:           p.Critical,
			Template:           p.Template,
		})
	}
	return opts
}

// SubmitRunResponse is the response body for POST /api/v1/runs.
type SubmitRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// CancelRunResponse is the response body for POST /api/v1/runs/:id/cancel.
type CancelRunResponse struct {
	RunID           string `json:"run_id"`
	Status          string `json:"status"`
	CancelRequested bool   `json:"cancel_requested"`
}

// ListRunsResponse is the response body for GET /api/v1/runs.
type ListRunsResponse struct {
	Runs  []orchestrator.Run `json:"runs"`
	Count int                `json:"count"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string                 `json:"status"`
	Engine orchestrator.GateStats `json:"engine"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Field string `json:"field,omitempty"`
}

package orchestrator

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/fyrsmithlabs/orchestrd/internal/integration"
	"github.com/fyrsmithlabs/orchestrd/internal/model"
	"github.com/fyrsmithlabs/orchestrd/internal/prompts"
)

// runSettings is the configuration a run copies at submission.
type runSettings struct {
	policy       string
	maxRetries   int
	retryBackoff time.Duration
	integration  bool
	strategy     model.Strategy
	kinds        []string
	prompts      *prompts.Set
}

// runState is the engine-owned mutable state of one run.
type runState struct {
	id       string
	settings runSettings
	executor *integration.Executor
	ticket   *ticket
	done     chan struct{}

	// ctx is cancelled by Cancel. It bounds the wait for a worker slot and
	// every model call; integration commands and persistence do not see it.
	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.RWMutex
	run Run
}

func (rs *runState) update(fn func(r *Run)) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	fn(&rs.run)
}

func (rs *runState) status() RunStatus {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.run.Status
}

func (rs *runState) cancelRequested() bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.run.CancelRequested
}

// phase returns a pointer to the execution record for code. Callers must
// hold rs.mu.
func (rs *runState) phase(code string) *PhaseExecution {
	for i := range rs.run.Phases {
		if rs.run.Phases[i].Code == code {
			return &rs.run.Phases[i]
		}
	}
	return nil
}

// snapshot returns a deep copy of the run with its operation history.
func (rs *runState) snapshot() Run {
	rs.mu.RLock()
	r := rs.run
	r.Plan = append([]PhaseSpec(nil), rs.run.Plan...)
	r.Phases = append([]PhaseExecution(nil), rs.run.Phases...)
	if rs.run.ErrorDetails != nil {
		d := *rs.run.ErrorDetails
		r.ErrorDetails = &d
	}
	if rs.run.Rollback != nil {
		rb := *rs.run.Rollback
		r.Rollback = &rb
	}
	rs.mu.RUnlock()

	if rs.executor != nil {
		r.Operations = rs.executor.Operations()
	}
	r.ElapsedSeconds = elapsedSeconds(r.StartedAt, r.FinishedAt)
	return r
}

// tally recomputes the aggregate counters from the phase records.
// Callers must hold rs.mu.
func (rs *runState) tally() {
	r := &rs.run
	r.CompletedPhases, r.FailedPhases, r.TokensUsed = 0, 0, 0
	for _, p := range r.Phases {
		switch p.Status {
		case PhaseCompleted:
			r.CompletedPhases++
		case PhaseFailed:
			r.FailedPhases++
		}
		r.TokensUsed += p.TokensUsed()
	}
	r.SuccessRate = successRate(r.CompletedPhases, r.TotalPhases)
}

// successRate is completed/total as a percentage rounded to two decimals.
func successRate(completed, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(completed)*10000/float64(total)) / 100
}

func elapsedSeconds(start, end *time.Time) float64 {
	if start == nil {
		return 0
	}
	stop := time.Now()
	if end != nil {
		stop = *end
	}
	return math.Round(stop.Sub(*start).Seconds()*1000) / 1000
}

func now() *time.Time {
	t := time.Now().UTC()
	return &t
}

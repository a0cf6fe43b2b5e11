package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/orchestrd/internal/config"
	"github.com/fyrsmithlabs/orchestrd/internal/errs"
	"github.com/fyrsmithlabs/orchestrd/internal/events"
	"github.com/fyrsmithlabs/orchestrd/internal/integration"
	"github.com/fyrsmithlabs/orchestrd/internal/logging"
	"github.com/fyrsmithlabs/orchestrd/internal/model"
	"github.com/fyrsmithlabs/orchestrd/internal/prompts"
	"github.com/fyrsmithlabs/orchestrd/internal/store"
	"github.com/fyrsmithlabs/orchestrd/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

const loginTopic = "build a login API"

func threePhasePlan() []PhaseSpec {
	return []PhaseSpec{
		{Code: "ideation", Name: "Ideation"},
		{Code: "design", Name: "Design"},
		{Code: "implementation", Name: "Implementation"},
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Model.Provider = "scripted"
	cfg.Engine.RetryBackoff = 0
	cfg.Engine.Workers = 2
	cfg.Engine.QueueThreshold = 1
	return cfg
}

// eventLog records every published event.
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) handle(_ context.Context, e events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) kinds(runID string) []events.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Kind
	for _, e := range l.events {
		if e.RunID == runID {
			out = append(out, e.Kind)
		}
	}
	return out
}

func (l *eventLog) ofKind(kind events.Kind) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, e := range l.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	engine *Engine
	model  *model.Scripted
	store  *store.Memory
	events *eventLog
	tel    *telemetry.TestTelemetry
	logger *logging.TestLogger
}

func newHarness(t *testing.T, cfg *config.Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		model:  model.NewScripted("scripted"),
		store:  store.NewMemory(),
		events: &eventLog{},
		tel:    telemetry.NewTestTelemetry(),
		logger: logging.NewTestLogger(),
	}
	base := []Option{
		WithStrategy(h.model),
		WithRepository(h.store),
		WithLogger(h.logger.Logger),
		WithTracer(h.tel.Tracer("test")),
	}
	e, err := NewEngine(cfg, append(base, opts...)...)
	require.NoError(t, err)
	e.Bus().Subscribe(events.Any, h.events.handle)
	h.engine = e
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return h
}

func (h *harness) run(t *testing.T, topic string, opts SubmitOptions) Run {
	t.Helper()
	id, err := h.engine.Submit(context.Background(), topic, opts)
	require.NoError(t, err)
	return h.wait(t, id)
}

func (h *harness) wait(t *testing.T, id string) Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := h.engine.Wait(ctx, id)
	require.NoError(t, err)
	return r
}

func retryableTimeout() error {
	return errs.NewModelError("scripted", true, context.DeadlineExceeded)
}

func TestEngine_CompletesEveryPhase(t *testing.T) {
	h := newHarness(t, testConfig())

	r := h.run(t, loginTopic, SubmitOptions{Phases: threePhasePlan()})

	assert.Equal(t, RunCompleted, r.Status)
	assert.Equal(t, 3, r.TotalPhases)
	assert.Equal(t, 3, r.CompletedPhases)
	assert.Equal(t, 0, r.FailedPhases)
	assert.Equal(t, 100.0, r.SuccessRate)
	assert.Nil(t, r.ErrorDetails)
	assert.NotNil(t, r.StartedAt)
	assert.NotNil(t, r.FinishedAt)
	require.Len(t, r.Phases, 3)
	for i, p := range r.Phases {
		assert.Equal(t, PhaseCompleted, p.Status)
		assert.Equal(t, i, p.Ordinal)
		assert.Equal(t, 1, p.Attempts)
		assert.NotEmpty(t, p.Prompt)
	}
	assert.Equal(t, "Scripted response for: # Phase 1 of 3: Ideation", r.Phases[0].Response)

	stored, err := h.store.GetRun(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", stored.Status)
	assert.Equal(t, 3, stored.CompletedPhases)
	assert.Equal(t, 100.0, stored.SuccessRate)

	phases, err := h.store.ListPhaseExecutions(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Len(t, phases, 3)

	h.tel.AssertSpanExists(t, "orchestrator.run")
	h.tel.AssertSpanAttribute(t, "orchestrator.run", "run.total_phases", int64(3))
	h.tel.AssertSpanAttribute(t, "orchestrator.run", "run.topic_len", int64(len(loginTopic)))
	assert.Len(t, h.tel.SpansNamed("orchestrator.phase"), 3)
	h.logger.AssertLogged(t, zapcore.InfoLevel, "run finished")
}

func TestEngine_RetryableFailureExhaustsRetries(t *testing.T) {
	h := newHarness(t, testConfig())
	h.model.Enqueue(
		model.Step{Text: "ideas"},
		model.Step{Err: retryableTimeout()},
		model.Step{Err: retryableTimeout()},
	)

	r := h.run(t, loginTopic, SubmitOptions{Phases: threePhasePlan()})

	assert.Equal(t, RunFailed, r.Status)
	assert.Equal(t, 1, r.CompletedPhases)
	assert.Equal(t, 33.33, r.SuccessRate)
	require.Len(t, r.Phases, 2)

	design, ok := r.Phase("design")
	require.True(t, ok)
	assert.Equal(t, PhaseFailed, design.Status)
	assert.Equal(t, 2, design.Attempts)
	assert.Equal(t, string(errs.KindModel), design.ErrorKind)

	_, ok = r.Phase("implementation")
	assert.False(t, ok, "phase after the halt must never be created")

	require.NotNil(t, r.ErrorDetails)
	assert.Equal(t, "design", r.ErrorDetails.Phase)
	assert.Equal(t, string(errs.KindModel), r.ErrorDetails.Kind)
	assert.Len(t, h.model.Calls(), 3)

	phases, err := h.store.ListPhaseExecutions(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Len(t, phases, 2)
	h.logger.AssertLogged(t, zapcore.WarnLevel, "retrying phase")
}

func TestEngine_RetryRecovers(t *testing.T) {
	h := newHarness(t, testConfig())
	h.model.Enqueue(model.Step{Err: retryableTimeout()}, model.Step{Text: "second try"})

	r := h.run(t, loginTopic, SubmitOptions{Phases: threePhasePlan()})

	assert.Equal(t, RunCompleted, r.Status)
	assert.Equal(t, 2, r.Phases[0].Attempts)
	assert.Equal(t, "second try", r.Phases[0].Response)
}

func TestEngine_MaxRetriesOverride(t *testing.T) {
	h := newHarness(t, testConfig())
	h.model.Enqueue(model.Step{Err: retryableTimeout()}, model.Step{Err: retryableTimeout()}, model.Step{Text: "third"})

	retries := 2
	r := h.run(t, loginTopic, SubmitOptions{Phases: threePhasePlan(), MaxRetries: &retries})

	assert.Equal(t, RunCompleted, r.Status)
	assert.Equal(t, 3, r.Phases[0].Attempts)
}

func TestEngine_NonRetryableFailureHalts(t *testing.T) {
	h := newHarness(t, testConfig())
	h.model.Enqueue(
		model.Step{Text: "ideas"},
		model.Step{Err: errs.NewModelError("scripted", false, errors.New("invalid api key"))},
	)

	r := h.run(t, loginTopic, SubmitOptions{Phases: threePhasePlan()})

	assert.Equal(t, RunFailed, r.Status)
	assert.Equal(t, 1, r.CompletedPhases)
	assert.Len(t, h.model.Calls(), 2, "non-retryable errors are not retried")
	assert.Len(t, r.Phases, 2)
	assert.Contains(t, r.ErrorDetails.Message, "invalid api key")
}

func TestEngine_BestEffortContinues(t *testing.T) {
	h := newHarness(t, testConfig())
	h.model.Enqueue(
		model.Step{Text: "ideas"},
		model.Step{Err: errs.NewModelError("scripted", false, errors.New("bad request"))},
	)

	r := h.run(t, loginTopic, SubmitOptions{Phases: threePhasePlan(), Policy: PolicyBestEffort})

	assert.Equal(t, RunCompleted, r.Status)
	assert.Equal(t, 2, r.CompletedPhases)
	assert.Equal(t, 1, r.FailedPhases)
	assert.Equal(t, 66.67, r.SuccessRate)
	require.Len(t, r.Phases, 3)
	assert.Equal(t, PhaseFailed, r.Phases[1].Status)
	assert.Equal(t, PhaseCompleted, r.Phases[2].Status)
	require.NotNil(t, r.ErrorDetails)
	assert.Equal(t, "design", r.ErrorDetails.Phase)
}

func TestEngine_BestEffortHaltsOnCriticalPhase(t *testing.T) {
	h := newHarness(t, testConfig())
	h.model.Enqueue(
		model.Step{Text: "ideas"},
		model.Step{Err: errs.NewModelError("scripted", false, errors.New("bad request"))},
	)
	plan := threePhasePlan()
	plan[1].Critical = true

	r := h.run(t, loginTopic, SubmitOptions{Phases: plan, Policy: PolicyBestEffort})

	assert.Equal(t, RunFailed, r.Status)
	assert.Len(t, r.Phases, 2)
}

func TestEngine_PriorResultsFeedLaterPrompts(t *testing.T) {
	h := newHarness(t, testConfig())
	h.model.Enqueue(model.Step{Text: "use OAuth2 with PKCE"})

	h.run(t, loginTopic, SubmitOptions{Phases: threePhasePlan()})

	calls := h.model.Calls()
	require.Len(t, calls, 3)
	assert.Contains(t, calls[0], loginTopic)
	assert.NotContains(t, calls[0], "Results of earlier phases")
	assert.Contains(t, calls[1], "use OAuth2 with PKCE")
	assert.Contains(t, calls[2], "use OAuth2 with PKCE")
	assert.Contains(t, calls[2], "# Phase 3 of 3: Implementation")
}

func TestEngine_TemplatesPinnedAtSubmit(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "phase.tmpl")
	require.NoError(t, os.WriteFile(file, []byte("v1 {{ .Phase.Code }}"), 0o600))
	loader := prompts.NewLoader(dir)
	h := newHarness(t, testConfig(), WithPrompts(loader))

	var once sync.Once
	h.model.OnCall(func(string) {
		once.Do(func() {
			assert.NoError(t, os.WriteFile(file, []byte("v2 {{ .Phase.Code }}"), 0o600))
			loader.Invalidate()
		})
	})

	r := h.run(t, loginTopic, SubmitOptions{Phases: threePhasePlan()})
	require.Equal(t, RunCompleted, r.Status)
	assert.Equal(t, []string{"v1 ideation", "v1 design", "v1 implementation"}, h.model.Calls())

	next := h.run(t, loginTopic, SubmitOptions{Phases: threePhasePlan()[:1]})
	require.Equal(t, RunCompleted, next.Status)
	require.Len(t, h.model.Calls(), 4)
	assert.Equal(t, "v2 ideation", h.model.Calls()[3])
}

func TestEngine_EventOrder(t *testing.T) {
	h := newHarness(t, testConfig())

	r := h.run(t, loginTopic, SubmitOptions{Phases: threePhasePlan()})

	assert.Equal(t, []events.Kind{
		events.RunStarted,
		events.PhaseStarted, events.PhaseCompleted,
		events.PhaseStarted, events.PhaseCompleted,
		events.PhaseStarted, events.PhaseCompleted,
		events.RunCompleted,
	}, h.events.kinds(r.ID))

	done := h.events.ofKind(events.RunCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, 100.0, done[0].Payload[events.KeySuccessRate])
	assert.Equal(t, true, done[0].Payload[events.KeyStarted])
}

func TestEngine_CancelTakesEffectAtPhaseBoundary(t *testing.T) {
	h := newHarness(t, testConfig())

	h.engine.Bus().Subscribe(events.PhaseCompleted, func(ctx context.Context, e events.Event) error {
		if e.Phase == "ideation" {
			return h.engine.Cancel(ctx, e.RunID)
		}
		return nil
	})

	id, err := h.engine.Submit(context.Background(), loginTopic, SubmitOptions{Phases: threePhasePlan()})
	require.NoError(t, err)
	r := h.wait(t, id)

	assert.Equal(t, RunCancelled, r.Status)
	assert.True(t, r.CancelRequested)
	require.Len(t, r.Phases, 1, "the in-flight phase finishes and no later phase starts")
	assert.Equal(t, PhaseCompleted, r.Phases[0].Status)
	assert.Equal(t, 1, r.CompletedPhases)
	assert.Len(t, h.model.Calls(), 1)
	require.NotNil(t, r.ErrorDetails)
	assert.Equal(t, string(errs.KindCancelled), r.ErrorDetails.Kind)
	assert.Equal(t, "design", r.ErrorDetails.Phase)
	assert.Equal(t, "cancellation requested", r.ErrorDetails.Message)

	kinds := h.events.kinds(id)
	assert.Equal(t, events.RunCancelled, kinds[len(kinds)-1])
}

func TestEngine_CancelAbortsBlockedModelCall(t *testing.T) {
	h := newHarness(t, testConfig())
	h.model.Enqueue(model.Step{Block: true})

	id, err := h.engine.Submit(context.Background(), loginTopic, SubmitOptions{Phases: threePhasePlan()})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.model.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.Cancel(context.Background(), id))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := h.engine.Wait(ctx, id)
	require.NoError(t, err, "cancel must interrupt the model call")

	assert.Equal(t, RunCancelled, r.Status)
	require.Len(t, r.Phases, 1)
	assert.Equal(t, PhaseFailed, r.Phases[0].Status)
	assert.NotNil(t, r.Phases[0].FinishedAt)
	assert.Len(t, h.model.Calls(), 1)
	require.NotNil(t, r.ErrorDetails)
	assert.Equal(t, string(errs.KindCancelled), r.ErrorDetails.Kind)
	assert.Equal(t, "ideation", r.ErrorDetails.Phase)
	assert.Equal(t, "cancellation requested", r.ErrorDetails.Message)
	assert.Empty(t, h.events.ofKind(events.RunFailed))
}

func TestEngine_PhaseFailingAfterCancelEndsCancelled(t *testing.T) {
	h := newHarness(t, testConfig())
	h.model.Enqueue(model.Step{Err: errs.NewModelError("scripted", false, errors.New("bad request"))})

	ids := make(chan string, 1)
	var once sync.Once
	h.model.OnCall(func(string) {
		once.Do(func() {
			assert.NoError(t, h.engine.Cancel(context.Background(), <-ids))
		})
	})

	id, err := h.engine.Submit(context.Background(), loginTopic, SubmitOptions{Phases: threePhasePlan()})
	require.NoError(t, err)
	ids <- id
	r := h.wait(t, id)

	assert.Equal(t, RunCancelled, r.Status)
	require.Len(t, r.Phases, 1)
	assert.Equal(t, PhaseFailed, r.Phases[0].Status)
	require.NotNil(t, r.ErrorDetails)
	assert.Equal(t, string(errs.KindCancelled), r.ErrorDetails.Kind)

	kinds := h.events.kinds(id)
	assert.Equal(t, events.RunCancelled, kinds[len(kinds)-1])
	assert.Empty(t, h.events.ofKind(events.RunFailed))
}

func TestEngine_CancelDuringRetryBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.RetryBackoff = config.Duration(time.Minute)
	cfg.Engine.MaxRetries = 3
	h := newHarness(t, cfg)
	h.model.Enqueue(model.Step{Err: retryableTimeout()})

	id, err := h.engine.Submit(context.Background(), loginTopic, SubmitOptions{Phases: threePhasePlan()})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.model.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, h.engine.Cancel(context.Background(), id))
	r := h.wait(t, id)

	assert.Equal(t, RunCancelled, r.Status)
	assert.Len(t, h.model.Calls(), 1, "no further attempt after cancellation")
	require.Len(t, r.Phases, 1)
	assert.Equal(t, PhaseFailed, r.Phases[0].Status)
}

func TestEngine_CancelIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	r := h.run(t, loginTopic, SubmitOptions{Phases: threePhasePlan()})

	require.NoError(t, h.engine.Cancel(context.Background(), r.ID))
	require.NoError(t, h.engine.Cancel(context.Background(), r.ID))

	after, err := h.engine.GetRunStatus(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, after.Status)
	assert.False(t, after.CancelRequested)

	var nf *errs.NotFoundError
	assert.ErrorAs(t, h.engine.Cancel(context.Background(), "missing"), &nf)
}

func TestEngine_Backpressure(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.Workers = 1
	cfg.Engine.QueueThreshold = 1
	h := newHarness(t, cfg)

	release := make(chan struct{})
	h.model.OnCall(func(string) { <-release })
	plan := threePhasePlan()[:1]

	first, err := h.engine.Submit(context.Background(), loginTopic, SubmitOptions{Phases: plan})
	require.NoError(t, err)
	second, err := h.engine.Submit(context.Background(), loginTopic, SubmitOptions{Phases: plan})
	require.NoError(t, err)

	_, err = h.engine.Submit(context.Background(), loginTopic, SubmitOptions{Phases: plan})
	var be *errs.BackpressureError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 1, be.Capacity)
	assert.Equal(t, 1, be.Queued)

	assert.Equal(t, GateStats{Capacity: 1, Active: 1, Waiting: 1, Threshold: 1}, h.engine.Stats())
	queued, err := h.engine.GetRunStatus(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, RunPending, queued.Status)

	close(release)
	assert.Equal(t, RunCompleted, h.wait(t, first).Status)
	assert.Equal(t, RunCompleted, h.wait(t, second).Status)
	assert.Equal(t, GateStats{Capacity: 1, Threshold: 1}, h.engine.Stats())
}

func TestEngine_CancelQueuedRun(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.Workers = 1
	h := newHarness(t, cfg)

	release := make(chan struct{})
	h.model.OnCall(func(string) { <-release })
	plan := threePhasePlan()[:1]

	first, err := h.engine.Submit(context.Background(), loginTopic, SubmitOptions{Phases: plan})
	require.NoError(t, err)
	second, err := h.engine.Submit(context.Background(), loginTopic, SubmitOptions{Phases: plan})
	require.NoError(t, err)

	require.NoError(t, h.engine.Cancel(context.Background(), second))
	r := h.wait(t, second)
	assert.Equal(t, RunCancelled, r.Status)
	assert.Nil(t, r.StartedAt)
	assert.Empty(t, r.Phases)
	assert.Equal(t, []events.Kind{events.RunCancelled}, h.events.kinds(second))

	close(release)
	assert.Equal(t, RunCompleted, h.wait(t, first).Status)
}

type mockRepository struct {
	mock.Mock
}

func (m *mockRepository) CreateRun(ctx context.Context, r *store.Run) error {
	return m.Called(ctx, r).Error(0)
}

func (m *mockRepository) UpdateRun(ctx context.Context, r *store.Run) error {
	return m.Called(ctx, r).Error(0)
}

func (m *mockRepository) CreatePhaseExecution(ctx context.Context, pe *store.PhaseExecution) error {
	return m.Called(ctx, pe).Error(0)
}

func (m *mockRepository) UpdatePhaseExecution(ctx context.Context, pe *store.PhaseExecution) error {
	return m.Called(ctx, pe).Error(0)
}

func (m *mockRepository) CreateIntegrationOperation(ctx context.Context, op *store.IntegrationOperation) error {
	return m.Called(ctx, op).Error(0)
}

func (m *mockRepository) UpdateIntegrationOperation(ctx context.Context, op *store.IntegrationOperation) error {
	return m.Called(ctx, op).Error(0)
}

func TestEngine_PersistenceFailureHaltsRun(t *testing.T) {
	repo := &mockRepository{}
	repo.On("CreateRun", mock.Anything, mock.Anything).Return(nil)
	repo.On("UpdateRun", mock.Anything, mock.Anything).Return(nil)
	repo.On("CreatePhaseExecution", mock.Anything, mock.Anything).Return(nil)
	repo.On("UpdatePhaseExecution", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	scripted := model.NewScripted("scripted")
	e, err := NewEngine(testConfig(),
		WithStrategy(scripted),
		WithRepository(repo),
		WithPersistRetryDelay(time.Millisecond),
	)
	require.NoError(t, err)
	defer e.Close(context.Background())

	id, err := e.Submit(context.Background(), loginTopic, SubmitOptions{Phases: threePhasePlan()})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := e.Wait(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, RunFailed, r.Status)
	require.NotNil(t, r.ErrorDetails)
	assert.Equal(t, string(errs.KindPersistence), r.ErrorDetails.Kind)
	assert.Equal(t, "ideation", r.ErrorDetails.Phase)
	assert.Len(t, r.Phases, 1)
	assert.Len(t, scripted.Calls(), 1)
	repo.AssertNumberOfCalls(t, "UpdatePhaseExecution", 2)
}

func TestEngine_PhaseRecordFailureClosesPhase(t *testing.T) {
	repo := &mockRepository{}
	repo.On("CreateRun", mock.Anything, mock.Anything).Return(nil)
	repo.On("UpdateRun", mock.Anything, mock.Anything).Return(nil)
	repo.On("CreatePhaseExecution", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	scripted := model.NewScripted("scripted")
	e, err := NewEngine(testConfig(),
		WithStrategy(scripted),
		WithRepository(repo),
		WithPersistRetryDelay(time.Millisecond),
	)
	require.NoError(t, err)
	defer e.Close(context.Background())
	log := &eventLog{}
	e.Bus().Subscribe(events.Any, log.handle)

	id, err := e.Submit(context.Background(), loginTopic, SubmitOptions{Phases: threePhasePlan()})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := e.Wait(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, RunFailed, r.Status)
	require.Len(t, r.Phases, 1)
	assert.Equal(t, PhaseFailed, r.Phases[0].Status)
	assert.NotNil(t, r.Phases[0].FinishedAt)
	assert.Equal(t, string(errs.KindPersistence), r.Phases[0].ErrorKind)
	assert.Equal(t, 1, r.FailedPhases)
	assert.Empty(t, scripted.Calls())
	assert.Equal(t, []events.Kind{
		events.RunStarted,
		events.PhaseStarted, events.PhaseFailed,
		events.RunFailed,
	}, log.kinds(id))
	repo.AssertNumberOfCalls(t, "CreatePhaseExecution", 2)
	repo.AssertNotCalled(t, "UpdatePhaseExecution", mock.Anything, mock.Anything)
}

func TestEngine_SubmitPersistenceFailure(t *testing.T) {
	repo := &mockRepository{}
	repo.On("CreateRun", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	e, err := NewEngine(testConfig(),
		WithStrategy(model.NewScripted("scripted")),
		WithRepository(repo),
		WithPersistRetryDelay(time.Millisecond),
	)
	require.NoError(t, err)
	defer e.Close(context.Background())

	_, err = e.Submit(context.Background(), loginTopic, SubmitOptions{})
	var pe *errs.PersistenceError
	require.ErrorAs(t, err, &pe)
	repo.AssertNumberOfCalls(t, "CreateRun", 2)
	assert.Equal(t, GateStats{Capacity: 2, Threshold: 1}, e.Stats())
}

func fenced(json string) string {
	return "Plan follows.\n\n```json\n" + json + "\n```\n"
}

func TestEngine_RollsBackIntegrationOnHalt(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, testConfig(), WithIntegration(integration.NewFactory(dir)))
	h.model.Enqueue(
		model.Step{Text: fenced(`{"integration_request": {"type": "file_system", "parameters": {"operation": "create_file", "path": "app/main.go", "content": "package main\n"}}}`)},
		model.Step{Text: fenced(`{"integration_request": {"type": "file_system", "parameters": {"operation": "delete_file", "path": "missing.txt"}}}`)},
	)

	plan := threePhasePlan()
	for i := range plan {
		plan[i].IntegrationAllowed = true
	}
	enabled := true
	r := h.run(t, loginTopic, SubmitOptions{Phases: plan, IntegrationEnabled: &enabled})

	assert.Equal(t, RunFailed, r.Status)
	assert.True(t, r.IntegrationEnabled)
	require.NotNil(t, r.ErrorDetails)
	assert.Equal(t, string(errs.KindIntegration), r.ErrorDetails.Kind)
	assert.Equal(t, "design", r.ErrorDetails.Phase)

	require.NotNil(t, r.Rollback)
	assert.Equal(t, integration.RollbackReport{Attempted: 1, Undone: 1}, *r.Rollback)

	require.Len(t, r.Operations, 2)
	assert.Equal(t, integration.StatusRolledBack, r.Operations[0].Status)
	assert.Equal(t, integration.StatusFailed, r.Operations[1].Status)
	assert.Equal(t, "ideation", r.Operations[0].Phase)

	_, err := os.Stat(filepath.Join(dir, "app", "main.go"))
	assert.True(t, os.IsNotExist(err))

	assert.Contains(t, h.model.Calls()[0], "integration_request")
	assert.Len(t, h.events.ofKind(events.IntegrationExecuted), 2)

	ops, err := h.store.ListIntegrationOperations(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, string(integration.StatusRolledBack), ops[0].Status)
	assert.Equal(t, string(integration.StatusFailed), ops[1].Status)

	failed := h.events.ofKind(events.RunFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Payload, "rollback")
}

func TestEngine_IntegrationOnlyForAllowedPhases(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, testConfig(), WithIntegration(integration.NewFactory(dir)))
	h.model.Enqueue(model.Step{Text: fenced(`{"integration_request": {"type": "file_system", "parameters": {"operation": "create_file", "path": "notes.md", "content": "x"}}}`)})

	plan := threePhasePlan()
	plan[2].IntegrationAllowed = true
	enabled := true
	r := h.run(t, loginTopic, SubmitOptions{Phases: plan, IntegrationEnabled: &enabled})

	assert.Equal(t, RunCompleted, r.Status)
	assert.Empty(t, r.Operations)
	_, err := os.Stat(filepath.Join(dir, "notes.md"))
	assert.True(t, os.IsNotExist(err))

	calls := h.model.Calls()
	assert.NotContains(t, calls[0], "integration_request")
	assert.Contains(t, calls[2], "integration_request")
}

func TestEngine_UnsupportedDirectiveIsFatal(t *testing.T) {
	h := newHarness(t, testConfig(), WithIntegration(integration.NewFactory(t.TempDir())))
	h.model.Enqueue(model.Step{Text: fenced(`{"integration_request": {"type": "ftp_upload", "parameters": {"operation": "put"}}}`)})

	plan := threePhasePlan()
	plan[0].IntegrationAllowed = true
	enabled := true
	r := h.run(t, loginTopic, SubmitOptions{Phases: plan, IntegrationEnabled: &enabled, Policy: PolicyBestEffort})

	assert.Equal(t, RunFailed, r.Status)
	assert.Equal(t, string(errs.KindUnsupported), r.ErrorDetails.Kind)
	assert.Len(t, r.Phases, 1)
}

func TestEngine_SubmitValidation(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	enabled := true
	negative := -1

	tests := []struct {
		name  string
		topic string
		opts  SubmitOptions
		field string
	}{
		{"short topic", "api", SubmitOptions{}, "topic"},
		{"blank topic", "      ", SubmitOptions{}, "topic"},
		{"bad phase code", loginTopic, SubmitOptions{Phases: []PhaseSpec{{Code: "Bad Code", Name: "x"}}}, "phases[0].code"},
		{"unknown policy", loginTopic, SubmitOptions{Policy: "yolo"}, "policy"},
		{"unknown provider", loginTopic, SubmitOptions{Provider: "nope"}, "provider"},
		{"negative retries", loginTopic, SubmitOptions{MaxRetries: &negative}, "max_retries"},
		{"integration without factory", loginTopic, SubmitOptions{IntegrationEnabled: &enabled}, "integration_enabled"},
		{"unknown template", loginTopic, SubmitOptions{Phases: []PhaseSpec{{Code: "a", Name: "A", Template: "nope.tmpl"}}}, "phases"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Submit(ctx, tt.topic, tt.opts)
			var ve *errs.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
	runs, err := h.engine.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestEngine_DefaultPlan(t *testing.T) {
	h := newHarness(t, testConfig())
	r := h.run(t, loginTopic, SubmitOptions{})

	assert.Equal(t, RunCompleted, r.Status)
	assert.Equal(t, 7, r.TotalPhases)
	assert.Equal(t, "deploy", r.Phases[6].Code)
	assert.Equal(t, "scripted", r.Provider)
	assert.Equal(t, PolicyHalt, r.Policy)
}

func TestEngine_ReadsThroughToRepository(t *testing.T) {
	h := newHarness(t, testConfig())
	r := h.run(t, loginTopic, SubmitOptions{Phases: threePhasePlan()})

	fresh, err := NewEngine(testConfig(), WithStrategy(model.NewScripted("scripted")), WithRepository(h.store))
	require.NoError(t, err)
	defer fresh.Close(context.Background())

	got, err := fresh.GetRunStatus(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, got.Status)
	assert.Equal(t, loginTopic, got.Topic)
	assert.Len(t, got.Phases, 3)
	assert.Equal(t, r.Phases[1].Response, got.Phases[1].Response)
	assert.Len(t, got.Plan, 3)

	waited, err := fresh.Wait(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, waited.Status)

	_, err = fresh.GetRunStatus(context.Background(), "unknown")
	var nf *errs.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestEngine_ListRunsNewestFirst(t *testing.T) {
	h := newHarness(t, testConfig())
	first := h.run(t, loginTopic, SubmitOptions{Phases: threePhasePlan()[:1]})
	time.Sleep(2 * time.Millisecond)
	second := h.run(t, "build a payments API", SubmitOptions{Phases: threePhasePlan()[:1]})

	runs, err := h.engine.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID)
	assert.Equal(t, first.ID, runs[1].ID)

	runs, err = h.engine.ListRuns(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestEngine_CloseRejectsSubmit(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.engine.Close(context.Background()))

	_, err := h.engine.Submit(context.Background(), loginTopic, SubmitOptions{})
	var ise *errs.InvalidStateError
	assert.ErrorAs(t, err, &ise)
	assert.NoError(t, h.engine.Close(context.Background()))
}

func TestEngine_CloseCancelsStuckRuns(t *testing.T) {
	h := newHarness(t, testConfig())
	h.model.Enqueue(model.Step{Block: true})

	id, err := h.engine.Submit(context.Background(), loginTopic, SubmitOptions{Phases: threePhasePlan()})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.model.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = h.engine.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	r, err := h.engine.GetRunStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, r.Status)
	assert.Equal(t, PhaseFailed, r.Phases[0].Status)
}

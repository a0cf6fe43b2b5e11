// Package orchestrator drives a topic through an ordered plan of
// AI-generated phases.
//
// # Overview
//
// A caller submits a topic with Engine.Submit and receives a run id. The
// run waits for a worker slot, then executes its phase plan sequentially:
//
//	pending → running → {completed | failed | cancelled}
//
// Each phase renders a prompt from the topic and the responses of earlier
// phases, calls the run's model strategy, and, when integration is enabled
// for the run and allowed for the phase, executes the integration
// directives found in the response one after another.
//
// # Failure policy
//
// Retryable model errors are retried up to EngineConfig.MaxRetries extra
// times. Under the default "halt" policy any other phase failure stops the
// plan; with integration enabled the run's executed operations are then
// undone in reverse order and the run ends failed. Under "best_effort" a
// failed phase is recorded and the plan continues, unless the phase is
// critical. Contract violations and persistence failures always halt.
//
// # Events
//
// Every state transition is published to the engine's events.Bus before
// it is written to the store.Repository. Observers (audit log, metrics,
// NATS fan-out) subscribe to that bus; a failing observer never affects a
// run.
//
// # Concurrency
//
// Runs execute concurrently up to EngineConfig.Workers; up to
// EngineConfig.QueueThreshold further runs wait for a slot and any beyond
// that are rejected with errs.BackpressureError. Cancellation aborts the
// in-flight model call, lets running integration commands finish and
// takes effect at the next phase boundary. Two runs targeting the same
// working tree are not coordinated.
package orchestrator

// Package services assembles the orchestration engine and its
// collaborators from configuration.
//
// New builds the logger, telemetry providers, run store, secret redactor,
// integration factory, prompt loader and event observers, then the engine
// on top of them. Both the orchestrd service and orchctl's in-process run
// command start from a Registry; Close tears everything down in reverse
// order.
package services

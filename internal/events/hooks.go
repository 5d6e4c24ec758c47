// Package events declares the lifecycle signals emitted by the generation
// pipeline. Listeners attach with capitan.Hook.
package events

import "github.com/zoobzio/capitan"

// Signals.
var (
	GenerationStarted   = capitan.NewSignal("scenegen.generation.started", "A generation run was accepted")
	GenerationCompleted = capitan.NewSignal("scenegen.generation.completed", "A generation run committed its objects")
	GenerationFailed    = capitan.NewSignal("scenegen.generation.failed", "A generation run ended without changing the scene")

	ProviderCallStarted   = capitan.NewSignal("scenegen.provider.call.started", "An attempt was sent to the provider")
	ProviderCallCompleted = capitan.NewSignal("scenegen.provider.call.completed", "The provider returned script candidates")
	ProviderCallFailed    = capitan.NewSignal("scenegen.provider.call.failed", "The provider call failed")

	ScriptRejected      = capitan.NewSignal("scenegen.script.rejected", "No candidate passed validation")
	ExecutionCommitted  = capitan.NewSignal("scenegen.execution.committed", "A script ran and its objects were kept")
	ExecutionRolledBack = capitan.NewSignal("scenegen.execution.rolled_back", "Everything a script created was removed")
)

// Field keys.
var (
	RunIDKey      = capitan.NewStringKey("scenegen.run.id")
	PromptKey     = capitan.NewStringKey("scenegen.prompt")
	ProviderKey   = capitan.NewStringKey("scenegen.provider")
	ModelKey      = capitan.NewStringKey("scenegen.model")
	AttemptKey    = capitan.NewIntKey("scenegen.attempt")
	StatusCodeKey = capitan.NewIntKey("scenegen.http.status.code")
	DurationMsKey = capitan.NewIntKey("scenegen.duration.ms")

	CandidateCountKey = capitan.NewIntKey("scenegen.script.candidates")
	ConstructKey      = capitan.NewStringKey("scenegen.script.construct")

	ObjectCountKey = capitan.NewIntKey("scenegen.objects.count")
	CollectionKey  = capitan.NewStringKey("scenegen.collection")

	ErrorKey     = capitan.NewStringKey("scenegen.error")
	ErrorKindKey = capitan.NewStringKey("scenegen.error.kind")
)

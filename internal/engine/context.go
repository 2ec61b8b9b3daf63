package engine

import "go.uber.org/zap"

// Context carries every port the engine's components depend on. It is
// built once at process start (see cmd/syncengine/wire_gen.go) and passed
// explicitly to every engine/worker constructor — the SPEC_FULL.md §9
// replacement for process-wide globals (ambient DB engines, token caches,
// singleton consumer groups).
type Context struct {
	Definitions DefinitionRepository
	SourceDB    SourceDB
	ListBackend ListBackend
	Queue       DurableQueue
	Ledger      LedgerStore
	Runs        RunStore
	Clock       Clock
	Log         *zap.Logger
}

// WithLog returns a copy of c with a sub-logger scoped to component,
// matching the structured-field convention in SPEC_FULL.md §2A.
func (c Context) WithLog(component string) Context {
	c.Log = c.Log.With(zap.String("component", component))
	return c
}

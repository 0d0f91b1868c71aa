// Package emit carries execution events from the orchestrator to
// observability backends and live subscribers.
//
// The orchestrator treats the whole fabric as fire-and-forget: emitting
// never blocks node execution and never propagates failure into the run.
package emit

// Emitter receives events produced during workflow execution.
//
// Implementations should be:
//   - Non-blocking: never slow down the run.
//   - Thread-safe: called concurrently from many worker goroutines.
//   - Resilient: swallow backend failures with at most a log line.
//
// Emit must not panic.
type Emitter interface {
	Emit(event Event)
}

// Multi fans one event out to several emitters in order.
type Multi []Emitter

// Emit forwards the event to every wrapped emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}

// NullEmitter discards all events. Use it to disable observability without
// touching call sites.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that drops everything.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}

package progress

import "context"

// Sink receives delivered batches from a Hub. Consume is called from the
// Hub's delivery goroutine only, so a sink need not lock against itself, but
// it must return once ctx expires. Close is called once after the final batch.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is what the executor reports lifecycle events to.
type Emitter interface {
	Emit(evt Event)
}

// Nop discards events. Executors built without an emitter use it.
type Nop struct{}

// Emit does nothing.
func (Nop) Emit(Event) {}

package progress

import "context"

// Sink receives batches of discovery progress events from the Hub. Batches
// from concurrent sessions arrive interleaved; implementations must honor ctx
// deadlines and tolerate Consume after Close has begun. The log and
// Prometheus sinks under sinks/ are the two shipped implementations.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is the Hub's publishing side. The orchestrator emits through it so
// strategy code never depends on how events are buffered or fanned out.
type Emitter interface {
	Emit(evt Event)
}

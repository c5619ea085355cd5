// Package progress provides the action lifecycle events, the non-blocking hub,
// and the emitter interface the executor uses to report what a node is doing.
// Events are batched on a background goroutine and fanned out to pluggable
// sinks such as logs, Prometheus metrics, or a message broker.
package progress

// Package progress provides the event primitives, ordered hub, and emitter
// interfaces that task pipelines use to report progress. Each task brackets
// its per-item and per-page events with one start and one finished event; the
// hub batches them on a background goroutine and fans them out to pluggable
// sinks such as Prometheus metrics, structured logs, or Pub/Sub.
package progress

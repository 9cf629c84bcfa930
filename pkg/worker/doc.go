// Package worker provides a generic keyed worker pool.
//
// # Ordering
//
// Every work item has a key (returned by the key function given to NewPool).
// The pool hashes the key to pick one of its workers, and each worker drains
// its own FIFO queue. Two items with the same key are therefore processed
// sequentially in submission order; items with different keys may run in
// parallel and in any relative order.
//
// The registrar uses this to deliver status events: the key is the resource id,
// so a FAILED followed by an UPDATED for the same resource is never reordered,
// while recoveries of unrelated resources proceed concurrently.
//
// # Usage
//
//	pool := worker.NewPool(4, 256,
//	    func(ev types.StatusEvent) string { return ev.ResourceID },
//	    func(ctx context.Context, ev types.StatusEvent) error { return handle(ctx, ev) },
//	)
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
//	_ = pool.Submit(ctx, event)
//
// Submit blocks while the selected queue is full rather than dropping work, so
// callers should pass a context with an appropriate deadline.
//
// # Metrics
//
// WithMetricsRegistry registers queue depth, submitted/processed/failed counters
// and a processing-time histogram under the given prefix.
package worker

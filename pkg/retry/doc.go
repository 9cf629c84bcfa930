// Package retry provides exponential backoff with jitter.
//
// It is used where the component manager talks to infrastructure that may be
// briefly unavailable: connecting to NATS at startup and opening the KV catalog
// bucket. Orchestrator calls are deliberately not retried here; a failed call is
// surfaced to the caller and recovery is driven by status events instead.
//
//	err := retry.Do(ctx, retry.Quick(), func() error {
//	    return client.Connect(ctx)
//	})
//
// Wrap an error with NonRetryable to stop retrying immediately.
package retry

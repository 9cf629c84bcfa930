package registrar

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// CorrelationKey is the carrier key holding the correlation id
const CorrelationKey = "correlation_id"

// Tracer propagates trace context across calls and status events. The
// carrier is a flat string map that travels inside envelopes and events.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, func(error))
	Inject(ctx context.Context) map[string]string
	Extract(ctx context.Context, carrier map[string]string) context.Context
}

// NopTracer does nothing
type NopTracer struct{}

// Start returns ctx unchanged
func (NopTracer) Start(ctx context.Context, _ string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// Inject returns no carrier
func (NopTracer) Inject(context.Context) map[string]string { return nil }

// Extract returns ctx unchanged
func (NopTracer) Extract(ctx context.Context, _ map[string]string) context.Context { return ctx }

type correlationKey struct{}

// CorrelationID returns the correlation id carried by ctx, if any
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// WithCorrelationID returns a context carrying id
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationTracer tags every operation chain with a correlation id and
// logs operation latency at debug level. Recovery calls made while handling
// a status event inherit the id of the call that created the resource.
type CorrelationTracer struct {
	logger *slog.Logger
}

// NewCorrelationTracer creates a correlation tracer
func NewCorrelationTracer(logger *slog.Logger) *CorrelationTracer {
	if logger == nil {
		logger = slog.Default().With("component", "tracer")
	}
	return &CorrelationTracer{logger: logger}
}

// Start ensures ctx carries a correlation id
func (t *CorrelationTracer) Start(ctx context.Context, operation string) (context.Context, func(error)) {
	id := CorrelationID(ctx)
	if id == "" {
		id = uuid.NewString()
		ctx = WithCorrelationID(ctx, id)
	}
	start := time.Now()
	return ctx, func(err error) {
		t.logger.Debug("Operation finished", "operation", operation, CorrelationKey, id,
			"duration", time.Since(start), "error", err)
	}
}

// Inject writes the correlation id into a carrier
func (t *CorrelationTracer) Inject(ctx context.Context) map[string]string {
	id := CorrelationID(ctx)
	if id == "" {
		return nil
	}
	return map[string]string{CorrelationKey: id}
}

// Extract reads the correlation id from a carrier
func (t *CorrelationTracer) Extract(ctx context.Context, carrier map[string]string) context.Context {
	if id := carrier[CorrelationKey]; id != "" {
		return WithCorrelationID(ctx, id)
	}
	return ctx
}

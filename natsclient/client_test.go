package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-robotics/metric"
)

func TestConnectionStatus_String(t *testing.T) {
	tests := map[ConnectionStatus]string{
		StatusDisconnected:   "disconnected",
		StatusConnecting:     "connecting",
		StatusConnected:      "connected",
		StatusReconnecting:   "reconnecting",
		StatusCircuitOpen:    "circuit_open",
		ConnectionStatus(99): "unknown",
	}
	for status, want := range tests {
		assert.Equal(t, want, status.String())
	}
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Equal(t, time.Second, c.Backoff())
	assert.Nil(t, c.Conn())
}

func TestClient_NotConnected(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithMetrics(metric.NewMetricsRegistry()))
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, c.Publish(ctx, "a", nil), ErrNotConnected)

	_, err = c.Request(ctx, "a", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.Subscribe("a", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.JetStream()
	assert.Error(t, err)

	assert.NoError(t, c.Close(ctx))
	assert.NoError(t, c.Close(ctx))
}

func TestClient_CircuitBreakerOpens(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1",
		WithCircuitBreakerThreshold(2),
		WithTimeout(100*time.Millisecond),
		WithMaxReconnects(0),
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.Error(t, c.Connect(ctx))
	assert.Equal(t, StatusDisconnected, c.Status())

	err = c.Connect(ctx)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, 2*time.Second, c.Backoff())

	assert.ErrorIs(t, c.Connect(ctx), ErrCircuitOpen)

	// The breaker half-opens after the initial one second backoff.
	assert.Eventually(t, func() bool {
		return c.Status() == StatusDisconnected
	}, 3*time.Second, 20*time.Millisecond)
}

func TestClient_OptionsApplied(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithCredentials("user", "pass"),
		WithToken("tok"),
		WithTLS("cert.pem", "key.pem", "ca.pem"),
		WithName("componentmanager"),
		WithMaxBackoff(time.Millisecond),
		WithCircuitBreakerThreshold(0),
	)
	require.NoError(t, err)

	assert.Equal(t, time.Minute, c.maxBackoff)
	assert.Equal(t, int32(5), c.circuitThreshold)
	assert.True(t, c.tlsEnabled)
	assert.NotEmpty(t, c.connectionOptions())
}

func TestIsAlreadyExistsError(t *testing.T) {
	assert.False(t, isAlreadyExistsError(nil))
	assert.False(t, isAlreadyExistsError(assert.AnError))
	assert.True(t, isAlreadyExistsError(jetstream.ErrBucketExists))
}

func TestIsKVNotFoundError(t *testing.T) {
	assert.False(t, IsKVNotFoundError(nil))
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.False(t, IsKVNotFoundError(assert.AnError))
}

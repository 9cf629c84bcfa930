//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_RequestReply(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	_, err := tc.Client.Subscribe("rpc.echo", func(msg *nats.Msg) {
		_ = msg.Respond(append([]byte("echo:"), msg.Data...))
	})
	require.NoError(t, err)

	peer := tc.NewClientFor(t)
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	reply, err := peer.Request(reqCtx, "rpc.echo", []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "echo:ping", string(reply))
}

func TestIntegration_RequestNoResponders(t *testing.T) {
	tc := NewTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := tc.Client.Request(ctx, "rpc.nobody", []byte("x"))
	require.Error(t, err)
}

func TestIntegration_KVStore(t *testing.T) {
	for _, version := range []string{"2.10-alpine", "2.11.7-alpine"} {
		t.Run(version, func(t *testing.T) {
			testKVStore(t, NewTestClient(t, WithJetStream(), WithNATSVersion(version)))
		})
	}
}

func testKVStore(t *testing.T, tc *TestClient) {
	ctx := context.Background()

	bucket, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "catalog_test"})
	require.NoError(t, err)

	// A second create returns the existing bucket.
	_, err = tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "catalog_test"})
	require.NoError(t, err)

	kv := tc.Client.NewKVStore(bucket, 2*time.Second)

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = kv.Put(ctx, "robot1.camera", []byte(`{"name":"camera"}`))
	require.NoError(t, err)

	entry, err := kv.Get(ctx, "robot1.camera")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"camera"}`, string(entry.Value))

	keys, err = kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"robot1.camera"}, keys)

	require.NoError(t, kv.Delete(ctx, "robot1.camera"))
	_, err = kv.Get(ctx, "robot1.camera")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)
}

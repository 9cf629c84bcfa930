//go:build integration

package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-robotics/catalog"
	"github.com/c360/semstreams-robotics/natsclient"
	"github.com/c360/semstreams-robotics/orchestrator"
	"github.com/c360/semstreams-robotics/registrar"
	"github.com/c360/semstreams-robotics/service"
	"github.com/c360/semstreams-robotics/synchronizer"
	"github.com/c360/semstreams-robotics/testutil"
	"github.com/c360/semstreams-robotics/types"
)

// serveInstance runs a manager server for cat on its own connection
func serveInstance(t *testing.T, tc *natsclient.TestClient, cat *catalog.Registry) (*service.Server, *testutil.FakeLauncher) {
	t.Helper()
	conn := tc.NewClientFor(t)
	fl := testutil.NewFakeLauncher()

	srv, err := service.NewServer(cat.Instance(), service.Dependencies{
		Catalog:  cat,
		Launcher: fl,
		Status:   NewRPCClient(conn, nil),
	}, service.WithHealthInterval(0))
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(time.Second) })

	rpc := NewRPCServer(conn, cat.Instance(), srv.HandleRPC)
	require.NoError(t, rpc.Start(context.Background()))
	t.Cleanup(func() { _ = rpc.Stop(time.Second) })
	return srv, fl
}

func TestIntegration_PipeRecoveryOverNATS(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	ctx := context.Background()

	srv, fl := serveInstance(t, tc, testutil.ObjectDetectionCatalog("robot1"))

	reg := registrar.New("client", NewRPCClient(tc.NewClientFor(t), nil))
	require.NoError(t, reg.Initialize(ctx))
	defer reg.Close()

	orch := orchestrator.New("integration", "robot1", reg)
	require.NoError(t, orch.Initialize())

	resp, err := orch.StartPipe(ctx, types.PipeRequest{Category: testutil.ObjectDetection, UseOnlyLocal: true})
	require.NoError(t, err)
	assert.Equal(t, testutil.PrimaryPipe, resp.Descriptor)
	first := orch.Pipes()[0].ResourceID

	require.True(t, fl.Crash(first+"/seg1", fmt.Errorf("detector crashed")))
	require.Eventually(t, func() bool {
		allocs := orch.Pipes()
		return len(allocs) == 1 && allocs[0].ResourceID != first && allocs[0].State == orchestrator.StateActive
	}, 5*time.Second, 20*time.Millisecond)

	recovered := orch.Pipes()[0]
	assert.Equal(t, resp.PipeID, recovered.Response.PipeID)
	assert.Equal(t, resp.Topics.Outputs, recovered.Response.Topics.Outputs)
	assert.Equal(t, []string{recovered.ResourceID}, srv.Resources())

	require.NoError(t, orch.StopPipe(ctx, testutil.ObjectDetection, nil, true))
	assert.Empty(t, fl.Running())

	// stopping again finds nothing
	err = orch.StopPipe(ctx, testutil.ObjectDetection, nil, true)
	require.Error(t, err)
}

func TestIntegration_CatalogSynchronization(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	regA := catalog.NewRegistry("robot1")
	regB := testutil.ObjectDetectionCatalog("robot2")

	a := synchronizer.New("robot1", regA, NewBroadcast(tc.NewClientFor(t), ""), synchronizer.WithInterval(50*time.Millisecond))
	b := synchronizer.New("robot2", regB, NewBroadcast(tc.NewClientFor(t), ""), synchronizer.WithInterval(50*time.Millisecond))
	require.NoError(t, b.Start(ctx))
	defer b.Stop()
	require.NoError(t, a.Start(ctx))
	defer a.Stop()

	require.Eventually(t, func() bool {
		return len(regA.RemotePipes(testutil.ObjectDetection)) == 2
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, regB.AddComponent("test", testutil.Component("robot2", "velodyne", "lidar")))
	require.Eventually(t, func() bool {
		return len(regA.RemoteComponents("lidar", "", "")) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestIntegration_ComponentStore(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bucket, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: catalog.DefaultBucket})
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket, 5*time.Second)

	reg := catalog.NewRegistry("robot1")
	store := catalog.NewStore(kv, reg, nil)
	go func() { _ = store.Watch(ctx) }()

	cam := testutil.Component("robot1", "front cam", "camera")
	require.NoError(t, store.Put(ctx, cam))
	require.Eventually(t, func() bool {
		return len(reg.LocalComponents("camera", "", "")) == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, store.Delete(ctx, "front cam"))
	require.Eventually(t, func() bool {
		return len(reg.LocalComponents("camera", "", "")) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

package orchestrator_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-robotics/catalog"
	"github.com/c360/semstreams-robotics/orchestrator"
	"github.com/c360/semstreams-robotics/registrar"
	"github.com/c360/semstreams-robotics/resolver"
	"github.com/c360/semstreams-robotics/service"
	"github.com/c360/semstreams-robotics/testutil"
	"github.com/c360/semstreams-robotics/types"
)

func detectionCatalog() *catalog.Registry {
	cat := catalog.NewRegistry("robot1")
	cat.ReplaceSource("fixture",
		[]catalog.PipeDescriptor{
			testutil.NewPipe("object_detection", "yolo").Reliability(0.9).
				Segment("yolo_detector", []string{"image"}, []string{"detections"}, nil).Build(),
			testutil.NewPipe("object_detection", "ssd").Reliability(0.7).
				Segment("ssd_detector", []string{"image"}, []string{"detections"}, nil).Build(),
		},
		[]catalog.ComponentDescriptor{
			testutil.Component("robot1", "yolo", "yolo_detector"),
			testutil.Component("robot1", "ssd", "ssd_detector"),
		})
	return cat
}

func TestObjectDetection_EndToEnd(t *testing.T) {
	ctx := context.Background()
	bus := testutil.NewBus()
	cat := detectionCatalog()

	resolution, err := resolver.Resolve(cat, "object_detection", nil, true)
	require.NoError(t, err)
	assert.Equal(t, "yolo", resolution.Descriptor.Name)

	fl := testutil.NewFakeLauncher()
	srv, err := service.NewServer("robot1", service.Dependencies{Catalog: cat, Launcher: fl, Status: bus},
		service.WithHealthInterval(0))
	require.NoError(t, err)
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop(time.Second)
	defer bus.Serve("robot1", srv.HandleRPC)()

	reg := registrar.New("client", bus, registrar.WithCallTimeout(2*time.Second))
	require.NoError(t, reg.Initialize(ctx))
	defer reg.Close()

	orch := orchestrator.New("e2e", "robot1", reg)
	require.NoError(t, orch.Initialize())

	resp, err := orch.StartPipe(ctx, types.PipeRequest{Category: "object_detection", UseOnlyLocal: true})
	require.NoError(t, err)
	pipeID := resp.PipeID
	topic := fmt.Sprintf("/pipe_%s/detections", pipeID)
	assert.Equal(t, "yolo", resp.Descriptor)
	assert.Equal(t, topic, resp.Topics.Outputs["detections"])

	allocs := orch.Pipes()
	require.Len(t, allocs, 1)
	first := allocs[0]
	assert.Equal(t, orchestrator.StateActive, first.State)

	running := fl.Running()
	require.Len(t, running, 1)
	for processID := range running {
		require.True(t, fl.Crash(processID, fmt.Errorf("detector crashed")))
	}

	testutil.WaitFor(t, 2*time.Second, func() bool {
		allocs := orch.Pipes()
		return len(allocs) == 1 && allocs[0].ResourceID != first.ResourceID && allocs[0].State == orchestrator.StateActive
	}, "pipe recovered")

	assert.Equal(t, 2, bus.CallCount("robot1", types.ServiceLoadPipe))
	recovered := orch.Pipes()[0]
	assert.Equal(t, pipeID, recovered.Response.PipeID)
	assert.Equal(t, topic, recovered.Response.Topics.Outputs["detections"])
	assert.Equal(t, recovered.ResourceID, recovered.Response.ResourceID)
	assert.Equal(t, "yolo", recovered.Response.Descriptor)

	// the dead resource was unloaded before the re-call
	assert.Equal(t, []string{recovered.ResourceID}, srv.Resources())
	assert.Len(t, fl.Running(), 1)
	assert.InDelta(t, 0.81, float64(cat.LocalPipes("object_detection")[0].Reliability), 1e-9)

	require.NoError(t, orch.StopPipe(ctx, "object_detection", nil, true))
	assert.Empty(t, orch.Pipes())
	assert.Empty(t, fl.Running())
	assert.Empty(t, srv.Resources())
}

package synchronizer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-robotics/catalog"
	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/metric"
	"github.com/c360/semstreams-robotics/resolver"
	"github.com/c360/semstreams-robotics/testutil"
)

const subject = "semrobotics.catalog"

type flakyBroadcaster struct {
	mu        sync.Mutex
	fail      bool
	published [][]byte
}

func (f *flakyBroadcaster) Publish(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("nats: connection closed")
	}
	f.published = append(f.published, data)
	return nil
}

func (f *flakyBroadcaster) Subscribe(func([]byte)) (func() error, error) {
	return func() error { return nil }, nil
}

func (f *flakyBroadcaster) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *flakyBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func advertisement(t *testing.T, origin string, revision uint64, pipes ...catalog.PipeDescriptor) []byte {
	t.Helper()
	data, err := json.Marshal(Message{
		Action:    ActionAdvertise,
		Origin:    origin,
		Revision:  revision,
		Timestamp: time.Now(),
		Pipes:     pipes,
	})
	require.NoError(t, err)
	return data
}

func TestTick_PublishesOnlyOnRevisionChange(t *testing.T) {
	bus := testutil.NewBus()
	reg := testutil.ObjectDetectionCatalog("robot1")
	s := New("robot1", reg, bus.Channel(subject))
	ctx := context.Background()

	require.NoError(t, s.Tick(ctx))
	require.NoError(t, s.Tick(ctx))
	msgs := bus.Messages(subject)
	require.Len(t, msgs, 1)

	msg, err := Decode(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, ActionAdvertise, msg.Action)
	assert.Equal(t, "robot1", msg.Origin)
	assert.Equal(t, reg.Revision(), msg.Revision)
	assert.Len(t, msg.Pipes, 2)
	assert.Len(t, msg.Components, 3)

	require.NoError(t, reg.AddComponent("test", testutil.Component("robot1", "arm", "manipulator")))
	require.NoError(t, s.Tick(ctx))
	assert.Len(t, bus.Messages(subject), 2)
}

func TestTick_FailedPublishRetries(t *testing.T) {
	reg := testutil.ObjectDetectionCatalog("robot1")
	metrics := metric.NewMetricsRegistry()
	b := &flakyBroadcaster{fail: true}
	s := New("robot1", reg, b, WithMetrics(metrics))
	ctx := context.Background()

	err := s.Tick(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.CoreMetrics().Advertisements.WithLabelValues("published", "failed")))

	b.setFail(false)
	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, 1, b.count())
	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, 1, b.count())
}

func TestReadvertise_PublishesUnchangedCatalog(t *testing.T) {
	reg := testutil.ObjectDetectionCatalog("robot1")
	b := &flakyBroadcaster{}
	s := New("robot1", reg, b)
	ctx := context.Background()

	require.NoError(t, s.Tick(ctx))
	require.NoError(t, s.Readvertise(ctx))
	assert.Equal(t, 2, b.count())

	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, 2, b.count())
}

func TestHandleMessage_AppliesPeerCatalog(t *testing.T) {
	reg := catalog.NewRegistry("robot1")
	metrics := metric.NewMetricsRegistry()
	s := New("robot1", reg, &flakyBroadcaster{}, WithMetrics(metrics))
	ctx := context.Background()

	s.HandleMessage(ctx, advertisement(t, "robot2", 4, testutil.ObjectDetectionPipes()...))
	remote := reg.RemotePipes(testutil.ObjectDetection)
	require.Len(t, remote, 2)
	assert.Equal(t, "robot2", remote[0].Origin)

	// last writer wins regardless of revision
	s.HandleMessage(ctx, advertisement(t, "robot2", 1, testutil.ObjectDetectionPipes()[1]))
	snap, ok := reg.RemoteSnapshot("robot2")
	require.True(t, ok)
	assert.Equal(t, uint64(1), snap.Revision)
	require.Len(t, snap.Pipes, 1)
	assert.Equal(t, testutil.SecondaryPipe, snap.Pipes[0].Name)
	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.CoreMetrics().Advertisements.WithLabelValues("received", "applied")))
}

func TestHandleMessage_IgnoresOwnOrigin(t *testing.T) {
	reg := catalog.NewRegistry("robot1")
	s := New("robot1", reg, &flakyBroadcaster{})

	s.HandleMessage(context.Background(), advertisement(t, "robot1", 3, testutil.ObjectDetectionPipes()...))
	assert.Empty(t, reg.Origins())
}

func TestHandleMessage_MalformedKeepsPreviousSnapshot(t *testing.T) {
	reg := catalog.NewRegistry("robot1")
	metrics := metric.NewMetricsRegistry()
	s := New("robot1", reg, &flakyBroadcaster{}, WithMetrics(metrics))
	ctx := context.Background()

	s.HandleMessage(ctx, advertisement(t, "robot2", 1, testutil.ObjectDetectionPipes()...))

	broken := testutil.NewPipe(testutil.ObjectDetection, "broken").
		Segment("camera", nil, []string{"image"}, nil).
		Segment("lidar_detector", []string{"pointcloud"}, []string{"detections"}, nil).
		Build()
	s.HandleMessage(ctx, advertisement(t, "robot2", 2, testutil.ObjectDetectionPipes()[0], broken))
	s.HandleMessage(ctx, []byte(`{"action":"advertise"`))

	snap, ok := reg.RemoteSnapshot("robot2")
	require.True(t, ok)
	assert.Equal(t, uint64(1), snap.Revision)
	assert.Len(t, snap.Pipes, 2)
	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.CoreMetrics().Advertisements.WithLabelValues("received", "rejected")))
}

func TestDecode_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing origin", `{"action":"advertise"}`},
		{"unknown action", `{"action":"shout","origin":"robot2"}`},
		{"empty origin", `{"action":"request","origin":""}`},
		{"reliability out of range", `{"action":"advertise","origin":"robot2","pipes":[{"category":"c","segments":[{"type":"a"}],"reliability":2}]}`},
		{"pipe without segments", `{"action":"advertise","origin":"robot2","pipes":[{"category":"c","segments":[]}]}`},
		{"component without type", `{"action":"advertise","origin":"robot2","components":[{"name":"cam"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}

	msg, err := Decode([]byte(`{"action":"request","origin":"robot2"}`))
	require.NoError(t, err)
	assert.Equal(t, ActionRequest, msg.Action)
}

func TestSynchronizer_PeersConverge(t *testing.T) {
	bus := testutil.NewBus()
	regA := catalog.NewRegistry("robot1")
	regB := testutil.ObjectDetectionCatalog("robot2")

	a := New("robot1", regA, bus.Channel(subject), WithInterval(20*time.Millisecond))
	b := New("robot2", regB, bus.Channel(subject), WithInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Start(ctx))
	defer func() { assert.NoError(t, b.Stop()) }()
	require.NoError(t, a.Start(ctx))
	defer func() { assert.NoError(t, a.Stop()) }()

	// the request sent by a on start makes b advertise immediately
	snap, ok := regA.RemoteSnapshot("robot2")
	require.True(t, ok)
	assert.Len(t, snap.Pipes, 2)
	assert.Len(t, regA.RemoteComponents("camera", "", ""), 1)

	require.NoError(t, regA.AddPipe("test", testutil.NewPipe("tracking", "kalman").
		Segment("tracker", []string{"detections"}, []string{"tracks"}, nil).Build()))

	testutil.WaitFor(t, time.Second, func() bool {
		snap, ok := regB.RemoteSnapshot("robot1")
		return ok && len(snap.Pipes) == 1
	}, "robot2 should learn the tracking pipe of robot1")

	remote := regB.RemotePipes("tracking")
	require.Len(t, remote, 1)
	assert.Equal(t, "robot1", remote[0].Origin)
	assert.Empty(t, regB.RemotePipes(testutil.ObjectDetection))
}

func TestSynchronizer_StartTwice(t *testing.T) {
	bus := testutil.NewBus()
	s := New("robot1", catalog.NewRegistry("robot1"), bus.Channel(subject), WithInterval(time.Hour))
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	err := s.Start(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestHandleMessage_LatestPeerSnapshotDrivesResolution(t *testing.T) {
	reg := catalog.NewRegistry("robot1")
	s := New("robot1", reg, &flakyBroadcaster{})
	ctx := context.Background()

	pipes := testutil.ObjectDetectionPipes()
	s.HandleMessage(ctx, advertisement(t, "robot2", 1, pipes...))
	res, err := resolver.Resolve(reg, testutil.ObjectDetection, nil, false)
	require.NoError(t, err)
	assert.Equal(t, testutil.PrimaryPipe, res.Descriptor.Name)
	assert.Equal(t, "robot2", res.Origin)

	// the second snapshot drops the primary pipe; nothing of the first survives
	s.HandleMessage(ctx, advertisement(t, "robot2", 2, pipes[1]))
	res, err = resolver.Resolve(reg, testutil.ObjectDetection, nil, false)
	require.NoError(t, err)
	assert.Equal(t, testutil.SecondaryPipe, res.Descriptor.Name)
	assert.Len(t, reg.RemotePipes(testutil.ObjectDetection), 1)

	_, err = resolver.Resolve(reg, testutil.ObjectDetection, nil, true)
	assert.ErrorIs(t, err, errors.ErrResolutionFailed)
}

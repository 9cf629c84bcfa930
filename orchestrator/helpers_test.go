package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/registrar"
	tu "github.com/c360/semstreams-robotics/testutil"
	"github.com/c360/semstreams-robotics/types"
)

const owner = "client"

// fakeManager answers load and unload calls the way a manager instance
// does, without resolving or launching anything.
type fakeManager struct {
	instance string

	mu         sync.Mutex
	next       int
	live       map[string]bool
	loads      []types.Envelope
	unloads    []string
	failUnload bool
	failLoads  int
	gate       chan struct{}
	// onUnload runs before an unload is answered, outside the lock
	onUnload func(id string)
}

func newFakeManager(instance string) *fakeManager {
	return &fakeManager{instance: instance, live: make(map[string]bool)}
}

func (m *fakeManager) handle(ctx context.Context, service string, env types.Envelope) types.Reply {
	m.mu.Lock()
	gate := m.gate
	onUnload := m.onUnload
	m.mu.Unlock()
	if onUnload != nil && service == types.ServiceUnload {
		onUnload(env.ResourceID)
	}
	if gate != nil && service != types.ServiceUnload {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fail := func(code, msg string) types.Reply {
		return types.Reply{ResourceID: env.ResourceID, Code: code, Error: msg}
	}
	ok := func(v any) types.Reply {
		payload, _ := json.Marshal(v)
		return types.Reply{ResourceID: env.ResourceID, Payload: payload}
	}

	switch service {
	case types.ServiceUnload:
		m.unloads = append(m.unloads, env.ResourceID)
		if m.failUnload || !m.live[env.ResourceID] {
			return fail(errors.CodeUnloadNotFound, "not loaded")
		}
		delete(m.live, env.ResourceID)
		return ok(nil)

	case types.ServiceListComponents:
		return ok(types.ListComponentsResponse{Components: []types.ComponentInfo{
			{Name: "usb_camera", Type: "camera", Instance: m.instance},
		}})
	}

	m.loads = append(m.loads, env)
	if m.failLoads > 0 {
		m.failLoads--
		return fail(errors.CodeRPCFailure, "launch failed")
	}
	m.next++
	m.live[env.ResourceID] = true

	switch service {
	case types.ServiceLoadComponent:
		var req types.ComponentRequest
		_ = json.Unmarshal(env.Payload, &req)
		topics := req.Topics.Clone()
		if len(topics.Outputs) == 0 {
			topics.SetOutput("image", fmt.Sprintf("/%s/image_%d", req.Type, m.next))
		}
		return ok(types.ComponentResponse{Name: req.Type, Instance: m.instance, Topics: topics})

	case types.ServiceLoadPipe:
		var req types.PipeRequest
		_ = json.Unmarshal(env.Payload, &req)
		pipeID := req.PipeID
		if pipeID == "" {
			pipeID = fmt.Sprintf("p%d", m.next)
		}
		topics := req.Topics.Clone()
		if len(topics.Outputs) == 0 {
			topics.SetOutput("detections", "/pipe_"+pipeID+"/detections")
		}
		return ok(types.PipeResponse{PipeID: pipeID, Descriptor: "yolo_pipeline", Topics: topics})
	}
	return fail(errors.CodeRPCFailure, "unknown service "+service)
}

func (m *fakeManager) loadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.loads)
}

func (m *fakeManager) lastLoad() types.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads[len(m.loads)-1]
}

func (m *fakeManager) unloadedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.unloads...)
}

func (m *fakeManager) isLive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[id]
}

type fixture struct {
	bus     *tu.Bus
	manager *fakeManager
	reg     *registrar.Registrar
	orch    *Orchestrator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	bus := tu.NewBus()
	manager := newFakeManager("robot1")
	bus.Serve("robot1", manager.handle)

	reg := registrar.New(owner, bus, registrar.WithCallTimeout(2*time.Second))
	require.NoError(t, reg.Initialize(context.Background()))
	t.Cleanup(func() { _ = reg.Close() })

	orch := New("test", "robot1", reg, opts...)
	require.NoError(t, orch.Initialize())

	return &fixture{bus: bus, manager: manager, reg: reg, orch: orch}
}

func (f *fixture) fail(t *testing.T, resourceID string) {
	t.Helper()
	require.NoError(t, f.bus.PublishStatus(context.Background(), owner, types.StatusEvent{
		ResourceID: resourceID,
		Code:       types.StatusFailed,
		Message:    "process exited",
		Timestamp:  time.Now(),
	}))
}

func decodePipeRequest(t *testing.T, env types.Envelope) types.PipeRequest {
	t.Helper()
	var req types.PipeRequest
	require.NoError(t, json.Unmarshal(env.Payload, &req))
	return req
}

func decodeComponentRequest(t *testing.T, env types.Envelope) types.ComponentRequest {
	t.Helper()
	var req types.ComponentRequest
	require.NoError(t, json.Unmarshal(env.Payload, &req))
	return req
}

func detectionRequest() types.PipeRequest {
	return types.PipeRequest{Category: "object_detection", UseOnlyLocal: true}
}

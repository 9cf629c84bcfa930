package launcher

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-robotics/types"
)

func TestExec_Command(t *testing.T) {
	e := NewExec(map[string][]string{"camera": {"usb_cam", "--fps", "30"}}, 0, nil)

	argv, err := e.Command(types.ComponentInfo{Type: "camera", Executable: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, []string{"usb_cam", "--fps", "30"}, argv)

	argv, err = e.Command(types.ComponentInfo{Type: "detector", Executable: "yolo"})
	require.NoError(t, err)
	assert.Equal(t, []string{"yolo"}, argv)

	_, err = e.Command(types.ComponentInfo{Type: "detector"})
	assert.Error(t, err)
}

func TestEnvironment(t *testing.T) {
	info := types.ComponentInfo{Name: "front_cam", Type: "camera"}
	info.Topics.SetOutput("image", "/pipe_1/image")

	env, err := Environment(Spec{ResourceID: "r1", Component: info})
	require.NoError(t, err)

	vars := map[string]string{}
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		vars[k] = v
	}
	assert.Equal(t, "r1", vars[EnvResourceID])
	assert.Equal(t, "front_cam", vars[EnvName])

	var topics types.TopicContract
	require.NoError(t, json.Unmarshal([]byte(vars[EnvTopics]), &topics))
	assert.Equal(t, "/pipe_1/image", topics.Outputs["image"])
}

func TestExec_ReportsUnexpectedExit(t *testing.T) {
	e := NewExec(map[string][]string{"crashy": {"sh", "-c", "echo starting; exit 3"}}, time.Second, nil)

	exited := make(chan error, 1)
	p, err := e.Launch(context.Background(), Spec{ResourceID: "r1", Component: types.ComponentInfo{Type: "crashy"}},
		func(err error) { exited <- err })
	require.NoError(t, err)
	assert.Equal(t, "r1", p.ResourceID())

	select {
	case err := <-exited:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("exit not reported")
	}
	assert.NoError(t, p.Stop(context.Background()))
}

func TestExec_StopIsSilent(t *testing.T) {
	e := NewExec(map[string][]string{"sleeper": {"sleep", "30"}}, time.Second, nil)

	exited := make(chan error, 1)
	p, err := e.Launch(context.Background(), Spec{ResourceID: "r2", Component: types.ComponentInfo{Type: "sleeper"}},
		func(err error) { exited <- err })
	require.NoError(t, err)

	require.NoError(t, p.Stop(context.Background()))
	require.NoError(t, p.Stop(context.Background()))

	select {
	case err := <-exited:
		t.Fatalf("deliberate stop reported as exit: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestExec_StopWithOrphanHoldingOutput(t *testing.T) {
	e := NewExec(map[string][]string{"forker": {"sh", "-c", "sleep 5 & sleep 30"}}, 200*time.Millisecond, nil)

	p, err := e.Launch(context.Background(), Spec{ResourceID: "r4", Component: types.ComponentInfo{Type: "forker"}}, nil)
	require.NoError(t, err)

	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop(context.Background()) }()

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Stop blocked on the inherited output pipe")
	}
}

func TestExec_LaunchFailure(t *testing.T) {
	e := NewExec(map[string][]string{"missing": {"/nonexistent/binary"}}, 0, nil)
	_, err := e.Launch(context.Background(), Spec{ResourceID: "r3", Component: types.ComponentInfo{Type: "missing"}}, nil)
	assert.Error(t, err)
}

func TestLineLogger_SplitsLines(t *testing.T) {
	l := &lineLogger{logger: discardLogger()}
	n, err := l.Write([]byte("first\nsec"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Equal(t, "sec", l.buf.String())

	_, _ = l.Write([]byte("ond\n"))
	assert.Equal(t, 0, l.buf.Len())
}

package catalog

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEntry struct {
	key   string
	value []byte
	op    jetstream.KeyValueOp
}

func (e fakeEntry) Bucket() string                  { return DefaultBucket }
func (e fakeEntry) Key() string                     { return e.key }
func (e fakeEntry) Value() []byte                   { return e.value }
func (e fakeEntry) Revision() uint64                { return 1 }
func (e fakeEntry) Created() time.Time              { return time.Time{} }
func (e fakeEntry) Delta() uint64                   { return 0 }
func (e fakeEntry) Operation() jetstream.KeyValueOp { return e.op }

type fakeWatcher struct {
	updates chan jetstream.KeyValueEntry
}

func (w *fakeWatcher) Updates() <-chan jetstream.KeyValueEntry { return w.updates }
func (w *fakeWatcher) Stop() error                             { return nil }

type fakeKV struct {
	mu      sync.Mutex
	data    map[string][]byte
	pattern string
	watcher *fakeWatcher
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		data:    make(map[string][]byte),
		watcher: &fakeWatcher{updates: make(chan jetstream.KeyValueEntry, 16)},
	}
}

func (kv *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.data[key] = value
	kv.watcher.updates <- fakeEntry{key: key, value: value, op: jetstream.KeyValuePut}
	return uint64(len(kv.data)), nil
}

func (kv *fakeKV) Delete(_ context.Context, key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.data, key)
	kv.watcher.updates <- fakeEntry{key: key, op: jetstream.KeyValueDelete}
	return nil
}

func (kv *fakeKV) Watch(_ context.Context, pattern string) (jetstream.KeyWatcher, error) {
	kv.mu.Lock()
	kv.pattern = pattern
	kv.mu.Unlock()
	return kv.watcher, nil
}

func TestComponentKey(t *testing.T) {
	assert.Equal(t, "components.robot1.front_cam", ComponentKey("robot1", "front cam"))
	assert.Equal(t, "components.robot1.a_b", ComponentKey("robot1", "a.b"))
}

func TestStore_MirrorsBucket(t *testing.T) {
	kv := newFakeKV()
	r := NewRegistry("robot1")
	s := NewStore(kv, r, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()

	kv.watcher.updates <- nil
	require.NoError(t, s.Put(ctx, component("front_cam", "camera")))
	require.Eventually(t, func() bool {
		return len(r.LocalComponents("camera", "", "")) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "components.robot1.*", kv.pattern)

	stored := kv.data["components.robot1.front_cam"]
	var decoded ComponentDescriptor
	require.NoError(t, json.Unmarshal(stored, &decoded))
	assert.Equal(t, "robot1", decoded.Instance)

	require.NoError(t, s.Delete(ctx, "front_cam"))
	require.Eventually(t, func() bool {
		return len(r.LocalComponents("camera", "", "")) == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestStore_SkipsMalformedValues(t *testing.T) {
	r := NewRegistry("robot1")
	s := NewStore(newFakeKV(), r, nil)

	s.apply("components.robot1.x", []byte("{not json"), jetstream.KeyValuePut)
	s.apply("components.robot1.y", []byte(`{"name":"y"}`), jetstream.KeyValuePut)
	assert.Empty(t, r.LocalComponents("", "", ""))
	assert.Equal(t, uint64(0), r.Revision())

	assert.Error(t, s.Put(context.Background(), ComponentDescriptor{}))
}

func TestStore_DeleteLeavesFileComponent(t *testing.T) {
	r := NewRegistry("robot1")
	s := NewStore(newFakeKV(), r, nil)

	value, err := json.Marshal(component("front_cam", "camera"))
	require.NoError(t, err)
	s.apply("components.robot1.front_cam", value, jetstream.KeyValuePut)

	// a file source later declares the same component
	fromFile := component("front_cam", "camera")
	fromFile.Package = "camera_driver"
	require.Empty(t, r.ReplaceSource("robot1.yaml", nil, []ComponentDescriptor{fromFile}))

	s.apply("components.robot1.front_cam", nil, jetstream.KeyValueDelete)

	comps := r.LocalComponents("camera", "", "")
	require.Len(t, comps, 1)
	assert.Equal(t, "camera_driver", comps[0].Package)
}

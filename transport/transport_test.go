package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/types"
)

// fakeConn answers requests with a function and records publishes
type fakeConn struct {
	mu        sync.Mutex
	request   func(subject string, data []byte) ([]byte, error)
	published map[string][][]byte
	handlers  map[string]nats.MsgHandler
	subErr    error
}

func newFakeConn() *fakeConn {
	return &fakeConn{published: make(map[string][][]byte), handlers: make(map[string]nats.MsgHandler)}
}

func (c *fakeConn) Request(_ context.Context, subject string, data []byte) ([]byte, error) {
	return c.request(subject, data)
}

func (c *fakeConn) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published[subject] = append(c.published[subject], data)
	return nil
}

func (c *fakeConn) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subErr != nil {
		return nil, c.subErr
	}
	c.handlers[subject] = handler
	return &nats.Subscription{Subject: subject}, nil
}

func (c *fakeConn) deliver(subject string, data []byte) {
	c.mu.Lock()
	h := c.handlers[subject]
	c.mu.Unlock()
	h(&nats.Msg{Subject: subject, Data: data})
}

func TestRPCClient_Call(t *testing.T) {
	conn := newFakeConn()
	conn.request = func(subject string, data []byte) ([]byte, error) {
		assert.Equal(t, "rpc.robot1.load_component", subject)
		var env types.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return json.Marshal(types.Reply{ResourceID: env.ResourceID, Payload: json.RawMessage(`{"name":"cam"}`)})
	}
	c := NewRPCClient(conn, nil)

	reply, err := c.Call(context.Background(), "robot1", types.ServiceLoadComponent,
		types.Envelope{ResourceID: "r1", Owner: "client"})
	require.NoError(t, err)
	assert.True(t, reply.OK())
	assert.Equal(t, "r1", reply.ResourceID)
	assert.JSONEq(t, `{"name":"cam"}`, string(reply.Payload))
}

func TestRPCClient_CallErrors(t *testing.T) {
	conn := newFakeConn()
	c := NewRPCClient(conn, nil)

	conn.request = func(string, []byte) ([]byte, error) { return nil, nats.ErrNoResponders }
	_, err := c.Call(context.Background(), "robot9", types.ServiceUnload, types.Envelope{ResourceID: "r1"})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, err, nats.ErrNoResponders)

	conn.request = func(string, []byte) ([]byte, error) { return []byte("not json"), nil }
	_, err = c.Call(context.Background(), "robot1", types.ServiceUnload, types.Envelope{ResourceID: "r1"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRPCClient_Status(t *testing.T) {
	conn := newFakeConn()
	c := NewRPCClient(conn, nil)

	var got []types.StatusEvent
	_, err := c.SubscribeStatus("client", func(ev types.StatusEvent) { got = append(got, ev) })
	require.NoError(t, err)

	ev := types.StatusEvent{ResourceID: "r1", Code: types.StatusFailed, Origin: "robot1", Timestamp: time.Now()}
	require.NoError(t, c.PublishStatus(context.Background(), "client", ev))
	published := conn.published[types.StatusSubject("client")]
	require.Len(t, published, 1)

	conn.deliver(types.StatusSubject("client"), published[0])
	conn.deliver(types.StatusSubject("client"), []byte("{"))
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ResourceID)
	assert.Equal(t, types.StatusFailed, got[0].Code)

	conn.subErr = fmt.Errorf("nats: connection closed")
	_, err = c.SubscribeStatus("other", func(types.StatusEvent) {})
	require.Error(t, err)
}

func TestBroadcast(t *testing.T) {
	conn := newFakeConn()
	b := NewBroadcast(conn, "")
	assert.Equal(t, DefaultBroadcastSubject, b.Subject())

	var got [][]byte
	_, err := b.Subscribe(func(data []byte) { got = append(got, data) })
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), []byte(`{"action":"request"}`)))
	conn.deliver(DefaultBroadcastSubject, conn.published[DefaultBroadcastSubject][0])
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"action":"request"}`, string(got[0]))
}

// replies collects what the server sends back
type replies struct {
	mu  sync.Mutex
	out []types.Reply
}

func (r *replies) respond(data []byte) error {
	var reply types.Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return err
	}
	r.mu.Lock()
	r.out = append(r.out, reply)
	r.mu.Unlock()
	return nil
}

func (r *replies) all() []types.Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Reply(nil), r.out...)
}

func TestRPCServer_Dispatch(t *testing.T) {
	var mu sync.Mutex
	var order []string
	handler := func(_ context.Context, service string, env types.Envelope) types.Reply {
		mu.Lock()
		order = append(order, service+":"+env.ResourceID)
		mu.Unlock()
		if service == "explode" {
			return types.Reply{ResourceID: env.ResourceID, Code: errors.CodeRPCFailure, Error: "unknown service"}
		}
		return types.Reply{ResourceID: env.ResourceID}
	}

	conn := newFakeConn()
	s := NewRPCServer(conn, "robot1", handler, WithWorkers(2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &replies{}
	s.Dispatch("rpc.robot1.load_pipe", []byte(`{"resource_id":"r1"}`), out.respond)
	require.Len(t, out.all(), 1)
	assert.Equal(t, errors.CodeUninitialized, out.all()[0].Code)

	require.NoError(t, s.Start(ctx))
	defer func() { require.NoError(t, s.Stop(time.Second)) }()
	require.Error(t, s.Start(ctx))
	require.Contains(t, conn.handlers, types.RPCWildcard("robot1"))

	env, err := json.Marshal(types.Envelope{ResourceID: "r1", Owner: "client"})
	require.NoError(t, err)
	s.Dispatch("rpc.robot1.load_pipe", env, out.respond)
	s.Dispatch("rpc.robot1.unload", env, out.respond)
	s.Dispatch("rpc.robot1.explode", []byte(`{"resource_id":"r2"}`), out.respond)
	s.Dispatch("rpc.robot1.unload", []byte("garbage"), out.respond)

	require.Eventually(t, func() bool { return len(out.all()) == 5 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	var r1 []string
	for _, o := range order {
		if o == "load_pipe:r1" || o == "unload:r1" {
			r1 = append(r1, o)
		}
	}
	mu.Unlock()
	assert.Equal(t, []string{"load_pipe:r1", "unload:r1"}, r1)

	codes := map[string]int{}
	for _, r := range out.all() {
		codes[r.Code]++
	}
	assert.Equal(t, 2, codes[""])
	assert.Equal(t, 2, codes[errors.CodeRPCFailure])
}

package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/c360/semstreams-robotics/types"
)

// Handler answers an RPC addressed to one instance
type Handler func(ctx context.Context, service string, env types.Envelope) types.Reply

// Interceptor may answer or fail a call before it reaches the target.
// Returning handled=false lets the call through.
type Interceptor func(target, service string, env types.Envelope) (reply types.Reply, err error, handled bool)

// RecordedCall is one call seen by the bus
type RecordedCall struct {
	Target  string
	Service string
	Env     types.Envelope
}

// Bus is an in-memory stand-in for the NATS subjects used between
// managers: request/reply RPC per instance, status events per owner, and
// broadcast channels. Envelopes, replies and events are round-tripped
// through JSON so tests see what the wire would carry.
// Safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string]Handler
	status      map[string]map[int]func(types.StatusEvent)
	channels    map[string]map[int]func([]byte)
	interceptor Interceptor
	calls       []RecordedCall
	published   map[string][][]byte
	nextID      int
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		handlers:  make(map[string]Handler),
		status:    make(map[string]map[int]func(types.StatusEvent)),
		channels:  make(map[string]map[int]func([]byte)),
		published: make(map[string][][]byte),
	}
}

// Serve answers calls addressed to instance. The returned func withdraws it.
func (b *Bus) Serve(instance string, h Handler) func() {
	b.mu.Lock()
	b.handlers[instance] = h
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, instance)
		b.mu.Unlock()
	}
}

// SetInterceptor installs fn, or removes the interceptor when fn is nil
func (b *Bus) SetInterceptor(fn Interceptor) {
	b.mu.Lock()
	b.interceptor = fn
	b.mu.Unlock()
}

// Call delivers env to the handler serving target
func (b *Bus) Call(ctx context.Context, target, service string, env types.Envelope) (types.Reply, error) {
	if err := ctx.Err(); err != nil {
		return types.Reply{}, err
	}

	var wire types.Envelope
	if err := roundTrip(env, &wire); err != nil {
		return types.Reply{}, err
	}

	b.mu.Lock()
	b.calls = append(b.calls, RecordedCall{Target: target, Service: service, Env: wire})
	h := b.handlers[target]
	intercept := b.interceptor
	b.mu.Unlock()

	if intercept != nil {
		if reply, err, handled := intercept(target, service, wire); handled {
			return reply, err
		}
	}
	if h == nil {
		return types.Reply{}, fmt.Errorf("nats: no responders available for request rpc.%s.%s", target, service)
	}

	answer := h(ctx, service, wire)
	if err := ctx.Err(); err != nil {
		return types.Reply{}, fmt.Errorf("nats: timeout: %w", err)
	}

	var reply types.Reply
	if err := roundTrip(answer, &reply); err != nil {
		return types.Reply{}, err
	}
	return reply, nil
}

// Calls returns every call seen so far
func (b *Bus) Calls() []RecordedCall {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]RecordedCall, len(b.calls))
	copy(out, b.calls)
	return out
}

// CallCount counts calls to service on target. Empty arguments match any.
func (b *Bus) CallCount(target, service string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, c := range b.calls {
		if (target == "" || c.Target == target) && (service == "" || c.Service == service) {
			n++
		}
	}
	return n
}

// SubscribeStatus delivers events published for owner to fn
func (b *Bus) SubscribeStatus(owner string, fn func(types.StatusEvent)) (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status[owner] == nil {
		b.status[owner] = make(map[int]func(types.StatusEvent))
	}
	b.nextID++
	id := b.nextID
	b.status[owner][id] = fn

	return func() error {
		b.mu.Lock()
		delete(b.status[owner], id)
		b.mu.Unlock()
		return nil
	}, nil
}

// PublishStatus delivers event to the subscribers of owner synchronously
func (b *Bus) PublishStatus(_ context.Context, owner string, event types.StatusEvent) error {
	var wire types.StatusEvent
	if err := roundTrip(event, &wire); err != nil {
		return err
	}

	b.mu.Lock()
	data, _ := json.Marshal(wire)
	subject := types.StatusSubject(owner)
	b.published[subject] = append(b.published[subject], data)
	subs := make([]func(types.StatusEvent), 0, len(b.status[owner]))
	for _, fn := range b.status[owner] {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(wire)
	}
	return nil
}

// Channel returns a broadcast channel on subject
func (b *Bus) Channel(subject string) *Channel {
	return &Channel{bus: b, subject: subject}
}

// Channel is a broadcast subject every subscriber receives, the publisher
// included.
type Channel struct {
	bus     *Bus
	subject string
}

// Publish delivers data to every subscriber synchronously
func (c *Channel) Publish(_ context.Context, data []byte) error {
	b := c.bus
	b.mu.Lock()
	b.published[c.subject] = append(b.published[c.subject], append([]byte(nil), data...))
	subs := make([]func([]byte), 0, len(b.channels[c.subject]))
	for _, fn := range b.channels[c.subject] {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(append([]byte(nil), data...))
	}
	return nil
}

// Subscribe registers fn for messages on the channel
func (c *Channel) Subscribe(fn func([]byte)) (func() error, error) {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.channels[c.subject] == nil {
		b.channels[c.subject] = make(map[int]func([]byte))
	}
	b.nextID++
	id := b.nextID
	b.channels[c.subject][id] = fn

	return func() error {
		b.mu.Lock()
		delete(b.channels[c.subject], id)
		b.mu.Unlock()
		return nil
	}, nil
}

// Messages returns the payloads published on subject
func (b *Bus) Messages(subject string) [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	msgs := b.published[subject]
	out := make([][]byte, len(msgs))
	copy(out, msgs)
	return out
}

func roundTrip(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// WaitForMessageCount waits until subject carries at least count messages
func WaitForMessageCount(t *testing.T, bus *Bus, subject string, count int, timeout time.Duration) [][]byte {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		msgs := bus.Messages(subject)
		if len(msgs) >= count {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d messages on %s, got %d", count, subject, len(msgs))
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// WaitFor polls cond every 10ms until it holds or timeout elapses
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

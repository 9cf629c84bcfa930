// Package registrar allocates resource ids, performs the remote calls that
// create and destroy resources, and routes asynchronous status events back
// to a single callback.
package registrar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/metric"
	"github.com/c360/semstreams-robotics/pkg/worker"
	"github.com/c360/semstreams-robotics/types"
)

// DefaultCallTimeout bounds a call whose context carries no deadline
const DefaultCallTimeout = 10 * time.Second

// RPCClient performs request/response calls against manager instances and
// delivers status events published for an owner.
type RPCClient interface {
	Call(ctx context.Context, target, service string, env types.Envelope) (types.Reply, error)
	SubscribeStatus(owner string, fn func(types.StatusEvent)) (func() error, error)
}

// StatusCallback receives status events of resources created through the
// registrar. ctx carries the trace context of the event.
type StatusCallback func(ctx context.Context, event types.StatusEvent)

type route struct {
	service string
	target  string
}

// Option configures a Registrar
type Option func(*Registrar)

// WithLogger sets the registrar logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registrar) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics reports calls and status events to registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(r *Registrar) {
		r.registry = registry
		r.metrics = registry.CoreMetrics()
	}
}

// WithTracer sets the trace propagator
func WithTracer(tracer Tracer) Option {
	return func(r *Registrar) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithCallTimeout sets the timeout applied to calls without a deadline
func WithCallTimeout(timeout time.Duration) Option {
	return func(r *Registrar) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithStatusWorkers sets how many status events are dispatched concurrently
func WithStatusWorkers(n int) Option {
	return func(r *Registrar) {
		if n > 0 {
			r.workers = n
		}
	}
}

// Registrar is the resource registrar of one owner. Create it with New and
// call Initialize before use.
type Registrar struct {
	owner    string
	rpc      RPCClient
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
	tracer   Tracer
	timeout  time.Duration
	workers  int

	mu          sync.RWMutex
	initialized bool
	routes      map[string]route
	callback    StatusCallback
	pool        *worker.Pool[types.StatusEvent]
	unsubscribe func() error
	ctx         context.Context
	cancel      context.CancelFunc
}

// New creates an uninitialized registrar for owner. owner names the status
// subject events of its resources are delivered on.
func New(owner string, rpc RPCClient, opts ...Option) *Registrar {
	r := &Registrar{
		owner:   owner,
		rpc:     rpc,
		logger:  slog.Default().With("component", "registrar", "owner", owner),
		tracer:  NopTracer{},
		timeout: DefaultCallTimeout,
		workers: 4,
		routes:  make(map[string]route),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Owner returns the owner id
func (r *Registrar) Owner() string {
	return r.owner
}

// Initialize subscribes to status events and starts dispatching them
func (r *Registrar) Initialize(ctx context.Context) error {
	if r == nil || r.rpc == nil {
		return errors.New(errors.ErrUninitialized, "Registrar", "Initialize", "no rpc client", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	var poolOpts []worker.Option[types.StatusEvent]
	if r.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[types.StatusEvent](r.registry, "semrobotics_status_dispatch"))
	}
	pool := worker.NewPool(r.workers, 256,
		func(ev types.StatusEvent) string { return ev.ResourceID },
		r.dispatch, poolOpts...)
	if err := pool.Start(runCtx); err != nil {
		cancel()
		return errors.WrapFatal(err, "Registrar", "Initialize", "start status dispatcher")
	}

	unsubscribe, err := r.rpc.SubscribeStatus(r.owner, r.onStatus)
	if err != nil {
		_ = pool.Stop(time.Second)
		cancel()
		return errors.New(errors.ErrRPCFailure, "Registrar", "Initialize", "subscribe to status events", err)
	}

	r.pool = pool
	r.unsubscribe = unsubscribe
	r.ctx = runCtx
	r.cancel = cancel
	r.initialized = true
	r.logger.Info("Registrar initialized", "subject", types.StatusSubject(r.owner))
	return nil
}

// Close stops status delivery. Routes are kept so a closed registrar can
// be inspected but it can no longer be used for calls.
func (r *Registrar) Close() error {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return nil
	}
	r.initialized = false
	unsubscribe, pool, cancel := r.unsubscribe, r.pool, r.cancel
	r.mu.Unlock()

	var errs []error
	if unsubscribe != nil {
		if err := unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := pool.Stop(5 * time.Second); err != nil {
		errs = append(errs, err)
	}
	cancel()

	return errors.Wrap(errors.Join(errs...), "Registrar", "Close", "shutdown")
}

func (r *Registrar) ready(method string) error {
	if r == nil {
		return errors.New(errors.ErrUninitialized, "Registrar", method, "nil registrar", nil)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.initialized {
		return errors.New(errors.ErrUninitialized, "Registrar", method, "registrar not initialized", nil)
	}
	return nil
}

// Call allocates a resource id, asks target to create the resource through
// service and decodes the reply payload into response. The resource id is
// routable from before the call is sent until it is unloaded or forgotten.
func (r *Registrar) Call(ctx context.Context, service, target string, request, response any) (string, error) {
	if err := r.ready("Call"); err != nil {
		return "", err
	}

	id := uuid.NewString()
	r.mu.Lock()
	r.routes[id] = route{service: service, target: target}
	r.mu.Unlock()

	if err := r.invoke(ctx, "Call", service, target, id, request, response); err != nil {
		r.Forget(id)
		return "", err
	}

	r.logger.Debug("Resource allocated", "resource_id", id, "service", service, "target", target)
	return id, nil
}

// Request performs a call that does not create a resource
func (r *Registrar) Request(ctx context.Context, service, target string, request, response any) error {
	if err := r.ready("Request"); err != nil {
		return err
	}
	return r.invoke(ctx, "Request", service, target, "", request, response)
}

func (r *Registrar) invoke(ctx context.Context, method, service, target, id string, request, response any) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	ctx, end := r.tracer.Start(ctx, "registrar."+service)

	start := time.Now()
	err := r.exchange(ctx, method, service, target, id, request, response)
	end(err)

	outcome := "success"
	if err != nil {
		outcome = errors.Code(err)
	}
	r.metrics.RecordCall(service, outcome, time.Since(start))
	return err
}

func (r *Registrar) exchange(ctx context.Context, method, service, target, id string, request, response any) error {
	var payload json.RawMessage
	if request != nil {
		data, err := json.Marshal(request)
		if err != nil {
			return errors.New(errors.ErrRPCFailure, "Registrar", method, "encode "+service+" request", err)
		}
		payload = data
	}

	env := types.Envelope{
		ResourceID: id,
		Owner:      r.owner,
		Trace:      r.tracer.Inject(ctx),
		Payload:    payload,
	}

	reply, err := r.rpc.Call(ctx, target, service, env)
	if err != nil {
		return errors.New(errors.ErrRPCFailure, "Registrar", method,
			fmt.Sprintf("%s on %s", service, target), err)
	}
	if !reply.OK() {
		sentinel := errors.ErrRPCFailure
		if reply.Code == errors.CodeResolutionFailed {
			sentinel = errors.ErrResolutionFailed
		}
		return errors.New(sentinel, "Registrar", method,
			fmt.Sprintf("%s on %s rejected: %s", service, target, reply.Error), nil)
	}

	if response != nil && len(reply.Payload) > 0 {
		if err := json.Unmarshal(reply.Payload, response); err != nil {
			return errors.New(errors.ErrRPCFailure, "Registrar", method, "decode "+service+" reply", err)
		}
	}
	return nil
}

func (r *Registrar) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Unload asks the instance that created resourceID to destroy it. The
// resource stays routable unless the unload succeeds.
func (r *Registrar) Unload(ctx context.Context, resourceID string) error {
	if err := r.ready("Unload"); err != nil {
		return err
	}

	r.mu.RLock()
	rt, ok := r.routes[resourceID]
	r.mu.RUnlock()
	if !ok {
		r.metrics.RecordUnload("unknown")
		return errors.New(errors.ErrUnloadFailure, "Registrar", "Unload",
			"unknown resource "+resourceID, nil)
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	ctx, end := r.tracer.Start(ctx, "registrar.unload")

	env := types.Envelope{ResourceID: resourceID, Owner: r.owner, Trace: r.tracer.Inject(ctx)}
	reply, err := r.rpc.Call(ctx, rt.target, types.ServiceUnload, env)
	switch {
	case err != nil:
		err = errors.New(errors.ErrUnloadFailure, "Registrar", "Unload",
			fmt.Sprintf("unload %s on %s", resourceID, rt.target), err)
	case !reply.OK():
		err = errors.New(errors.ErrUnloadFailure, "Registrar", "Unload",
			fmt.Sprintf("unload %s on %s rejected: %s", resourceID, rt.target, reply.Error), nil)
	}
	end(err)

	if err != nil {
		r.metrics.RecordUnload("failed")
		return err
	}

	r.Forget(resourceID)
	r.metrics.RecordUnload("success")
	r.logger.Debug("Resource unloaded", "resource_id", resourceID, "target", rt.target)
	return nil
}

// Forget drops the routing association of resourceID without contacting
// the remote side. Later status events for it are treated as unknown.
func (r *Registrar) Forget(resourceID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.routes, resourceID)
	r.mu.Unlock()
}

// Known reports whether resourceID is routable
func (r *Registrar) Known(resourceID string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.routes[resourceID]
	return ok
}

// RegisterStatusCallback installs the single status callback
func (r *Registrar) RegisterStatusCallback(fn StatusCallback) error {
	if err := r.ready("RegisterStatusCallback"); err != nil {
		return err
	}
	if fn == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Registrar", "RegisterStatusCallback", "nil callback")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.callback != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Registrar", "RegisterStatusCallback",
			"status callback already registered")
	}
	r.callback = fn
	return nil
}

// onStatus receives events from the transport and queues routable ones
// for in-order dispatch per resource.
func (r *Registrar) onStatus(event types.StatusEvent) {
	if err := event.Validate(); err != nil {
		r.logger.Warn("Dropping malformed status event", "error", err)
		return
	}

	r.mu.RLock()
	_, known := r.routes[event.ResourceID]
	pool, ctx := r.pool, r.ctx
	r.mu.RUnlock()

	r.metrics.RecordStatusEvent(string(event.Code), known)
	if !known {
		r.logger.Warn("Dropping status event for unknown resource",
			"resource_id", event.ResourceID, "code", event.Code, "origin", event.Origin)
		return
	}

	if err := pool.Submit(ctx, event); err != nil {
		r.logger.Warn("Status event not dispatched", "resource_id", event.ResourceID, "error", err)
	}
}

func (r *Registrar) dispatch(ctx context.Context, event types.StatusEvent) error {
	r.mu.RLock()
	callback := r.callback
	r.mu.RUnlock()

	if callback == nil {
		r.logger.Debug("No status callback registered", "resource_id", event.ResourceID, "code", event.Code)
		return nil
	}

	callback(r.tracer.Extract(ctx, event.Trace), event)
	return nil
}

// Package orchestrator tracks the components and pipes a client has
// allocated, and keeps them alive when the processes behind them fail.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/metric"
	"github.com/c360/semstreams-robotics/registrar"
	"github.com/c360/semstreams-robotics/types"
)

// Registrar is the part of registrar.Registrar the orchestrator uses
type Registrar interface {
	Call(ctx context.Context, service, target string, request, response any) (string, error)
	Request(ctx context.Context, service, target string, request, response any) error
	Unload(ctx context.Context, resourceID string) error
	Forget(resourceID string)
	RegisterStatusCallback(fn registrar.StatusCallback) error
}

// ComponentHandler reacts to a status event of a component allocation
type ComponentHandler func(ctx context.Context, alloc ComponentAllocation)

// PipeHandler reacts to a status event of a pipe allocation
type PipeHandler func(ctx context.Context, alloc PipeAllocation)

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics reports allocations and recoveries to registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *Orchestrator) {
		o.metrics = registry.CoreMetrics()
	}
}

// WithRecoveryRate limits how often failed allocations are re-requested,
// across both classes. A pipe that crashes on every start is otherwise
// reloaded as fast as the manager answers.
func WithRecoveryRate(limit rate.Limit, burst int) Option {
	return func(o *Orchestrator) {
		o.recoveries = rate.NewLimiter(limit, burst)
	}
}

// Default recovery budget: bursts of 5, then one re-request per 200ms.
const (
	DefaultRecoveryInterval = 200 * time.Millisecond
	DefaultRecoveryBurst    = 5
)

// Orchestrator starts, stops and reloads components and pipes on behalf of
// a client, and recovers them on failure.
type Orchestrator struct {
	name      string
	namespace string
	registrar Registrar
	logger    *slog.Logger
	metrics   *metric.Metrics

	recoveries *rate.Limiter

	// mu guards both tables, the handlers and initialized. It is never
	// held across a registrar call.
	mu          sync.Mutex
	initialized bool
	components  *class[types.ComponentRequest, types.ComponentResponse]
	pipes       *class[types.PipeRequest, types.PipeResponse]
}

// New creates an orchestrator. namespace is the instance requests are sent
// to unless they name one.
func New(name, namespace string, reg Registrar, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		name:      name,
		namespace: namespace,
		registrar: reg,
		logger:    slog.Default().With("component", "orchestrator", "name", name),

		recoveries: rate.NewLimiter(rate.Every(DefaultRecoveryInterval), DefaultRecoveryBurst),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.components = &class[types.ComponentRequest, types.ComponentResponse]{
		name:    "component",
		service: types.ServiceLoadComponent,
		table:   newTable[types.ComponentRequest, types.ComponentResponse](),
		fingerprint: func(r types.ComponentRequest) types.Fingerprint {
			return r.Fingerprint()
		},
		instance: func(r *types.ComponentRequest) *string { return &r.Instance },
		setID: func(r *types.ComponentResponse, id string) {
			r.ResourceID = id
		},
		continuity: func(req types.ComponentRequest, resp types.ComponentResponse) types.ComponentRequest {
			req = req.Clone()
			req.Topics = req.Topics.WithOutputs(resp.Topics.Outputs)
			return req
		},
		cloneRequest:  types.ComponentRequest.Clone,
		cloneResponse: types.ComponentResponse.Clone,
	}

	o.pipes = &class[types.PipeRequest, types.PipeResponse]{
		name:    "pipe",
		service: types.ServiceLoadPipe,
		table:   newTable[types.PipeRequest, types.PipeResponse](),
		fingerprint: func(r types.PipeRequest) types.Fingerprint {
			return r.Fingerprint()
		},
		instance: func(r *types.PipeRequest) *string { return &r.Instance },
		setID: func(r *types.PipeResponse, id string) {
			r.ResourceID = id
		},
		continuity: func(req types.PipeRequest, resp types.PipeResponse) types.PipeRequest {
			req = req.Clone()
			req.PipeID = resp.PipeID
			req.Topics = req.Topics.WithOutputs(resp.Topics.Outputs)
			return req
		},
		cloneRequest:  types.PipeRequest.Clone,
		cloneResponse: types.PipeResponse.Clone,
	}
	return o
}

// Name returns the orchestrator name
func (o *Orchestrator) Name() string { return o.name }

// Namespace returns the default target instance
func (o *Orchestrator) Namespace() string { return o.namespace }

func (o *Orchestrator) componentClass() *class[types.ComponentRequest, types.ComponentResponse] {
	if o == nil {
		return nil
	}
	return o.components
}

func (o *Orchestrator) pipeClass() *class[types.PipeRequest, types.PipeResponse] {
	if o == nil {
		return nil
	}
	return o.pipes
}

// Initialize registers the orchestrator as the registrar's status callback
func (o *Orchestrator) Initialize() error {
	if o == nil || o.registrar == nil {
		return errors.New(errors.ErrUninitialized, "Orchestrator", "Initialize", "no registrar", nil)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.initialized {
		return nil
	}
	if err := o.registrar.RegisterStatusCallback(o.handleStatus); err != nil {
		return err
	}
	o.initialized = true
	return nil
}

func (o *Orchestrator) ready(method string) error {
	if o == nil || o.registrar == nil {
		return errors.New(errors.ErrUninitialized, "Orchestrator", method, "no registrar", nil)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.initialized {
		return errors.New(errors.ErrUninitialized, "Orchestrator", method, "orchestrator not initialized", nil)
	}
	return nil
}

// SetComponentRecoveryHandler replaces default component recovery with fn.
// A nil fn restores the default.
func (o *Orchestrator) SetComponentRecoveryHandler(fn ComponentHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.components.recovery = fn
}

// SetComponentUpdateHandler sets the handler for component UPDATED events
func (o *Orchestrator) SetComponentUpdateHandler(fn ComponentHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.components.update = fn
}

// SetPipeRecoveryHandler replaces default pipe recovery with fn.
// A nil fn restores the default.
func (o *Orchestrator) SetPipeRecoveryHandler(fn PipeHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pipes.recovery = fn
}

// SetPipeUpdateHandler sets the handler for pipe UPDATED events
func (o *Orchestrator) SetPipeUpdateHandler(fn PipeHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pipes.update = fn
}

// StartComponent loads a component and tracks it. Equivalent allocations
// are not deduplicated.
func (o *Orchestrator) StartComponent(ctx context.Context, req types.ComponentRequest) (types.ComponentResponse, error) {
	alloc, err := start(ctx, o, o.componentClass(), "StartComponent", req)
	return alloc.Response, err
}

// StopComponent unloads the oldest component allocation equivalent to shape
func (o *Orchestrator) StopComponent(ctx context.Context, shape types.ComponentRequest) error {
	return stop(ctx, o, o.componentClass(), "StopComponent", shape)
}

// ReloadComponent stops the component equivalent to shape and starts it
// again on the same output topics.
func (o *Orchestrator) ReloadComponent(ctx context.Context, shape types.ComponentRequest) (types.ComponentResponse, error) {
	alloc, err := reload(ctx, o, o.componentClass(), "ReloadComponent", shape)
	return alloc.Response, err
}

// Components returns copies of the component allocations in creation order
func (o *Orchestrator) Components() []ComponentAllocation {
	return snapshot(o, o.componentClass())
}

// ListComponents asks the namespace instance which components it can load.
// An empty componentType lists them all.
func (o *Orchestrator) ListComponents(ctx context.Context, componentType string) ([]types.ComponentInfo, error) {
	if err := o.ready("ListComponents"); err != nil {
		return nil, err
	}
	var resp types.ListComponentsResponse
	if err := o.registrar.Request(ctx, types.ServiceListComponents, o.namespace,
		types.ListComponentsRequest{Type: componentType}, &resp); err != nil {
		return nil, err
	}
	return resp.Components, nil
}

// StartPipe resolves and loads a pipe and tracks it. Equivalent
// allocations are not deduplicated.
func (o *Orchestrator) StartPipe(ctx context.Context, req types.PipeRequest) (types.PipeResponse, error) {
	alloc, err := start(ctx, o, o.pipeClass(), "StartPipe", req)
	return alloc.Response, err
}

// StopPipe unloads the oldest pipe allocation equivalent to the shape
func (o *Orchestrator) StopPipe(ctx context.Context, category string, specifiers []types.SegmentSpecifier, localOnly bool) error {
	return stop(ctx, o, o.pipeClass(), "StopPipe", types.PipeShape(category, specifiers, localOnly))
}

// ReloadPipe stops the pipe equivalent to the shape and starts it again
// under the same pipe id.
func (o *Orchestrator) ReloadPipe(ctx context.Context, category string, specifiers []types.SegmentSpecifier, localOnly bool) (types.PipeResponse, error) {
	alloc, err := reload(ctx, o, o.pipeClass(), "ReloadPipe", types.PipeShape(category, specifiers, localOnly))
	return alloc.Response, err
}

// Pipes returns copies of the pipe allocations in creation order
func (o *Orchestrator) Pipes() []PipeAllocation {
	return snapshot(o, o.pipeClass())
}

// handleStatus is the registrar status callback. Events of one resource
// arrive in order; events of different resources may run concurrently.
func (o *Orchestrator) handleStatus(ctx context.Context, event types.StatusEvent) {
	if handleEvent(ctx, o, o.components, event) || handleEvent(ctx, o, o.pipes, event) {
		return
	}
	o.logger.Warn("Dropping status event for unknown allocation",
		"resource_id", event.ResourceID, "code", event.Code, "message", event.Message)
}

func (o *Orchestrator) recordAllocations(className string, n int) {
	o.metrics.SetAllocations(className, n)
}

func notFound(method, className string, fp types.Fingerprint) error {
	return errors.New(errors.ErrUnloadNotFound, "Orchestrator", method,
		fmt.Sprintf("no %s allocation matches %s", className, fp), nil)
}

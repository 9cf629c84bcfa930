package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/semstreams-robotics/catalog"
	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/launcher"
	"github.com/c360/semstreams-robotics/metric"
	"github.com/c360/semstreams-robotics/registrar"
	"github.com/c360/semstreams-robotics/resolver"
	"github.com/c360/semstreams-robotics/types"
)

// ServerName is the service name of the component manager server
const ServerName = "component-manager"

// Server answers the load, unload and list requests addressed to one
// manager instance. Components are launched locally when the catalog has
// them and forwarded to the advertising peer otherwise. Resources that fail
// are reported to their owner with a FAILED status event.
type Server struct {
	*BaseService

	instance  string
	catalog   Catalog
	launcher  launcher.Launcher
	status    StatusPublisher
	forwarder Forwarder
	tracer    registrar.Tracer
	resolver  *resolver.Resolver
	logger    *slog.Logger
	metrics   *metric.Metrics

	mu         sync.Mutex
	resources  map[string]*resource
	forwards   map[string]string // forwarded resource id -> client resource id
	subscribed bool
}

// NewServer creates the server of instance
func NewServer(instance string, deps Dependencies, opts ...Option) (*Server, error) {
	if instance == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "NewServer", "instance id")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", ServerName, "instance", instance)

	tracer := deps.Tracer
	if tracer == nil {
		tracer = registrar.NopTracer{}
	}

	s := &Server{
		instance:  instance,
		catalog:   deps.Catalog,
		launcher:  deps.Launcher,
		status:    deps.Status,
		forwarder: deps.Forwarder,
		tracer:    tracer,
		resolver:  resolver.New(deps.Catalog, logger, deps.Metrics),
		logger:    logger,
		metrics:   deps.Metrics.CoreMetrics(),
		resources: make(map[string]*resource),
		forwards:  make(map[string]string),
	}

	base := []Option{WithLogger(logger), WithMetrics(deps.Metrics)}
	s.BaseService = NewBaseService(ServerName, append(base, opts...)...)
	return s, nil
}

// Instance returns the id of the instance the server answers for
func (s *Server) Instance() string {
	return s.instance
}

// Start subscribes to status events of forwarded resources and marks the
// server running.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.forwarder != nil && !s.subscribed {
		if err := s.forwarder.RegisterStatusCallback(s.onForwardedStatus); err != nil {
			s.mu.Unlock()
			return errors.Wrap(err, "Server", "Start", "register forwarded status callback")
		}
		s.subscribed = true
	}
	s.mu.Unlock()

	if err := s.BaseService.Start(ctx); err != nil {
		return err
	}
	s.logger.Info("Component manager serving")
	return nil
}

// Stop unloads every resource still held and marks the server stopped
func (s *Server) Stop(timeout time.Duration) error {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	for _, id := range s.Resources() {
		if err := s.unload(ctx, id); err != nil && !errors.Is(err, errors.ErrUnloadNotFound) {
			errs = append(errs, err)
		}
	}

	errs = append(errs, s.BaseService.Stop(timeout))
	return errors.Join(errs...)
}

// Resources returns the ids of the resources currently held
func (s *Server) Resources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.resources))
	for id := range s.resources {
		ids = append(ids, id)
	}
	return ids
}

// HandleRPC answers one request. The returned reply carries the error code
// of the orchestration taxonomy when the request fails.
func (s *Server) HandleRPC(ctx context.Context, service string, env types.Envelope) types.Reply {
	ctx = s.tracer.Extract(ctx, env.Trace)

	switch service {
	case types.ServiceLoadComponent:
		var req types.ComponentRequest
		if err := decode(env, &req); err != nil {
			return errorReply(env.ResourceID, err)
		}
		resp, err := s.LoadComponent(ctx, env, req)
		if err != nil {
			return errorReply(env.ResourceID, err)
		}
		return payloadReply(env.ResourceID, resp)

	case types.ServiceLoadPipe:
		var req types.PipeRequest
		if err := decode(env, &req); err != nil {
			return errorReply(env.ResourceID, err)
		}
		resp, err := s.LoadPipe(ctx, env, req)
		if err != nil {
			return errorReply(env.ResourceID, err)
		}
		return payloadReply(env.ResourceID, resp)

	case types.ServiceUnload:
		if err := s.unload(ctx, env.ResourceID); err != nil {
			return errorReply(env.ResourceID, err)
		}
		return types.Reply{ResourceID: env.ResourceID}

	case types.ServiceListComponents:
		var req types.ListComponentsRequest
		if err := decode(env, &req); err != nil {
			return errorReply(env.ResourceID, err)
		}
		return payloadReply(env.ResourceID, s.ListComponents(req))

	default:
		return errorReply(env.ResourceID, errors.New(errors.ErrRPCFailure, "Server", "HandleRPC",
			"unknown service "+service, nil))
	}
}

// LoadComponent starts a component for the resource id of env
func (s *Server) LoadComponent(ctx context.Context, env types.Envelope, req types.ComponentRequest) (types.ComponentResponse, error) {
	res, err := s.reserve(env, kindComponent)
	if err != nil {
		return types.ComponentResponse{}, err
	}

	resp, err := s.bindComponent(ctx, res, req, res.id)
	if err == nil {
		err = s.commit(res)
	}
	if err != nil {
		s.teardown(ctx, res)
		return types.ComponentResponse{}, err
	}

	s.logger.InfoContext(ctx, "Component loaded", "resource_id", res.id, "owner", res.owner,
		"type", req.Type, "name", resp.Name, "instance", resp.Instance)
	return resp, nil
}

// LoadPipe resolves a pipe and starts its segments for the resource id of env
func (s *Server) LoadPipe(ctx context.Context, env types.Envelope, req types.PipeRequest) (types.PipeResponse, error) {
	res, err := s.reserve(env, kindPipe)
	if err != nil {
		return types.PipeResponse{}, err
	}

	resp, err := s.buildPipe(ctx, res, req)
	if err == nil {
		err = s.commit(res)
	}
	if err != nil {
		s.teardown(ctx, res)
		return types.PipeResponse{}, err
	}

	s.logger.InfoContext(ctx, "Pipe loaded", "resource_id", res.id, "owner", res.owner,
		"category", req.Category, "pipe", resp.Descriptor, "pipe_id", resp.PipeID, "origin", resp.Origin)
	return resp, nil
}

func (s *Server) buildPipe(ctx context.Context, res *resource, req types.PipeRequest) (types.PipeResponse, error) {
	localOnly := req.UseOnlyLocal || s.forwarder == nil
	resolution, err := s.resolver.Resolve(req.Category, req.Specifiers, localOnly)
	if err != nil {
		return types.PipeResponse{}, err
	}

	pipeID := req.PipeID
	if pipeID == "" {
		pipeID = uuid.NewString()
	}

	if resolution.IsRemote() {
		return s.forwardPipe(ctx, res, req, pipeID, resolution.Origin)
	}

	s.mu.Lock()
	res.category = resolution.Descriptor.Category
	res.pipe = resolution.Descriptor.Name
	s.mu.Unlock()

	plan := PlanSegments(pipeID, resolution, req)
	var topics types.TopicContract
	for i, creq := range plan {
		cresp, err := s.bindComponent(ctx, res, creq, segmentProcessID(res.id, i))
		if err != nil {
			return types.PipeResponse{}, err
		}
		if i == 0 {
			topics.Inputs = maps.Clone(cresp.Topics.Inputs)
		}
		if i == len(plan)-1 {
			topics.Outputs = maps.Clone(cresp.Topics.Outputs)
		}
	}

	return types.PipeResponse{
		ResourceID: res.id,
		PipeID:     pipeID,
		Descriptor: resolution.Descriptor.Name,
		Origin:     s.instance,
		Topics:     topics,
	}, nil
}

func (s *Server) forwardPipe(ctx context.Context, res *resource, req types.PipeRequest, pipeID, origin string) (types.PipeResponse, error) {
	fwd := req.Clone()
	fwd.UseOnlyLocal = true
	fwd.PipeID = pipeID
	fwd.Instance = origin

	var resp types.PipeResponse
	id, err := s.forwarder.Call(ctx, types.ServiceLoadPipe, origin, fwd, &resp)
	if err != nil {
		return types.PipeResponse{}, err
	}
	s.attachForward(res, id)

	resp.ResourceID = res.id
	if resp.Origin == "" {
		resp.Origin = origin
	}
	return resp, nil
}

// bindComponent starts one component for res, locally when possible
func (s *Server) bindComponent(ctx context.Context, res *resource, req types.ComponentRequest, processID string) (types.ComponentResponse, error) {
	if desc, ok := pick(s.catalog.LocalComponents(req.Type, req.Package, req.Executable)); ok {
		info := desc.ComponentInfo.Clone()
		info.Instance = s.instance
		info.Topics = info.Topics.Overlay(req.Topics)
		info.Parameters = info.Parameters.Overlay(req.Parameters)

		resourceID := res.id
		proc, err := s.launcher.Launch(ctx, launcher.Spec{ResourceID: processID, Component: info}, func(exitErr error) {
			s.processExited(resourceID, processID, exitErr)
		})
		if err != nil {
			return types.ComponentResponse{}, errors.New(errors.ErrRPCFailure, "Server", "bindComponent",
				"launch component "+info.Name, err)
		}
		s.attachProcess(res, proc)

		return types.ComponentResponse{
			ResourceID: res.id,
			Name:       info.Name,
			Instance:   s.instance,
			Topics:     info.Topics,
			Parameters: info.Parameters,
		}, nil
	}

	if req.UseOnlyLocal || s.forwarder == nil {
		return types.ComponentResponse{}, errors.New(errors.ErrResolutionFailed, "Server", "bindComponent",
			fmt.Sprintf("no local component of type %q", req.Type), nil)
	}

	remote, ok := pick(s.catalog.RemoteComponents(req.Type, req.Package, req.Executable))
	if !ok {
		return types.ComponentResponse{}, errors.New(errors.ErrResolutionFailed, "Server", "bindComponent",
			fmt.Sprintf("no component of type %q on any instance", req.Type), nil)
	}

	fwd := req.Clone()
	fwd.UseOnlyLocal = true
	fwd.Package = remote.Package
	fwd.Executable = remote.Executable
	fwd.Instance = remote.Instance

	var resp types.ComponentResponse
	id, err := s.forwarder.Call(ctx, types.ServiceLoadComponent, remote.Instance, fwd, &resp)
	if err != nil {
		return types.ComponentResponse{}, err
	}
	s.attachForward(res, id)

	resp.ResourceID = res.id
	s.logger.DebugContext(ctx, "Component forwarded", "resource_id", res.id,
		"type", req.Type, "peer", remote.Instance, "forwarded_id", id)
	return resp, nil
}

// pick returns the most reliable descriptor, the earliest on ties
func pick(descs []catalog.ComponentDescriptor) (catalog.ComponentDescriptor, bool) {
	best := -1
	for i, d := range descs {
		if best < 0 || d.Reliability > descs[best].Reliability {
			best = i
		}
	}
	if best < 0 {
		return catalog.ComponentDescriptor{}, false
	}
	return descs[best], true
}

// ListComponents lists local components first, then peer components
func (s *Server) ListComponents(req types.ListComponentsRequest) types.ListComponentsResponse {
	resp := types.ListComponentsResponse{Components: []types.ComponentInfo{}}
	for _, d := range s.catalog.LocalComponents(req.Type, "", "") {
		info := d.ComponentInfo
		info.Instance = s.instance
		resp.Components = append(resp.Components, info)
	}
	for _, d := range s.catalog.RemoteComponents(req.Type, "", "") {
		resp.Components = append(resp.Components, d.ComponentInfo)
	}
	return resp
}

func (s *Server) reserve(env types.Envelope, kind string) (*resource, error) {
	if env.ResourceID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Server", "reserve", "missing resource id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.resources[env.ResourceID]; exists {
		return nil, errors.New(errors.ErrRPCFailure, "Server", "reserve",
			"resource "+env.ResourceID+" already loaded", nil)
	}
	res := newResource(env.ResourceID, env.Owner, kind, env.Trace)
	s.resources[res.id] = res
	return res, nil
}

// commit finishes a load. It fails when the resource was unloaded or one
// of its parts failed while it was being built.
func (s *Server) commit(res *resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resources[res.id] != res {
		return errors.New(errors.ErrRPCFailure, "Server", "commit",
			"resource "+res.id+" was unloaded while loading", nil)
	}
	if res.failed {
		return errors.New(errors.ErrRPCFailure, "Server", "commit",
			"resource "+res.id+" failed while loading: "+res.failure, nil)
	}
	res.loading = false
	s.metrics.SetAllocations("served", len(s.resources))
	return nil
}

func (s *Server) attachProcess(res *resource, proc launcher.Process) {
	s.mu.Lock()
	res.processes = append(res.processes, proc)
	s.mu.Unlock()
}

func (s *Server) attachForward(res *resource, id string) {
	s.mu.Lock()
	res.forwards = append(res.forwards, id)
	s.forwards[id] = res.id
	s.mu.Unlock()
}

// teardown releases whatever a failed load already started
func (s *Server) teardown(ctx context.Context, res *resource) {
	s.mu.Lock()
	if s.resources[res.id] == res {
		delete(s.resources, res.id)
	}
	res.stopping = true
	procs := res.processes
	fwds := res.forwards
	for _, id := range fwds {
		delete(s.forwards, id)
	}
	s.mu.Unlock()

	for i := len(procs) - 1; i >= 0; i-- {
		if err := procs[i].Stop(ctx); err != nil {
			s.logger.Warn("Stop after failed load", "resource_id", res.id, "process", procs[i].ResourceID(), "error", err)
		}
	}
	for _, id := range fwds {
		if err := s.forwarder.Unload(ctx, id); err != nil {
			s.forwarder.Forget(id)
			s.logger.Warn("Unload after failed load", "resource_id", res.id, "forwarded_id", id, "error", err)
		}
	}
}

// unload stops every process and forwarded resource of id. Parts that fail
// to stop stay attached so a later unload retries them.
func (s *Server) unload(ctx context.Context, id string) error {
	s.mu.Lock()
	res, ok := s.resources[id]
	if !ok || res.stopping {
		s.mu.Unlock()
		return errors.New(errors.ErrUnloadNotFound, "Server", "unload", "resource "+id, nil)
	}
	res.stopping = true
	procs := res.processes
	fwds := res.forwards
	failed := res.failed
	s.mu.Unlock()

	var errs []error
	var keptProcs []launcher.Process
	for i := len(procs) - 1; i >= 0; i-- {
		if err := procs[i].Stop(ctx); err != nil {
			errs = append(errs, err)
			keptProcs = append([]launcher.Process{procs[i]}, keptProcs...)
		}
	}

	var keptForwards, released []string
	for _, fid := range fwds {
		err := s.forwarder.Unload(ctx, fid)
		switch {
		case err == nil:
			released = append(released, fid)
		case failed:
			// the peer may be gone with the resource
			s.forwarder.Forget(fid)
			released = append(released, fid)
			s.logger.Warn("Releasing forwarded resource of failed resource", "resource_id", id,
				"forwarded_id", fid, "error", err)
		default:
			errs = append(errs, err)
			keptForwards = append(keptForwards, fid)
		}
	}

	s.mu.Lock()
	for _, fid := range released {
		delete(s.forwards, fid)
	}
	if len(errs) == 0 {
		delete(s.resources, id)
	} else {
		res.processes = keptProcs
		res.forwards = keptForwards
		res.stopping = false
	}
	s.metrics.SetAllocations("served", len(s.resources))
	s.mu.Unlock()

	if len(errs) > 0 {
		return errors.New(errors.ErrUnloadFailure, "Server", "unload", "resource "+id, errors.Join(errs...))
	}
	s.logger.InfoContext(ctx, "Resource unloaded", "resource_id", id)
	return nil
}

func (s *Server) processExited(resourceID, processID string, err error) {
	s.logger.Warn("Component process exited", "resource_id", resourceID, "process", processID, "error", err)
	s.fail(resourceID, fmt.Sprintf("process %s exited: %v", processID, err))
}

// onForwardedStatus relays status events of forwarded resources to the
// owner of the client resource they belong to.
func (s *Server) onForwardedStatus(ctx context.Context, event types.StatusEvent) {
	s.mu.Lock()
	id, ok := s.forwards[event.ResourceID]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("Status event for released forward", "forwarded_id", event.ResourceID, "code", event.Code)
		return
	}

	switch event.Code {
	case types.StatusFailed:
		s.fail(id, fmt.Sprintf("forwarded resource on %s failed: %s", event.Origin, event.Message))
	case types.StatusUpdated:
		s.publish(ctx, id, types.StatusUpdated, event.Message)
	}
}

// fail reports a resource FAILED once. A failed local pipe lowers the
// reliability of its descriptor. A resource still loading is not reported:
// its load request fails at commit instead, since the owner does not know
// the resource yet.
func (s *Server) fail(id, message string) {
	s.mu.Lock()
	res, ok := s.resources[id]
	if !ok || res.failed || res.stopping {
		s.mu.Unlock()
		return
	}
	res.failed = true
	res.failure = message
	kind, category, pipe, loading := res.kind, res.category, res.pipe, res.loading
	s.mu.Unlock()

	if kind == kindPipe && pipe != "" {
		if rel, ok := s.catalog.RecordPipeOutcome(category, pipe, false); ok {
			s.logger.Info("Pipe reliability lowered", "category", category, "pipe", pipe, "reliability", float64(rel))
		}
	}
	if loading {
		s.logger.Warn("Resource failed while loading", "resource_id", id, "error", message)
		return
	}
	s.publish(context.Background(), id, types.StatusFailed, message)
}

func (s *Server) publish(ctx context.Context, id string, code types.StatusCode, message string) {
	s.mu.Lock()
	res, ok := s.resources[id]
	var owner string
	var trace map[string]string
	if ok {
		owner, trace = res.owner, maps.Clone(res.trace)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	event := types.StatusEvent{
		ResourceID: id,
		Code:       code,
		Message:    message,
		Origin:     s.instance,
		Timestamp:  time.Now(),
		Trace:      trace,
	}
	if err := s.status.PublishStatus(ctx, owner, event); err != nil {
		s.logger.Error("Failed to publish status event", "resource_id", id, "owner", owner,
			"code", code, "error", err)
		return
	}
	s.logger.Debug("Status event published", "resource_id", id, "owner", owner, "code", code)
}

func decode(env types.Envelope, v any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return errors.WrapInvalid(errors.ErrParsingFailed, "Server", "decode", err.Error())
	}
	return nil
}

func payloadReply(id string, v any) types.Reply {
	data, err := json.Marshal(v)
	if err != nil {
		return errorReply(id, errors.New(errors.ErrRPCFailure, "Server", "reply", "encode response", err))
	}
	return types.Reply{ResourceID: id, Payload: data}
}

func errorReply(id string, err error) types.Reply {
	code := errors.Code(err)
	if code == "" {
		code = errors.CodeRPCFailure
	}
	return types.Reply{ResourceID: id, Code: code, Error: err.Error()}
}

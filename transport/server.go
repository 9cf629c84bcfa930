package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/metric"
	"github.com/c360/semstreams-robotics/pkg/worker"
	"github.com/c360/semstreams-robotics/types"
)

// Handler answers one request. service.Server.HandleRPC satisfies it.
type Handler func(ctx context.Context, service string, env types.Envelope) types.Reply

// request is one received call waiting for a worker
type request struct {
	service string
	env     types.Envelope
	respond func([]byte) error
}

// ServerOption configures an RPCServer
type ServerOption func(*RPCServer)

// WithServerLogger sets the server logger
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *RPCServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithWorkers sets how many requests are handled concurrently
func WithWorkers(n int) ServerOption {
	return func(s *RPCServer) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithServerMetrics reports request queue metrics to registry
func WithServerMetrics(registry *metric.MetricsRegistry) ServerOption {
	return func(s *RPCServer) {
		s.registry = registry
	}
}

// RPCServer answers requests on rpc.<instance>.*. Requests for the same
// resource id are handled in arrival order; a load followed by an unload
// of one resource never overtake each other.
type RPCServer struct {
	conn     Conn
	instance string
	handler  Handler
	logger   *slog.Logger
	workers  int
	registry *metric.MetricsRegistry

	mu          sync.Mutex
	pool        *worker.Pool[request]
	ctx         context.Context
	unsubscribe func() error
}

// NewRPCServer creates a server for instance
func NewRPCServer(conn Conn, instance string, handler Handler, opts ...ServerOption) *RPCServer {
	s := &RPCServer{
		conn:     conn,
		instance: instance,
		handler:  handler,
		logger:   slog.Default(),
		workers:  8,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "rpc-server", "instance", instance)
	return s
}

// Start subscribes to the instance's request subjects
func (s *RPCServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "RPCServer", "Start", "start server")
	}

	var poolOpts []worker.Option[request]
	if s.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[request](s.registry, "semrobotics_rpc_requests"))
	}
	pool := worker.NewPool(s.workers, 64,
		func(r request) string { return r.env.ResourceID },
		s.process, poolOpts...)
	if err := pool.Start(ctx); err != nil {
		return errors.WrapFatal(err, "RPCServer", "Start", "start request workers")
	}

	subject := types.RPCWildcard(s.instance)
	sub, err := s.conn.Subscribe(subject, func(msg *nats.Msg) {
		s.Dispatch(msg.Subject, msg.Data, msg.Respond)
	})
	if err != nil {
		_ = pool.Stop(time.Second)
		return errors.WrapTransient(err, "RPCServer", "Start", "subscribe "+subject)
	}

	s.pool = pool
	s.ctx = ctx
	s.unsubscribe = sub.Unsubscribe
	s.logger.Info("RPC server listening", "subject", subject)
	return nil
}

// Stop unsubscribes and waits for in-flight requests
func (s *RPCServer) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool == nil {
		return nil
	}
	if err := s.unsubscribe(); err != nil {
		s.logger.Debug("Unsubscribe failed", "error", err)
	}
	err := s.pool.Stop(timeout)
	s.pool = nil
	if err != nil {
		return errors.Wrap(err, "RPCServer", "Stop", "drain request workers")
	}
	return nil
}

// Dispatch queues one raw request received on subject. respond sends the
// encoded reply back to the caller.
func (s *RPCServer) Dispatch(subject string, data []byte, respond func([]byte) error) {
	service := types.ServiceFromSubject(subject)

	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("Undecodable request", "subject", subject, "error", err)
		s.reply(respond, types.Reply{
			Code:  errors.CodeRPCFailure,
			Error: "decode envelope: " + err.Error(),
		})
		return
	}

	s.mu.Lock()
	pool, ctx := s.pool, s.ctx
	s.mu.Unlock()
	if pool == nil {
		s.reply(respond, types.Reply{ResourceID: env.ResourceID, Code: errors.CodeUninitialized, Error: "server not started"})
		return
	}

	if err := pool.Submit(ctx, request{service: service, env: env, respond: respond}); err != nil {
		s.logger.Warn("Request not queued", "subject", subject, "resource_id", env.ResourceID, "error", err)
		s.reply(respond, types.Reply{ResourceID: env.ResourceID, Code: errors.CodeRPCFailure, Error: err.Error()})
	}
}

func (s *RPCServer) process(ctx context.Context, r request) error {
	start := time.Now()
	reply := s.handler(ctx, r.service, r.env)
	s.logger.Debug("Request handled", "service", r.service, "resource_id", r.env.ResourceID,
		"owner", r.env.Owner, "code", reply.Code, "duration_ms", time.Since(start).Milliseconds())
	s.reply(r.respond, reply)
	return nil
}

func (s *RPCServer) reply(respond func([]byte) error, reply types.Reply) {
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("Failed to encode reply", "error", err)
		return
	}
	if err := respond(data); err != nil {
		s.logger.Warn("Failed to send reply", "resource_id", reply.ResourceID, "error", err)
	}
}

package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/semstreams-robotics/health"
	"github.com/c360/semstreams-robotics/metric"
)

// Status represents the current status of a service
type Status int

// Possible service statuses
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Service is a named unit the Manager starts and stops
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Status() Status
	Health() health.Status
}

// HealthCheckFunc defines a custom health check function
type HealthCheckFunc func() error

// Option is a functional option for configuring BaseService
type Option func(*BaseService)

// BaseService tracks lifecycle status and runs a periodic health check.
// Services embed it and add their own start and stop work.
type BaseService struct {
	name            string
	metricsRegistry *metric.MetricsRegistry
	logger          *slog.Logger

	status    atomic.Value // Status
	startTime atomic.Value // time.Time
	healthy   atomic.Bool

	healthChecks       atomic.Int64
	failedHealthChecks atomic.Int64
	lastHealthError    atomic.Value // string

	healthCheckFunc HealthCheckFunc
	healthInterval  time.Duration
	onHealthChange  func(bool)

	done      chan struct{}
	waitGroup sync.WaitGroup
	mu        sync.RWMutex
}

// NewBaseService creates a stopped base service
func NewBaseService(name string, opts ...Option) *BaseService {
	s := &BaseService{
		name:           name,
		healthInterval: 30 * time.Second,
		logger:         slog.Default().With("service", name),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.status.Store(StatusStopped)
	s.recordStatus(StatusStopped)
	s.startTime.Store(time.Time{})
	s.lastHealthError.Store("")
	return s
}

// WithMetrics sets the metrics registry for the service
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *BaseService) {
		s.metricsRegistry = registry
	}
}

// WithLogger sets a custom logger for the service
func WithLogger(logger *slog.Logger) Option {
	return func(s *BaseService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHealthCheck sets a custom health check function
func WithHealthCheck(fn HealthCheckFunc) Option {
	return func(s *BaseService) {
		s.healthCheckFunc = fn
	}
}

// WithHealthInterval sets the health check interval. Zero disables the loop.
func WithHealthInterval(interval time.Duration) Option {
	return func(s *BaseService) {
		s.healthInterval = interval
	}
}

// OnHealthChange sets a callback for health state changes
func OnHealthChange(fn func(bool)) Option {
	return func(s *BaseService) {
		s.onHealthChange = fn
	}
}

// Name returns the service name
func (s *BaseService) Name() string {
	return s.name
}

// Status returns the current service status
func (s *BaseService) Status() Status {
	return s.status.Load().(Status)
}

// IsHealthy returns whether the last health check passed
func (s *BaseService) IsHealthy() bool {
	return s.healthy.Load()
}

// Uptime returns how long the service has been running
func (s *BaseService) Uptime() time.Duration {
	start := s.startTime.Load().(time.Time)
	if start.IsZero() || s.Status() != StatusRunning {
		return 0
	}
	return time.Since(start)
}

// Health returns the standard health status for the service
func (s *BaseService) Health() health.Status {
	if s.Status() == StatusRunning && !s.healthy.Load() {
		msg := fmt.Sprintf("Service is unhealthy (failed checks: %d)", s.failedHealthChecks.Load())
		if last := s.lastHealthError.Load().(string); last != "" {
			msg += ": " + last
		}
		return health.NewUnhealthy(s.name, msg)
	}

	switch status := s.Status(); status {
	case StatusRunning:
		return health.NewHealthy(s.name, "Service operating normally")
	case StatusStarting:
		return health.NewDegraded(s.name, "Service is starting")
	case StatusStopping:
		return health.NewDegraded(s.name, "Service is stopping")
	case StatusStopped:
		return health.NewUnhealthy(s.name, "Service is stopped")
	default:
		return health.NewUnhealthy(s.name, fmt.Sprintf("Unknown status: %v", status))
	}
}

// Start marks the service running and starts the health loop. Starting a
// running service is a no-op.
func (s *BaseService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current := s.Status(); current == StatusRunning || current == StatusStarting {
		return nil
	}

	s.setStatus(StatusStarting)
	s.done = make(chan struct{})
	s.startTime.Store(time.Now())

	// the first check runs synchronously so Health is meaningful right away
	s.performHealthCheck()

	if s.healthInterval > 0 {
		s.waitGroup.Add(1)
		go s.healthMonitor(ctx, s.done)
	}

	s.waitGroup.Add(1)
	go s.contextMonitor(ctx, s.done)

	s.setStatus(StatusRunning)
	return nil
}

// Stop stops the health loop and marks the service stopped
func (s *BaseService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current := s.Status(); current == StatusStopped || current == StatusStopping {
		return nil
	}
	s.setStatus(StatusStopping)

	if s.done != nil {
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	}

	if timeout == 0 {
		timeout = 5 * time.Second
	}
	finished := make(chan struct{})
	go func() {
		s.waitGroup.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(timeout):
		s.logger.Warn("Service goroutines did not finish before timeout", "timeout", timeout)
	}

	s.setStatus(StatusStopped)
	s.healthy.Store(false)
	return nil
}

func (s *BaseService) setStatus(status Status) {
	s.status.Store(status)
	s.recordStatus(status)
}

func (s *BaseService) recordStatus(status Status) {
	if s.metricsRegistry != nil {
		s.metricsRegistry.CoreMetrics().RecordServiceStatus(s.name, int(status))
	}
}

func (s *BaseService) healthMonitor(ctx context.Context, done chan struct{}) {
	defer s.waitGroup.Done()

	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s.performHealthCheck()
		}
	}
}

func (s *BaseService) performHealthCheck() {
	s.healthChecks.Add(1)

	var err error
	if s.healthCheckFunc != nil {
		err = s.healthCheckFunc()
	}

	wasHealthy := s.healthy.Load()
	isHealthy := err == nil
	if err != nil {
		s.failedHealthChecks.Add(1)
		s.lastHealthError.Store(err.Error())
	} else {
		s.lastHealthError.Store("")
	}
	s.healthy.Store(isHealthy)

	if wasHealthy != isHealthy && s.onHealthChange != nil {
		go s.onHealthChange(isHealthy)
	}
}

// contextMonitor marks the service stopped when the parent context ends
func (s *BaseService) contextMonitor(ctx context.Context, done chan struct{}) {
	defer s.waitGroup.Done()

	select {
	case <-ctx.Done():
		if s.status.CompareAndSwap(StatusRunning, StatusStopping) {
			s.recordStatus(StatusStopping)
			s.setStatus(StatusStopped)
			s.healthy.Store(false)
		}
	case <-done:
	}
}

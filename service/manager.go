package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/health"
)

// Manager starts services in registration order, stops them in reverse and
// aggregates their health.
type Manager struct {
	logger  *slog.Logger
	monitor *health.Monitor

	mu       sync.RWMutex
	services map[string]Service
	order    []string
	checks   map[string]func() health.Status
	started  []string
}

// NewManager creates an empty service manager
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "service-manager"),
		monitor:  health.NewMonitor(),
		services: make(map[string]Service),
		checks:   make(map[string]func() health.Status),
	}
}

// Register adds a service. Names must be unique.
func (m *Manager) Register(svc Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := svc.Name()
	if _, exists := m.services[name]; exists {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Manager", "Register",
			fmt.Sprintf("service %s already registered", name))
	}
	m.services[name] = svc
	m.order = append(m.order, name)
	return nil
}

// AddCheck reports an extra health source, such as the NATS connection
func (m *Manager) AddCheck(name string, check func() health.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Service returns a registered service
func (m *Manager) Service(name string) (Service, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[name]
	return svc, ok
}

// StartAll starts every service in order. If one fails the ones already
// started are stopped again.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range m.order {
		if err := m.services[name].Start(ctx); err != nil {
			m.logger.Error("Failed to start service", "service", name, "error", err)
			stopErr := m.stopStartedLocked(5 * time.Second)
			return errors.Join(errors.Wrap(err, "Manager", "StartAll", "start service "+name), stopErr)
		}
		m.started = append(m.started, name)
		m.logger.Debug("Service started", "service", name)
	}

	m.logger.Info("All services started", "count", len(m.order))
	return nil
}

// StopAll stops the started services in reverse order
func (m *Manager) StopAll(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopStartedLocked(timeout)
}

func (m *Manager) stopStartedLocked(timeout time.Duration) error {
	var errs []error
	for i := len(m.started) - 1; i >= 0; i-- {
		name := m.started[i]
		start := time.Now()
		if err := m.services[name].Stop(timeout); err != nil {
			m.logger.Error("Service stop failed", "service", name,
				"duration_ms", time.Since(start).Milliseconds(), "error", err)
			errs = append(errs, errors.Wrap(err, "Manager", "StopAll", "stop service "+name))
			continue
		}
		m.logger.Debug("Service stopped", "service", name, "duration_ms", time.Since(start).Milliseconds())
	}
	m.started = nil
	return errors.Join(errs...)
}

// Health aggregates the health of every service and extra check
func (m *Manager) Health() health.Status {
	m.mu.RLock()
	for name, svc := range m.services {
		m.monitor.Update(name, svc.Health())
	}
	for name, check := range m.checks {
		m.monitor.Update(name, check())
	}
	m.mu.RUnlock()

	return m.monitor.AggregateHealth("system")
}

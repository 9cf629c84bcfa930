package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-robotics/health"
)

type orderedService struct {
	*BaseService
	log      *[]string
	mu       *sync.Mutex
	startErr error
}

func newOrdered(name string, log *[]string, mu *sync.Mutex) *orderedService {
	return &orderedService{BaseService: NewBaseService(name, WithHealthInterval(0)), log: log, mu: mu}
}

func (s *orderedService) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.mu.Lock()
	*s.log = append(*s.log, "start:"+s.Name())
	s.mu.Unlock()
	return s.BaseService.Start(ctx)
}

func (s *orderedService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	*s.log = append(*s.log, "stop:"+s.Name())
	s.mu.Unlock()
	return s.BaseService.Stop(timeout)
}

func TestManager_StartStopOrder(t *testing.T) {
	var log []string
	var mu sync.Mutex
	m := NewManager(nil)
	require.NoError(t, m.Register(newOrdered("catalog", &log, &mu)))
	require.NoError(t, m.Register(newOrdered("server", &log, &mu)))
	require.Error(t, m.Register(newOrdered("server", &log, &mu)))

	require.NoError(t, m.StartAll(context.Background()))
	assert.True(t, m.Health().IsHealthy())
	require.NoError(t, m.StopAll(time.Second))

	assert.Equal(t, []string{"start:catalog", "start:server", "stop:server", "stop:catalog"}, log)
	assert.True(t, m.Health().IsUnhealthy())

	svc, ok := m.Service("server")
	require.True(t, ok)
	assert.Equal(t, StatusStopped, svc.Status())
}

func TestManager_StartFailureStopsStarted(t *testing.T) {
	var log []string
	var mu sync.Mutex
	m := NewManager(nil)
	broken := newOrdered("server", &log, &mu)
	broken.startErr = fmt.Errorf("port in use")
	require.NoError(t, m.Register(newOrdered("catalog", &log, &mu)))
	require.NoError(t, m.Register(broken))

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port in use")
	assert.Equal(t, []string{"start:catalog", "stop:catalog"}, log)
}

func TestManager_ExtraChecks(t *testing.T) {
	m := NewManager(nil)
	m.AddCheck("nats", func() health.Status { return health.NewDegraded("nats", "reconnecting") })

	h := m.Health()
	assert.True(t, h.IsDegraded())
	require.Len(t, h.SubStatuses, 1)
	assert.Equal(t, "nats", h.SubStatuses[0].Component)
}

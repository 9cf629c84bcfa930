package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/semstreams-robotics/launcher"
)

// FakeLauncher records launches instead of starting processes. Tests make
// a process "crash" with Crash.
// Safe for concurrent use.
type FakeLauncher struct {
	mu       sync.Mutex
	running  map[string]*FakeProcess
	launched []launcher.Spec
	failNext error
	stopErr  error
	onLaunch func(launcher.Spec)
}

// NewFakeLauncher creates an empty fake launcher
func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{running: make(map[string]*FakeProcess)}
}

// FakeProcess is a process started by FakeLauncher
type FakeProcess struct {
	spec   launcher.Spec
	owner  *FakeLauncher
	onExit func(error)
}

// ResourceID returns the resource the process backs
func (p *FakeProcess) ResourceID() string { return p.spec.ResourceID }

// Spec returns what the process was launched with
func (p *FakeProcess) Spec() launcher.Spec { return p.spec }

// Stop removes the process without reporting an exit
func (p *FakeProcess) Stop(_ context.Context) error {
	l := p.owner
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopErr != nil {
		return l.stopErr
	}
	delete(l.running, p.spec.ResourceID)
	return nil
}

// Launch records spec. It fails once with the error set by FailNext.
func (l *FakeLauncher) Launch(_ context.Context, spec launcher.Spec, onExit func(error)) (launcher.Process, error) {
	l.mu.Lock()
	if err := l.failNext; err != nil {
		l.failNext = nil
		l.mu.Unlock()
		return nil, err
	}
	if _, exists := l.running[spec.ResourceID]; exists {
		l.mu.Unlock()
		return nil, fmt.Errorf("resource %s already running", spec.ResourceID)
	}

	spec.Component = spec.Component.Clone()
	p := &FakeProcess{spec: spec, owner: l, onExit: onExit}
	l.running[spec.ResourceID] = p
	l.launched = append(l.launched, spec)
	hook := l.onLaunch
	l.mu.Unlock()

	if hook != nil {
		hook(spec)
	}
	return p, nil
}

// OnLaunch calls fn after every successful Launch, outside the launcher lock
func (l *FakeLauncher) OnLaunch(fn func(launcher.Spec)) {
	l.mu.Lock()
	l.onLaunch = fn
	l.mu.Unlock()
}

// FailNext makes the next Launch fail with err
func (l *FakeLauncher) FailNext(err error) {
	l.mu.Lock()
	l.failNext = err
	l.mu.Unlock()
}

// FailStops makes every Stop fail with err, or succeed again when err is nil
func (l *FakeLauncher) FailStops(err error) {
	l.mu.Lock()
	l.stopErr = err
	l.mu.Unlock()
}

// Crash ends the process backing resourceID and reports the exit
func (l *FakeLauncher) Crash(resourceID string, err error) bool {
	l.mu.Lock()
	p, ok := l.running[resourceID]
	delete(l.running, resourceID)
	l.mu.Unlock()

	if !ok {
		return false
	}
	if err == nil {
		err = fmt.Errorf("process exited")
	}
	if p.onExit != nil {
		p.onExit(err)
	}
	return true
}

// Running returns the running processes keyed by resource id
func (l *FakeLauncher) Running() map[string]launcher.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]launcher.Spec, len(l.running))
	for id, p := range l.running {
		out[id] = p.spec
	}
	return out
}

// RunningByType returns the resource ids of running processes of a component type
func (l *FakeLauncher) RunningByType(componentType string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []string
	for id, p := range l.running {
		if p.spec.Component.Type == componentType {
			ids = append(ids, id)
		}
	}
	return ids
}

// Launched returns every spec launched so far, in order
func (l *FakeLauncher) Launched() []launcher.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]launcher.Spec, len(l.launched))
	copy(out, l.launched)
	return out
}

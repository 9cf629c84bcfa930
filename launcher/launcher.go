// Package launcher starts the processes backing local components and
// reports when they exit on their own.
package launcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/types"
)

// Environment variables handed to launched components
const (
	EnvResourceID = "SEMROBOTICS_RESOURCE_ID"
	EnvName       = "SEMROBOTICS_COMPONENT"
	EnvTopics     = "SEMROBOTICS_TOPICS"
	EnvParameters = "SEMROBOTICS_PARAMETERS"
)

// DefaultStopGrace is how long a process gets to exit after SIGTERM
const DefaultStopGrace = 5 * time.Second

// Spec describes one component process to start
type Spec struct {
	ResourceID string
	Component  types.ComponentInfo
}

// Process is a running component
type Process interface {
	ResourceID() string
	Stop(ctx context.Context) error
}

// Launcher starts component processes. onExit is called once if the
// process ends without Stop having been called.
type Launcher interface {
	Launch(ctx context.Context, spec Spec, onExit func(error)) (Process, error)
}

// Exec launches components as child processes. The command line of a
// component type comes from commands, falling back to the component's
// executable.
type Exec struct {
	commands map[string][]string
	grace    time.Duration
	logger   *slog.Logger
}

// NewExec creates an exec launcher. commands maps a component type to argv.
func NewExec(commands map[string][]string, grace time.Duration, logger *slog.Logger) *Exec {
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	if logger == nil {
		logger = slog.Default().With("component", "launcher")
	}
	return &Exec{commands: commands, grace: grace, logger: logger}
}

// Command returns the argv used for a component
func (e *Exec) Command(info types.ComponentInfo) ([]string, error) {
	if argv := e.commands[info.Type]; len(argv) > 0 {
		return argv, nil
	}
	if info.Executable != "" {
		return []string{info.Executable}, nil
	}
	return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Exec", "Command",
		fmt.Sprintf("no command for component type %q", info.Type))
}

// Environment returns the variables describing spec to the process
func Environment(spec Spec) ([]string, error) {
	topics, err := json.Marshal(spec.Component.Topics)
	if err != nil {
		return nil, err
	}
	params, err := json.Marshal(spec.Component.Parameters)
	if err != nil {
		return nil, err
	}
	return []string{
		EnvResourceID + "=" + spec.ResourceID,
		EnvName + "=" + spec.Component.Name,
		EnvTopics + "=" + string(topics),
		EnvParameters + "=" + string(params),
	}, nil
}

// Launch starts the process. The process outlives ctx; use Stop to end it.
func (e *Exec) Launch(ctx context.Context, spec Spec, onExit func(error)) (Process, error) {
	argv, err := e.Command(spec.Component)
	if err != nil {
		return nil, err
	}
	env, err := Environment(spec)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Exec", "Launch", "encode component environment")
	}

	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // argv comes from operator configuration
	cmd.Env = append(os.Environ(), env...)
	output := &lineLogger{logger: e.logger.With("resource_id", spec.ResourceID)}
	cmd.Stdout = output
	cmd.Stderr = output
	// a child that inherits the output pipe must not hold Wait open
	cmd.WaitDelay = e.grace

	if err := cmd.Start(); err != nil {
		return nil, errors.WrapTransient(err, "Exec", "Launch", "start "+argv[0])
	}

	logger := e.logger.With("resource_id", spec.ResourceID, "name", spec.Component.Name, "pid", cmd.Process.Pid)
	p := &execProcess{
		id:     spec.ResourceID,
		cmd:    cmd,
		grace:  e.grace,
		logger: logger,
		done:   make(chan struct{}),
	}
	go p.wait(onExit)

	logger.InfoContext(ctx, "Component process started", "command", argv)
	return p, nil
}

type execProcess struct {
	id     string
	cmd    *exec.Cmd
	grace  time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	stopping bool
	done     chan struct{}
	waitErr  error
}

func (p *execProcess) ResourceID() string { return p.id }

func (p *execProcess) wait(onExit func(error)) {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.waitErr = err
	stopping := p.stopping
	p.mu.Unlock()
	close(p.done)

	if stopping {
		p.logger.Info("Component process stopped")
		return
	}

	if err == nil {
		err = fmt.Errorf("process exited")
	}
	p.logger.Warn("Component process exited", "error", err)
	if onExit != nil {
		onExit(err)
	}
}

// Stop sends SIGTERM and kills the process if it outlives the grace period
func (p *execProcess) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.stopping = true
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.logger.Debug("SIGTERM failed", "error", err)
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.WrapTransient(err, "Exec", "Stop", "kill process")
	}
	<-p.done
	return nil
}

// lineLogger logs process output line by line at debug level
type lineLogger struct {
	logger *slog.Logger
	mu     sync.Mutex
	buf    bytes.Buffer
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			l.buf.Reset()
			l.buf.WriteString(line)
			break
		}
		l.logger.Debug("Component output", "line", line[:len(line)-1])
	}
	return len(p), nil
}

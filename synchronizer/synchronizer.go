// Package synchronizer advertises the local catalog to peer instances and
// keeps the latest catalog of every peer.
package synchronizer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/semstreams-robotics/catalog"
	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/metric"
)

// DefaultInterval is the period between catalog revision checks
const DefaultInterval = 2 * time.Second

// Message actions
const (
	ActionAdvertise = "advertise"
	ActionRequest   = "request"
)

// Broadcaster is a fire-and-forget channel every instance subscribes to
type Broadcaster interface {
	Publish(ctx context.Context, data []byte) error
	Subscribe(fn func([]byte)) (func() error, error)
}

// Catalog is the part of catalog.Registry the synchronizer uses
type Catalog interface {
	Revision() uint64
	Snapshot() catalog.LocalSnapshot
	ApplyRemote(snap catalog.RemoteSnapshot)
}

// Message is a catalog broadcast. An advertise carries the full local
// catalog of Origin; a request asks every peer to advertise now.
type Message struct {
	Action     string                        `json:"action"`
	Origin     string                        `json:"origin"`
	Revision   uint64                        `json:"revision"`
	Timestamp  time.Time                     `json:"timestamp"`
	Components []catalog.ComponentDescriptor `json:"components,omitempty"`
	Pipes      []catalog.PipeDescriptor      `json:"pipes,omitempty"`
}

// Decode validates and decodes a broadcast. Any invalid entry rejects the
// whole message.
func Decode(raw []byte) (Message, error) {
	if err := validateMessage(raw); err != nil {
		return Message{}, errors.WrapInvalid(errors.ErrInvalidData, "Synchronizer", "Decode", err.Error())
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, errors.WrapInvalid(errors.ErrParsingFailed, "Synchronizer", "Decode", err.Error())
	}
	for i := range msg.Pipes {
		msg.Pipes[i].Normalize()
		if err := msg.Pipes[i].Validate(); err != nil {
			return Message{}, err
		}
	}
	for _, c := range msg.Components {
		if err := c.Validate(); err != nil {
			return Message{}, err
		}
	}
	return msg, nil
}

// Option configures a Synchronizer
type Option func(*Synchronizer)

// WithInterval sets the advertisement check period
func WithInterval(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the synchronizer logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Synchronizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics reports advertisements to registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Synchronizer) {
		s.metrics = registry.CoreMetrics()
	}
}

// Synchronizer keeps peers informed of the local catalog and merges theirs
// into the Catalog's remote view.
type Synchronizer struct {
	instance string
	catalog  Catalog
	bus      Broadcaster
	interval time.Duration
	logger   *slog.Logger
	metrics  *metric.Metrics

	// mu serializes advertisements and guards the marker
	mu             sync.Mutex
	advertised     bool
	lastAdvertised uint64

	lifecycle   sync.Mutex
	running     bool
	unsubscribe func() error
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a synchronizer for instance
func New(instance string, cat Catalog, bus Broadcaster, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		instance: instance,
		catalog:  cat,
		bus:      bus,
		interval: DefaultInterval,
		logger:   slog.Default().With("component", "synchronizer", "instance", instance),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to peer broadcasts, asks peers for their catalogs and
// runs the periodic advertisement loop until Stop or ctx ends.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Synchronizer", "Start", "start synchronizer")
	}

	unsubscribe, err := s.bus.Subscribe(func(raw []byte) { s.HandleMessage(ctx, raw) })
	if err != nil {
		return errors.WrapTransient(err, "Synchronizer", "Start", "subscribe to broadcasts")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.unsubscribe = unsubscribe
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	if err := s.publish(loopCtx, Message{Action: ActionRequest, Origin: s.instance, Timestamp: time.Now()}); err != nil {
		s.logger.Warn("Catalog request broadcast failed", "error", err)
	}

	go s.loop(loopCtx, s.done)
	s.logger.Info("Synchronizer started", "interval", s.interval)
	return nil
}

// Stop ends the loop and the subscription
func (s *Synchronizer) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	s.cancel()
	<-s.done

	if err := s.unsubscribe(); err != nil {
		return errors.Wrap(err, "Synchronizer", "Stop", "unsubscribe")
	}
	s.logger.Info("Synchronizer stopped")
	return nil
}

func (s *Synchronizer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	if err := s.Tick(ctx); err != nil {
		s.logger.Warn("Catalog advertisement failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Warn("Catalog advertisement failed", "error", err)
			}
		}
	}
}

// Tick advertises the local catalog if it changed since the last
// successful advertisement.
func (s *Synchronizer) Tick(ctx context.Context) error {
	return s.advertise(ctx, false)
}

// Readvertise advertises the local catalog even if it is unchanged. Used
// after a reconnect, when peers may have dropped this instance.
func (s *Synchronizer) Readvertise(ctx context.Context) error {
	return s.advertise(ctx, true)
}

func (s *Synchronizer) advertise(ctx context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force && s.advertised && s.catalog.Revision() == s.lastAdvertised {
		return nil
	}

	snap := s.catalog.Snapshot()
	msg := Message{
		Action:     ActionAdvertise,
		Origin:     s.instance,
		Revision:   snap.Revision,
		Timestamp:  time.Now(),
		Components: snap.Components,
		Pipes:      snap.Pipes,
	}
	if err := s.publish(ctx, msg); err != nil {
		s.metrics.RecordAdvertisement("published", "failed")
		return err
	}

	s.advertised = true
	s.lastAdvertised = snap.Revision
	s.metrics.RecordAdvertisement("published", "success")
	s.logger.Debug("Catalog advertised", "revision", snap.Revision,
		"components", len(snap.Components), "pipes", len(snap.Pipes))
	return nil
}

func (s *Synchronizer) publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.WrapInvalid(err, "Synchronizer", "publish", "encode message")
	}
	if err := s.bus.Publish(ctx, data); err != nil {
		return errors.WrapTransient(err, "Synchronizer", "publish", "broadcast "+msg.Action)
	}
	return nil
}

// HandleMessage applies one broadcast. Own messages are ignored and a
// malformed advertisement leaves the origin's snapshot untouched.
func (s *Synchronizer) HandleMessage(ctx context.Context, raw []byte) {
	msg, err := Decode(raw)
	if err != nil {
		s.metrics.RecordAdvertisement("received", "rejected")
		s.logger.Warn("Rejected malformed catalog broadcast", "error", err)
		return
	}
	if msg.Origin == s.instance {
		return
	}

	switch msg.Action {
	case ActionRequest:
		s.logger.Debug("Peer requested catalog", "peer", msg.Origin)
		if err := s.advertise(ctx, true); err != nil {
			s.logger.Warn("Catalog advertisement failed", "peer", msg.Origin, "error", err)
		}

	case ActionAdvertise:
		s.catalog.ApplyRemote(catalog.RemoteSnapshot{
			Origin:     msg.Origin,
			Revision:   msg.Revision,
			Timestamp:  msg.Timestamp,
			Components: msg.Components,
			Pipes:      msg.Pipes,
		})
		s.metrics.RecordAdvertisement("received", "applied")
		s.logger.Debug("Peer catalog applied", "peer", msg.Origin, "revision", msg.Revision,
			"components", len(msg.Components), "pipes", len(msg.Pipes))
	}
}

package catalog

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/metric"
)

// RemoteSnapshot is the catalog last advertised by a peer instance.
type RemoteSnapshot struct {
	Origin     string                `json:"origin"`
	Revision   uint64                `json:"revision"`
	Timestamp  time.Time             `json:"timestamp"`
	Components []ComponentDescriptor `json:"components"`
	Pipes      []PipeDescriptor      `json:"pipes"`
	ReceivedAt time.Time             `json:"-"`
}

// LocalSnapshot is a consistent copy of the local catalog at one revision.
type LocalSnapshot struct {
	Instance   string
	Revision   uint64
	Components []ComponentDescriptor
	Pipes      []PipeDescriptor
}

// RemotePipe is a pipe descriptor together with the peer that advertised it.
type RemotePipe struct {
	Origin     string
	Descriptor PipeDescriptor
}

type pipeEntry struct {
	source string
	desc   PipeDescriptor
	// declared is the reliability the source gave; desc.Reliability moves
	// with recorded outcomes.
	declared Reliability
}

type componentEntry struct {
	source string
	desc   ComponentDescriptor
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the registry logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics reports catalog sizes to registry metrics
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(r *Registry) {
		r.metrics = registry.CoreMetrics()
	}
}

// Registry is the catalog of one manager instance.
type Registry struct {
	instance string
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu         sync.RWMutex
	revision   uint64
	pipes      []pipeEntry
	components []componentEntry
	remote     map[string]RemoteSnapshot
}

// NewRegistry creates an empty catalog for instance
func NewRegistry(instance string, opts ...Option) *Registry {
	r := &Registry{
		instance: instance,
		logger:   slog.Default().With("component", "catalog"),
		remote:   make(map[string]RemoteSnapshot),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Instance returns the id of the owning instance
func (r *Registry) Instance() string {
	return r.instance
}

// Revision returns the local modification marker. It changes whenever a
// local pipe or component is added, replaced or removed.
func (r *Registry) Revision() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.revision
}

// AddPipe validates and catalogs a pipe under source. A descriptor equal to
// an existing one replaces it in place, keeping its insertion position.
func (r *Registry) AddPipe(source string, desc PipeDescriptor) error {
	desc = desc.Clone()
	desc.Normalize()
	if err := desc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.putPipe(source, desc)
	r.touch()
	return nil
}

// putPipe stores desc and returns its index. An entry of the same source,
// category and name, or else an equal chain, is replaced in place. A
// replacement that leaves the chain and declared reliability unchanged
// keeps the learned reliability.
func (r *Registry) putPipe(source string, desc PipeDescriptor) int {
	next := pipeEntry{source: source, desc: desc, declared: desc.Reliability}

	i := slices.IndexFunc(r.pipes, func(e pipeEntry) bool {
		return e.source == source && e.desc.Category == desc.Category && e.desc.Name == desc.Name
	})
	if i < 0 {
		i = slices.IndexFunc(r.pipes, func(e pipeEntry) bool { return e.desc.Equal(desc) })
	}
	if i < 0 {
		r.pipes = append(r.pipes, next)
		return len(r.pipes) - 1
	}

	prev := r.pipes[i]
	if prev.desc.Name == desc.Name && prev.desc.Equal(desc) && prev.declared == desc.Reliability {
		next.desc.Reliability = prev.desc.Reliability
	}
	r.pipes[i] = next
	return i
}

// AddComponent validates and catalogs a local component under source,
// replacing any component of the same name.
func (r *Registry) AddComponent(source string, desc ComponentDescriptor) error {
	desc = desc.Clone()
	if desc.Instance == "" {
		desc.Instance = r.instance
	}
	if err := desc.Validate(); err != nil {
		return err
	}
	if desc.Instance != r.instance {
		return errors.WrapInvalid(errors.ErrInvalidData, "Registry", "AddComponent",
			fmt.Sprintf("component %s belongs to instance %s", desc.Name, desc.Instance))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.putComponent(source, desc)
	r.touch()
	return nil
}

// putComponent stores desc in place of a component of the same name and
// returns its index.
func (r *Registry) putComponent(source string, desc ComponentDescriptor) int {
	for i := range r.components {
		if r.components[i].desc.Name == desc.Name {
			r.components[i] = componentEntry{source: source, desc: desc}
			return i
		}
	}
	r.components = append(r.components, componentEntry{source: source, desc: desc})
	return len(r.components) - 1
}

// RemoveComponent drops the local component called name if source
// contributed it. Components of other sources are left alone.
func (r *Registry) RemoveComponent(source, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.components)
	r.components = slices.DeleteFunc(r.components, func(e componentEntry) bool {
		return e.source == source && e.desc.Name == name
	})
	if len(r.components) == n {
		return false
	}
	r.touch()
	return true
}

// ReplaceSource swaps every entry that came from source for the given
// ones. Entries still present keep their catalog position, entries no
// longer present are dropped and new ones are appended, so reloading an
// unchanged source leaves resolution order untouched. Invalid entries are
// skipped and returned as errors; valid entries are applied regardless.
func (r *Registry) ReplaceSource(source string, pipes []PipeDescriptor, components []ComponentDescriptor) []error {
	var rejected []error

	validPipes := make([]PipeDescriptor, 0, len(pipes))
	for _, p := range pipes {
		p = p.Clone()
		p.Normalize()
		if err := p.Validate(); err != nil {
			rejected = append(rejected, err)
			continue
		}
		validPipes = append(validPipes, p)
	}

	validComponents := make([]ComponentDescriptor, 0, len(components))
	for _, c := range components {
		c = c.Clone()
		if c.Instance == "" {
			c.Instance = r.instance
		}
		if err := c.Validate(); err != nil {
			rejected = append(rejected, err)
			continue
		}
		if c.Instance != r.instance {
			rejected = append(rejected, errors.WrapInvalid(errors.ErrInvalidData, "Registry", "ReplaceSource",
				fmt.Sprintf("component %s belongs to instance %s", c.Name, c.Instance)))
			continue
		}
		validComponents = append(validComponents, c)
	}

	for _, err := range rejected {
		r.reject(source, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	keptPipes := make(map[int]bool, len(validPipes))
	for _, p := range validPipes {
		keptPipes[r.putPipe(source, p)] = true
	}
	r.pipes = deleteUnkept(r.pipes, keptPipes, func(e pipeEntry) bool { return e.source == source })

	keptComponents := make(map[int]bool, len(validComponents))
	for _, c := range validComponents {
		keptComponents[r.putComponent(source, c)] = true
	}
	r.components = deleteUnkept(r.components, keptComponents, func(e componentEntry) bool { return e.source == source })

	r.touch()
	return rejected
}

// deleteUnkept drops the entries of a source whose index is not in kept,
// preserving the order of the rest.
func deleteUnkept[E any](entries []E, kept map[int]bool, fromSource func(E) bool) []E {
	out := entries[:0]
	for i, e := range entries {
		if fromSource(e) && !kept[i] {
			continue
		}
		out = append(out, e)
	}
	clear(entries[len(out):])
	return out
}

func (r *Registry) reject(source string, err error) {
	r.metrics.RecordCatalogReject()
	r.logger.Warn("Skipping malformed catalog entry", "source", source, "error", err)
}

// touch bumps the revision. Callers hold the write lock.
func (r *Registry) touch() {
	r.revision++
	r.metrics.SetCatalogEntries("pipe", "local", len(r.pipes))
	r.metrics.SetCatalogEntries("component", "local", len(r.components))
}

// LocalPipes returns the local pipes of category in insertion order
func (r *Registry) LocalPipes(category string) []PipeDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []PipeDescriptor
	for _, e := range r.pipes {
		if e.desc.Category == category {
			out = append(out, e.desc.Clone())
		}
	}
	return out
}

// RemotePipes returns peer pipes of category, origins in id order and each
// origin's pipes in advertised order.
func (r *Registry) RemotePipes(category string) []RemotePipe {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []RemotePipe
	for _, origin := range r.originsLocked() {
		for _, p := range r.remote[origin].Pipes {
			if p.Category == category {
				out = append(out, RemotePipe{Origin: origin, Descriptor: p.Clone()})
			}
		}
	}
	return out
}

// LocalComponents returns local components matching the shape, in insertion
// order. An empty componentType matches every component.
func (r *Registry) LocalComponents(componentType, pkg, executable string) []ComponentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ComponentDescriptor
	for _, e := range r.components {
		if componentType == "" || e.desc.Matches(componentType, pkg, executable) {
			out = append(out, e.desc.Clone())
		}
	}
	return out
}

// RemoteComponents returns peer components matching the shape, origins in id order
func (r *Registry) RemoteComponents(componentType, pkg, executable string) []ComponentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ComponentDescriptor
	for _, origin := range r.originsLocked() {
		for _, c := range r.remote[origin].Components {
			if componentType == "" || c.Matches(componentType, pkg, executable) {
				c = c.Clone()
				c.Instance = origin
				out = append(out, c)
			}
		}
	}
	return out
}

// RecordPipeOutcome folds a success or failure into the reliability of the
// local pipe called name. Reliability is a local score and does not move the
// revision.
func (r *Registry) RecordPipeOutcome(category, name string, success bool) (Reliability, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.pipes {
		d := &r.pipes[i].desc
		if d.Category == category && d.Name == name {
			d.Reliability = d.Reliability.Record(success)
			r.logger.Debug("Pipe reliability updated", "category", category, "pipe", name,
				"reliability", float64(d.Reliability), "success", success)
			return d.Reliability, true
		}
	}
	return 0, false
}

// Snapshot returns the local catalog at its current revision
func (r *Registry) Snapshot() LocalSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := LocalSnapshot{
		Instance:   r.instance,
		Revision:   r.revision,
		Components: make([]ComponentDescriptor, 0, len(r.components)),
		Pipes:      make([]PipeDescriptor, 0, len(r.pipes)),
	}
	for _, e := range r.components {
		snap.Components = append(snap.Components, e.desc.Clone())
	}
	for _, e := range r.pipes {
		snap.Pipes = append(snap.Pipes, e.desc.Clone())
	}
	return snap
}

// ApplyRemote replaces the snapshot of snap.Origin wholesale. The most
// recently applied snapshot of an origin wins; there is no revision check.
func (r *Registry) ApplyRemote(snap RemoteSnapshot) {
	components := make([]ComponentDescriptor, len(snap.Components))
	for i, c := range snap.Components {
		components[i] = c.Clone()
	}
	pipes := make([]PipeDescriptor, len(snap.Pipes))
	for i, p := range snap.Pipes {
		pipes[i] = p.Clone()
		pipes[i].Normalize()
	}
	snap.Components = components
	snap.Pipes = pipes
	if snap.ReceivedAt.IsZero() {
		snap.ReceivedAt = time.Now()
	}

	r.mu.Lock()
	r.remote[snap.Origin] = snap
	count := len(r.remote)
	r.mu.Unlock()

	r.metrics.SetRemoteOrigins(count)
}

// RemoveRemote forgets the snapshot of origin
func (r *Registry) RemoveRemote(origin string) {
	r.mu.Lock()
	delete(r.remote, origin)
	count := len(r.remote)
	r.mu.Unlock()

	r.metrics.SetRemoteOrigins(count)
}

// RemoteSnapshot returns the snapshot last applied for origin
func (r *Registry) RemoteSnapshot(origin string) (RemoteSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.remote[origin]
	return snap, ok
}

// Origins returns the known peer ids in order
func (r *Registry) Origins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.originsLocked()
}

func (r *Registry) originsLocked() []string {
	origins := make([]string, 0, len(r.remote))
	for origin := range r.remote {
		origins = append(origins, origin)
	}
	sort.Strings(origins)
	return origins
}

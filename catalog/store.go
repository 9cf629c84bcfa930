package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/natsclient"
)

// DefaultBucket is the KV bucket holding dropped-in component descriptors
const DefaultBucket = "semrobotics_catalog"

const storeSource = "kv"

// KV is the part of natsclient.KVStore the catalog store needs
type KV interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string) error
	Watch(ctx context.Context, pattern string) (jetstream.KeyWatcher, error)
}

// Store mirrors component descriptors kept in a NATS KV bucket into the
// local Registry. External agents publish descriptors under
// components.<instance>.<name>; each instance only takes its own keys.
type Store struct {
	kv       KV
	registry *Registry
	logger   *slog.Logger

	mu    sync.Mutex
	names map[string]string // key -> component name
}

// NewStore creates a store for the registry's instance
func NewStore(kv KV, registry *Registry, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default().With("component", "catalog-store")
	}
	return &Store{
		kv:       kv,
		registry: registry,
		logger:   logger,
		names:    make(map[string]string),
	}
}

// ComponentKey is the KV key of a component descriptor
func ComponentKey(instance, name string) string {
	return "components." + instance + "." + keyToken(name)
}

// keyToken maps a name onto a single KV key token
func keyToken(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>', '/', '\\':
			return '_'
		}
		return r
	}, name)
}

// Put publishes a descriptor for the registry's instance
func (s *Store) Put(ctx context.Context, desc ComponentDescriptor) error {
	desc = desc.Clone()
	desc.Instance = s.registry.Instance()
	if err := desc.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(desc)
	if err != nil {
		return errors.WrapInvalid(err, "Store", "Put", "marshal descriptor")
	}
	if _, err := s.kv.Put(ctx, ComponentKey(desc.Instance, desc.Name), data); err != nil {
		return errors.WrapTransient(err, "Store", "Put", "kv put")
	}
	return nil
}

// Delete withdraws the descriptor called name
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := s.kv.Delete(ctx, ComponentKey(s.registry.Instance(), name)); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil
		}
		return errors.WrapTransient(err, "Store", "Delete", "kv delete")
	}
	return nil
}

// Watch applies the current bucket content and every later change until
// ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	w, err := s.kv.Watch(ctx, "components."+s.registry.Instance()+".*")
	if err != nil {
		return errors.WrapTransient(err, "Store", "Watch", "kv watch")
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-w.Updates():
			if !ok {
				return nil
			}
			// nil marks the end of the initial values
			if entry == nil {
				s.logger.Debug("Catalog store caught up", "revision", s.registry.Revision())
				continue
			}
			s.apply(entry.Key(), entry.Value(), entry.Operation())
		}
	}
}

func (s *Store) apply(key string, value []byte, op jetstream.KeyValueOp) {
	switch op {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		s.mu.Lock()
		name, ok := s.names[key]
		delete(s.names, key)
		s.mu.Unlock()
		if ok && s.registry.RemoveComponent(storeSource, name) {
			s.logger.Info("Component withdrawn from catalog", "name", name)
		}
		return
	}

	var desc ComponentDescriptor
	if err := json.Unmarshal(value, &desc); err != nil {
		s.registry.reject(storeSource, errors.WrapInvalid(errors.ErrParsingFailed, "Store", "apply", key+": "+err.Error()))
		return
	}
	if err := s.registry.AddComponent(storeSource, desc); err != nil {
		s.registry.reject(storeSource, err)
		return
	}

	s.mu.Lock()
	previous := s.names[key]
	s.names[key] = desc.Name
	s.mu.Unlock()
	if previous != "" && previous != desc.Name {
		s.registry.RemoveComponent(storeSource, previous)
	}
	s.logger.Info("Component added to catalog", "name", desc.Name, "type", desc.Type)
}

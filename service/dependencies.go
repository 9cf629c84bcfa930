package service

import (
	"context"
	"log/slog"

	"github.com/c360/semstreams-robotics/catalog"
	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/launcher"
	"github.com/c360/semstreams-robotics/metric"
	"github.com/c360/semstreams-robotics/registrar"
	"github.com/c360/semstreams-robotics/resolver"
	"github.com/c360/semstreams-robotics/types"
)

// Catalog is the catalog view the server loads from
type Catalog interface {
	resolver.Source
	LocalComponents(componentType, pkg, executable string) []catalog.ComponentDescriptor
	RemoteComponents(componentType, pkg, executable string) []catalog.ComponentDescriptor
	RecordPipeOutcome(category, name string, success bool) (catalog.Reliability, bool)
}

// Forwarder loads resources on peer instances on behalf of the server.
// *registrar.Registrar satisfies it.
type Forwarder interface {
	Call(ctx context.Context, service, target string, request, response any) (string, error)
	Unload(ctx context.Context, resourceID string) error
	Forget(resourceID string)
	RegisterStatusCallback(fn registrar.StatusCallback) error
}

// StatusPublisher delivers a status event to the owner of a resource
type StatusPublisher interface {
	PublishStatus(ctx context.Context, owner string, event types.StatusEvent) error
}

// Dependencies holds what a Server needs. Forwarder, Tracer, Metrics and
// Logger are optional; without a Forwarder only local resources are served.
type Dependencies struct {
	Catalog   Catalog
	Launcher  launcher.Launcher
	Status    StatusPublisher
	Forwarder Forwarder
	Tracer    registrar.Tracer
	Metrics   *metric.MetricsRegistry
	Logger    *slog.Logger
}

func (d Dependencies) validate() error {
	switch {
	case d.Catalog == nil:
		return errors.WrapInvalid(errors.ErrMissingConfig, "Server", "NewServer", "catalog dependency")
	case d.Launcher == nil:
		return errors.WrapInvalid(errors.ErrMissingConfig, "Server", "NewServer", "launcher dependency")
	case d.Status == nil:
		return errors.WrapInvalid(errors.ErrMissingConfig, "Server", "NewServer", "status publisher dependency")
	}
	return nil
}

// Package service hosts the long-running parts of a component manager
// instance.
//
// # Core Service Types
//
// BaseService: foundation for every service with standardized lifecycle
// management:
//   - Lifecycle states: Stopped → Starting → Running → Stopping
//   - Health monitoring with periodic checks
//   - Metrics integration with the core metrics registry
//   - Context-based cancellation and graceful shutdown
//
// Server: the component manager of one instance. It answers the
// load_component, load_pipe, unload and list_components services for its
// namespace:
//   - Components are bound to the most reliable local catalog entry of the
//     requested type and launched as processes
//   - Pipes are resolved to a catalog pipe, planned into segments and each
//     segment is bound like a component
//   - Requests the local catalog cannot satisfy are forwarded to the peer
//     instance that advertised a matching entry
//   - A process exit after a successful load publishes FAILED to the
//     resource owner once
//
// Manager: starts services in registration order, stops them in reverse and
// aggregates their health with extra checks such as the NATS connection.
//
// # Segment Topics
//
// Segment outputs are published on topics namespaced by pipe id so that two
// pipes of the same category never share a topic:
//
//	/pipe_<pipe id>/seg<index>/<type>   intermediate segment output
//	/pipe_<pipe id>/<type>              output of the last segment
//
// # Usage
//
//	srv, err := service.NewServer("robot1", service.Dependencies{
//	    Catalog:   registry,
//	    Launcher:  launcher.NewExec(commands, 0, logger),
//	    Status:    rpcClient,
//	    Forwarder: forwarder,
//	})
//	if err != nil {
//	    return err
//	}
//
//	manager := service.NewManager(logger)
//	_ = manager.Register(srv)
//	if err := manager.StartAll(ctx); err != nil {
//	    return err
//	}
//	defer manager.StopAll(5 * time.Second)
//
// # Thread Safety
//
// Server methods are safe for concurrent use. Requests for the same resource
// id are serialized by the transport; a request that races an unload of the
// same id gets UNLOAD_NOT_FOUND or a fresh resource, never a half torn down
// one.
package service

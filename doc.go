// Package semrobotics orchestrates robot software components and pipes
// across cooperating manager instances.
//
// # Layers
//
// Client side:
//   - registrar: RPC access to manager instances, resource ownership and
//     routing of status events to the orchestrator that owns a resource
//   - resolver: picks the catalog pipe and segment components that satisfy
//     a pipe request, locally or on a peer
//   - orchestrator: allocation tables for components and pipes with a
//     failure and update recovery state machine
//
// Server side:
//   - catalog: pipe and component descriptors from YAML files, a NATS KV
//     bucket and peer advertisements, with per-pipe reliability
//   - service: the component manager server and service lifecycle
//   - launcher: starts and stops the processes backing components
//   - synchronizer: advertises the local catalog to peers
//
// Infrastructure:
//   - transport: request/reply and status subjects on NATS
//   - natsclient: connection management, JetStream and KV
//   - config, errors, health, metric, pkg/retry, pkg/worker
//
// The cmd/componentmanager binary wires a server, registrar, synchronizer
// and metrics endpoint for one instance.
package semrobotics

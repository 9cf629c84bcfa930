// Package testutil provides in-memory stand-ins for the infrastructure the
// component manager talks to, so orchestration can be tested without a NATS
// server or real component processes.
//
// Bus replaces the NATS subjects: request/reply RPC per instance, status
// events per owner and broadcast channels. It implements registrar.RPCClient
// directly, and Bus.Channel implements synchronizer.Broadcaster.
//
//	bus := testutil.NewBus()
//	bus.Serve("robot1", server.HandleRPC)
//	reg := registrar.New("client", bus)
//
// FakeLauncher records component launches and lets tests crash a process
// with Crash, which reports the exit the way the exec launcher would.
//
// The object detection fixture (ObjectDetectionPipes,
// ObjectDetectionComponents, ObjectDetectionCatalog) provides two pipes of
// one category with reliabilities 0.9 and 0.7 and a component for every
// segment type.
//
// Use the testcontainers based natsclient.NewTestClient for tests that
// need real NATS behavior; those run behind the integration build tag.
package testutil

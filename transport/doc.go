// Package transport carries the component manager protocol over NATS.
//
// Subjects:
//
//	rpc.<instance>.<service>   request/reply; a JSON types.Envelope answered by a types.Reply
//	status.<owner>             JSON types.StatusEvent for resources owned by owner
//	<broadcast subject>        catalog advertisements shared by every instance
//
// RPCClient implements registrar.RPCClient and service.StatusPublisher,
// RPCServer dispatches requests to a handler such as service.Server.HandleRPC,
// and Broadcast implements synchronizer.Broadcaster.
package transport

// Package types holds the data model shared by the client side orchestrator
// and the server side component manager: topic and parameter contracts, load
// requests and responses, status events, and the RPC envelope that carries
// them between instances.
//
// Requests expose a Fingerprint computed over the fields that decide which
// resource gets allocated. Two requests with equal fingerprints are
// equivalent; fields that only report results or carry continuity across a
// recovery (output topic overrides, pipe ids, target instance) are excluded.
package types

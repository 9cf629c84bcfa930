package types

import (
	"encoding/json"
	"strings"
)

// RPC services answered by every manager instance
const (
	ServiceLoadComponent  = "load_component"
	ServiceLoadPipe       = "load_pipe"
	ServiceUnload         = "unload"
	ServiceListComponents = "list_components"
)

// RPCSubject is the request subject of service on instance
func RPCSubject(instance, service string) string {
	return "rpc." + instance + "." + service
}

// RPCWildcard matches every service of instance
func RPCWildcard(instance string) string {
	return "rpc." + instance + ".*"
}

// ServiceFromSubject returns the service token of an RPC subject
func ServiceFromSubject(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}

// StatusSubject is where status events for resources owned by owner are published
func StatusSubject(owner string) string {
	return "status." + owner
}

// Envelope carries a request between instances. ResourceID is allocated by
// the caller and identifies the resource in later unload calls and status events.
type Envelope struct {
	ResourceID string            `json:"resource_id"`
	Owner      string            `json:"owner"`
	Trace      map[string]string `json:"trace,omitempty"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
}

// Reply answers an Envelope. Code is empty on success and holds the
// orchestration error code otherwise.
type Reply struct {
	ResourceID string          `json:"resource_id"`
	Code       string          `json:"code,omitempty"`
	Error      string          `json:"error,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// OK reports whether the reply carries no error
func (r Reply) OK() bool {
	return r.Code == "" && r.Error == ""
}

// ComponentInfo describes a component available on an instance.
type ComponentInfo struct {
	Name       string            `json:"name" yaml:"name"`
	Type       string            `json:"type" yaml:"type"`
	Package    string            `json:"package,omitempty" yaml:"package,omitempty"`
	Executable string            `json:"executable,omitempty" yaml:"executable,omitempty"`
	Instance   string            `json:"instance,omitempty" yaml:"instance,omitempty"`
	Topics     TopicContract     `json:"topics" yaml:"topics,omitempty"`
	Parameters ParameterContract `json:"parameters" yaml:"parameters,omitempty"`
}

// Clone returns a deep copy
func (c ComponentInfo) Clone() ComponentInfo {
	c.Topics = c.Topics.Clone()
	c.Parameters = c.Parameters.Clone()
	return c
}

// ListComponentsRequest asks an instance for the components it can load.
// An empty Type lists every component.
type ListComponentsRequest struct {
	Type string `json:"type,omitempty"`
}

// ListComponentsResponse lists local components first, then remote ones.
type ListComponentsResponse struct {
	Components []ComponentInfo `json:"components"`
}

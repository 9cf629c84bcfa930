package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
)

// Fingerprint identifies the equivalence class of a load request.
type Fingerprint string

// SegmentSpecifier constrains one position of a requested pipe.
type SegmentSpecifier struct {
	// SegmentType must equal the segment type at this position. Empty matches any.
	SegmentType string            `json:"segment_type,omitempty" yaml:"segment_type,omitempty"`
	Package     string            `json:"package,omitempty" yaml:"package,omitempty"`
	Executable  string            `json:"executable,omitempty" yaml:"executable,omitempty"`
	Topics      TopicContract     `json:"topics" yaml:"topics,omitempty"`
	Parameters  ParameterContract `json:"parameters" yaml:"parameters,omitempty"`
}

// Clone returns a deep copy
func (s SegmentSpecifier) Clone() SegmentSpecifier {
	s.Topics = s.Topics.Clone()
	s.Parameters = s.Parameters.Clone()
	return s
}

// ComponentRequest asks for a component of a type.
type ComponentRequest struct {
	Type         string            `json:"type"`
	Package      string            `json:"package,omitempty"`
	Executable   string            `json:"executable,omitempty"`
	Topics       TopicContract     `json:"topics"`
	Parameters   ParameterContract `json:"parameters"`
	UseOnlyLocal bool              `json:"use_only_local"`
	// Instance is the manager that serves the request. Empty means the
	// orchestrator's own namespace.
	Instance string `json:"instance,omitempty"`
}

// Clone returns a deep copy
func (r ComponentRequest) Clone() ComponentRequest {
	r.Topics = r.Topics.Clone()
	r.Parameters = r.Parameters.Clone()
	return r
}

// Fingerprint hashes Type, Package and Executable.
func (r ComponentRequest) Fingerprint() Fingerprint {
	return fingerprint("component", struct {
		Type       string `json:"t"`
		Package    string `json:"p"`
		Executable string `json:"e"`
	}{r.Type, r.Package, r.Executable})
}

// ComponentShape builds the request shape used to stop or reload a component.
func ComponentShape(componentType, pkg, executable string) ComponentRequest {
	return ComponentRequest{Type: componentType, Package: pkg, Executable: executable}
}

// ComponentResponse reports where a loaded component publishes.
type ComponentResponse struct {
	ResourceID string            `json:"resource_id"`
	Name       string            `json:"name"`
	Instance   string            `json:"instance"`
	Topics     TopicContract     `json:"topics"`
	Parameters ParameterContract `json:"parameters"`
}

// Clone returns a deep copy
func (r ComponentResponse) Clone() ComponentResponse {
	r.Topics = r.Topics.Clone()
	r.Parameters = r.Parameters.Clone()
	return r
}

// PipeRequest asks for a pipe of a category.
type PipeRequest struct {
	Category     string             `json:"category"`
	Specifiers   []SegmentSpecifier `json:"specifiers,omitempty"`
	UseOnlyLocal bool               `json:"use_only_local"`
	// PipeID keeps the logical pipe id stable across reload and recovery.
	PipeID string `json:"pipe_id,omitempty"`
	// Topics overrides the output channels of the last segment.
	Topics   TopicContract `json:"topics"`
	Instance string        `json:"instance,omitempty"`
}

// Clone returns a deep copy
func (r PipeRequest) Clone() PipeRequest {
	if r.Specifiers != nil {
		specs := make([]SegmentSpecifier, len(r.Specifiers))
		for i, s := range r.Specifiers {
			specs[i] = s.Clone()
		}
		r.Specifiers = specs
	}
	r.Topics = r.Topics.Clone()
	return r
}

// Fingerprint hashes Category, Specifiers and UseOnlyLocal. An empty
// specifier list and a nil one are equivalent.
func (r PipeRequest) Fingerprint() Fingerprint {
	specs := r.Specifiers
	if len(specs) == 0 {
		specs = nil
	}
	return fingerprint("pipe", struct {
		Category   string             `json:"c"`
		Specifiers []SegmentSpecifier `json:"s"`
		Local      bool               `json:"l"`
	}{r.Category, specs, r.UseOnlyLocal})
}

// PipeShape builds the request shape used to stop or reload a pipe.
func PipeShape(category string, specifiers []SegmentSpecifier, useOnlyLocal bool) PipeRequest {
	return PipeRequest{Category: category, Specifiers: slices.Clone(specifiers), UseOnlyLocal: useOnlyLocal}
}

// PipeResponse reports the pipe that was built and its output channels.
type PipeResponse struct {
	ResourceID string        `json:"resource_id"`
	PipeID     string        `json:"pipe_id"`
	Descriptor string        `json:"descriptor"`
	Origin     string        `json:"origin"`
	Topics     TopicContract `json:"topics"`
}

// Clone returns a deep copy
func (r PipeResponse) Clone() PipeResponse {
	r.Topics = r.Topics.Clone()
	return r
}

// fingerprint hashes the canonical JSON of v. encoding/json sorts map keys,
// so equal contracts always hash equally.
func fingerprint(kind string, v any) Fingerprint {
	data, err := json.Marshal(v)
	if err != nil {
		// Only plain strings, bools and string maps reach here.
		panic("types: fingerprint: " + err.Error())
	}
	sum := sha256.Sum256(append([]byte(kind+":"), data...))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

package catalog

import (
	"fmt"
	"slices"

	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/types"
)

// SegmentDescriptor declares one stage of a pipe. Sets are kept sorted and
// free of duplicates.
type SegmentDescriptor struct {
	Type        string   `json:"type" yaml:"type"`
	InputTypes  []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	OutputTypes []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Parameters  []string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// NewSegmentDescriptor builds a normalized segment descriptor
func NewSegmentDescriptor(segmentType string, inputs, outputs, parameters []string) SegmentDescriptor {
	return SegmentDescriptor{
		Type:        segmentType,
		InputTypes:  inputs,
		OutputTypes: outputs,
		Parameters:  parameters,
	}.normalized()
}

func (s SegmentDescriptor) normalized() SegmentDescriptor {
	s.InputTypes = normalize(s.InputTypes)
	s.OutputTypes = normalize(s.OutputTypes)
	s.Parameters = normalize(s.Parameters)
	return s
}

func normalize(set []string) []string {
	if len(set) == 0 {
		return nil
	}
	out := slices.Clone(set)
	slices.Sort(out)
	return slices.Compact(out)
}

// Equal compares type and all three sets
func (s SegmentDescriptor) Equal(o SegmentDescriptor) bool {
	return s.Type == o.Type &&
		slices.Equal(s.InputTypes, o.InputTypes) &&
		slices.Equal(s.OutputTypes, o.OutputTypes) &&
		slices.Equal(s.Parameters, o.Parameters)
}

// Accepts reports whether every input type is declared by the segment
func (s SegmentDescriptor) Accepts(inputs []string) bool {
	return subset(inputs, s.InputTypes)
}

// Provides reports whether every output type is declared by the segment
func (s SegmentDescriptor) Provides(outputs []string) bool {
	return subset(outputs, s.OutputTypes)
}

// Takes reports whether every parameter name is declared by the segment
func (s SegmentDescriptor) Takes(parameters []string) bool {
	return subset(parameters, s.Parameters)
}

// subset reports whether every element of sub is in the sorted set.
func subset(sub, set []string) bool {
	for _, v := range sub {
		if _, found := slices.BinarySearch(set, v); !found {
			return false
		}
	}
	return true
}

func (s SegmentDescriptor) clone() SegmentDescriptor {
	s.InputTypes = slices.Clone(s.InputTypes)
	s.OutputTypes = slices.Clone(s.OutputTypes)
	s.Parameters = slices.Clone(s.Parameters)
	return s
}

// PipeDescriptor is a cataloged chain of segments for a category.
type PipeDescriptor struct {
	Category    string              `json:"category" yaml:"category"`
	Name        string              `json:"name" yaml:"name"`
	Segments    []SegmentDescriptor `json:"segments" yaml:"segments"`
	Reliability Reliability         `json:"reliability" yaml:"reliability"`
}

// Equal compares category and segment chain. Name and reliability are ignored.
func (p PipeDescriptor) Equal(o PipeDescriptor) bool {
	return p.Category == o.Category && slices.EqualFunc(p.Segments, o.Segments, SegmentDescriptor.Equal)
}

// Clone returns a deep copy
func (p PipeDescriptor) Clone() PipeDescriptor {
	segs := make([]SegmentDescriptor, len(p.Segments))
	for i, s := range p.Segments {
		segs[i] = s.clone()
	}
	p.Segments = segs
	return p
}

// Normalize sorts and deduplicates the segment sets in place
func (p *PipeDescriptor) Normalize() {
	for i := range p.Segments {
		p.Segments[i] = p.Segments[i].normalized()
	}
}

// Validate rejects empty chains, unnamed segments, out of range
// reliabilities, and chains where a segment requires an input type its
// predecessor does not produce.
func (p PipeDescriptor) Validate() error {
	invalid := func(detail string) error {
		return errors.WrapInvalid(errors.ErrInvalidData, "PipeDescriptor", "Validate",
			fmt.Sprintf("pipe %s/%s: %s", p.Category, p.Name, detail))
	}

	if p.Category == "" {
		return invalid("missing category")
	}
	if len(p.Segments) == 0 {
		return invalid("segment chain is empty")
	}
	if !p.Reliability.Valid() {
		return invalid(fmt.Sprintf("reliability %v outside [0,1]", float64(p.Reliability)))
	}

	for i, seg := range p.Segments {
		if seg.Type == "" {
			return invalid(fmt.Sprintf("segment %d has no type", i))
		}
		if i == 0 {
			continue
		}
		prev := p.Segments[i-1].normalized()
		if !prev.Provides(seg.normalized().InputTypes) {
			return invalid(fmt.Sprintf("segment %d (%s) requires inputs %v not produced by segment %d (%s)",
				i, seg.Type, seg.InputTypes, i-1, prev.Type))
		}
	}
	return nil
}

// ComponentDescriptor describes a loadable component and the instance owning it.
type ComponentDescriptor struct {
	types.ComponentInfo `yaml:",inline"`
	Reliability         Reliability `json:"reliability" yaml:"reliability"`
}

// Clone returns a deep copy
func (c ComponentDescriptor) Clone() ComponentDescriptor {
	c.ComponentInfo = c.ComponentInfo.Clone()
	return c
}

// Matches reports whether the descriptor can serve a component request
// shape. Empty package or executable match anything.
func (c ComponentDescriptor) Matches(componentType, pkg, executable string) bool {
	return c.Type == componentType &&
		(pkg == "" || c.Package == pkg) &&
		(executable == "" || c.Executable == executable)
}

// Validate requires a name and a type
func (c ComponentDescriptor) Validate() error {
	switch {
	case c.Name == "":
		return errors.WrapInvalid(errors.ErrInvalidData, "ComponentDescriptor", "Validate", "missing name")
	case c.Type == "":
		return errors.WrapInvalid(errors.ErrInvalidData, "ComponentDescriptor", "Validate",
			fmt.Sprintf("component %s: missing type", c.Name))
	case !c.Reliability.Valid():
		return errors.WrapInvalid(errors.ErrInvalidData, "ComponentDescriptor", "Validate",
			fmt.Sprintf("component %s: reliability outside [0,1]", c.Name))
	}
	return nil
}

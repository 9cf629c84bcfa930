package types

import (
	"maps"
	"slices"
)

// Contract maps a role to a value, split into required inputs and provided outputs.
type Contract struct {
	Inputs  map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

func (c Contract) clone() Contract {
	return Contract{Inputs: maps.Clone(c.Inputs), Outputs: maps.Clone(c.Outputs)}
}

// InputTypes returns the sorted input roles
func (c Contract) InputTypes() []string {
	return slices.Sorted(maps.Keys(c.Inputs))
}

// OutputTypes returns the sorted output roles
func (c Contract) OutputTypes() []string {
	return slices.Sorted(maps.Keys(c.Outputs))
}

// IsEmpty reports whether neither side declares anything
func (c Contract) IsEmpty() bool {
	return len(c.Inputs) == 0 && len(c.Outputs) == 0
}

// Equal compares both sides by content
func (c Contract) Equal(o Contract) bool {
	return maps.Equal(c.Inputs, o.Inputs) && maps.Equal(c.Outputs, o.Outputs)
}

// TopicContract maps a topic type to the channel carrying it.
type TopicContract struct {
	Contract `yaml:",inline"`
}

// Clone returns a deep copy
func (t TopicContract) Clone() TopicContract {
	return TopicContract{t.clone()}
}

// SetInput assigns the channel of an input type
func (t *TopicContract) SetInput(topicType, channel string) {
	if t.Inputs == nil {
		t.Inputs = make(map[string]string)
	}
	t.Inputs[topicType] = channel
}

// SetOutput assigns the channel of an output type
func (t *TopicContract) SetOutput(topicType, channel string) {
	if t.Outputs == nil {
		t.Outputs = make(map[string]string)
	}
	t.Outputs[topicType] = channel
}

// WithOutputs returns a copy whose outputs are replaced by outputs
func (t TopicContract) WithOutputs(outputs map[string]string) TopicContract {
	c := t.Clone()
	c.Outputs = maps.Clone(outputs)
	return c
}

// Overlay returns a copy of t with every entry of o written over it
func (t TopicContract) Overlay(o TopicContract) TopicContract {
	return TopicContract{overlay(t.Contract, o.Contract)}
}

// ParameterContract maps a parameter name to its configured value.
type ParameterContract struct {
	Contract `yaml:",inline"`
}

// Clone returns a deep copy
func (p ParameterContract) Clone() ParameterContract {
	return ParameterContract{p.clone()}
}

// Names returns the sorted union of input and output parameter names
func (p ParameterContract) Names() []string {
	names := append(p.InputTypes(), p.OutputTypes()...)
	slices.Sort(names)
	return slices.Compact(names)
}

// Overlay returns a copy of p with every entry of o written over it
func (p ParameterContract) Overlay(o ParameterContract) ParameterContract {
	return ParameterContract{overlay(p.Contract, o.Contract)}
}

func overlay(base, top Contract) Contract {
	out := base.clone()
	for k, v := range top.Inputs {
		if out.Inputs == nil {
			out.Inputs = make(map[string]string)
		}
		out.Inputs[k] = v
	}
	for k, v := range top.Outputs {
		if out.Outputs == nil {
			out.Outputs = make(map[string]string)
		}
		out.Outputs[k] = v
	}
	return out
}

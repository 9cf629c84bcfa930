package service

import (
	"fmt"

	"github.com/c360/semstreams-robotics/resolver"
	"github.com/c360/semstreams-robotics/types"
)

// FinalTopic is the channel of an output type of the last segment of a pipe
func FinalTopic(pipeID, topicType string) string {
	return fmt.Sprintf("/pipe_%s/%s", pipeID, topicType)
}

// SegmentTopic is the channel of an output type of an intermediate segment
func SegmentTopic(pipeID string, segment int, topicType string) string {
	return fmt.Sprintf("/pipe_%s/seg%d/%s", pipeID, segment, topicType)
}

// PlanSegments turns a resolution into one component request per segment.
// Each segment reads its inputs from the matching outputs of its
// predecessor. Specifier topics override the generated names, and the
// request's own topics override the first segment's inputs and the last
// segment's outputs.
func PlanSegments(pipeID string, res resolver.Resolution, req types.PipeRequest) []types.ComponentRequest {
	last := len(res.Segments) - 1
	plan := make([]types.ComponentRequest, 0, len(res.Segments))

	var upstream map[string]string
	for i, seg := range res.Segments {
		var topics types.TopicContract
		for _, in := range seg.Descriptor.InputTypes {
			if ch, ok := upstream[in]; ok {
				topics.SetInput(in, ch)
			}
		}
		for _, out := range seg.Descriptor.OutputTypes {
			if i == last {
				topics.SetOutput(out, FinalTopic(pipeID, out))
			} else {
				topics.SetOutput(out, SegmentTopic(pipeID, i, out))
			}
		}

		topics = topics.Overlay(seg.Specifier.Topics)
		if i == 0 {
			topics = topics.Overlay(types.TopicContract{Contract: types.Contract{Inputs: req.Topics.Inputs}})
		}
		if i == last {
			topics = topics.Overlay(types.TopicContract{Contract: types.Contract{Outputs: req.Topics.Outputs}})
		}
		upstream = topics.Outputs

		plan = append(plan, types.ComponentRequest{
			Type:         seg.Descriptor.Type,
			Package:      seg.Specifier.Package,
			Executable:   seg.Specifier.Executable,
			Topics:       topics,
			Parameters:   seg.Specifier.Parameters.Clone(),
			UseOnlyLocal: req.UseOnlyLocal,
		})
	}
	return plan
}

package testutil

import (
	"github.com/c360/semstreams-robotics/catalog"
	"github.com/c360/semstreams-robotics/types"
)

// PipeBuilder builds pipe descriptors for tests
type PipeBuilder struct {
	desc catalog.PipeDescriptor
}

// NewPipe starts a pipe of category
func NewPipe(category, name string) *PipeBuilder {
	return &PipeBuilder{desc: catalog.PipeDescriptor{Category: category, Name: name, Reliability: 1}}
}

// Reliability sets the pipe reliability
func (b *PipeBuilder) Reliability(r float64) *PipeBuilder {
	b.desc.Reliability = catalog.Reliability(r)
	return b
}

// Segment appends a segment
func (b *PipeBuilder) Segment(segmentType string, inputs, outputs, parameters []string) *PipeBuilder {
	b.desc.Segments = append(b.desc.Segments, catalog.NewSegmentDescriptor(segmentType, inputs, outputs, parameters))
	return b
}

// Build returns the descriptor
func (b *PipeBuilder) Build() catalog.PipeDescriptor {
	return b.desc.Clone()
}

// Component returns a component descriptor owned by instance
func Component(instance, name, componentType string) catalog.ComponentDescriptor {
	return catalog.ComponentDescriptor{
		ComponentInfo: types.ComponentInfo{
			Name:     name,
			Type:     componentType,
			Instance: instance,
		},
		Reliability: 1,
	}
}

// Object detection fixture: two pipes of the same category, the first more
// reliable than the second.
const (
	ObjectDetection = "object_detection"
	PrimaryPipe     = "yolo_pipeline"
	SecondaryPipe   = "ssd_pipeline"
)

// ObjectDetectionPipes returns the primary (0.9) and secondary (0.7)
// object detection pipes.
func ObjectDetectionPipes() []catalog.PipeDescriptor {
	return []catalog.PipeDescriptor{
		NewPipe(ObjectDetection, PrimaryPipe).Reliability(0.9).
			Segment("camera", nil, []string{"image"}, []string{"fps"}).
			Segment("yolo_detector", []string{"image"}, []string{"detections"}, []string{"threshold"}).
			Build(),
		NewPipe(ObjectDetection, SecondaryPipe).Reliability(0.7).
			Segment("camera", nil, []string{"image"}, []string{"fps"}).
			Segment("ssd_detector", []string{"image"}, []string{"detections"}, []string{"threshold"}).
			Build(),
	}
}

// ObjectDetectionComponents returns components implementing every segment
// type of ObjectDetectionPipes on instance.
func ObjectDetectionComponents(instance string) []catalog.ComponentDescriptor {
	return []catalog.ComponentDescriptor{
		Component(instance, "usb_camera", "camera"),
		Component(instance, "yolo", "yolo_detector"),
		Component(instance, "ssd", "ssd_detector"),
	}
}

// ObjectDetectionCatalog returns a registry for instance loaded with the
// object detection fixture.
func ObjectDetectionCatalog(instance string) *catalog.Registry {
	r := catalog.NewRegistry(instance)
	r.ReplaceSource("fixture", ObjectDetectionPipes(), ObjectDetectionComponents(instance))
	return r
}

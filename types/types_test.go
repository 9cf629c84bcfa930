package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semstreams-robotics/errors"
)

func TestComponentFingerprint_IgnoresNonMaterialFields(t *testing.T) {
	a := ComponentRequest{Type: "camera", Package: "drivers", Executable: "usb_cam"}
	b := a.Clone()
	b.Topics.SetOutput("image", "/robot/front/image")
	b.Parameters.Inputs = map[string]string{"fps": "30"}
	b.Instance = "robot2"
	b.UseOnlyLocal = true

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.Equal(t, a.Fingerprint(), ComponentShape("camera", "drivers", "usb_cam").Fingerprint())

	c := a
	c.Executable = "gige_cam"
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestPipeFingerprint(t *testing.T) {
	spec := SegmentSpecifier{SegmentType: "detector"}
	spec.Topics.SetInput("image", "")

	a := PipeRequest{Category: "object_detection", Specifiers: []SegmentSpecifier{spec}}
	b := a.Clone()
	b.PipeID = "p1"
	b.Topics.SetOutput("detections", "/pipe_p1/detections")
	b.Instance = "robot2"
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	local := a.Clone()
	local.UseOnlyLocal = true
	assert.NotEqual(t, a.Fingerprint(), local.Fingerprint())

	other := a.Clone()
	other.Specifiers[0].Topics.SetInput("depth", "")
	assert.NotEqual(t, a.Fingerprint(), other.Fingerprint())

	assert.Equal(t,
		PipeRequest{Category: "x"}.Fingerprint(),
		PipeRequest{Category: "x", Specifiers: []SegmentSpecifier{}}.Fingerprint())
	assert.NotEqual(t, PipeShape("x", nil, false).Fingerprint(), ComponentShape("x", "", "").Fingerprint())
}

func TestClone_IsDeep(t *testing.T) {
	req := PipeRequest{Specifiers: []SegmentSpecifier{{SegmentType: "a"}}}
	req.Topics.SetOutput("detections", "/x")

	clone := req.Clone()
	clone.Topics.SetOutput("detections", "/y")
	clone.Specifiers[0].SegmentType = "b"

	assert.Equal(t, "/x", req.Topics.Outputs["detections"])
	assert.Equal(t, "a", req.Specifiers[0].SegmentType)
}

func TestTopicContract_Overlay(t *testing.T) {
	base := TopicContract{}
	base.SetInput("image", "/cam/image")
	base.SetOutput("detections", "/det/default")

	top := TopicContract{}
	top.SetOutput("detections", "/det/custom")

	got := base.Overlay(top)
	assert.Equal(t, "/cam/image", got.Inputs["image"])
	assert.Equal(t, "/det/custom", got.Outputs["detections"])
	assert.Equal(t, "/det/default", base.Outputs["detections"])

	assert.Equal(t, []string{"image"}, got.InputTypes())
	assert.True(t, TopicContract{}.IsEmpty())

	replaced := base.WithOutputs(map[string]string{"boxes": "/b"})
	assert.Equal(t, map[string]string{"boxes": "/b"}, replaced.Outputs)
	assert.Equal(t, "/cam/image", replaced.Inputs["image"])
}

func TestParameterContract_Names(t *testing.T) {
	p := ParameterContract{Contract{
		Inputs:  map[string]string{"threshold": "0.5", "model": "yolo"},
		Outputs: map[string]string{"model": "", "rate": "10"},
	}}
	assert.Equal(t, []string{"model", "rate", "threshold"}, p.Names())
}

func TestStatusEvent_Validate(t *testing.T) {
	assert.NoError(t, StatusEvent{ResourceID: "r", Code: StatusFailed}.Validate())
	assert.NoError(t, StatusEvent{ResourceID: "r", Code: StatusUpdated}.Validate())

	err := StatusEvent{Code: StatusFailed}.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	assert.Error(t, StatusEvent{ResourceID: "r", Code: "LOST"}.Validate())
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "rpc.robot1.load_pipe", RPCSubject("robot1", ServiceLoadPipe))
	assert.Equal(t, "rpc.robot1.*", RPCWildcard("robot1"))
	assert.Equal(t, ServiceUnload, ServiceFromSubject("rpc.robot1.unload"))
	assert.Equal(t, "plain", ServiceFromSubject("plain"))
	assert.Equal(t, "status.robot1", StatusSubject("robot1"))
}

func TestReply_OK(t *testing.T) {
	assert.True(t, Reply{}.OK())
	assert.False(t, Reply{Code: errors.CodeRPCFailure}.OK())
	assert.False(t, Reply{Error: "boom"}.OK())
}

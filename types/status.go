package types

import (
	"fmt"
	"time"

	"github.com/c360/semstreams-robotics/errors"
)

// StatusCode is the kind of an asynchronous status notification
type StatusCode string

// Status codes
const (
	StatusFailed  StatusCode = "FAILED"
	StatusUpdated StatusCode = "UPDATED"
)

// StatusEvent notifies the owner of a resource about its state. Events are
// delivered at least once and never stored.
type StatusEvent struct {
	ResourceID string            `json:"resource_id"`
	Code       StatusCode        `json:"code"`
	Message    string            `json:"message,omitempty"`
	Origin     string            `json:"origin,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Trace      map[string]string `json:"trace,omitempty"`
}

// Validate checks the event carries a resource id and a known code
func (e StatusEvent) Validate() error {
	if e.ResourceID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "StatusEvent", "Validate", "missing resource id")
	}
	switch e.Code {
	case StatusFailed, StatusUpdated:
		return nil
	default:
		return errors.WrapInvalid(errors.ErrInvalidData, "StatusEvent", "Validate",
			fmt.Sprintf("unknown status code %q", e.Code))
	}
}

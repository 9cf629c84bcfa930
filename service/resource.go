package service

import (
	"fmt"
	"maps"

	"github.com/c360/semstreams-robotics/launcher"
)

const (
	kindComponent = "component"
	kindPipe      = "pipe"
)

// resource is everything started for one client resource id: local
// processes and resources forwarded to peers.
type resource struct {
	id    string
	owner string
	kind  string
	trace map[string]string

	// category and pipe name of a locally built pipe, for reliability
	category string
	pipe     string

	processes []launcher.Process
	forwards  []string

	loading  bool
	stopping bool
	failed   bool
	// failure is held back until the load either commits or tears down
	failure string
}

func newResource(id, owner, kind string, trace map[string]string) *resource {
	return &resource{id: id, owner: owner, kind: kind, trace: maps.Clone(trace), loading: true}
}

// segmentProcessID names the process backing segment i of a pipe
func segmentProcessID(resourceID string, i int) string {
	return fmt.Sprintf("%s/seg%d", resourceID, i)
}

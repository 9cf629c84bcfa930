package orchestrator

import (
	"slices"

	"github.com/c360/semstreams-robotics/types"
)

// State is the recovery state of an allocation
type State int

// Allocation states. Removed allocations are no longer in the table.
const (
	StateActive State = iota
	StateRecovering
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateRecovering:
		return "RECOVERING"
	default:
		return "UNKNOWN"
	}
}

// Allocation pairs a load request with the response that satisfied it.
// Values handed out by the orchestrator are copies.
type Allocation[Req, Resp any] struct {
	ResourceID string
	Request    Req
	Response   Resp
	State      State
}

// ComponentAllocation is a live component
type ComponentAllocation = Allocation[types.ComponentRequest, types.ComponentResponse]

// PipeAllocation is a live pipe
type PipeAllocation = Allocation[types.PipeRequest, types.PipeResponse]

type entry[Req, Resp any] struct {
	seq         uint64
	resourceID  string
	fingerprint types.Fingerprint
	request     Req
	response    Resp
	state       State
	stopping    bool
	// failure is a FAILED event that arrived while an unload was in flight
	failure *types.StatusEvent
}

// table indexes allocations by resource id and by request fingerprint.
// It is not synchronized; the orchestrator mutex guards it.
type table[Req, Resp any] struct {
	nextSeq       uint64
	byResource    map[string]*entry[Req, Resp]
	byFingerprint map[types.Fingerprint][]*entry[Req, Resp]
}

func newTable[Req, Resp any]() *table[Req, Resp] {
	return &table[Req, Resp]{
		byResource:    make(map[string]*entry[Req, Resp]),
		byFingerprint: make(map[types.Fingerprint][]*entry[Req, Resp]),
	}
}

func (t *table[Req, Resp]) add(id string, fp types.Fingerprint, req Req, resp Resp) *entry[Req, Resp] {
	t.nextSeq++
	e := &entry[Req, Resp]{
		seq:         t.nextSeq,
		resourceID:  id,
		fingerprint: fp,
		request:     req,
		response:    resp,
	}
	t.byResource[id] = e
	t.byFingerprint[fp] = append(t.byFingerprint[fp], e)
	return e
}

func (t *table[Req, Resp]) get(id string) *entry[Req, Resp] {
	return t.byResource[id]
}

// findOldest returns the oldest allocation equivalent to fp that is not
// already being stopped.
func (t *table[Req, Resp]) findOldest(fp types.Fingerprint) *entry[Req, Resp] {
	for _, e := range t.byFingerprint[fp] {
		if !e.stopping {
			return e
		}
	}
	return nil
}

// contains reports whether e is still in the table
func (t *table[Req, Resp]) contains(e *entry[Req, Resp]) bool {
	return t.byResource[e.resourceID] == e
}

func (t *table[Req, Resp]) remove(e *entry[Req, Resp]) {
	if !t.contains(e) {
		return
	}
	delete(t.byResource, e.resourceID)
	list := slices.DeleteFunc(t.byFingerprint[e.fingerprint], func(x *entry[Req, Resp]) bool { return x == e })
	if len(list) == 0 {
		delete(t.byFingerprint, e.fingerprint)
	} else {
		t.byFingerprint[e.fingerprint] = list
	}
}

// rekey moves e to a new resource id
func (t *table[Req, Resp]) rekey(e *entry[Req, Resp], id string) {
	delete(t.byResource, e.resourceID)
	e.resourceID = id
	t.byResource[id] = e
}

func (t *table[Req, Resp]) size() int {
	return len(t.byResource)
}

// all returns the entries in creation order
func (t *table[Req, Resp]) all() []*entry[Req, Resp] {
	out := make([]*entry[Req, Resp], 0, len(t.byResource))
	for _, e := range t.byResource {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *entry[Req, Resp]) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return out
}

package orchestrator

import (
	"context"
	"log/slog"

	"github.com/c360/semstreams-robotics/types"
)

// class holds what differs between components and pipes. The lifecycle
// functions below are shared.
type class[Req, Resp any] struct {
	name    string
	service string
	table   *table[Req, Resp]

	fingerprint   func(Req) types.Fingerprint
	instance      func(*Req) *string
	setID         func(*Resp, string)
	continuity    func(Req, Resp) Req
	cloneRequest  func(Req) Req
	cloneResponse func(Resp) Resp

	recovery func(context.Context, Allocation[Req, Resp])
	update   func(context.Context, Allocation[Req, Resp])
}

func (c *class[Req, Resp]) copyOf(e *entry[Req, Resp]) Allocation[Req, Resp] {
	return Allocation[Req, Resp]{
		ResourceID: e.resourceID,
		Request:    c.cloneRequest(e.request),
		Response:   c.cloneResponse(e.response),
		State:      e.state,
	}
}

// call issues the load request and returns the resource id and response
func call[Req, Resp any](ctx context.Context, o *Orchestrator, c *class[Req, Resp], req Req) (string, Resp, error) {
	var resp Resp
	target := *c.instance(&req)
	id, err := o.registrar.Call(ctx, c.service, target, req, &resp)
	if err != nil {
		return "", resp, err
	}
	c.setID(&resp, id)
	return id, resp, nil
}

func start[Req, Resp any](ctx context.Context, o *Orchestrator, c *class[Req, Resp], method string, req Req) (Allocation[Req, Resp], error) {
	if err := o.ready(method); err != nil {
		return Allocation[Req, Resp]{}, err
	}

	req = c.cloneRequest(req)
	if target := c.instance(&req); *target == "" {
		*target = o.namespace
	}

	id, resp, err := call(ctx, o, c, req)
	if err != nil {
		o.logger.Warn("Load failed", "class", c.name, "target", *c.instance(&req), "error", err)
		return Allocation[Req, Resp]{}, err
	}

	o.mu.Lock()
	e := c.table.add(id, c.fingerprint(req), req, resp)
	alloc := c.copyOf(e)
	n := c.table.size()
	o.mu.Unlock()

	o.recordAllocations(c.name, n)
	o.logger.Info("Allocation created", "class", c.name, "resource_id", id, "target", *c.instance(&req))
	return alloc, nil
}

func stop[Req, Resp any](ctx context.Context, o *Orchestrator, c *class[Req, Resp], method string, shape Req) error {
	if err := o.ready(method); err != nil {
		return err
	}

	fp := c.fingerprint(shape)
	o.mu.Lock()
	e := c.table.findOldest(fp)
	if e == nil {
		o.mu.Unlock()
		return notFound(method, c.name, fp)
	}
	return stopEntry(ctx, o, c, e)
}

// stopEntry unloads e and removes it. Called with o.mu held; returns with
// it released.
func stopEntry[Req, Resp any](ctx context.Context, o *Orchestrator, c *class[Req, Resp], e *entry[Req, Resp]) error {
	if e.state == StateRecovering {
		// the in-flight recovery unloads whatever it obtains
		c.table.remove(e)
		n := c.table.size()
		o.mu.Unlock()
		o.recordAllocations(c.name, n)
		o.logger.Info("Allocation removed during recovery", "class", c.name, "resource_id", e.resourceID)
		return nil
	}

	e.stopping = true
	e.failure = nil
	id := e.resourceID
	o.mu.Unlock()

	err := o.registrar.Unload(ctx, id)

	o.mu.Lock()
	if err != nil {
		e.stopping = false
		failure := e.failure
		e.failure = nil
		if failure != nil {
			// the resource died under the unload; the allocation is kept, so
			// it must not be left pointing at it
			logger := o.logger.With("class", c.name, "resource_id", id, "code", failure.Code)
			logger.Warn("Unload failed after the resource failed, allocation kept", "error", err)
			failEntry(ctx, o, c, e, *failure, logger)
			return err
		}
		o.mu.Unlock()
		o.logger.Warn("Unload failed, allocation kept", "class", c.name, "resource_id", id, "error", err)
		return err
	}
	c.table.remove(e)
	n := c.table.size()
	o.mu.Unlock()

	o.recordAllocations(c.name, n)
	o.logger.Info("Allocation stopped", "class", c.name, "resource_id", id)
	return nil
}

func reload[Req, Resp any](ctx context.Context, o *Orchestrator, c *class[Req, Resp], method string, shape Req) (Allocation[Req, Resp], error) {
	if err := o.ready(method); err != nil {
		return Allocation[Req, Resp]{}, err
	}

	fp := c.fingerprint(shape)
	o.mu.Lock()
	e := c.table.findOldest(fp)
	if e == nil {
		o.mu.Unlock()
		return Allocation[Req, Resp]{}, notFound(method, c.name, fp)
	}
	next := c.continuity(e.request, e.response)
	if err := stopEntry(ctx, o, c, e); err != nil {
		return Allocation[Req, Resp]{}, err
	}
	return start(ctx, o, c, method, next)
}

func snapshot[Req, Resp any](o *Orchestrator, c *class[Req, Resp]) []Allocation[Req, Resp] {
	if o == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	entries := c.table.all()
	out := make([]Allocation[Req, Resp], len(entries))
	for i, e := range entries {
		out[i] = c.copyOf(e)
	}
	return out
}

// handleEvent applies event to the class owning its resource id. It
// reports false when no allocation of the class matches.
func handleEvent[Req, Resp any](ctx context.Context, o *Orchestrator, c *class[Req, Resp], event types.StatusEvent) bool {
	o.mu.Lock()
	e := c.table.get(event.ResourceID)
	if e == nil {
		o.mu.Unlock()
		return false
	}

	logger := o.logger.With("class", c.name, "resource_id", event.ResourceID, "code", event.Code)

	switch event.Code {
	case types.StatusUpdated:
		handler := c.update
		alloc := c.copyOf(e)
		o.mu.Unlock()
		if handler != nil {
			handler(ctx, alloc)
		} else {
			logger.Debug("Allocation updated")
		}
		return true

	case types.StatusFailed:
		if e.state == StateRecovering {
			o.mu.Unlock()
			logger.Debug("Ignoring failure of allocation already being recovered")
			return true
		}
		if e.stopping {
			// acted on only if the unload fails
			failure := event
			e.failure = &failure
			o.mu.Unlock()
			logger.Debug("Failure of allocation being stopped held until the unload completes")
			return true
		}
		failEntry(ctx, o, c, e, event, logger)
		return true
	}

	o.mu.Unlock()
	logger.Warn("Ignoring status event with unknown code")
	return true
}

// failEntry hands a failed allocation to the recovery handler or recovers
// it. Called with o.mu held; returns with it released.
func failEntry[Req, Resp any](ctx context.Context, o *Orchestrator, c *class[Req, Resp], e *entry[Req, Resp],
	event types.StatusEvent, logger *slog.Logger,
) {
	if handler := c.recovery; handler != nil {
		alloc := c.copyOf(e)
		c.table.remove(e)
		n := c.table.size()
		o.mu.Unlock()

		o.recordAllocations(c.name, n)
		bestEffortUnload(ctx, o, e.resourceID)
		o.metrics.RecordRecovery(c.name, "handler")
		logger.Info("Allocation failed, invoking recovery handler", "message", event.Message)
		handler(ctx, alloc)
		return
	}

	e.state = StateRecovering
	o.mu.Unlock()
	recoverEntry(ctx, o, c, e, event, logger)
}

func bestEffortUnload(ctx context.Context, o *Orchestrator, resourceID string) {
	if err := o.registrar.Unload(ctx, resourceID); err != nil {
		o.registrar.Forget(resourceID)
		o.logger.Debug("Unload of failed resource did not succeed", "resource_id", resourceID, "error", err)
	}
}

// recoverEntry reissues the failed request with the previous output
// topics. e is RECOVERING on entry.
func recoverEntry[Req, Resp any](ctx context.Context, o *Orchestrator, c *class[Req, Resp], e *entry[Req, Resp],
	event types.StatusEvent, logger *slog.Logger,
) {
	o.mu.Lock()
	deadID := e.resourceID
	next := c.continuity(e.request, e.response)
	o.mu.Unlock()

	logger.Info("Allocation failed, recovering", "message", event.Message)
	bestEffortUnload(ctx, o, deadID)

	if o.recoveries.Tokens() < 1 {
		logger.Warn("Recovery throttled")
	}
	var (
		id   string
		resp Resp
	)
	err := o.recoveries.Wait(ctx)
	if err == nil {
		id, resp, err = call(ctx, o, c, next)
	}

	o.mu.Lock()
	if !c.table.contains(e) {
		// stopped while recovering
		o.mu.Unlock()
		if err == nil {
			bestEffortUnload(ctx, o, id)
		}
		o.metrics.RecordRecovery(c.name, "abandoned")
		logger.Info("Allocation stopped during recovery")
		return
	}

	if err != nil {
		c.table.remove(e)
		n := c.table.size()
		o.mu.Unlock()
		o.recordAllocations(c.name, n)
		o.metrics.RecordRecovery(c.name, "failed")
		logger.Warn("Recovery failed, allocation removed", "error", err)
		return
	}

	e.request = next
	e.response = resp
	c.table.rekey(e, id)
	e.state = StateActive
	o.mu.Unlock()

	o.metrics.RecordRecovery(c.name, "recovered")
	logger.Info("Allocation recovered", "new_resource_id", id)
}

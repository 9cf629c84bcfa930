// Package health models the health of the manager's services and aggregates
// it into a single system status.
//
// Services report through a Monitor; an aggregate is unhealthy when any
// member is unhealthy, degraded when any member is degraded, and healthy
// otherwise. Messages built from errors are sanitized so URLs, paths,
// addresses and credentials never leak into health output.
package health

// Package metric provides Prometheus-based metrics collection and the HTTP
// server exposing them.
//
// The registry owns the core orchestration metrics (registrar calls, status
// events, allocations, recoveries, resolutions, catalog size, advertisements,
// NATS health) and lets services register their own collectors through the
// MetricsRegistrar interface.
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//	go server.Start()
//
//	m := registry.CoreMetrics()
//	m.RecordCall("load_pipe", "ok", elapsed)
//
// Every Record and Set method on *Metrics is a no-op on a nil receiver, so
// packages accept an optional registry and call through CoreMetrics without
// nil checks.
package metric

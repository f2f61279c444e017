// Package metric exposes the router's Prometheus metrics.
//
// MetricsRegistry owns a private prometheus.Registry preloaded with the router
// metric set (connections, frames, calls, broker publishes, webhook deliveries,
// NATS status) and the Go runtime collectors. Components that need additional
// series register them through MetricsRegistrar, keyed by owner and metric
// name so duplicate registrations are reported rather than panicking.
//
// Every Record* helper on *Metrics is nil-safe, so components can be built
// without a registry in tests:
//
//	var m *metric.Metrics
//	m.RecordFrameReceived("ocpp1.6", "call") // no-op
//
// Server serves the registry on a dedicated port (default 9090, path /metrics).
package metric

// Package metric provides the Prometheus metrics registry and the HTTP
// server that exposes it.
//
// MetricsRegistry wraps a dedicated prometheus.Registry. It registers the
// core relay metrics (component status, error counts, broker connectivity,
// build info) plus the Go and process collectors, and lets each component
// register its own collectors under a "component.metric" key so duplicate
// registrations are reported as invalid errors instead of panics.
//
//	registry := metric.NewMetricsRegistry()
//	registry.CoreMetrics().RecordBuildInfo(version)
//
//	server := metric.NewServer(9090, "/metrics", registry,
//	    metric.WithHealth(supervisor.Health))
//	go server.Run(ctx)
//
// Server.Run blocks until its context ends. /health answers 200 with the
// JSON health.Status unless the status is unhealthy, in which case it
// answers 503.
package metric

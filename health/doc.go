// Package health models the health of the relay and its connections.
//
// A Status is one of healthy, degraded or unhealthy, with a message, a
// timestamp, optional relay counters and nested sub-statuses. Monitor keeps
// the latest Status per named component (for the relay: "upstream" and
// "broker") and aggregates them; any unhealthy child makes the aggregate
// unhealthy.
//
// Messages derived from errors go through Sanitize so endpoint URLs,
// addresses and credentials never reach the /health endpoint.
package health

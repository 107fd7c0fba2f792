// Package metrics defines the Prometheus collectors for both binaries and
// the /metrics HTTP handler. Agent-side collectors track session, proxy,
// and update activity; registry-side collectors track the fleet.
package metrics

// Package metrics defines the Prometheus collectors exported on the
// operator HTTP listener's /metrics endpoint.
package metrics

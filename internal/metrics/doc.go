// Package metrics records batch run metrics with Prometheus collectors and
// pushes them to a Pushgateway at the end of a run. Noop is used when no
// Pushgateway is configured.
package metrics

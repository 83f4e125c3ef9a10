// Package monitor follows a disposable worker until it prints the completion
// marker or stops.
//
// Monitoring is pull-only: every poll reads the lifecycle state and the
// cumulative console output, and only the bytes not yet shown are emitted.
// The worker is never stopped or terminated from here.
package monitor

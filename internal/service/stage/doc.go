// Package stage exposes the pipeline as units a scheduled workflow can call.
//
// Every stage takes an array of strings and returns pass or fail together
// with an opaque text payload, such as the resolved dump file names.
package stage

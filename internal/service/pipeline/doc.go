// Package pipeline runs the local acquisition path for a set of datasets:
// resolve the latest dump, transfer each artifact, verify it against the
// published manifest and upload what can be trusted.
//
// Artifacts of a dataset are independent: one failure does not stop the
// others. A checksum mismatch always blocks the upload of that artifact.
package pipeline

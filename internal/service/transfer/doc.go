// Package transfer drives restartable downloads and renders the equivalent
// worker script for remote transfers.
//
// A transfer is always resumable: partial bytes stay on disk after a failure
// or an interrupt, and the next attempt continues from the byte already
// written. What happens to an existing destination is an explicit Policy.
// A lock marker next to the destination keeps two local runs from writing the
// same file.
package transfer

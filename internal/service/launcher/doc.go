// Package launcher prepares and starts a disposable worker that moves dumps
// straight from the archive into object storage.
//
// Launching resolves the datasets locally, renders the worker script with
// concrete URLs, provisions the worker and records it in the session file so
// that monitoring can be resumed later. It never waits for the worker.
package launcher

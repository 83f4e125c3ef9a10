// Package dump contains the core domain types of the acquisition pipeline.
//
// It defines the remote Artifact, the checksum Manifest, the per-run
// TransferRecord with its status transitions, the WorkerSession observed by
// the monitor, and the error taxonomy shared by every stage.
package dump

package dump

import (
	"errors"
	"fmt"
)

// TransferStatus is the lifecycle state of one artifact within a run.
type TransferStatus string

const (
	// StatusPending means the transfer has not started yet.
	StatusPending TransferStatus = "pending"
	// StatusInProgress means bytes may be on disk but the transfer has not finished.
	StatusInProgress TransferStatus = "in_progress"
	// StatusCompleted means the artifact was transferred but not verified.
	StatusCompleted TransferStatus = "completed"
	// StatusFailed means the transfer or verification failed.
	StatusFailed TransferStatus = "failed"
	// StatusVerified means the digest matched the published one.
	StatusVerified TransferStatus = "verified"
)

// errInvalidTransition is returned when a record is moved out of order.
var errInvalidTransition = errors.New("invalid transfer status transition")

// TransferRecord tracks the progress of one artifact during a single run.
// Records are never persisted: resuming relies on the destination contents.
type TransferRecord struct {
	// Artifact is the remote file being transferred.
	Artifact Artifact
	// LocalPath is the destination on the local filesystem.
	LocalPath string
	// RemotePath is the object storage location, set once uploaded.
	RemotePath string
	// Status is the current lifecycle state.
	Status TransferStatus
	// Attempt counts transfer invocations in this run.
	Attempt int
	// Reused is set when an existing destination was kept without transferring.
	Reused bool
	// ResumedFrom is the destination size before the first attempt.
	ResumedFrom int64
	// Uploaded is set when this run wrote the object to storage.
	Uploaded bool
	// Err keeps the last failure.
	Err error
}

// NewTransferRecord creates a pending record for the artifact.
func NewTransferRecord(artifact Artifact, localPath string) *TransferRecord {
	return &TransferRecord{
		Artifact:  artifact,
		LocalPath: localPath,
		Status:    StatusPending,
	}
}

// Start moves the record to in_progress and counts the attempt.
func (r *TransferRecord) Start() error {
	switch r.Status {
	case StatusPending, StatusInProgress, StatusFailed:
	default:
		return fmt.Errorf("%w: %s -> %s", errInvalidTransition, r.Status, StatusInProgress)
	}

	r.Status = StatusInProgress
	r.Attempt++
	r.Err = nil

	return nil
}

// Complete records a finished transfer of size bytes.
func (r *TransferRecord) Complete(size int64) error {
	if r.Status != StatusInProgress && r.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", errInvalidTransition, r.Status, StatusCompleted)
	}

	r.Status = StatusCompleted
	r.Artifact = r.Artifact.WithSize(size)

	return nil
}

// Fail records a failure. A cancelled transfer stays in_progress: the partial file is resumable.
func (r *TransferRecord) Fail(err error) {
	r.Err = err

	if errors.Is(err, ErrUserCancelled) {
		if r.Status == StatusFailed {
			r.Status = StatusInProgress
		}

		return
	}

	r.Status = StatusFailed
}

// MarkVerified upgrades a completed record once actual equals the published digest.
// Records without a published digest can never become verified.
func (r *TransferRecord) MarkVerified(actual string) error {
	if r.Status != StatusCompleted {
		return fmt.Errorf("%w: %s -> %s", errInvalidTransition, r.Status, StatusVerified)
	}

	if r.Artifact.ExpectedDigest == "" {
		return fmt.Errorf("%s: %w", r.Artifact.Name, ErrDigestNotPublished)
	}

	if actual != r.Artifact.ExpectedDigest {
		return fmt.Errorf("%s: %w", r.Artifact.Name, ErrChecksumMismatch)
	}

	r.Status = StatusVerified

	return nil
}

// Trusted reports whether the artifact may be uploaded.
// Completed records without a published digest are trusted at reduced confidence.
func (r *TransferRecord) Trusted() bool {
	return r.Status == StatusVerified || r.Status == StatusCompleted
}

package dump

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNetwork marks transient transport failures that are safe to retry.
	ErrNetwork = errors.New("network error")
	// ErrNoArtifactFound is returned when a listing is reachable but nothing matches.
	ErrNoArtifactFound = errors.New("no artifact found")
	// ErrDigestNotPublished is returned when the manifest has no entry for an artifact.
	ErrDigestNotPublished = errors.New("digest not published")
	// ErrChecksumMismatch is returned when a local digest differs from the published one.
	// A mismatch is fixed by downloading again, not by retrying the transport.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrToolMissing is returned when an external transfer tool is not installed.
	ErrToolMissing = errors.New("transfer tool missing")
	// ErrAmbiguousWorkerOutcome is returned when a worker stopped without printing the completion marker.
	ErrAmbiguousWorkerOutcome = errors.New("worker stopped without completion marker")
	// ErrWorkerTransferFailed is returned when a worker printed the failure marker.
	ErrWorkerTransferFailed = errors.New("worker reported failed transfers")
	// ErrUserCancelled marks a cooperative stop requested by the user.
	// It is a distinct termination, not a failure.
	ErrUserCancelled = errors.New("cancelled by user")
)

// NetworkError carries enough detail about a failed transport call to retry it.
type NetworkError struct {
	// URL is the address that was being fetched.
	URL string
	// StatusCode is the HTTP status, zero when no response was received.
	StatusCode int
	// ExitCode is the transfer tool exit code, zero when not applicable.
	ExitCode int
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: unexpected http status %d", e.URL, e.StatusCode)
	case e.ExitCode != 0:
		return fmt.Sprintf("%s: transfer tool exited with code %d", e.URL, e.ExitCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.URL, e.Err)
	default:
		return e.URL + ": network error"
	}
}

// Unwrap exposes both the ErrNetwork sentinel and the underlying cause.
func (e *NetworkError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNetwork}
	}

	return []error{ErrNetwork, e.Err}
}

// IsRetryable reports whether err is worth re-running the same resumable operation for.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork) && !errors.Is(err, ErrUserCancelled)
}

// Cancelled returns ErrUserCancelled joined with the context cause once ctx is done, nil otherwise.
// Callers use it to tell a user interrupt apart from a transport failure caused by it.
func Cancelled(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrUserCancelled, context.Cause(ctx))
}

// OnlyCancelled reports whether err is made of user interrupts alone. A joined
// error that also carries a failure, such as a checksum mismatch, is not.
func OnlyCancelled(err error) bool {
	switch e := err.(type) { //nolint:errorlint // Walks the error tree by hand.
	case nil:
		return false
	case interface{ Unwrap() []error }:
		children := e.Unwrap()
		if len(children) == 0 {
			return false
		}

		// Cancelled wraps ErrUserCancelled together with the context cause.
		if children[0] == ErrUserCancelled { //nolint:errorlint // Identity check on the wrap operand.
			return true
		}

		for _, child := range children {
			if !OnlyCancelled(child) {
				return false
			}
		}

		return true
	case interface{ Unwrap() error }:
		return OnlyCancelled(e.Unwrap())
	default:
		return err == ErrUserCancelled || err == context.Canceled //nolint:errorlint // Leaves only.
	}
}

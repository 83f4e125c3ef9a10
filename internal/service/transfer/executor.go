package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oshokin/dump-fetcher/internal/config"
	"github.com/oshokin/dump-fetcher/internal/domain/dump"
	"github.com/oshokin/dump-fetcher/internal/logger"
	"github.com/oshokin/dump-fetcher/internal/metrics"
)

// Policy decides what happens to a non-empty destination that already exists.
type Policy string

const (
	// PolicyResume re-runs the resuming transfer: a partial file is finished,
	// a complete one is left as is.
	PolicyResume Policy = "resume"
	// PolicyReuse keeps the existing file and skips the transfer.
	PolicyReuse Policy = "reuse"
	// PolicyForce removes the existing file and transfers from zero.
	PolicyForce Policy = "force"
)

// errUnknownPolicy is returned by ParsePolicy.
var errUnknownPolicy = errors.New("unknown existing-destination policy")

// ParsePolicy validates a policy name; empty means resume.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case "":
		return PolicyResume, nil
	case PolicyResume, PolicyReuse, PolicyForce:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownPolicy, s)
	}
}

// Executor runs transfers with a bounded retry budget.
type Executor struct {
	// transferer moves the bytes.
	transferer Transferer
	// maxAttempts is the total number of invocations allowed per artifact.
	maxAttempts int
	// retryDelay is the pause between attempts.
	retryDelay time.Duration
	// recorder receives byte and retry counts.
	recorder metrics.Recorder
	// alive checks lock owners.
	alive processAlive
}

// ExecutorOption configures the executor.
type ExecutorOption func(*Executor)

// WithMaxAttempts sets the retry budget.
func WithMaxAttempts(attempts int) ExecutorOption {
	return func(e *Executor) {
		if attempts > 0 {
			e.maxAttempts = attempts
		}
	}
}

// WithRetryDelay sets the pause between attempts.
func WithRetryDelay(delay time.Duration) ExecutorOption {
	return func(e *Executor) {
		if delay >= 0 {
			e.retryDelay = delay
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(recorder metrics.Recorder) ExecutorOption {
	return func(e *Executor) {
		if recorder != nil {
			e.recorder = recorder
		}
	}
}

// NewExecutor creates an executor around the transferer.
func NewExecutor(transferer Transferer, opts ...ExecutorOption) *Executor {
	e := &Executor{
		transferer:  transferer,
		maxAttempts: 1,
		retryDelay:  time.Second,
		recorder:    metrics.Noop{},
		alive:       goPSAlive,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Execute transfers artifact into dest according to policy.
// The record is returned even on error and describes what is on disk.
//
//nolint:cyclop,funlen // The attempt loop reads best in one place.
func (e *Executor) Execute(
	ctx context.Context,
	artifact dump.Artifact,
	dest string,
	policy Policy,
) (*dump.TransferRecord, error) {
	ctx = logger.WithFields(logger.WithName(ctx, "transfer"), "artifact", artifact.Name)
	record := dump.NewTransferRecord(artifact, dest)

	if err := os.MkdirAll(filepath.Dir(dest), config.DefaultDirPermissions); err != nil {
		record.Fail(err)
		return record, fmt.Errorf("create destination directory: %w", err)
	}

	marker, err := acquireLock(ctx, dest, e.alive)
	if err != nil {
		record.Fail(err)
		return record, err
	}

	defer marker.release()

	existing := existingSize(dest)
	if existing > 0 {
		switch policy {
		case PolicyReuse:
			logger.InfoKV(ctx, "Reusing existing file", "path", dest, "size", existing)

			record.Reused = true
			_ = record.Complete(existing)

			return record, nil
		case PolicyForce:
			logger.InfoKV(ctx, "Removing existing file before transfer", "path", dest, "size", existing)

			if err = os.Remove(dest); err != nil {
				record.Fail(err)
				return record, fmt.Errorf("remove existing destination: %w", err)
			}

			existing = 0
		default:
			logger.InfoKV(ctx, "Resuming from existing bytes", "path", dest, "offset", existing)
		}
	}

	record.ResumedFrom = existing

	for {
		if err = record.Start(); err != nil {
			return record, err
		}

		logger.InfoKV(ctx, "Transfer attempt started",
			"attempt", record.Attempt, "max_attempts", e.maxAttempts, "url", artifact.SourceURL)

		err = e.transferer.Transfer(ctx, artifact.SourceURL, dest)
		if err == nil {
			break
		}

		record.Fail(err)

		if errors.Is(err, dump.ErrUserCancelled) {
			logger.WarnKV(ctx, "Transfer interrupted, partial file kept", "path", dest, "size", existingSize(dest))
			return record, err
		}

		if !dump.IsRetryable(err) || record.Attempt >= e.maxAttempts {
			logger.ErrorKV(ctx, "Transfer failed", "attempt", record.Attempt, "error", err)
			return record, err
		}

		e.recorder.IncRetry(artifact.Dataset)
		logger.WarnKV(ctx, "Transfer attempt failed, retrying",
			"attempt", record.Attempt, "delay", e.retryDelay, "error", err)

		if err = sleep(ctx, e.retryDelay); err != nil {
			record.Fail(err)
			return record, err
		}
	}

	size := existingSize(dest)
	if err = record.Complete(size); err != nil {
		return record, err
	}

	if written := size - record.ResumedFrom; written > 0 {
		e.recorder.AddBytes(artifact.Dataset, written)
	}

	logger.InfoKV(ctx, "Transfer completed", "path", dest, "size", size, "attempts", record.Attempt)

	return record, nil
}

// existingSize returns the size of path, zero when missing.
func existingSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}

	return info.Size()
}

// sleep waits for delay or until ctx is done.
func sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return dump.Cancelled(ctx)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return dump.Cancelled(ctx)
	case <-timer.C:
		return nil
	}
}

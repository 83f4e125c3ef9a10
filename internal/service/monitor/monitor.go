package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/oshokin/dump-fetcher/internal/config"
	"github.com/oshokin/dump-fetcher/internal/domain/dump"
	"github.com/oshokin/dump-fetcher/internal/logger"
	"github.com/oshokin/dump-fetcher/internal/metrics"
	"github.com/oshokin/dump-fetcher/internal/storage"
)

// Inspector reads worker state and console output.
type Inspector interface {
	Describe(ctx context.Context, workerID string) (*dump.WorkerStatus, error)
	ConsoleOutput(ctx context.Context, workerID string) (string, error)
}

// Outcome is how monitoring ended.
type Outcome string

const (
	// OutcomeCompleted means the completion marker was observed.
	OutcomeCompleted Outcome = "completed"
	// OutcomeAmbiguous means the worker stopped without the marker.
	OutcomeAmbiguous Outcome = "ambiguous"
	// OutcomeTransferFailed means the worker printed the failure marker.
	OutcomeTransferFailed Outcome = "transfer_failed"
	// OutcomeCancelled means the user interrupted monitoring.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeFailed means introspection kept failing.
	OutcomeFailed Outcome = "failed"
)

const (
	// defaultMaxFailures is the consecutive introspection failure budget.
	defaultMaxFailures = 3
	// defaultRefreshTimeout bounds the state refresh after an interrupt.
	defaultRefreshTimeout = 10 * time.Second
)

// errNoWorker is returned when no worker identifier is provided.
var errNoWorker = errors.New("worker id must be provided")

// Options configures one Watch call.
type Options struct {
	// WorkerID identifies the worker.
	WorkerID string
	// Region is recorded in the session.
	Region string
	// Interval is the fixed polling period.
	Interval time.Duration
	// Marker is the completion line printed by the worker script.
	Marker string
	// FailureMarker is printed by the worker script when any file failed.
	FailureMarker string
	// Bucket and Prefixes are listed after completion, best-effort.
	Bucket   string
	Prefixes []string
	// MaxFailures is the consecutive introspection failure budget.
	MaxFailures int
	// RefreshTimeout bounds the state refresh after an interrupt.
	RefreshTimeout time.Duration
	// Output receives new console output.
	Output io.Writer
}

// PrefixListing is the storage content under one prefix.
type PrefixListing struct {
	// Prefix is the listed key prefix.
	Prefix string
	// Objects are the stored objects under Prefix.
	Objects []storage.Object
	// Err is set when the listing failed.
	Err error
}

// Report summarizes a monitoring session.
type Report struct {
	// Session is the final view of the worker.
	Session *dump.WorkerSession
	// Outcome is how monitoring ended.
	Outcome Outcome
	// Polls counts successful polls.
	Polls int
	// Storage is filled after completion when a store is configured.
	Storage []PrefixListing
}

// Monitor polls workers.
type Monitor struct {
	inspector Inspector
	store     storage.ObjectStore
	recorder  metrics.Recorder
}

// Option configures the monitor.
type Option func(*Monitor)

// WithStore enables the storage check after completion.
func WithStore(store storage.ObjectStore) Option {
	return func(m *Monitor) {
		m.store = store
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(recorder metrics.Recorder) Option {
	return func(m *Monitor) {
		if recorder != nil {
			m.recorder = recorder
		}
	}
}

// New creates a monitor.
func New(inspector Inspector, opts ...Option) *Monitor {
	m := &Monitor{
		inspector: inspector,
		recorder:  metrics.Noop{},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Watch polls until either marker appears, the worker stops, ctx is cancelled or
// introspection fails too many times in a row. The report is returned in every case.
//
//nolint:cyclop,funlen // Poll loop with explicit terminations.
func (m *Monitor) Watch(ctx context.Context, opts Options) (*Report, error) {
	if opts.WorkerID == "" {
		return nil, errNoWorker
	}

	opts = withDefaults(opts)
	ctx = logger.WithFields(logger.WithName(ctx, "monitor"), "worker_id", opts.WorkerID)

	report := &Report{
		Session: dump.NewWorkerSession(opts.WorkerID, opts.Region),
	}

	logger.InfoKV(ctx, "Monitoring worker", "region", opts.Region, "interval", opts.Interval)

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	failures := 0

	for {
		finished, err := m.poll(ctx, opts, report)

		switch {
		case errors.Is(err, dump.ErrUserCancelled) || ctx.Err() != nil:
			return m.cancelled(ctx, opts, report)
		case err != nil && dump.IsRetryable(err) && failures+1 < opts.MaxFailures:
			failures++
			logger.WarnKV(ctx, "Worker introspection failed", "failures", failures, "error", err)
		case err != nil:
			report.Outcome = OutcomeFailed
			return report, err
		default:
			failures = 0
		}

		if finished {
			return report, m.finish(ctx, opts, report)
		}

		select {
		case <-ctx.Done():
			return m.cancelled(ctx, opts, report)
		case <-ticker.C:
		}
	}
}

// poll performs one observation and reports whether monitoring is over.
func (m *Monitor) poll(ctx context.Context, opts Options, report *Report) (bool, error) {
	status, err := m.inspector.Describe(ctx, opts.WorkerID)
	if err != nil {
		return false, err
	}

	console, err := m.inspector.ConsoleOutput(ctx, opts.WorkerID)
	if err != nil {
		return false, err
	}

	session := report.Session
	previous := session.State

	session.Observe(status)
	report.Polls++
	m.recorder.IncPoll(string(session.State))

	if session.State != previous {
		logger.InfoKV(ctx, "Worker state changed", "from", previous, "to", session.State,
			"provider_state", status.ProviderState)
	}

	if fresh := session.NewOutput(console); fresh != "" {
		_, _ = io.WriteString(opts.Output, fresh)
	}

	if strings.Contains(console, opts.Marker) {
		report.Outcome = OutcomeCompleted
		return true, nil
	}

	if strings.Contains(console, opts.FailureMarker) {
		report.Outcome = OutcomeTransferFailed
		return true, nil
	}

	if session.State.Terminal() {
		report.Outcome = OutcomeAmbiguous
		return true, nil
	}

	return false, nil
}

// finish reports the terminal outcome and lists storage after a completion.
func (m *Monitor) finish(ctx context.Context, opts Options, report *Report) error {
	switch report.Outcome {
	case OutcomeAmbiguous:
		logger.WarnKV(ctx, "Worker stopped without the completion marker", "state", report.Session.State)

		return fmt.Errorf("worker %s is %s: %w", opts.WorkerID, report.Session.State, dump.ErrAmbiguousWorkerOutcome)
	case OutcomeTransferFailed:
		logger.ErrorKV(ctx, "Worker reported failed transfers", "state", report.Session.State)

		return fmt.Errorf("worker %s: %w", opts.WorkerID, dump.ErrWorkerTransferFailed)
	}

	logger.InfoKV(ctx, "Completion marker observed", "polls", report.Polls)

	if m.store == nil || opts.Bucket == "" {
		return nil
	}

	for _, prefix := range opts.Prefixes {
		objects, err := m.store.List(ctx, opts.Bucket, prefix)
		if err != nil {
			logger.WarnKV(ctx, "Storage listing failed", "prefix", prefix, "error", err)
		} else {
			logger.InfoKV(ctx, "Storage contents", "prefix", prefix,
				"objects", len(objects), "size", dump.FormatSize(storage.TotalSize(objects)))
		}

		report.Storage = append(report.Storage, PrefixListing{Prefix: prefix, Objects: objects, Err: err})
	}

	return nil
}

// cancelled refreshes the last known state without the cancelled context and
// reports the interrupt. The worker keeps running.
func (m *Monitor) cancelled(ctx context.Context, opts Options, report *Report) (*Report, error) {
	report.Outcome = OutcomeCancelled

	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.RefreshTimeout)
	defer cancel()

	if status, err := m.inspector.Describe(refreshCtx, opts.WorkerID); err == nil {
		report.Session.Observe(status)
	} else {
		logger.DebugKV(ctx, "State refresh after interrupt failed", "error", err)
	}

	logger.InfoKV(ctx, "Monitoring interrupted, worker left running", "state", report.Session.State)

	return report, fmt.Errorf("monitor %s: %w", opts.WorkerID, dump.ErrUserCancelled)
}

// withDefaults fills unset options.
func withDefaults(opts Options) Options {
	if opts.Interval <= 0 {
		opts.Interval = config.DefaultPollInterval
	}

	if opts.Marker == "" {
		opts.Marker = config.DefaultCompletionMarker
	}

	if opts.FailureMarker == "" {
		opts.FailureMarker = config.DefaultFailureMarker
	}

	if opts.MaxFailures <= 0 {
		opts.MaxFailures = defaultMaxFailures
	}

	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = defaultRefreshTimeout
	}

	if opts.Output == nil {
		opts.Output = io.Discard
	}

	return opts
}

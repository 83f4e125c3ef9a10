package app

import (
	"context"
	"fmt"

	"github.com/oshokin/dump-fetcher/internal/domain/dump"
	"github.com/oshokin/dump-fetcher/internal/logger"
	"github.com/oshokin/dump-fetcher/internal/service/monitor"
	"github.com/oshokin/dump-fetcher/internal/storage"
)

// Monitor watches a worker. Without a worker id the saved session is used;
// without a region the session or settings region is used.
func (a *App) Monitor(ctx context.Context, workerID, region string) error {
	ctx = a.context(ctx, "monitor")

	opts, err := a.monitorOptions(ctx, workerID, region)
	if err != nil {
		return err
	}

	m, err := a.monitor(ctx, opts.Region)
	if err != nil {
		return err
	}

	report, err := m.Watch(ctx, opts)
	if report != nil {
		a.printLines(reportLines(report)...)
	}

	a.pushMetrics(ctx)

	return interrupted(ctx, err, "the worker keeps running, run monitor again to follow it")
}

// monitorOptions fills the worker identity from arguments, the session file and settings.
func (a *App) monitorOptions(ctx context.Context, workerID, region string) (monitor.Options, error) {
	if workerID == "" {
		saved, err := a.sessions().Load(ctx)
		if err != nil {
			return monitor.Options{}, fmt.Errorf("no worker given and no session in %s: %w", a.cfg.SessionFile, err)
		}

		workerID = saved.WorkerID

		if region == "" {
			region = saved.Region
		}
	}

	if region == "" {
		region = a.cfg.Region
	}

	return a.watchOptions(workerID, region), nil
}

// watchOptions returns monitor options built from settings.
func (a *App) watchOptions(workerID, region string) monitor.Options {
	return monitor.Options{
		WorkerID:      workerID,
		Region:        region,
		Interval:      a.cfg.Worker.PollInterval,
		Marker:        a.cfg.Worker.CompletionMarker,
		FailureMarker: a.cfg.Worker.FailureMarker,
		Bucket:        a.cfg.Bucket,
		Prefixes:      prefixes(a.cfg.Datasets),
		Output:        a.progress,
	}
}

// monitor builds a monitor; the storage check is skipped when storage cannot be reached.
func (a *App) monitor(ctx context.Context, region string) (*monitor.Monitor, error) {
	client, err := a.cloud(region)
	if err != nil {
		return nil, err
	}

	options := []monitor.Option{monitor.WithRecorder(a.recorder)}

	if a.cfg.Bucket != "" {
		store, err := a.store()
		if err != nil {
			logger.WarnKV(ctx, "Storage check disabled", "error", err)
		} else {
			options = append(options, monitor.WithStore(store))
		}
	}

	return monitor.New(client, options...), nil
}

// reportLines renders the monitoring outcome.
func reportLines(report *monitor.Report) []string {
	s := report.Session
	lines := []string{
		fmt.Sprintf("Worker %s in %s: %s after %d poll(s), state %s",
			s.WorkerID, s.Region, report.Outcome, report.Polls, s.State),
	}

	for _, listing := range report.Storage {
		if listing.Err != nil {
			lines = append(lines, fmt.Sprintf("  storage %s: unavailable: %v", listing.Prefix, listing.Err))
			continue
		}

		lines = append(lines, fmt.Sprintf("  storage %s: %d objects, %s",
			listing.Prefix, len(listing.Objects), dump.FormatSize(storage.TotalSize(listing.Objects))))
	}

	return lines
}

package app

import (
	"context"

	"github.com/oshokin/dump-fetcher/internal/logger"
	"github.com/oshokin/dump-fetcher/internal/service/pipeline"
	"github.com/oshokin/dump-fetcher/internal/service/transfer"
	"github.com/oshokin/dump-fetcher/internal/storage"
)

// FetchOptions select what a local run processes.
type FetchOptions struct {
	// Datasets are dataset names; empty means all.
	Datasets []string
	// Only restricts artifacts by name or stem.
	Only []string
	// Policy is resume, reuse or force.
	Policy string
	// NoUpload keeps artifacts local.
	NoUpload bool
}

// Fetch runs the local pipeline: resolve, transfer, verify and upload.
func (a *App) Fetch(ctx context.Context, opts FetchOptions) error {
	ctx = a.context(ctx, "fetch")

	policy, err := transfer.ParsePolicy(opts.Policy)
	if err != nil {
		return err
	}

	datasets, err := a.cfg.SelectDatasets(opts.Datasets)
	if err != nil {
		return err
	}

	p, err := a.pipeline(!opts.NoUpload)
	if err != nil {
		return err
	}

	summary, err := p.Run(ctx, pipeline.Options{
		RunID:       a.runID,
		Datasets:    datasets,
		OutputDir:   a.cfg.OutputDir,
		Policy:      policy,
		Upload:      !opts.NoUpload,
		Bucket:      a.cfg.Bucket,
		Parallelism: a.cfg.Parallelism,
		Only:        opts.Only,
	})
	if summary != nil {
		a.printLines(summary.Lines()...)
	}

	a.pushMetrics(ctx)

	return interrupted(ctx, err, "partial files were kept, run fetch again to resume")
}

// pipeline builds the local pipeline, with storage when uploads are enabled.
func (a *App) pipeline(upload bool) (*pipeline.Pipeline, error) {
	executor, err := a.executor()
	if err != nil {
		return nil, err
	}

	options := []pipeline.Option{pipeline.WithRecorder(a.recorder)}

	if upload {
		if err = a.cfg.RequireBucket(); err != nil {
			return nil, err
		}

		var store *storage.S3Store

		if store, err = a.store(); err != nil {
			return nil, err
		}

		options = append(options, pipeline.WithStore(store))
	}

	return pipeline.New(a.resolver(), executor, a.verifier(), options...), nil
}

// Resolve prints the latest artifacts of the selected datasets.
func (a *App) Resolve(ctx context.Context, names []string) error {
	ctx = a.context(ctx, "resolve")

	datasets, err := a.cfg.SelectDatasets(names)
	if err != nil {
		return err
	}

	res := a.resolver()

	for _, ds := range datasets {
		resolution, err := res.ResolveDataset(ctx, ds)
		if err != nil {
			return interrupted(ctx, err, "nothing was downloaded")
		}

		logger.DebugKV(ctx, "Resolved", "dataset", ds.Name, "version", resolution.Version,
			"stage", resolution.Stage, "manifest", resolution.ManifestURL)

		for _, artifact := range resolution.Artifacts {
			a.printLines(ds.Name + "\t" + artifact.Name + "\t" + artifact.SourceURL)
		}
	}

	return nil
}

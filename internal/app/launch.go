package app

import (
	"context"

	"github.com/oshokin/dump-fetcher/internal/service/launcher"
)

// LaunchOptions select what the worker moves.
type LaunchOptions struct {
	// Datasets are dataset names; empty means all.
	Datasets []string
	// Only restricts artifacts by name or stem.
	Only []string
}

// launchOptions resolves names against the settings.
func (a *App) launchOptions(opts LaunchOptions) (launcher.Options, error) {
	datasets, err := a.cfg.SelectDatasets(opts.Datasets)
	if err != nil {
		return launcher.Options{}, err
	}

	return launcher.Options{
		Datasets: datasets,
		Only:     opts.Only,
		Bucket:   a.cfg.Bucket,
		Region:   a.cfg.Region,
		Worker:   a.cfg.Worker,
	}, nil
}

// Script prints the worker script without starting anything.
func (a *App) Script(ctx context.Context, opts LaunchOptions) error {
	ctx = a.context(ctx, "script")

	if err := a.cfg.RequireBucket(); err != nil {
		return err
	}

	options, err := a.launchOptions(opts)
	if err != nil {
		return err
	}

	script, _, err := launcher.New(a.resolver(), nil, nil).Script(ctx, options)
	if err != nil {
		return interrupted(ctx, err, "nothing was rendered")
	}

	a.printLines(script)

	return nil
}

// Launch starts a worker that moves the selected datasets into the bucket.
// It returns as soon as the worker is provisioned.
func (a *App) Launch(ctx context.Context, opts LaunchOptions) error {
	ctx = a.context(ctx, "launch")

	if err := a.cfg.RequireBucket(); err != nil {
		return err
	}

	options, err := a.launchOptions(opts)
	if err != nil {
		return err
	}

	client, err := a.cloud(a.cfg.Region)
	if err != nil {
		return err
	}

	result, err := launcher.New(a.resolver(), client, a.sessions()).Launch(ctx, options)
	if result != nil {
		a.printLines(launcher.NextSteps(result, a.cfg.Bucket)...)
	}

	return interrupted(ctx, err, "no worker was started")
}

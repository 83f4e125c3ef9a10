package app

import (
	"context"
	"fmt"

	"github.com/oshokin/dump-fetcher/internal/service/pipeline"
	"github.com/oshokin/dump-fetcher/internal/service/stage"
	"github.com/oshokin/dump-fetcher/internal/service/transfer"
)

// Stage runs one scheduled-workflow unit and prints its payload.
// A failing stage is an error so that the orchestrator sees a non-zero exit.
func (a *App) Stage(ctx context.Context, name string, input []string) error {
	ctx = a.context(ctx, "stage")

	s, err := a.stage(ctx, name)
	if err != nil {
		return err
	}

	result, err := s.Run(ctx, input)
	a.printLines(result.Output)

	if name == stage.NameFetch || name == stage.NameWait {
		a.pushMetrics(ctx)
	}

	if err == nil && !result.Passed {
		err = fmt.Errorf("stage %s did not pass", name)
	}

	return err
}

// stage builds only the collaborators the named stage needs.
func (a *App) stage(ctx context.Context, name string) (stage.Stage, error) {
	switch name {
	case stage.NameResolve:
		return stage.NewResolve(a.resolver(), a.cfg), nil
	case stage.NameFetch:
		p, err := a.pipeline(a.cfg.Bucket != "")
		if err != nil {
			return nil, err
		}

		return stage.NewFetch(p, a.cfg, pipeline.Options{
			RunID:       a.runID,
			OutputDir:   a.cfg.OutputDir,
			Policy:      transfer.PolicyResume,
			Upload:      a.cfg.Bucket != "",
			Bucket:      a.cfg.Bucket,
			Parallelism: a.cfg.Parallelism,
		}), nil
	case stage.NameWait:
		m, err := a.monitor(ctx, a.cfg.Region)
		if err != nil {
			return nil, err
		}

		return stage.NewWait(m, a.sessions(), a.watchOptions("", a.cfg.Region)), nil
	default:
		return stage.Find(name)
	}
}

package stage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/oshokin/dump-fetcher/internal/config"
	"github.com/oshokin/dump-fetcher/internal/logger"
	"github.com/oshokin/dump-fetcher/internal/repository/session"
	"github.com/oshokin/dump-fetcher/internal/service/monitor"
	"github.com/oshokin/dump-fetcher/internal/service/pipeline"
	"github.com/oshokin/dump-fetcher/internal/service/resolver"
)

// Stage names.
const (
	NameResolve = "resolve"
	NameFetch   = "fetch"
	NameWait    = "wait"
)

// errUnknownStage is returned by Find for unregistered names.
var errUnknownStage = errors.New("unknown stage")

// Result is what a stage hands back to the workflow.
type Result struct {
	// Passed tells the workflow whether to continue.
	Passed bool
	// Output is the stage payload.
	Output string
}

// Stage is one callable workflow unit.
type Stage interface {
	Name() string
	Run(ctx context.Context, input []string) (Result, error)
}

// Find returns the stage registered under name.
func Find(name string, stages ...Stage) (Stage, error) {
	idx := slices.IndexFunc(stages, func(s Stage) bool { return s.Name() == name })
	if idx < 0 {
		return nil, fmt.Errorf("%w: %q", errUnknownStage, name)
	}

	return stages[idx], nil
}

// failed turns an error into a failing result.
func failed(err error) (Result, error) {
	return Result{Output: err.Error()}, err
}

// Resolve prints the latest artifact names of the selected datasets.
type Resolve struct {
	resolver *resolver.Resolver
	cfg      *config.Config
}

// NewResolve creates the resolve stage.
func NewResolve(res *resolver.Resolver, cfg *config.Config) *Resolve {
	return &Resolve{resolver: res, cfg: cfg}
}

// Name implements Stage.
func (*Resolve) Name() string { return NameResolve }

// Run resolves every dataset named in input, or all of them when input is empty.
func (s *Resolve) Run(ctx context.Context, input []string) (Result, error) {
	ctx = logger.WithName(ctx, "stage."+NameResolve)

	datasets, err := s.cfg.SelectDatasets(input)
	if err != nil {
		return failed(err)
	}

	var names []string

	for _, ds := range datasets {
		resolution, err := s.resolver.ResolveDataset(ctx, ds)
		if err != nil {
			return failed(err)
		}

		for _, artifact := range resolution.Artifacts {
			names = append(names, artifact.Name)
		}
	}

	logger.InfoKV(ctx, "Stage passed", "artifacts", len(names))

	return Result{Passed: true, Output: strings.Join(names, "\n")}, nil
}

// Fetch runs the local pipeline for the selected datasets.
type Fetch struct {
	pipeline *pipeline.Pipeline
	cfg      *config.Config
	opts     pipeline.Options
}

// NewFetch creates the fetch stage. opts supplies everything but the datasets.
func NewFetch(p *pipeline.Pipeline, cfg *config.Config, opts pipeline.Options) *Fetch {
	return &Fetch{pipeline: p, cfg: cfg, opts: opts}
}

// Name implements Stage.
func (*Fetch) Name() string { return NameFetch }

// Run fetches every dataset named in input and returns the run summary.
func (s *Fetch) Run(ctx context.Context, input []string) (Result, error) {
	datasets, err := s.cfg.SelectDatasets(input)
	if err != nil {
		return failed(err)
	}

	opts := s.opts
	opts.Datasets = datasets

	summary, err := s.pipeline.Run(ctx, opts)
	if summary == nil {
		return failed(err)
	}

	return Result{Passed: err == nil, Output: strings.Join(summary.Lines(), "\n")}, err
}

// Wait blocks until a remote worker finishes.
type Wait struct {
	monitor  *monitor.Monitor
	sessions session.Repository
	opts     monitor.Options
}

// NewWait creates the wait stage. opts supplies everything but the worker.
func NewWait(m *monitor.Monitor, sessions session.Repository, opts monitor.Options) *Wait {
	return &Wait{monitor: m, sessions: sessions, opts: opts}
}

// Name implements Stage.
func (*Wait) Name() string { return NameWait }

// Run watches the worker given as [worker-id [region]], falling back to the session file.
func (s *Wait) Run(ctx context.Context, input []string) (Result, error) {
	opts := s.opts

	switch {
	case len(input) > 0:
		opts.WorkerID = input[0]
		if len(input) > 1 {
			opts.Region = input[1]
		}
	case s.sessions != nil:
		saved, err := s.sessions.Load(ctx)
		if err != nil {
			return failed(err)
		}

		opts.WorkerID, opts.Region = saved.WorkerID, saved.Region
	}

	report, err := s.monitor.Watch(ctx, opts)
	if report == nil {
		return failed(err)
	}

	return Result{Passed: report.Outcome == monitor.OutcomeCompleted, Output: string(report.Outcome)}, err
}

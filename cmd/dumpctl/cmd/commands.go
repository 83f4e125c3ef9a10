package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/oshokin/dump-fetcher/internal/app"
	"github.com/oshokin/dump-fetcher/internal/service/stage"
)

func newInitCommand() *cobra.Command {
	var force bool

	c := &cobra.Command{
		Use:   "init",
		Short: "Write a settings file with the built-in defaults.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Init(options(cmd), force)
		},
	}

	c.Flags().BoolVar(&force, "force", false, "overwrite an existing settings file")

	return c
}

func newFetchCommand() *cobra.Command {
	var opts app.FetchOptions

	c := &cobra.Command{
		Use:   "fetch [dataset...]",
		Short: "Download, verify and upload the latest dumps from this machine.",
		Long: `Resolves the latest version of each dataset (all of them by default),
downloads every artifact with resume and retries, verifies it against the
published checksums and uploads trusted files to the configured bucket.

A file whose checksum does not match is never uploaded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Datasets = args

			return run(cmd, func(ctx context.Context, a *app.App) error {
				return a.Fetch(ctx, opts)
			})
		},
	}

	c.Flags().StringVar(&opts.Policy, "policy", "resume", "existing file policy: resume, reuse or force")
	c.Flags().BoolVar(&opts.NoUpload, "no-upload", false, "keep artifacts local")
	c.Flags().StringSliceVar(&opts.Only, "only", nil, "only these artifacts, by name or stem (e.g. artist,release)")

	return c
}

func newResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve [dataset...]",
		Short: "Print the latest artifacts without downloading them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app.App) error {
				return a.Resolve(ctx, args)
			})
		},
	}
}

func newVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file> <manifest>",
		Short: "Verify a local file against a checksum manifest path or URL.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app.App) error {
				return a.Verify(ctx, args[0], args[1])
			})
		},
	}
}

// newWorkerCommand builds launch and script, which share their flags.
func newWorkerCommand(use, short string, fn func(*app.App, context.Context, app.LaunchOptions) error) *cobra.Command {
	var opts app.LaunchOptions

	c := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Datasets = args

			return run(cmd, func(ctx context.Context, a *app.App) error {
				return fn(a, ctx, opts)
			})
		},
	}

	c.Flags().StringSliceVar(&opts.Only, "only", nil, "only these artifacts, by name or stem")

	return c
}

func newScriptCommand() *cobra.Command {
	return newWorkerCommand("script [dataset...]", "Print the worker script for the latest dumps.",
		(*app.App).Script)
}

func newLaunchCommand() *cobra.Command {
	return newWorkerCommand("launch [dataset...]",
		"Start a disposable worker that moves the latest dumps into the bucket.",
		(*app.App).Launch)
}

func newMonitorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor [worker-id] [region]",
		Short: "Follow a worker until it prints the completion marker or stops.",
		Long: `Polls the worker state and console output at a fixed interval and prints only
new output. Without arguments the worker saved by the last launch is used.
Interrupting the monitor leaves the worker running.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var workerID, region string
			if len(args) > 0 {
				workerID = args[0]
			}

			if len(args) > 1 {
				region = args[1]
			}

			return run(cmd, func(ctx context.Context, a *app.App) error {
				return a.Monitor(ctx, workerID, region)
			})
		},
	}
}

func newStageCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "stage <resolve|fetch|wait> [input...]",
		Short:     "Run one unit of a scheduled workflow.",
		Args:      cobra.MinimumNArgs(1),
		ValidArgs: []string{stage.NameResolve, stage.NameFetch, stage.NameWait},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, a *app.App) error {
				return a.Stage(ctx, args[0], args[1:])
			})
		},
	}
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/dump-fetcher/internal/app"
	"github.com/oshokin/dump-fetcher/internal/config"
	"github.com/oshokin/dump-fetcher/internal/logger"
	"github.com/oshokin/dump-fetcher/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// envFile with credentials and regional defaults.
	envFile string
	// logLevel overrides the default info level.
	logLevel string

	// rootCmd represents the base command.
	rootCmd = &cobra.Command{
		Use:   "dumpctl",
		Short: "Acquire public data dumps into local disk or object storage.",
		Long: `Resolves the latest published dump files, transfers them with resume and
retries, verifies them against published checksums and uploads trusted files.

Large dumps can be moved by a disposable cloud worker instead: "launch" starts it,
"monitor" follows its console until the completion marker appears.
Interrupting any command keeps partial files in place; the next run resumes them.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if logLevel == "" {
				return nil
			}

			level, ok := logger.ParseLogLevel(logLevel)
			if !ok {
				return fmt.Errorf("unknown log level %q", logLevel)
			}

			logger.SetLevel(level)

			return nil
		},
	}
)

// Execute runs the dumpctl CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// options returns the shared application options.
func options(cmd *cobra.Command) *app.Options {
	return &app.Options{
		ConfigPath: configPath,
		EnvFile:    envFile,
		Out:        cmd.OutOrStdout(),
		Progress:   cmd.ErrOrStderr(),
	}
}

// run loads settings and calls fn with a context cancelled on SIGINT or SIGTERM.
func run(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	// Setup graceful shutdown handling.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := app.New(options(cmd))
	if err != nil {
		return err
	}

	return fn(ctx, a)
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to configuration file (default "+config.DefaultConfigFilename+", optional)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", config.DefaultEnvFilename, "path to dotenv file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(
		newInitCommand(),
		newFetchCommand(),
		newResolveCommand(),
		newVerifyCommand(),
		newScriptCommand(),
		newLaunchCommand(),
		newMonitorCommand(),
		newStageCommand(),
	)
}

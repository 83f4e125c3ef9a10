package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/oshokin/dump-fetcher/internal/cloud/ec2"
	"github.com/oshokin/dump-fetcher/internal/config"
	"github.com/oshokin/dump-fetcher/internal/domain/dump"
	"github.com/oshokin/dump-fetcher/internal/logger"
	"github.com/oshokin/dump-fetcher/internal/metrics"
	"github.com/oshokin/dump-fetcher/internal/repository/session"
	"github.com/oshokin/dump-fetcher/internal/service/resolver"
	"github.com/oshokin/dump-fetcher/internal/service/transfer"
	"github.com/oshokin/dump-fetcher/internal/service/verifier"
	"github.com/oshokin/dump-fetcher/internal/storage"
)

// metricsNamespace prefixes every exported metric.
const metricsNamespace = "dump_fetcher"

// pushTimeout bounds the metrics push at the end of a run.
const pushTimeout = 10 * time.Second

// Options are shared by every operation.
type Options struct {
	// ConfigPath specifies the settings YAML file; the default file is optional.
	ConfigPath string
	// EnvFile is the dotenv file with credentials and regional defaults.
	EnvFile string
	// Out receives results.
	Out io.Writer
	// Progress receives transfer progress and worker console output.
	Progress io.Writer
}

// App holds the loaded settings and builds collaborators on demand.
type App struct {
	// cfg is the validated configuration.
	cfg *config.Config
	// out receives results.
	out io.Writer
	// progress receives progress output.
	progress io.Writer
	// runID tags logs and metrics of this invocation.
	runID string
	// recorder collects run metrics.
	recorder *metrics.Prom
}

// New loads settings and prepares the application.
func New(opts *Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath, opts.EnvFile)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	return newWithConfig(cfg, opts), nil
}

// newWithConfig wraps already validated settings.
func newWithConfig(cfg *config.Config, opts *Options) *App {
	a := &App{
		cfg:      cfg,
		out:      opts.Out,
		progress: opts.Progress,
		runID:    uuid.NewString(),
		recorder: metrics.NewProm(metricsNamespace),
	}

	if a.out == nil {
		a.out = os.Stdout
	}

	if a.progress == nil {
		a.progress = os.Stderr
	}

	return a
}

// Config returns the loaded settings.
func (a *App) Config() *config.Config {
	return a.cfg
}

// context tags ctx with the run identifier.
func (a *App) context(ctx context.Context, name string) context.Context {
	return logger.WithKV(logger.WithName(ctx, name), "run_id", a.runID)
}

func (a *App) resolver() *resolver.Resolver {
	return resolver.New(resolver.WithTimeout(a.cfg.Timeout))
}

func (a *App) verifier() *verifier.Verifier {
	return verifier.New(
		verifier.WithChunkSize(a.cfg.Transfer.ChunkSize),
		verifier.WithTimeout(a.cfg.Timeout),
		verifier.WithRecorder(a.recorder),
	)
}

func (a *App) executor() (*transfer.Executor, error) {
	transferer, err := transfer.NewTransferer(a.cfg.Transfer.Tool, a.cfg.Timeout, a.progress)
	if err != nil {
		return nil, err
	}

	return transfer.NewExecutor(transferer,
		transfer.WithMaxAttempts(a.cfg.Transfer.MaxAttempts),
		transfer.WithRetryDelay(a.cfg.Transfer.RetryDelay),
		transfer.WithRecorder(a.recorder),
	), nil
}

func (a *App) store() (*storage.S3Store, error) {
	return storage.NewS3Store(storage.S3Config{
		Endpoint:  a.cfg.Storage.Endpoint,
		AccessKey: a.cfg.Storage.AccessKey,
		SecretKey: a.cfg.Storage.SecretKey,
		Region:    a.cfg.Region,
		Insecure:  a.cfg.Storage.Insecure,
	})
}

func (a *App) cloud(region string) (*ec2.Client, error) {
	accessKey, secretKey := a.cfg.CloudCredentials()

	return ec2.New(ec2.Config{
		Region:    region,
		AccessKey: accessKey,
		SecretKey: secretKey,
	})
}

func (a *App) sessions() *session.FileRepository {
	return session.NewFileRepository(a.cfg.SessionFile)
}

// prefixes returns the storage prefixes of the selected datasets.
func prefixes(datasets []config.Dataset) []string {
	result := make([]string, 0, len(datasets))
	for _, ds := range datasets {
		result = append(result, ds.Prefix)
	}

	return result
}

// pushMetrics sends the run metrics when a Pushgateway is configured.
// Failures are logged and never fail the run.
func (a *App) pushMetrics(ctx context.Context) {
	if a.cfg.Metrics.PushgatewayURL == "" {
		return
	}

	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
	defer cancel()

	if err := a.recorder.Push(pushCtx, a.cfg.Metrics.PushgatewayURL, a.cfg.Metrics.Job, a.runID); err != nil {
		logger.WarnKV(ctx, "Pushing metrics failed", "error", err)
	}
}

// interrupted reports a bare user interrupt and swallows it; anything joined
// with a real failure passes through.
func interrupted(ctx context.Context, err error, hint string) error {
	if !dump.OnlyCancelled(err) {
		return err
	}

	logger.WarnKV(ctx, "Interrupted", "hint", hint)

	return nil
}

// printLines writes one line per entry.
func (a *App) printLines(lines ...string) {
	for _, line := range lines {
		_, _ = fmt.Fprintln(a.out, line)
	}
}

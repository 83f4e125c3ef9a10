package launcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/oshokin/dump-fetcher/internal/config"
	"github.com/oshokin/dump-fetcher/internal/domain/dump"
	"github.com/oshokin/dump-fetcher/internal/logger"
	"github.com/oshokin/dump-fetcher/internal/repository/session"
	"github.com/oshokin/dump-fetcher/internal/service/resolver"
	"github.com/oshokin/dump-fetcher/internal/service/transfer"
)

// Provisioner finds images and starts workers.
type Provisioner interface {
	LatestImage(ctx context.Context, owner, nameFilter string) (string, error)
	Provision(ctx context.Context, spec dump.WorkerSpec) (string, error)
}

// defaultWorkerName tags launched workers.
const defaultWorkerName = "dump-fetcher-worker"

var (
	// errNothingToTransfer is returned when the selection resolves to no artifacts.
	errNothingToTransfer = errors.New("no artifacts selected for the worker")
	// errNoProvisioner is returned when Launch is called on a script-only launcher.
	errNoProvisioner = errors.New("no worker provisioner configured")
)

// Options configures one launch.
type Options struct {
	// Datasets to move.
	Datasets []config.Dataset
	// Only restricts artifacts by name or stem.
	Only []string
	// Bucket receives the artifacts.
	Bucket string
	// Region is where the worker runs.
	Region string
	// Worker holds image, size and script settings.
	Worker config.WorkerConfig
}

// Result describes a launched worker.
type Result struct {
	// WorkerID identifies the provisioned worker.
	WorkerID string
	// Region is where the worker runs.
	Region string
	// ImageID is the machine image the worker booted from.
	ImageID string
	// Items are the files handed to the worker.
	Items []transfer.ScriptItem
}

// Launcher wires resolution, script rendering and provisioning.
type Launcher struct {
	resolver    *resolver.Resolver
	provisioner Provisioner
	sessions    session.Repository
}

// New creates a launcher. provisioner and sessions may be nil when only scripts are rendered.
func New(res *resolver.Resolver, provisioner Provisioner, sessions session.Repository) *Launcher {
	return &Launcher{
		resolver:    res,
		provisioner: provisioner,
		sessions:    sessions,
	}
}

// Items resolves the datasets into the files the worker will move.
func (l *Launcher) Items(ctx context.Context, opts Options) ([]transfer.ScriptItem, error) {
	var items []transfer.ScriptItem

	for _, ds := range opts.Datasets {
		resolution, err := l.resolver.ResolveDataset(ctx, ds)
		if err != nil {
			return nil, err
		}

		for _, artifact := range dump.FilterArtifacts(resolution.Artifacts, opts.Only) {
			items = append(items, transfer.ScriptItem{
				Name: artifact.Name,
				URL:  artifact.SourceURL,
				Key:  ds.Prefix + artifact.Name,
			})
		}
	}

	if len(items) == 0 {
		return nil, errNothingToTransfer
	}

	return items, nil
}

// Script resolves the datasets and renders the worker script.
func (l *Launcher) Script(ctx context.Context, opts Options) (string, []transfer.ScriptItem, error) {
	items, err := l.Items(ctx, opts)
	if err != nil {
		return "", nil, err
	}

	script, err := transfer.RenderScript(transfer.ScriptParams{
		Bucket:           opts.Bucket,
		Region:           opts.Region,
		WorkDir:          opts.Worker.WorkDir,
		Marker:           opts.Worker.CompletionMarker,
		FailureMarker:    opts.Worker.FailureMarker,
		CompletionKey:    opts.Worker.CompletionKey,
		DownloadTimeout:  opts.Worker.DownloadTimeout,
		DownloadTries:    opts.Worker.DownloadTries,
		ShutdownWhenDone: opts.Worker.ShutdownWhenDone,
		Items:            items,
	})
	if err != nil {
		return "", nil, err
	}

	return script, items, nil
}

// Launch renders the script, provisions the worker and saves the session.
func (l *Launcher) Launch(ctx context.Context, opts Options) (*Result, error) {
	ctx = logger.WithName(ctx, "launcher")

	if l.provisioner == nil {
		return nil, errNoProvisioner
	}

	script, items, err := l.Script(ctx, opts)
	if err != nil {
		return nil, err
	}

	imageID := opts.Worker.ImageID
	if imageID == "" {
		imageID, err = l.provisioner.LatestImage(ctx, opts.Worker.ImageOwner, opts.Worker.ImageNameFilter)
		if err != nil {
			return nil, fmt.Errorf("find worker image: %w", err)
		}

		logger.InfoKV(ctx, "Using latest image", "image_id", imageID)
	}

	workerID, err := l.provisioner.Provision(ctx, dump.WorkerSpec{
		Name:          defaultWorkerName,
		ImageID:       imageID,
		InstanceType:  opts.Worker.InstanceType,
		AccessProfile: opts.Worker.InstanceProfile,
		StartupScript: script,
		DeviceName:    opts.Worker.DeviceName,
		DiskSizeGB:    opts.Worker.DiskSizeGB,
	})
	if err != nil {
		return nil, fmt.Errorf("provision worker: %w", err)
	}

	result := &Result{
		WorkerID: workerID,
		Region:   opts.Region,
		ImageID:  imageID,
		Items:    items,
	}

	if l.sessions != nil {
		if err = l.sessions.Save(ctx, &session.Session{WorkerID: workerID, Region: opts.Region}); err != nil {
			// The worker is already running: report it anyway.
			logger.ErrorKV(ctx, "Saving the worker session failed", "worker_id", workerID, "error", err)
			return result, fmt.Errorf("save session: %w", err)
		}
	}

	logger.InfoKV(ctx, "Worker started", "worker_id", workerID, "files", len(items))

	return result, nil
}

// NextSteps returns operator instructions after a launch.
func NextSteps(result *Result, bucket string) []string {
	return []string{
		fmt.Sprintf("Worker %s started in %s with %d file(s).", result.WorkerID, result.Region, len(result.Items)),
		"Follow progress:        dumpctl monitor",
		fmt.Sprintf("Or explicitly:          dumpctl monitor %s %s", result.WorkerID, result.Region),
		fmt.Sprintf("Check storage:          aws s3 ls s3://%s/raw/ --recursive --human-readable", bucket),
		fmt.Sprintf("Terminate when done:    aws ec2 terminate-instances --instance-ids %s --region %s",
			result.WorkerID, result.Region),
	}
}

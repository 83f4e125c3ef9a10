package pipeline

import (
	"errors"
	"fmt"

	"github.com/oshokin/dump-fetcher/internal/config"
	"github.com/oshokin/dump-fetcher/internal/domain/dump"
	"github.com/oshokin/dump-fetcher/internal/service/resolver"
	"github.com/oshokin/dump-fetcher/internal/service/verifier"
	"github.com/oshokin/dump-fetcher/internal/storage"
)

// ArtifactResult is the outcome for one artifact.
type ArtifactResult struct {
	// Record describes what is on disk and in storage.
	Record *dump.TransferRecord
	// Verification is nil when no manifest was available.
	Verification *verifier.Result
	// Warning carries a soft condition such as an unpublished digest.
	Warning error
	// Err is the failure that stopped this artifact.
	Err error
}

// DatasetResult is the outcome for one dataset.
type DatasetResult struct {
	// Dataset is the processed configuration.
	Dataset config.Dataset
	// Resolution is nil when resolution failed.
	Resolution *resolver.Resolution
	// ManifestPath is the saved manifest copy.
	ManifestPath string
	// ManifestErr is set when the batch ran at reduced confidence.
	ManifestErr error
	// Artifacts are in resolution order.
	Artifacts []*ArtifactResult
	// Stored is the post-upload listing of the dataset prefix.
	Stored    []storage.Object
	StoredErr error
	// Err is a dataset-level failure.
	Err error
}

// Summary is the outcome of a run.
type Summary struct {
	RunID    string
	Datasets []*DatasetResult
}

// Err joins every failure, interrupts included, so errors.Is finds each of them.
func (s *Summary) Err() error {
	var errs []error

	for _, ds := range s.Datasets {
		if ds.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ds.Dataset.Name, ds.Err))
		}

		for _, a := range ds.Artifacts {
			if a != nil && a.Err != nil {
				errs = append(errs, a.Err)
			}
		}
	}

	return errors.Join(errs...)
}

// Counts returns the number of artifacts per final status.
func (s *Summary) Counts() map[dump.TransferStatus]int {
	counts := make(map[dump.TransferStatus]int)

	for _, ds := range s.Datasets {
		for _, a := range ds.Artifacts {
			if a != nil && a.Record != nil {
				counts[a.Record.Status]++
			}
		}
	}

	return counts
}

// Lines renders a human-readable account of what changed on disk and in storage.
//
//nolint:cyclop // One line per case.
func (s *Summary) Lines() []string {
	lines := []string{"Run " + s.RunID}

	for _, ds := range s.Datasets {
		switch {
		case ds.Resolution == nil:
			lines = append(lines, fmt.Sprintf("%s: not resolved: %v", ds.Dataset.Name, ds.Err))
			continue
		case ds.Resolution.Version != "":
			lines = append(lines, fmt.Sprintf("%s: version %s", ds.Dataset.Name, ds.Resolution.Version))
		default:
			lines = append(lines, ds.Dataset.Name+":")
		}

		if ds.ManifestErr != nil {
			lines = append(lines, fmt.Sprintf("  manifest unavailable, reduced confidence: %v", ds.ManifestErr))
		}

		for _, a := range ds.Artifacts {
			if a == nil || a.Record == nil {
				continue
			}

			lines = append(lines, "  "+artifactLine(a))
		}

		if ds.Stored != nil {
			lines = append(lines, fmt.Sprintf("  storage %s: %d objects, %s",
				ds.Dataset.Prefix, len(ds.Stored), dump.FormatSize(storage.TotalSize(ds.Stored))))
		}
	}

	return lines
}

// artifactLine describes one artifact.
func artifactLine(a *ArtifactResult) string {
	r := a.Record
	line := fmt.Sprintf("%s: %s", r.Artifact.Name, r.Status)

	switch {
	case r.Status == dump.StatusInProgress:
		line += fmt.Sprintf(", partial file kept at %s", r.LocalPath)
	case r.Reused:
		line += fmt.Sprintf(", reused %s (%s)", r.LocalPath, dump.FormatSize(r.Artifact.SizeBytes))
	case r.Status == dump.StatusVerified || r.Status == dump.StatusCompleted:
		line += fmt.Sprintf(", %s (%s)", r.LocalPath, dump.FormatSize(r.Artifact.SizeBytes))
	}

	if r.ResumedFrom > 0 && !r.Reused {
		line += fmt.Sprintf(", resumed from %s", dump.FormatSize(r.ResumedFrom))
	}

	if r.RemotePath != "" {
		if r.Uploaded {
			line += ", uploaded to " + r.RemotePath
		} else {
			line += ", already in " + r.RemotePath
		}
	}

	if a.Warning != nil {
		line += fmt.Sprintf(" [%v]", a.Warning)
	}

	if a.Err != nil {
		line += fmt.Sprintf(": %v", a.Err)
	}

	return line
}

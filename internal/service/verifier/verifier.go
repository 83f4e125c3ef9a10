package verifier

import (
	"context"
	"crypto"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	// Register the digest implementations selectable through WithHash.
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/oshokin/dump-fetcher/internal/config"
	"github.com/oshokin/dump-fetcher/internal/domain/dump"
	"github.com/oshokin/dump-fetcher/internal/logger"
	"github.com/oshokin/dump-fetcher/internal/metrics"
)

// Outcome is the verification verdict for one file.
type Outcome string

const (
	// OutcomeVerified means the local digest equals the published one.
	OutcomeVerified Outcome = "verified"
	// OutcomeMismatched means the digests differ.
	OutcomeMismatched Outcome = "mismatched"
	// OutcomeNotPublished means the manifest has no entry for the file.
	OutcomeNotPublished Outcome = "not_published"
)

// DefaultChecksumFunction is the digest published by the dump archives.
const DefaultChecksumFunction = crypto.SHA256

var (
	// errHashUnavailable is returned when the selected hash is not linked in.
	errHashUnavailable = errors.New("hash function unavailable")
	// errInvalidChunkSize is returned for a non-positive chunk size.
	errInvalidChunkSize = errors.New("chunk size must be positive")
)

// Result describes one verification.
type Result struct {
	// Path is the local file.
	Path string
	// Name is the manifest key, the basename of Path.
	Name string
	// Outcome is the verdict.
	Outcome Outcome
	// Expected is the published digest, empty when not published.
	Expected string
	// Actual is the computed digest, empty when not published.
	Actual string
	// Size is the number of bytes hashed.
	Size int64
}

// Verifier computes streaming digests.
type Verifier struct {
	// hash is the digest algorithm.
	hash crypto.Hash
	// chunkSize is the read buffer size.
	chunkSize int
	// recorder receives verification outcomes.
	recorder metrics.Recorder
	// fetcher downloads manifests.
	fetcher *manifestFetcher
}

// Option configures verifier behaviour.
type Option func(*Verifier)

// WithHash selects the digest algorithm.
func WithHash(hash crypto.Hash) Option {
	return func(v *Verifier) {
		v.hash = hash
	}
}

// WithChunkSize sets the streaming read size.
func WithChunkSize(size int) Option {
	return func(v *Verifier) {
		v.chunkSize = size
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(recorder metrics.Recorder) Option {
	return func(v *Verifier) {
		if recorder != nil {
			v.recorder = recorder
		}
	}
}

// New creates a verifier with SHA-256 and the default chunk size.
func New(opts ...Option) *Verifier {
	v := &Verifier{
		hash:      DefaultChecksumFunction,
		chunkSize: config.DefaultChunkSize,
		recorder:  metrics.Noop{},
		fetcher:   newManifestFetcher(),
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// Digest streams the file through the hash and returns the lower-case hex digest and size.
// Cancellation is checked between chunks.
func (v *Verifier) Digest(ctx context.Context, path string) (string, int64, error) {
	if v.chunkSize <= 0 {
		return "", 0, errInvalidChunkSize
	}

	if !v.hash.Available() {
		return "", 0, fmt.Errorf("digest %s: %w", path, errHashUnavailable)
	}

	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}

	defer func() {
		_ = file.Close()
	}()

	var (
		hasher = v.hash.New()
		buf    = make([]byte, v.chunkSize)
		total  int64
	)

	for {
		if cancelled := dump.Cancelled(ctx); cancelled != nil {
			return "", total, cancelled
		}

		n, readErr := file.Read(buf)
		if n > 0 {
			_, _ = hasher.Write(buf[:n])
			total += int64(n)
		}

		if errors.Is(readErr, io.EOF) {
			break
		}

		if readErr != nil {
			return "", total, fmt.Errorf("read %s: %w", path, readErr)
		}
	}

	return hex.EncodeToString(hasher.Sum(nil)), total, nil
}

// Verify checks path against the manifest entry for its basename.
// A mismatch returns the result together with dump.ErrChecksumMismatch; a
// missing entry returns it together with dump.ErrDigestNotPublished.
func (v *Verifier) Verify(ctx context.Context, path string, manifest dump.Manifest) (*Result, error) {
	ctx = logger.WithName(ctx, "verifier")

	result := &Result{
		Path: path,
		Name: filepath.Base(path),
	}

	expected, ok := manifest.Lookup(path)
	if !ok {
		result.Outcome = OutcomeNotPublished
		v.recorder.Verification(string(result.Outcome))
		logger.WarnKV(ctx, "No published digest", "file", result.Name)

		return result, fmt.Errorf("%s: %w", result.Name, dump.ErrDigestNotPublished)
	}

	actual, size, err := v.Digest(ctx, path)
	if err != nil {
		return nil, err
	}

	expected = strings.ToLower(expected)
	result.Expected = expected
	result.Actual = actual
	result.Size = size

	if actual != expected {
		result.Outcome = OutcomeMismatched
		v.recorder.Verification(string(result.Outcome))
		logger.ErrorKV(ctx, "Checksum mismatch",
			"file", result.Name, "expected", expected, "actual", actual)

		return result, fmt.Errorf("%s: %w", result.Name, dump.ErrChecksumMismatch)
	}

	result.Outcome = OutcomeVerified
	v.recorder.Verification(string(result.Outcome))
	logger.InfoKV(ctx, "Checksum verified", "file", result.Name, "digest", actual)

	return result, nil
}

// VerifyRecord verifies a completed transfer and advances its record to verified on a match.
// Not-published leaves the record completed; a mismatch leaves it completed and returns the error.
func (v *Verifier) VerifyRecord(
	ctx context.Context,
	record *dump.TransferRecord,
	manifest dump.Manifest,
) (*Result, error) {
	if digest, ok := manifest.Lookup(record.Artifact.Name); ok {
		record.Artifact = record.Artifact.WithExpectedDigest(digest)
	}

	result, err := v.Verify(ctx, record.LocalPath, manifest)
	if err != nil {
		return result, err
	}

	if err = record.MarkVerified(result.Actual); err != nil {
		return result, err
	}

	return result, nil
}

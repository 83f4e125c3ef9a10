package verifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/oshokin/dump-fetcher/internal/config"
	"github.com/oshokin/dump-fetcher/internal/domain/dump"
	"github.com/oshokin/dump-fetcher/internal/logger"
	"github.com/oshokin/dump-fetcher/internal/version"
)

// maxManifestSize caps how much of a manifest is read.
const maxManifestSize = 4 << 20

// manifestFetcher downloads manifests within a bounded timeout.
type manifestFetcher struct {
	// client performs manifest requests.
	client *http.Client
	// timeout bounds each request.
	timeout time.Duration
}

// newManifestFetcher returns a fetcher using the default client and timeout.
func newManifestFetcher() *manifestFetcher {
	return &manifestFetcher{
		client:  http.DefaultClient,
		timeout: config.DefaultTimeout,
	}
}

// WithHTTPClient replaces the client used for manifest downloads.
func WithHTTPClient(client *http.Client) Option {
	return func(v *Verifier) {
		if client != nil {
			v.fetcher.client = client
		}
	}
}

// WithTimeout bounds manifest downloads.
func WithTimeout(timeout time.Duration) Option {
	return func(v *Verifier) {
		if timeout > 0 {
			v.fetcher.timeout = timeout
		}
	}
}

// FetchManifest downloads the manifest at manifestURL, saves it atomically into
// dir under its own name and parses it. The returned path is the saved copy.
func (v *Verifier) FetchManifest(ctx context.Context, manifestURL, dir string) (dump.Manifest, string, error) {
	ctx = logger.WithName(ctx, "verifier")

	data, err := v.fetcher.get(ctx, manifestURL)
	if err != nil {
		return nil, "", err
	}

	manifest, err := ParseManifest(bytes.NewReader(data))
	if err != nil {
		return nil, "", err
	}

	target := filepath.Join(dir, path.Base(manifestURL))
	if err = saveAtomically(target, data); err != nil {
		return nil, "", err
	}

	logger.InfoKV(ctx, "Manifest fetched", "url", manifestURL, "entries", len(manifest), "path", target)

	return manifest, target, nil
}

// LoadManifest parses a manifest from a local file.
func LoadManifest(path string) (dump.Manifest, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	return ParseManifest(file)
}

// get performs a bounded GET and maps failures to the domain taxonomy.
func (f *manifestFetcher) get(ctx context.Context, url string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build manifest request: %w", err)
	}

	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := f.client.Do(req)
	if err != nil {
		if cancelled := dump.Cancelled(ctx); cancelled != nil {
			return nil, cancelled
		}

		return nil, &dump.NetworkError{URL: url, Err: err}
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &dump.NetworkError{URL: url, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, &dump.NetworkError{URL: url, Err: err}
	}

	return data, nil
}

// saveAtomically replaces target with data so readers never see a partial manifest.
func saveAtomically(target string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), config.DefaultDirPermissions); err != nil {
		return fmt.Errorf("create manifest directory: %w", err)
	}

	// The replacement renames the previous file aside, so one must exist.
	if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
		file, createErr := os.Create(target)
		if createErr != nil {
			return fmt.Errorf("create manifest: %w", createErr)
		}

		_ = file.Close()
	}

	options := goupdate.Options{
		TargetPath: target,
		TargetMode: config.DefaultFilePermissions,
	}

	if err := goupdate.Apply(bytes.NewReader(data), options); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}

	oldFile := filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+".old")
	if _, err := os.Stat(oldFile); err == nil {
		_ = os.Remove(oldFile)
	}

	return nil
}

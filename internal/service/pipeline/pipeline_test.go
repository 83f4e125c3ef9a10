package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/dump-fetcher/internal/config"
	"github.com/oshokin/dump-fetcher/internal/domain/dump"
	"github.com/oshokin/dump-fetcher/internal/metrics"
	"github.com/oshokin/dump-fetcher/internal/service/resolver"
	"github.com/oshokin/dump-fetcher/internal/service/transfer"
	"github.com/oshokin/dump-fetcher/internal/service/verifier"
	"github.com/oshokin/dump-fetcher/internal/storage"
)

// memoryStore is an in-memory ObjectStore keyed by bucket/key.
type memoryStore struct {
	mu      sync.Mutex
	objects map[string]int64
	uploads int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string]int64{}}
}

func (m *memoryStore) Upload(_ context.Context, bucket, key, localPath string) (bool, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if size, ok := m.objects[bucket+"/"+key]; ok && size == info.Size() {
		return false, nil
	}

	m.objects[bucket+"/"+key] = info.Size()
	m.uploads++

	return true, nil
}

func (m *memoryStore) List(_ context.Context, bucket, prefix string) ([]storage.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var objects []storage.Object

	for full, size := range m.objects {
		key := strings.TrimPrefix(full, bucket+"/")
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, storage.Object{Key: key, Size: size})
		}
	}

	return objects, nil
}

// archive serves a versioned dump directory.
type archive struct {
	files    map[string][]byte
	manifest string
}

func (a *archive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/dumps/":
		_, _ = fmt.Fprint(w, `<a href="20240101-000000/">old</a> <a href="20240301-000000/">new</a>`)
	case r.URL.Path == "/dumps/20240301-000000/SHA256SUMS" && a.manifest != "":
		_, _ = fmt.Fprint(w, a.manifest)
	case strings.HasPrefix(r.URL.Path, "/dumps/20240301-000000/"):
		data, ok := a.files[strings.TrimPrefix(r.URL.Path, "/dumps/20240301-000000/")]
		if !ok {
			http.NotFound(w, r)
			return
		}

		http.ServeContent(w, r, "f", time.Time{}, bytes.NewReader(data))
	default:
		http.NotFound(w, r)
	}
}

// digest returns the hex SHA-256 of data.
func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// newPipeline wires real stages around the test server.
func newPipeline(srv *httptest.Server, store storage.ObjectStore, recorder metrics.Recorder) *Pipeline {
	return New(
		resolver.New(resolver.WithHTTPClient(srv.Client())),
		transfer.NewExecutor(transfer.NewHTTP(transfer.WithClient(srv.Client())), transfer.WithRetryDelay(0)),
		verifier.New(verifier.WithHTTPClient(srv.Client())),
		WithStore(store),
		WithRecorder(recorder),
	)
}

// testDataset describes the served dump.
func testDataset(srv *httptest.Server) config.Dataset {
	return config.Dataset{
		Name:           "musicbrainz",
		ListingURL:     srv.URL + "/dumps/",
		VersionPattern: `[0-9]{8}-[0-9]{6}/`,
		Files:          []string{"artist.tar.xz", "release.tar.xz", "recording.tar.xz"},
		Manifest:       "SHA256SUMS",
		Prefix:         "raw/musicbrainz/",
	}
}

// TestRun_VerifyBlocksMismatchedUploads checks that only trusted artifacts reach storage.
func TestRun_VerifyBlocksMismatchedUploads(t *testing.T) {
	t.Parallel()

	artist := []byte(strings.Repeat("artist", 1000))
	release := []byte(strings.Repeat("release", 1000))
	recording := []byte(strings.Repeat("recording", 1000))

	srv := httptest.NewServer(&archive{
		files: map[string][]byte{
			"artist.tar.xz":    artist,
			"release.tar.xz":   release,
			"recording.tar.xz": recording,
		},
		manifest: digest(artist) + "  artist.tar.xz\n" +
			digest([]byte("tampered")) + "  release.tar.xz\n",
	})
	t.Cleanup(srv.Close)

	store := newMemoryStore()
	recorder := metrics.NewProm("test")
	out := t.TempDir()

	summary, err := newPipeline(srv, store, recorder).Run(context.Background(), Options{
		Datasets:    []config.Dataset{testDataset(srv)},
		OutputDir:   out,
		Policy:      transfer.PolicyResume,
		Upload:      true,
		Bucket:      "dumps",
		Parallelism: 2,
	})
	require.ErrorIs(t, err, dump.ErrChecksumMismatch)
	require.NotErrorIs(t, err, dump.ErrDigestNotPublished)
	require.NotEmpty(t, summary.RunID)

	ds := summary.Datasets[0]
	require.Equal(t, "20240301-000000", ds.Resolution.Version)
	require.FileExists(t, filepath.Join(out, "musicbrainz", "SHA256SUMS"))

	byName := map[string]*ArtifactResult{}
	for _, a := range ds.Artifacts {
		byName[a.Record.Artifact.Name] = a
	}

	require.Equal(t, dump.StatusVerified, byName["artist.tar.xz"].Record.Status)
	require.True(t, byName["artist.tar.xz"].Record.Uploaded)
	require.Equal(t, "s3://dumps/raw/musicbrainz/artist.tar.xz", byName["artist.tar.xz"].Record.RemotePath)

	require.Equal(t, dump.StatusFailed, byName["release.tar.xz"].Record.Status)
	require.Empty(t, byName["release.tar.xz"].Record.RemotePath)

	require.Equal(t, dump.StatusCompleted, byName["recording.tar.xz"].Record.Status)
	require.ErrorIs(t, byName["recording.tar.xz"].Warning, dump.ErrDigestNotPublished)
	require.True(t, byName["recording.tar.xz"].Record.Uploaded)

	require.Equal(t, 2, store.uploads)
	require.Len(t, ds.Stored, 2)

	counts := summary.Counts()
	require.Equal(t, 1, counts[dump.StatusVerified])
	require.Equal(t, 1, counts[dump.StatusFailed])
	require.Equal(t, 1, counts[dump.StatusCompleted])

	lines := strings.Join(summary.Lines(), "\n")
	require.Contains(t, lines, "version 20240301-000000")
	require.Contains(t, lines, "artist.tar.xz: verified")
	require.Contains(t, lines, "uploaded to s3://dumps/raw/musicbrainz/artist.tar.xz")
	require.Contains(t, lines, "storage raw/musicbrainz/: 2 objects")

	// A second run reuses files and skips identical uploads.
	summary, err = newPipeline(srv, store, recorder).Run(context.Background(), Options{
		Datasets:  []config.Dataset{testDataset(srv)},
		OutputDir: out,
		Policy:    transfer.PolicyReuse,
		Upload:    true,
		Bucket:    "dumps",
		Only:      []string{"artist"},
	})
	require.NoError(t, err)
	require.Len(t, summary.Datasets[0].Artifacts, 1)

	again := summary.Datasets[0].Artifacts[0].Record
	require.True(t, again.Reused)
	require.Equal(t, dump.StatusVerified, again.Status)
	require.False(t, again.Uploaded)
	require.Equal(t, 2, store.uploads)
}

// TestRun_ManifestUnavailable checks reduced confidence without a manifest.
func TestRun_ManifestUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(&archive{files: map[string][]byte{
		"artist.tar.xz": []byte("artist"),
	}})
	t.Cleanup(srv.Close)

	ds := testDataset(srv)
	ds.Files = []string{"artist.tar.xz"}

	summary, err := newPipeline(srv, newMemoryStore(), metrics.Noop{}).Run(context.Background(), Options{
		Datasets:  []config.Dataset{ds},
		OutputDir: t.TempDir(),
	})
	require.NoError(t, err)
	require.ErrorIs(t, summary.Datasets[0].ManifestErr, dump.ErrNetwork)
	require.Equal(t, dump.StatusCompleted, summary.Datasets[0].Artifacts[0].Record.Status)
	require.Contains(t, strings.Join(summary.Lines(), "\n"), "reduced confidence")
}

// TestRun_ResolutionFailure checks that a dataset failure is reported and others continue.
func TestRun_ResolutionFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(&archive{files: map[string][]byte{"artist.tar.xz": []byte("a")}})
	t.Cleanup(srv.Close)

	broken := config.Dataset{Name: "broken", ListingURL: srv.URL + "/missing/", Pattern: "x"}
	good := testDataset(srv)
	good.Files = []string{"artist.tar.xz"}
	good.Manifest = ""

	summary, err := newPipeline(srv, nil, nil).Run(context.Background(), Options{
		Datasets:  []config.Dataset{broken, good},
		OutputDir: t.TempDir(),
	})
	require.ErrorIs(t, err, dump.ErrNetwork)
	require.Len(t, summary.Datasets, 2)
	require.Nil(t, summary.Datasets[0].Resolution)
	require.Equal(t, dump.StatusCompleted, summary.Datasets[1].Artifacts[0].Record.Status)
	require.Contains(t, summary.Lines()[1], "broken: not resolved")
}

// TestRun_UploadNeedsStore checks the store requirement.
func TestRun_UploadNeedsStore(t *testing.T) {
	t.Parallel()

	p := New(resolver.New(), transfer.NewExecutor(transfer.NewHTTP()), verifier.New())

	_, err := p.Run(context.Background(), Options{Upload: true})
	require.ErrorIs(t, err, errNoStore)
}

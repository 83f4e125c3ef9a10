package verifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/dump-fetcher/internal/domain/dump"
	"github.com/oshokin/dump-fetcher/internal/metrics"
)

// writeArtifact creates a file with deterministic content and returns its path and digest.
func writeArtifact(t *testing.T, dir, name string, size int) (string, string) {
	t.Helper()

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 31 % 251)
	}

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	sum := sha256.Sum256(data)

	return path, hex.EncodeToString(sum[:])
}

// TestParseManifest covers the accepted line shapes.
func TestParseManifest(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{
		"# published checksums",
		"",
		"ABCDEF01  artist.tar.xz",
		"0123abcd *release.tar.xz",
		"  ffff  sub/dir/recording.tar.xz  ",
	}, "\n")

	manifest, err := ParseManifest(strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, dump.Manifest{
		"artist.tar.xz":    "abcdef01",
		"release.tar.xz":   "0123abcd",
		"recording.tar.xz": "ffff",
	}, manifest)

	_, err = ParseManifest(strings.NewReader("nodigest\n"))
	require.ErrorIs(t, err, errMalformedManifest)

	_, err = ParseManifest(strings.NewReader("zzzz  file\n"))
	require.ErrorIs(t, err, errMalformedManifest)
}

// TestVerify_MatchThenMutation verifies a good file, then detects a single flipped byte.
func TestVerify_MatchThenMutation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path, digest := writeArtifact(t, dir, "artist.tar.xz", 10_000)
	manifest := dump.Manifest{"artist.tar.xz": digest}

	rec := metrics.NewProm("test")
	v := New(WithRecorder(rec))

	result, err := v.Verify(context.Background(), path, manifest)
	require.NoError(t, err)
	require.Equal(t, OutcomeVerified, result.Outcome)
	require.Equal(t, digest, result.Actual)
	require.Equal(t, int64(10_000), result.Size)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	data[5000] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	result, err = v.Verify(context.Background(), path, manifest)
	require.ErrorIs(t, err, dump.ErrChecksumMismatch)
	require.Equal(t, OutcomeMismatched, result.Outcome)
	require.Equal(t, digest, result.Expected)
	require.NotEqual(t, digest, result.Actual)
}

// TestVerify_ChunkSizeIndependent checks that the digest does not depend on the read size.
func TestVerify_ChunkSizeIndependent(t *testing.T) {
	t.Parallel()

	path, digest := writeArtifact(t, t.TempDir(), "release.tar.xz", 65_537)
	manifest := dump.Manifest{"release.tar.xz": digest}

	for _, size := range []int{1, 7, 4096, 65_536, 1 << 20} {
		result, err := New(WithChunkSize(size)).Verify(context.Background(), path, manifest)
		require.NoError(t, err, fmt.Sprintf("chunk %d", size))
		require.Equal(t, OutcomeVerified, result.Outcome)
	}

	_, _, err := New(WithChunkSize(0)).Digest(context.Background(), path)
	require.ErrorIs(t, err, errInvalidChunkSize)
}

// TestVerify_NotPublished checks that a missing manifest entry is a soft outcome.
func TestVerify_NotPublished(t *testing.T) {
	t.Parallel()

	path, _ := writeArtifact(t, t.TempDir(), "recording.tar.xz", 100)

	result, err := New().Verify(context.Background(), path, dump.Manifest{"artist.tar.xz": "00"})
	require.ErrorIs(t, err, dump.ErrDigestNotPublished)
	require.Equal(t, OutcomeNotPublished, result.Outcome)
	require.Empty(t, result.Actual)

	_, err = New().Verify(context.Background(), path, nil)
	require.ErrorIs(t, err, dump.ErrDigestNotPublished)
}

// TestVerify_Cancelled checks cooperative cancellation while hashing.
func TestVerify_Cancelled(t *testing.T) {
	t.Parallel()

	path, digest := writeArtifact(t, t.TempDir(), "a.tar", 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().Verify(ctx, path, dump.Manifest{"a.tar": digest})
	require.ErrorIs(t, err, dump.ErrUserCancelled)
}

// TestVerifyRecord checks record transitions for each outcome.
func TestVerifyRecord(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path, digest := writeArtifact(t, dir, "artist.tar.xz", 512)

	record := dump.NewTransferRecord(dump.Artifact{Name: "artist.tar.xz"}, path)
	require.NoError(t, record.Start())
	require.NoError(t, record.Complete(512))

	_, err := New().VerifyRecord(context.Background(), record, dump.Manifest{"artist.tar.xz": strings.ToUpper(digest)})
	require.NoError(t, err)
	require.Equal(t, dump.StatusVerified, record.Status)
	require.Equal(t, digest, record.Artifact.ExpectedDigest)

	other := dump.NewTransferRecord(dump.Artifact{Name: "artist.tar.xz"}, path)
	require.NoError(t, other.Start())
	require.NoError(t, other.Complete(512))

	_, err = New().VerifyRecord(context.Background(), other, dump.Manifest{})
	require.ErrorIs(t, err, dump.ErrDigestNotPublished)
	require.Equal(t, dump.StatusCompleted, other.Status)
}

// TestFetchManifest downloads, saves and parses a manifest, and replaces it on refetch.
func TestFetchManifest(t *testing.T) {
	t.Parallel()

	body := "abcdef  artist.tar.xz\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/20240110-001001/SHA256SUMS" {
			http.NotFound(w, r)
			return
		}

		_, _ = fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)

	dir := filepath.Join(t.TempDir(), "musicbrainz")
	v := New(WithHTTPClient(srv.Client()))

	manifest, saved, err := v.FetchManifest(context.Background(), srv.URL+"/20240110-001001/SHA256SUMS", dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "SHA256SUMS"), saved)
	require.Equal(t, "abcdef", manifest["artist.tar.xz"])

	// A second fetch replaces the saved copy in place.
	_, _, err = v.FetchManifest(context.Background(), srv.URL+"/20240110-001001/SHA256SUMS", dir)
	require.NoError(t, err)

	loaded, err := LoadManifest(saved)
	require.NoError(t, err)
	require.Equal(t, manifest, loaded)

	_, _, err = v.FetchManifest(context.Background(), srv.URL+"/missing/SHA256SUMS", dir)
	require.ErrorIs(t, err, dump.ErrNetwork)
}

package transfer

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/dump-fetcher/internal/domain/dump"
)

// payload returns deterministic artifact bytes.
func payload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/256)
	}

	return data
}

// rangeServer serves data with Range support.
func rangeServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "dump.tar", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)

	return srv
}

// TestHTTP_ResumeIsByteIdentical resumes after N bytes and compares with the source.
func TestHTTP_ResumeIsByteIdentical(t *testing.T) {
	t.Parallel()

	data := payload(100_000)
	srv := rangeServer(t, data)
	transferer := NewHTTP(WithClient(srv.Client()))

	for _, offset := range []int{0, 1, 4096, 99_999} {
		dest := filepath.Join(t.TempDir(), "dump.tar")
		if offset > 0 {
			require.NoError(t, os.WriteFile(dest, data[:offset], 0o600))
		}

		require.NoError(t, transferer.Transfer(context.Background(), srv.URL+"/dump.tar", dest))

		got, err := os.ReadFile(dest)
		require.NoError(t, err)
		require.True(t, bytes.Equal(data, got), "offset %d", offset)
	}
}

// TestHTTP_CompleteFileIsNoOp checks that a finished file is left untouched.
func TestHTTP_CompleteFileIsNoOp(t *testing.T) {
	t.Parallel()

	data := payload(2048)
	srv := rangeServer(t, data)

	dest := filepath.Join(t.TempDir(), "dump.tar")
	require.NoError(t, os.WriteFile(dest, data, 0o600))

	require.NoError(t, NewHTTP(WithClient(srv.Client())).Transfer(context.Background(), srv.URL, dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

// TestHTTP_RangeIgnored checks that a full response replaces the partial file.
func TestHTTP_RangeIgnored(t *testing.T) {
	t.Parallel()

	data := payload(5000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "dump.tar")
	require.NoError(t, os.WriteFile(dest, []byte("stale bytes"), 0o600))

	require.NoError(t, NewHTTP(WithClient(srv.Client())).Transfer(context.Background(), srv.URL, dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

// TestHTTP_RangeMismatch checks that a partial response starting elsewhere leaves the file untouched.
func TestHTTP_RangeMismatch(t *testing.T) {
	t.Parallel()

	data := payload(5000)

	for _, contentRange := range []string{"bytes 0-4999/5000", "bytes 200-4999/5000", "", "items 100-200/5000"} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if contentRange != "" {
				w.Header().Set("Content-Range", contentRange)
			}

			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(data)
		}))
		t.Cleanup(srv.Close)

		dest := filepath.Join(t.TempDir(), "dump.tar")
		require.NoError(t, os.WriteFile(dest, data[:100], 0o600))

		err := NewHTTP(WithClient(srv.Client())).Transfer(context.Background(), srv.URL, dest)
		require.ErrorIs(t, err, errRangeMismatch, contentRange)
		require.True(t, dump.IsRetryable(err))

		got, err := os.ReadFile(dest)
		require.NoError(t, err)
		require.Equal(t, data[:100], got)
	}

	require.NoError(t, checkContentRange("bytes 100-4999/5000", 100))
	require.NoError(t, checkContentRange("bytes 100-4999/*", 100))
}

// TestHTTP_Errors covers non-2xx statuses and cancellation.
func TestHTTP_Errors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "dump.tar")

	err := NewHTTP(WithClient(srv.Client())).Transfer(context.Background(), srv.URL, dest)
	require.ErrorIs(t, err, dump.ErrNetwork)

	var netErr *dump.NetworkError
	require.ErrorAs(t, err, &netErr)
	require.Equal(t, http.StatusServiceUnavailable, netErr.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = NewHTTP(WithClient(srv.Client())).Transfer(ctx, srv.URL, dest)
	require.ErrorIs(t, err, dump.ErrUserCancelled)
}

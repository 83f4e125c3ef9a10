package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oshokin/dump-fetcher/internal/config"
	"github.com/oshokin/dump-fetcher/internal/domain/dump"
	"github.com/oshokin/dump-fetcher/internal/version"
)

// HTTP resumes downloads with Range requests.
type HTTP struct {
	// client performs the requests; its Timeout must stay zero for long transfers.
	client *http.Client
	// headerTimeout bounds waiting for the response headers of the default client.
	headerTimeout time.Duration
}

// HTTPOption configures the HTTP transferer.
type HTTPOption func(*HTTP)

// WithClient replaces the HTTP client.
func WithClient(client *http.Client) HTTPOption {
	return func(h *HTTP) {
		if client != nil {
			h.client = client
		}
	}
}

// WithRequestTimeout bounds the wait for response headers.
func WithRequestTimeout(timeout time.Duration) HTTPOption {
	return func(h *HTTP) {
		if timeout > 0 {
			h.headerTimeout = timeout
		}
	}
}

// errRangeMismatch is returned when a partial response does not continue the local file.
var errRangeMismatch = errors.New("partial response does not start at the local size")

// NewHTTP creates a native transferer.
func NewHTTP(opts ...HTTPOption) *HTTP {
	h := &HTTP{
		headerTimeout: config.DefaultTimeout,
	}

	for _, opt := range opts {
		opt(h)
	}

	if h.client == nil {
		// Only the headers are bounded: the body of a dump takes hours.
		h.client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: h.headerTimeout,
			},
		}
	}

	return h
}

// Transfer implements Transferer.
//
//nolint:cyclop // Status handling is a flat switch.
func (h *HTTP) Transfer(ctx context.Context, sourceURL, dest string) error {
	var offset int64
	if info, err := os.Stat(dest); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("User-Agent", version.UserAgent())

	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if cancelled := dump.Cancelled(ctx); cancelled != nil {
			return cancelled
		}

		return &dump.NetworkError{URL: sourceURL, Err: err}
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	flags := os.O_CREATE | os.O_WRONLY

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if err = checkContentRange(resp.Header.Get("Content-Range"), offset); err != nil {
			return &dump.NetworkError{URL: sourceURL, Err: err}
		}

		flags |= os.O_APPEND
	case http.StatusOK:
		// The server ignored the range: start over.
		flags |= os.O_TRUNC
	case http.StatusRequestedRangeNotSatisfiable:
		if offset > 0 {
			return nil
		}

		return &dump.NetworkError{URL: sourceURL, StatusCode: resp.StatusCode}
	default:
		return &dump.NetworkError{URL: sourceURL, StatusCode: resp.StatusCode}
	}

	file, err := os.OpenFile(filepath.Clean(dest), flags, config.DefaultFilePermissions)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}

	_, copyErr := io.Copy(file, resp.Body)
	syncErr := file.Sync()
	closeErr := file.Close()

	if copyErr != nil {
		if cancelled := dump.Cancelled(ctx); cancelled != nil {
			return cancelled
		}

		return &dump.NetworkError{URL: sourceURL, Err: copyErr}
	}

	if err = errors.Join(syncErr, closeErr); err != nil {
		return fmt.Errorf("flush destination: %w", err)
	}

	return nil
}

// checkContentRange verifies that a "bytes start-end/total" header starts at offset.
func checkContentRange(header string, offset int64) error {
	spec, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return fmt.Errorf("%w: content range %q", errRangeMismatch, header)
	}

	first, _, ok := strings.Cut(spec, "-")
	if !ok {
		return fmt.Errorf("%w: content range %q", errRangeMismatch, header)
	}

	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil || start != offset {
		return fmt.Errorf("%w: content range %q, local size %d", errRangeMismatch, header, offset)
	}

	return nil
}

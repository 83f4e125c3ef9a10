package resolver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/oshokin/dump-fetcher/internal/config"
	"github.com/oshokin/dump-fetcher/internal/domain/dump"
	"github.com/oshokin/dump-fetcher/internal/logger"
	"github.com/oshokin/dump-fetcher/internal/version"
)

// Stage tells which pattern of a two-stage request produced the match.
type Stage string

const (
	// StagePrimary means the primary pattern matched.
	StagePrimary Stage = "primary"
	// StageFallback means the primary pattern matched nothing and the fallback did.
	StageFallback Stage = "fallback"
)

// maxListingSize caps how much of a listing is read.
const maxListingSize = 32 << 20

// Request describes one lookup in a directory listing.
type Request struct {
	// ListingURL is the directory listing to scrape.
	ListingURL string
	// Pattern is the primary naming pattern.
	Pattern string
	// FallbackPattern is tried at most once when Pattern matches nothing.
	FallbackPattern string
}

// Result is the outcome of a successful lookup.
type Result struct {
	// Name is the lexicographically latest match.
	Name string
	// URL is Name joined to the listing URL.
	URL string
	// Stage tells which pattern matched.
	Stage Stage
	// Candidates is the number of distinct matches seen for that pattern.
	Candidates int
}

// Resolution is a dataset resolved to concrete artifacts.
type Resolution struct {
	// Dataset is the configured dataset name.
	Dataset string
	// BaseURL is the directory holding the artifacts.
	BaseURL string
	// Version is the resolved version directory, empty when the dataset has none.
	Version string
	// Stage is the pattern stage used for pattern datasets.
	Stage Stage
	// ManifestURL is empty when the dataset publishes no manifest.
	ManifestURL string
	// Artifacts are the files to transfer, in listing order of the configuration.
	Artifacts []dump.Artifact
}

// Resolver scrapes listings over HTTP.
type Resolver struct {
	// client performs listing requests.
	client *http.Client
	// timeout bounds each listing request.
	timeout time.Duration
}

// Option configures resolver behaviour.
type Option func(*Resolver)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) {
		if client != nil {
			r.client = client
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(r *Resolver) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// New creates a resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		client:  http.DefaultClient,
		timeout: config.DefaultTimeout,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Latest returns the lexicographically greatest match of pattern in the listing.
func (r *Resolver) Latest(ctx context.Context, listingURL, pattern string) (string, error) {
	result, err := r.Resolve(ctx, Request{ListingURL: listingURL, Pattern: pattern})
	if err != nil {
		return "", err
	}

	return result.Name, nil
}

// Resolve fetches the listing once and applies the primary pattern, then the fallback.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Result, error) {
	ctx = logger.WithName(ctx, "resolver")

	primary, err := regexp.Compile(req.Pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern: %w", err)
	}

	var fallback *regexp.Regexp
	if req.FallbackPattern != "" {
		if fallback, err = regexp.Compile(req.FallbackPattern); err != nil {
			return nil, fmt.Errorf("compile fallback pattern: %w", err)
		}
	}

	body, err := r.fetch(ctx, req.ListingURL)
	if err != nil {
		return nil, err
	}

	stage := StagePrimary
	name, count := LatestMatch(body, primary)

	if count == 0 && fallback != nil {
		logger.InfoKV(ctx, "Primary pattern matched nothing, trying fallback",
			"listing", req.ListingURL, "pattern", req.Pattern, "fallback", req.FallbackPattern)

		stage = StageFallback
		name, count = LatestMatch(body, fallback)
	}

	if count == 0 {
		return nil, fmt.Errorf("%w: %s in %s", dump.ErrNoArtifactFound, req.Pattern, req.ListingURL)
	}

	logger.DebugKV(ctx, "Resolved latest match",
		"listing", req.ListingURL, "name", name, "stage", stage, "candidates", count)

	return &Result{
		Name:       name,
		URL:        JoinURL(req.ListingURL, name),
		Stage:      stage,
		Candidates: count,
	}, nil
}

// ResolveDataset turns a configured dataset into concrete artifacts.
func (r *Resolver) ResolveDataset(ctx context.Context, ds config.Dataset) (*Resolution, error) {
	res := &Resolution{
		Dataset: ds.Name,
		BaseURL: ds.ListingURL,
	}

	if ds.VersionPattern != "" {
		versionDir, err := r.Latest(ctx, ds.ListingURL, ds.VersionPattern)
		if err != nil {
			return nil, fmt.Errorf("resolve %s version: %w", ds.Name, err)
		}

		res.Version = strings.TrimSuffix(versionDir, "/")
		res.BaseURL = JoinURL(ds.ListingURL, res.Version) + "/"
	}

	if ds.Manifest != "" {
		res.ManifestURL = JoinURL(res.BaseURL, ds.Manifest)
	}

	if len(ds.Files) > 0 {
		for _, name := range ds.Files {
			res.Artifacts = append(res.Artifacts, dump.Artifact{
				Dataset:   ds.Name,
				Name:      name,
				SourceURL: JoinURL(res.BaseURL, name),
			})
		}

		return res, nil
	}

	result, err := r.Resolve(ctx, Request{
		ListingURL:      res.BaseURL,
		Pattern:         ds.Pattern,
		FallbackPattern: ds.FallbackPattern,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ds.Name, err)
	}

	res.Stage = result.Stage
	res.Artifacts = []dump.Artifact{{
		Dataset:   ds.Name,
		Name:      result.Name,
		SourceURL: result.URL,
	}}

	return res, nil
}

// LatestMatch returns the lexicographic maximum of all literal matches in body
// together with the number of distinct matches.
func LatestMatch(body string, pattern *regexp.Regexp) (string, int) {
	var (
		latest string
		seen   = make(map[string]struct{})
	)

	for _, match := range pattern.FindAllString(body, -1) {
		if _, ok := seen[match]; ok {
			continue
		}

		seen[match] = struct{}{}

		if match > latest {
			latest = match
		}
	}

	return latest, len(seen)
}

// JoinURL appends name to a directory URL.
func JoinURL(base, name string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(name, "/")
}

// fetch downloads the listing body within the configured timeout.
func (r *Resolver) fetch(ctx context.Context, listingURL string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, listingURL, nil)
	if err != nil {
		return "", fmt.Errorf("build listing request: %w", err)
	}

	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := r.client.Do(req)
	if err != nil {
		if cancelled := dump.Cancelled(ctx); cancelled != nil {
			return "", cancelled
		}

		return "", &dump.NetworkError{URL: listingURL, Err: err}
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", &dump.NetworkError{URL: listingURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListingSize))
	if err != nil {
		if cancelled := dump.Cancelled(ctx); cancelled != nil {
			return "", cancelled
		}

		return "", &dump.NetworkError{URL: listingURL, Err: err}
	}

	return string(body), nil
}

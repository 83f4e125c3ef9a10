package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/oshokin/dump-fetcher/internal/domain/dump"
	"github.com/oshokin/dump-fetcher/internal/service/verifier"
)

// Verify checks a local file against a manifest given as a path or an http(s) URL.
// A missing entry is reported but is not an error: the file is simply unverified.
func (a *App) Verify(ctx context.Context, file, manifestRef string) error {
	ctx = a.context(ctx, "verify")
	ver := a.verifier()

	var (
		manifest dump.Manifest
		err      error
	)

	if strings.HasPrefix(manifestRef, "http://") || strings.HasPrefix(manifestRef, "https://") {
		manifest, _, err = ver.FetchManifest(ctx, manifestRef, filepath.Dir(file))
	} else {
		manifest, err = verifier.LoadManifest(manifestRef)
	}

	if err != nil {
		return interrupted(ctx, err, "nothing was verified")
	}

	result, err := ver.Verify(ctx, file, manifest)

	switch {
	case errors.Is(err, dump.ErrDigestNotPublished):
		a.printLines(fmt.Sprintf("%s: %s, completed but not verified", result.Name, result.Outcome))
		return nil
	case result != nil:
		a.printLines(fmt.Sprintf("%s: %s (%s) sha256 %s", result.Name, result.Outcome,
			dump.FormatSize(result.Size), result.Actual))
	}

	return interrupted(ctx, err, "run verify again")
}

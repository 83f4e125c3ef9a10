package verifier

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/oshokin/dump-fetcher/internal/domain/dump"
)

// errMalformedManifest is returned for manifest lines that are not "<hex>  <name>".
var errMalformedManifest = errors.New("malformed manifest line")

// ParseManifest reads "<hex-digest>  <filename>" lines.
// Blank lines and lines starting with '#' are skipped; a leading '*' binary
// marker on the filename is dropped. Digests are stored lower-case.
func ParseManifest(r io.Reader) (dump.Manifest, error) {
	var (
		manifest = make(dump.Manifest)
		scanner  = bufio.NewScanner(r)
		lineNo   int
	)

	for scanner.Scan() {
		lineNo++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		digest, name, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("%w %d: %q", errMalformedManifest, lineNo, line)
		}

		name = strings.TrimPrefix(strings.TrimSpace(name), "*")
		if name == "" {
			return nil, fmt.Errorf("%w %d: no file name", errMalformedManifest, lineNo)
		}

		if _, err := hex.DecodeString(digest); err != nil {
			return nil, fmt.Errorf("%w %d: %w", errMalformedManifest, lineNo, err)
		}

		manifest[path.Base(name)] = strings.ToLower(digest)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	return manifest, nil
}

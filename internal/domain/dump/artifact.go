package dump

import (
	"path"
	"sort"
	"strings"
)

// Artifact identifies one remote file of a dump.
type Artifact struct {
	// Dataset is the configured dataset the artifact belongs to.
	Dataset string
	// Name is the file name, matching the dataset naming pattern.
	Name string
	// SourceURL is the absolute download address.
	SourceURL string
	// SizeBytes is known only after the transfer.
	SizeBytes int64
	// ExpectedDigest is the lower-case hex digest from the manifest, empty if not published.
	ExpectedDigest string
}

// WithSize returns a copy of the artifact carrying the transferred size.
func (a Artifact) WithSize(size int64) Artifact {
	a.SizeBytes = size
	return a
}

// WithExpectedDigest returns a copy of the artifact carrying the published digest.
func (a Artifact) WithExpectedDigest(digest string) Artifact {
	a.ExpectedDigest = strings.ToLower(digest)
	return a
}

// Manifest maps artifact file names to their published hex digests.
type Manifest map[string]string

// Lookup returns the digest published for the basename of name.
func (m Manifest) Lookup(name string) (string, bool) {
	digest, ok := m[path.Base(filepathToSlash(name))]
	return digest, ok
}

// Names returns the manifest file names in lexicographic order.
func (m Manifest) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// filepathToSlash normalizes Windows separators so Lookup works with local paths.
func filepathToSlash(name string) string {
	return strings.ReplaceAll(name, `\`, "/")
}

// FilterArtifacts keeps artifacts whose full name or name before the first dot
// is listed, or all of them when names is empty.
func FilterArtifacts(artifacts []Artifact, names []string) []Artifact {
	if len(names) == 0 {
		return artifacts
	}

	keep := make(map[string]struct{}, len(names))
	for _, name := range names {
		keep[name] = struct{}{}
	}

	var filtered []Artifact

	for _, artifact := range artifacts {
		stem, _, _ := strings.Cut(artifact.Name, ".")

		_, full := keep[artifact.Name]
		_, short := keep[stem]

		if full || short {
			filtered = append(filtered, artifact)
		}
	}

	return filtered
}

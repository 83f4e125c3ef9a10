// Package verifier matches downloaded artifacts against a published checksum
// manifest.
//
// Digests are computed by streaming the file in fixed-size chunks, so memory
// use is independent of artifact size and the result is independent of the
// chunk size. A file without a manifest entry is reported as not published,
// which is weaker than verified and never promoted to it.
package verifier

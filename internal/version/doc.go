// Package version exposes build metadata for dumpctl.
//
// Variables Version, Commit, and BuildTime are injected at build time via
// Go ldflags and default to sensible values for local builds.
// UserAgent identifies the tool to the dump mirrors it talks to.
package version

// Package storage lands artifacts in S3-compatible object storage and lists
// what is already there.
package storage

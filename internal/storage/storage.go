package storage

import (
	"context"
	"time"
)

// Object represents metadata for a stored object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore captures the object storage operations the pipeline needs.
type ObjectStore interface {
	// Upload writes localPath to bucket/key. It reports false when an object
	// of the same size already exists and nothing was written.
	Upload(ctx context.Context, bucket, key, localPath string) (bool, error)
	// List returns the objects under prefix, recursively, ordered by key.
	List(ctx context.Context, bucket, prefix string) ([]Object, error)
}

// TotalSize sums object sizes.
func TotalSize(objects []Object) int64 {
	var total int64
	for _, o := range objects {
		total += o.Size
	}

	return total
}

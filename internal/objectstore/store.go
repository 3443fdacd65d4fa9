// Package objectstore provides the object store client used by the ingestion
// pipeline: streamed get/put, prefix listing, and removal against one bucket.
//
// Three implementations are provided: MinioStore (any S3-compatible endpoint via
// minio-go), S3Store (AWS S3 via aws-sdk-go with multipart streaming uploads),
// and MemoryStore (tests and local runs).
package objectstore

import (
	"context"
	"io"
)

// Store is one bucket of an object store.
type Store interface {
	// Get streams an object. The caller closes the returned reader.
	// Missing objects return an *Error with CodeObjectNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Put streams r into key and returns once the object is fully stored.
	// Put never buffers the whole object in memory.
	Put(ctx context.Context, key string, r io.Reader) error

	// List returns every key under prefix, recursively, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Ping verifies the bucket is reachable.
	Ping(ctx context.Context) error
}

// Opener binds a Store to a bucket. It is how the ingestor establishes its
// object store connection during Init.
type Opener func(ctx context.Context, bucket string) (Store, error)

// Copy streams src to dst within one store, piping the download straight into
// the upload.
func Copy(ctx context.Context, store Store, src, dst string) error {
	rc, err := store.Get(ctx, src)
	if err != nil {
		return err
	}
	defer rc.Close()

	return store.Put(ctx, dst, rc)
}

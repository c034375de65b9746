package cache

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
)

// ====================================================================================
// This file defines a set of interfaces to abstract the Google Cloud Storage client.
// This abstraction allows the GCSStore to be tested without needing a real
// GCS client, improving unit test quality and speed.
// ====================================================================================

// --- GCS Client Abstraction Interfaces ---

// GCSClient abstracts the top-level *storage.Client.
type GCSClient interface {
	Bucket(name string) GCSBucketHandle
}

// GCSBucketHandle abstracts a *storage.BucketHandle.
type GCSBucketHandle interface {
	Object(name string) GCSObjectHandle
	Objects(ctx context.Context, q *storage.Query) GCSObjectIterator
}

// GCSObjectHandle abstracts a *storage.ObjectHandle.
type GCSObjectHandle interface {
	// Generation pins subsequent reads to one object generation.
	Generation(gen int64) GCSObjectHandle
	Attrs(ctx context.Context) (*storage.ObjectAttrs, error)
	NewReader(ctx context.Context) (io.ReadCloser, error)
	NewWriter(ctx context.Context) GCSWriter
	Delete(ctx context.Context) error
}

// GCSWriter abstracts a *storage.Writer. The object only becomes visible when
// Close returns successfully.
type GCSWriter interface {
	io.WriteCloser
	// SetAttrs sets the content type and custom metadata; it must be called
	// before the first Write.
	SetAttrs(contentType string, metadata map[string]string)
}

// GCSObjectIterator abstracts a *storage.ObjectIterator.
type GCSObjectIterator interface {
	Next() (*storage.ObjectAttrs, error)
}

// --- Adapters to wrap the concrete Google Cloud Storage client ---

// gcsClientAdapter wraps a *storage.Client to satisfy the GCSClient interface.
type gcsClientAdapter struct {
	client *storage.Client
}

// NewGCSClientAdapter creates an adapter that makes the concrete *storage.Client
// conform to the GCSClient interface.
func NewGCSClientAdapter(client *storage.Client) GCSClient {
	if client == nil {
		return nil
	}
	return &gcsClientAdapter{client: client}
}

// Bucket returns an adapter for the underlying bucket handle.
func (a *gcsClientAdapter) Bucket(name string) GCSBucketHandle {
	return &gcsBucketHandleAdapter{handle: a.client.Bucket(name)}
}

// gcsBucketHandleAdapter wraps a *storage.BucketHandle to satisfy GCSBucketHandle.
type gcsBucketHandleAdapter struct {
	handle *storage.BucketHandle
}

// Object returns an adapter for the underlying object handle.
func (a *gcsBucketHandleAdapter) Object(name string) GCSObjectHandle {
	return &gcsObjectHandleAdapter{handle: a.handle.Object(name)}
}

// Objects returns the underlying iterator, which already satisfies GCSObjectIterator.
func (a *gcsBucketHandleAdapter) Objects(ctx context.Context, q *storage.Query) GCSObjectIterator {
	return a.handle.Objects(ctx, q)
}

// gcsObjectHandleAdapter wraps a *storage.ObjectHandle to satisfy GCSObjectHandle.
type gcsObjectHandleAdapter struct {
	handle *storage.ObjectHandle
}

func (a *gcsObjectHandleAdapter) Generation(gen int64) GCSObjectHandle {
	return &gcsObjectHandleAdapter{handle: a.handle.Generation(gen)}
}

func (a *gcsObjectHandleAdapter) Attrs(ctx context.Context) (*storage.ObjectAttrs, error) {
	return a.handle.Attrs(ctx)
}

func (a *gcsObjectHandleAdapter) NewReader(ctx context.Context) (io.ReadCloser, error) {
	return a.handle.NewReader(ctx)
}

func (a *gcsObjectHandleAdapter) NewWriter(ctx context.Context) GCSWriter {
	return &gcsWriterAdapter{Writer: a.handle.NewWriter(ctx)}
}

func (a *gcsObjectHandleAdapter) Delete(ctx context.Context) error {
	return a.handle.Delete(ctx)
}

// gcsWriterAdapter wraps a *storage.Writer; Write and Close are promoted.
type gcsWriterAdapter struct {
	*storage.Writer
}

func (w *gcsWriterAdapter) SetAttrs(contentType string, metadata map[string]string) {
	w.ContentType = contentType
	w.Metadata = metadata
}

package adapter

import (
	"context"
	"io"
	"time"
)

// ObjectDescriptor describes one stored object in the bucket.
type ObjectDescriptor struct {
	ID          string    `json:"id" msgpack:"id"`
	Name        string    `json:"name" msgpack:"name"`
	Length      int64     `json:"length" msgpack:"length"`
	ChunkSize   int32     `json:"chunk_size" msgpack:"chunk_size"`
	UploadDate  time.Time `json:"upload_date" msgpack:"upload_date"`
	Dirname     string    `json:"dirname,omitempty" msgpack:"dirname"`
	ContentType string    `json:"content_type,omitempty" msgpack:"content_type"`
}

// UploadStream is a writable stream towards one object in the bucket.
// Close finishes the object; Abort discards whatever was written.
type UploadStream interface {
	io.Writer
	Close() error
	Abort() error
	// ID returns the object identifier assigned when the stream was opened.
	ID() string
}

// ObjectStore defines the operations over named objects in a bucket
type ObjectStore interface {
	// List returns every object whose directory tag equals dirname
	List(ctx context.Context, dirname string, opts ...CallOption) ([]*ObjectDescriptor, error)

	// Read opens the named object for reading. A missing object surfaces on the first Read.
	Read(ctx context.Context, name string, opts ...CallOption) (io.ReadCloser, error)

	// Remove deletes an object by identifier
	Remove(ctx context.Context, id string, opts ...CallOption) error

	// Write opens an upload stream for the named object
	Write(ctx context.Context, name string, opts ...CallOption) (UploadStream, error)
}

// CallOptions are per-call settings layered over the adapter defaults.
type CallOptions struct {
	Dirname        string
	ContentType    string
	ChunkSizeBytes int32
	Timeout        time.Duration
}

// CallOption customizes a single store call.
type CallOption func(*CallOptions)

// WithDirname sets the directory tag stored with (or listed from) an object.
func WithDirname(dirname string) CallOption {
	return func(o *CallOptions) { o.Dirname = dirname }
}

// WithContentType records the content type of an uploaded object.
func WithContentType(contentType string) CallOption {
	return func(o *CallOptions) { o.ContentType = contentType }
}

// WithChunkSize overrides the GridFS chunk size for an upload.
func WithChunkSize(n int32) CallOption {
	return func(o *CallOptions) { o.ChunkSizeBytes = n }
}

// WithTimeout bounds the blocking part of a call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *CallOptions) { o.Timeout = d }
}

// resolve applies opts on top of the defaults; zero values never override.
func (d CallOptions) resolve(opts ...CallOption) CallOptions {
	var call CallOptions
	for _, opt := range opts {
		opt(&call)
	}
	out := d
	if call.Dirname != "" {
		out.Dirname = call.Dirname
	}
	if call.ContentType != "" {
		out.ContentType = call.ContentType
	}
	if call.ChunkSizeBytes > 0 {
		out.ChunkSizeBytes = call.ChunkSizeBytes
	}
	if call.Timeout > 0 {
		out.Timeout = call.Timeout
	}
	return out
}

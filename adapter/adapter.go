// Package adapter stores uploaded file streams as objects in a MongoDB GridFS
// bucket. It offers list, read, remove and write primitives plus a Receiver
// that persists many concurrently arriving files, one object per file.
package adapter

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Config holds the construction-time settings shared by every operation.
type Config struct {
	URL               string
	Database          string
	Bucket            string
	PasswordSecretArn string
	Region            string
	TLSCAFile         string
	TLSSkipVerify     bool
	ConnectTimeout    time.Duration

	Dirname            string
	ChunkSizeBytes     int32
	MaxConcurrentFiles int
}

func (c Config) connectOptions() ConnectOptions {
	return ConnectOptions{
		URL:               c.URL,
		PasswordSecretArn: c.PasswordSecretArn,
		Region:            c.Region,
		TLSCAFile:         c.TLSCAFile,
		TLSSkipVerify:     c.TLSSkipVerify,
		ConnectTimeout:    c.ConnectTimeout,
	}
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger used by the adapter and everything it creates.
func WithLogger(log *logrus.Entry) Option {
	return func(a *Adapter) { a.log = log }
}

// WithCache sets the cache for List results.
func WithCache(cache ListingCache) Option {
	return func(a *Adapter) { a.cache = cache }
}

// WithDialer replaces the MongoDB dialer.
func WithDialer(dial Dialer) Option {
	return func(a *Adapter) { a.dial = dial }
}

// WithStore replaces the GridFS store, for example with an in-memory one.
func WithStore(store ObjectStore) Option {
	return func(a *Adapter) { a.store = store }
}

// WithTracerProvider sets the provider for the spans recorded by Receivers.
func WithTracerProvider(tp oteltrace.TracerProvider) Option {
	return func(a *Adapter) { a.tracerProvider = tp }
}

// Adapter is the entry point to a GridFS bucket.
type Adapter struct {
	cfg       Config
	log       *logrus.Entry
	cache     ListingCache
	dial      Dialer
	connector *Connector
	store     ObjectStore

	tracerProvider oteltrace.TracerProvider
}

// New creates an Adapter. No connection is made until the first operation.
func New(cfg Config, opts ...Option) *Adapter {
	a := &Adapter{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = logrus.NewEntry(logrus.StandardLogger())
	}
	if a.cache == nil {
		a.cache = &NoOpCache{}
	}
	if a.dial == nil {
		a.dial = NewMongoDialer(a.log, nil)
	}
	a.connector = NewConnector(a.dial, a.log)
	if a.store == nil {
		a.store = NewGridFSStore(a.connector, cfg, a.cache, a.log)
	}
	return a
}

// Store returns the ObjectStore behind the adapter.
func (a *Adapter) Store() ObjectStore {
	return a.store
}

// List returns the objects tagged with dirname.
func (a *Adapter) List(ctx context.Context, dirname string, opts ...CallOption) ([]*ObjectDescriptor, error) {
	return a.store.List(ctx, dirname, opts...)
}

// Read opens the named object.
func (a *Adapter) Read(ctx context.Context, name string, opts ...CallOption) (io.ReadCloser, error) {
	return a.store.Read(ctx, name, opts...)
}

// Remove deletes the object with the given identifier.
func (a *Adapter) Remove(ctx context.Context, id string, opts ...CallOption) error {
	return a.store.Remove(ctx, id, opts...)
}

// Write opens an upload stream for the named object.
func (a *Adapter) Write(ctx context.Context, name string, opts ...CallOption) (UploadStream, error) {
	return a.store.Write(ctx, name, opts...)
}

// Receive creates a Receiver. Fields set in opts take precedence over the
// adapter configuration.
func (a *Adapter) Receive(opts ReceiveOptions) *Receiver {
	if opts.Dirname == "" {
		opts.Dirname = a.cfg.Dirname
	}
	if opts.ChunkSizeBytes <= 0 {
		opts.ChunkSizeBytes = a.cfg.ChunkSizeBytes
	}
	if opts.MaxConcurrentFiles <= 0 {
		opts.MaxConcurrentFiles = a.cfg.MaxConcurrentFiles
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = a.tracerProvider
	}
	return NewReceiver(a.store, opts, a.log)
}

// Shutdown disconnects from MongoDB and closes the listing cache.
func (a *Adapter) Shutdown(ctx context.Context) error {
	err := a.connector.Shutdown(ctx)
	if cerr := a.cache.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GridFSStore implements the ObjectStore interface on a MongoDB GridFS bucket.
// Every call builds a fresh bucket on the Connector's shared client.
type GridFSStore struct {
	connector *Connector
	connect   ConnectOptions
	database  string
	bucket    string
	defaults  CallOptions
	cache     ListingCache
	log       *logrus.Entry

	// generation advances on every invalidation so that a listing read
	// before a concurrent write finished is never stored afterwards.
	cacheMu    sync.Mutex
	generation uint64
}

// fileDocument represents a document of the bucket's files collection
type fileDocument struct {
	ID         primitive.ObjectID `bson:"_id"`
	Length     int64              `bson:"length"`
	ChunkSize  int32              `bson:"chunkSize"`
	UploadDate time.Time          `bson:"uploadDate"`
	Filename   string             `bson:"filename"`
	Metadata   *fileMetadata      `bson:"metadata,omitempty"`
}

type fileMetadata struct {
	Dirname     string `bson:"dirname"`
	ContentType string `bson:"contentType,omitempty"`
}

// NewGridFSStore creates a store for cfg.Bucket in cfg.Database.
func NewGridFSStore(connector *Connector, cfg Config, cache ListingCache, log *logrus.Entry) *GridFSStore {
	if cache == nil {
		cache = &NoOpCache{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &GridFSStore{
		connector: connector,
		connect:   cfg.connectOptions(),
		database:  cfg.Database,
		bucket:    cfg.Bucket,
		defaults: CallOptions{
			Dirname:        cfg.Dirname,
			ChunkSizeBytes: cfg.ChunkSizeBytes,
		},
		cache: cache,
		log:   log.WithFields(logrus.Fields{"component": "gridfs", "bucket": cfg.Bucket}),
	}
}

func (s *GridFSStore) openBucket(ctx context.Context, call CallOptions) (*gridfs.Bucket, error) {
	client, err := s.connector.Acquire(ctx, s.connect)
	if err != nil {
		return nil, err
	}

	opts := options.GridFSBucket().SetName(s.bucket)
	if call.ChunkSizeBytes > 0 {
		opts.SetChunkSizeBytes(call.ChunkSizeBytes)
	}
	bucket, err := gridfs.NewBucket(client.Database(s.database), opts)
	if err != nil {
		return nil, &StoreError{Op: "open bucket " + s.bucket, Err: err}
	}

	if call.Timeout > 0 {
		deadline := time.Now().Add(call.Timeout)
		if err := bucket.SetReadDeadline(deadline); err != nil {
			return nil, &StoreError{Op: "open bucket " + s.bucket, Err: err}
		}
		if err := bucket.SetWriteDeadline(deadline); err != nil {
			return nil, &StoreError{Op: "open bucket " + s.bucket, Err: err}
		}
	}
	return bucket, nil
}

// List returns every object whose metadata.dirname equals dirname
func (s *GridFSStore) List(ctx context.Context, dirname string, opts ...CallOption) ([]*ObjectDescriptor, error) {
	cached, err := s.cache.GetListing(ctx, s.bucket, dirname)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		s.log.WithError(err).Warn("Failed to read listing from cache")
	}

	generation := s.listingGeneration()
	call := s.defaults.resolve(opts...)
	bucket, err := s.openBucket(ctx, call)
	if err != nil {
		return nil, err
	}

	cursor, err := bucket.Find(bson.M{"metadata.dirname": dirname})
	if err != nil {
		return nil, &StoreError{Op: "list objects", Err: err}
	}
	defer cursor.Close(ctx)

	objects := []*ObjectDescriptor{}
	for cursor.Next(ctx) {
		var doc fileDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, &StoreError{Op: "decode object", Err: err}
		}
		objects = append(objects, doc.descriptor())
	}
	if err := cursor.Err(); err != nil {
		return nil, &StoreError{Op: "list objects", Err: err}
	}

	if err := s.cacheListing(ctx, generation, dirname, objects); err != nil {
		s.log.WithError(err).Warn("Failed to cache listing")
	}
	return objects, nil
}

func (s *GridFSStore) listingGeneration() uint64 {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.generation
}

// cacheListing stores objects unless an invalidation happened since generation
// was read. Writers in other processes are only bounded by the cache TTL.
func (s *GridFSStore) cacheListing(ctx context.Context, generation uint64, dirname string, objects []*ObjectDescriptor) error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.generation != generation {
		return nil
	}
	return s.cache.SetListing(ctx, s.bucket, dirname, objects)
}

func (s *GridFSStore) invalidate(drop func() error) error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.generation++
	return drop()
}

// Read returns a stream over the newest revision of the named object. The
// object is looked up on the first Read.
func (s *GridFSStore) Read(ctx context.Context, name string, opts ...CallOption) (io.ReadCloser, error) {
	call := s.defaults.resolve(opts...)
	bucket, err := s.openBucket(ctx, call)
	if err != nil {
		return nil, err
	}

	return &downloadStream{
		name: name,
		open: func() (*gridfs.DownloadStream, error) {
			return bucket.OpenDownloadStreamByName(name)
		},
	}, nil
}

// Remove deletes the object with the given ObjectID hex identifier
func (s *GridFSStore) Remove(ctx context.Context, id string, opts ...CallOption) error {
	if id == "" {
		return fmt.Errorf("%w: need id of file", ErrInvalidArgument)
	}

	call := s.defaults.resolve(opts...)
	bucket, err := s.openBucket(ctx, call)
	if err != nil {
		return err
	}

	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return &StoreError{Op: "delete object " + id, Err: fmt.Errorf("%w: %v", ErrInvalidArgument, err)}
	}

	if err := bucket.Delete(oid); err != nil {
		return &StoreError{Op: "delete object " + id, Err: notFound(err)}
	}

	err = s.invalidate(func() error { return s.cache.InvalidateBucket(ctx, s.bucket) })
	if err != nil {
		s.log.WithError(err).Warn("Failed to invalidate cached listings")
	}
	return nil
}

// Write opens an upload stream for the named object
func (s *GridFSStore) Write(ctx context.Context, name string, opts ...CallOption) (UploadStream, error) {
	call := s.defaults.resolve(opts...)
	bucket, err := s.openBucket(ctx, call)
	if err != nil {
		return nil, err
	}

	uploadOpts := options.GridFSUpload().SetMetadata(bson.D{
		{Key: "dirname", Value: call.Dirname},
		{Key: "contentType", Value: call.ContentType},
	})
	if call.ChunkSizeBytes > 0 {
		uploadOpts.SetChunkSizeBytes(call.ChunkSizeBytes)
	}

	stream, err := bucket.OpenUploadStream(name, uploadOpts)
	if err != nil {
		return nil, &StoreError{Op: "open upload stream for " + name, Err: err}
	}

	return &gridfsUpload{
		stream:  stream,
		store:   s,
		name:    name,
		dirname: call.Dirname,
	}, nil
}

func (d fileDocument) descriptor() *ObjectDescriptor {
	obj := &ObjectDescriptor{
		ID:         d.ID.Hex(),
		Name:       d.Filename,
		Length:     d.Length,
		ChunkSize:  d.ChunkSize,
		UploadDate: d.UploadDate,
	}
	if d.Metadata != nil {
		obj.Dirname = d.Metadata.Dirname
		obj.ContentType = d.Metadata.ContentType
	}
	return obj
}

func notFound(err error) error {
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// downloadStream opens the GridFS download stream on first use.
type downloadStream struct {
	name   string
	open   func() (*gridfs.DownloadStream, error)
	stream *gridfs.DownloadStream
	err    error
}

func (d *downloadStream) Read(p []byte) (int, error) {
	if d.stream == nil && d.err == nil {
		stream, err := d.open()
		if err != nil {
			d.err = &StoreError{Op: "read object " + d.name, Err: notFound(err)}
		} else {
			d.stream = stream
		}
	}
	if d.err != nil {
		return 0, d.err
	}

	n, err := d.stream.Read(p)
	if err != nil && err != io.EOF {
		return n, &StoreError{Op: "read object " + d.name, Err: err}
	}
	return n, err
}

func (d *downloadStream) Close() error {
	if d.stream == nil {
		return nil
	}
	return d.stream.Close()
}

// gridfsUpload adapts a GridFS upload stream to UploadStream.
type gridfsUpload struct {
	stream  *gridfs.UploadStream
	store   *GridFSStore
	name    string
	dirname string
}

func (u *gridfsUpload) Write(p []byte) (int, error) {
	return u.stream.Write(p)
}

// Close flushes the remaining chunks and writes the files document.
func (u *gridfsUpload) Close() error {
	if err := u.stream.Close(); err != nil {
		return &StoreError{Op: "finish object " + u.name, Err: err}
	}
	err := u.store.invalidate(func() error {
		return u.store.cache.InvalidateListing(context.Background(), u.store.bucket, u.dirname)
	})
	if err != nil {
		u.store.log.WithError(err).Warn("Failed to invalidate cached listing")
	}
	return nil
}

// Abort deletes the chunks written so far.
func (u *gridfsUpload) Abort() error {
	if err := u.stream.Abort(); err != nil {
		return &StoreError{Op: "abort object " + u.name, Err: err}
	}
	return nil
}

func (u *gridfsUpload) ID() string {
	if oid, ok := u.stream.FileID.(primitive.ObjectID); ok {
		return oid.Hex()
	}
	return fmt.Sprint(u.stream.FileID)
}

package adapter

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/googleforgames/open-saves/gridfs-adapter/adapter"

// Upstream is one incoming file handed to a Receiver by the upload framework.
type Upstream struct {
	// Name is the object name the file is stored under.
	Name string
	// Filename is the name the client sent, if any.
	Filename    string
	ContentType string
	Body        io.Reader
}

// FileResult is the outcome of a file that was written completely.
type FileResult struct {
	Name     string `json:"name"`
	Filename string `json:"filename,omitempty"`
	ID       string `json:"id"`
	Size     int64  `json:"size"`
}

// ReceiveOptions configure a Receiver. Zero values fall back to the adapter defaults.
type ReceiveOptions struct {
	Dirname            string
	ChunkSizeBytes     int32
	MaxConcurrentFiles int
	// OnError is called for every pipeline-level error as it happens.
	OnError func(error)
	// TracerProvider creates the span recorded for each file. The global
	// provider is used when nil.
	TracerProvider oteltrace.TracerProvider
}

// Summary is what a Receiver reports once all of its files have settled.
type Summary struct {
	Files  []FileResult
	Errors []error
}

// Transfer tracks one file inside a Receiver.
type Transfer struct {
	file    *Upstream
	settled chan struct{}
	result  FileResult
	done    bool
	err     error
	span    oteltrace.Span
}

// Settled is closed when the file's transfer has ended, successfully or not.
func (t *Transfer) Settled() <-chan struct{} {
	return t.settled
}

// Result returns the file's result and whether it was written completely.
// It is only meaningful after Settled is closed.
func (t *Transfer) Result() (FileResult, bool) {
	return t.result, t.done
}

// Err returns the pipeline-level error raised for this file, if any.
func (t *Transfer) Err() error {
	return t.err
}

// Receiver persists every file written to it as its own object. Files are
// transferred concurrently; a failing file never affects its siblings.
type Receiver struct {
	id     string
	store  ObjectStore
	opts   ReceiveOptions
	log    *logrus.Entry
	tracer oteltrace.Tracer

	group   errgroup.Group
	pending sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	summary Summary
}

// NewReceiver creates a Receiver writing into store.
func NewReceiver(store ObjectStore, opts ReceiveOptions, log *logrus.Entry) *Receiver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Receiver{
		id:    uuid.NewString(),
		store: store,
		opts:  opts,
	}
	r.log = log.WithFields(logrus.Fields{"component": "receiver", "receiver": r.id})
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	r.tracer = tp.Tracer(tracerName)
	if opts.MaxConcurrentFiles > 0 {
		r.group.SetLimit(opts.MaxConcurrentFiles)
	}
	return r
}

// Write starts the transfer of file and returns without waiting for it. When
// MaxConcurrentFiles transfers are running, Write blocks until one ends.
func (r *Receiver) Write(ctx context.Context, file *Upstream) (*Transfer, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrReceiverClosed
	}
	r.pending.Add(1)
	r.mu.Unlock()

	t := &Transfer{file: file, settled: make(chan struct{})}
	r.group.Go(func() error {
		defer r.pending.Done()
		r.transfer(ctx, t)
		return nil
	})
	return t, nil
}

// Wait stops accepting files and blocks until every started transfer has settled.
func (r *Receiver) Wait() *Summary {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.pending.Wait()
	_ = r.group.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	return &Summary{
		Files:  append([]FileResult(nil), r.summary.Files...),
		Errors: append([]error(nil), r.summary.Errors...),
	}
}

func (r *Receiver) callOptions(file *Upstream) []CallOption {
	opts := []CallOption{WithDirname(r.opts.Dirname), WithContentType(file.ContentType)}
	if r.opts.ChunkSizeBytes > 0 {
		opts = append(opts, WithChunkSize(r.opts.ChunkSizeBytes))
	}
	return opts
}

func (r *Receiver) transfer(ctx context.Context, t *Transfer) {
	file := t.file
	var out UploadStream

	defer close(t.settled)
	ctx, span := r.tracer.Start(ctx, "Receiver.transfer", oteltrace.WithAttributes(
		attribute.String("receiver.id", r.id),
		attribute.String("gridfs.object", file.Name),
		attribute.String("gridfs.dirname", r.opts.Dirname),
	))
	t.span = span
	defer span.End()
	defer func() {
		if v := recover(); v != nil {
			r.fail(t, newEnvelope(CodeWrite, file, out, Raw(v)))
		}
	}()

	out, err := r.store.Write(ctx, file.Name, r.callOptions(file)...)
	if err != nil {
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			r.fail(t, err)
			return
		}
		r.fail(t, newEnvelope(CodeWrite, file, nil, Structured(err)))
		return
	}

	dst := &outgoingWriter{w: out}
	n, err := io.Copy(dst, file.Body)
	if err != nil {
		if dst.err != nil {
			r.fail(t, newEnvelope(CodeWrite, file, out, Structured(dst.err)))
			return
		}
		// The upstream went away; drop what was already flushed.
		if abortErr := out.Abort(); abortErr != nil {
			r.log.WithError(abortErr).WithField("name", file.Name).Warn("Failed to abort upload")
		}
		r.fail(t, newEnvelope(CodeUpstream, file, out, Structured(err)))
		return
	}

	if err := out.Close(); err != nil {
		r.fail(t, newEnvelope(CodeWrite, file, out, Structured(err)))
		return
	}

	r.complete(t, FileResult{
		Name:     file.Name,
		Filename: file.Filename,
		ID:       out.ID(),
		Size:     n,
	})
}

func (r *Receiver) complete(t *Transfer, result FileResult) {
	t.result = result
	t.done = true

	r.mu.Lock()
	r.summary.Files = append(r.summary.Files, result)
	r.mu.Unlock()

	t.span.SetAttributes(attribute.String("gridfs.id", result.ID), attribute.Int64("gridfs.size", result.Size))
	t.span.SetStatus(codes.Ok, "")

	r.log.WithFields(logrus.Fields{"name": result.Name, "id": result.ID, "size": result.Size}).Debug("File stored")
}

func (r *Receiver) fail(t *Transfer, err error) {
	t.err = err

	r.mu.Lock()
	r.summary.Errors = append(r.summary.Errors, err)
	r.mu.Unlock()

	t.span.RecordError(err)
	t.span.SetStatus(codes.Error, err.Error())

	r.log.WithError(err).WithField("name", t.file.Name).Error("File transfer failed")
	if r.opts.OnError != nil {
		r.opts.OnError(err)
	}
}

// outgoingWriter remembers the error of the upload stream so a failed copy
// can be attributed to the writing side.
type outgoingWriter struct {
	w   io.Writer
	err error
}

func (o *outgoingWriter) Write(p []byte) (int, error) {
	n, err := o.w.Write(p)
	if err != nil {
		o.err = err
	}
	return n, err
}

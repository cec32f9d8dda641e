package adapter

import (
	"errors"
	"fmt"
	"reflect"

	pkgerrors "github.com/pkg/errors"
)

const (
	// CodeWrite marks a failure of the outgoing GridFS upload stream.
	CodeWrite = "E_WRITE"
	// CodeUpstream marks a failure reading the incoming file stream.
	CodeUpstream = "E_UPSTREAM"
)

var (
	// ErrInvalidArgument is returned when a caller-supplied identifier is missing.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound is returned when the requested object does not exist in the bucket.
	ErrNotFound = errors.New("object not found")
	// ErrConnectorClosed is returned by Acquire after Shutdown.
	ErrConnectorClosed = errors.New("connector is shut down")
	// ErrReceiverClosed is returned by Receiver.Write after Wait has been called.
	ErrReceiverClosed = errors.New("receiver no longer accepts files")
)

// ConnectionError reports that the shared MongoDB client could not be established.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to MongoDB: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StoreError reports a failed query, delete or stream operation against the bucket.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Cause is what went wrong underneath a WriteError. It is either a structured
// error or a raw value (for example a recovered panic).
type Cause struct {
	err error
	raw any
}

// Structured wraps a Go error as a Cause.
func Structured(err error) Cause {
	return Cause{err: err}
}

// Raw wraps an arbitrary non-error value as a Cause.
func Raw(v any) Cause {
	if err, ok := v.(error); ok {
		return Cause{err: err}
	}
	return Cause{raw: v}
}

// WriteError is the envelope emitted on a Receiver for a failed file. It binds
// the failure to the incoming and outgoing streams of that file.
type WriteError struct {
	Incoming *Upstream
	Outgoing UploadStream
	Code     string
	Stack    string
	Name     string
	Message  string
	Err      error
}

func (e *WriteError) Error() string {
	name := ""
	if e.Incoming != nil {
		name = e.Incoming.Name
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, name, e.Message)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsWriteError reports whether err carries an E_WRITE envelope.
func IsWriteError(err error) bool {
	var we *WriteError
	return errors.As(err, &we) && we.Code == CodeWrite
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// newEnvelope is the single conversion from a Cause to a WriteError.
func newEnvelope(code string, in *Upstream, out UploadStream, cause Cause) *WriteError {
	we := &WriteError{
		Incoming: in,
		Outgoing: out,
		Code:     code,
	}

	if cause.err != nil {
		we.Err = cause.err
		we.Name = reflect.TypeOf(cause.err).String()
		we.Message = cause.err.Error()
		var st stackTracer
		if errors.As(cause.err, &st) {
			we.Stack = fmt.Sprintf("%+v", st.StackTrace())
		} else {
			we.Stack = fmt.Sprintf("%+v", pkgerrors.WithStack(cause.err))
		}
		return we
	}

	msg := fmt.Sprint(cause.raw)
	synthesized := pkgerrors.New(msg)
	we.Err = synthesized
	we.Name = msg
	we.Message = msg
	we.Stack = fmt.Sprintf("%+v", synthesized)
	return we
}

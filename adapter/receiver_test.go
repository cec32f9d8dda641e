package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func upstream(name, body string) *Upstream {
	return &Upstream{Name: name, Filename: "orig-" + name, ContentType: "text/plain", Body: strings.NewReader(body)}
}

func waitSettled(t *testing.T, tr *Transfer) {
	t.Helper()
	select {
	case <-tr.Settled():
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not settle")
	}
}

func TestReceiver_StoresEveryFile(t *testing.T) {
	store := newMemStore()
	r := NewReceiver(store, ReceiveOptions{Dirname: "avatars"}, nil)

	for i := 0; i < 5; i++ {
		_, err := r.Write(context.Background(), upstream(fmt.Sprintf("f%d", i), strings.Repeat("x", i+1)))
		require.NoError(t, err)
	}
	summary := r.Wait()

	require.Empty(t, summary.Errors)
	require.Len(t, summary.Files, 5)
	ids := map[string]bool{}
	for _, f := range summary.Files {
		obj, ok := store.object(f.ID)
		require.True(t, ok, f.Name)
		assert.Equal(t, f.Name, obj.desc.Name)
		assert.Equal(t, "avatars", obj.desc.Dirname)
		assert.Equal(t, "text/plain", obj.desc.ContentType)
		assert.Equal(t, int64(len(obj.data)), f.Size)
		assert.Equal(t, "orig-"+f.Name, f.Filename)
		ids[f.ID] = true
	}
	assert.Len(t, ids, 5)
}

func TestReceiver_FailuresAreBoundToTheirFile(t *testing.T) {
	store := newMemStore()
	failing := map[string]bool{"f1": true, "f4": true, "f7": true}
	for name := range failing {
		store.writeErr[name] = fmt.Errorf("chunk insert for %s rejected", name)
	}
	var reported int32
	r := NewReceiver(store, ReceiveOptions{OnError: func(error) { atomic.AddInt32(&reported, 1) }}, nil)

	for i := 0; i < 10; i++ {
		_, err := r.Write(context.Background(), upstream(fmt.Sprintf("f%d", i), "payload"))
		require.NoError(t, err)
	}
	summary := r.Wait()

	assert.Len(t, summary.Files, 7)
	require.Len(t, summary.Errors, 3)
	assert.Equal(t, int32(3), atomic.LoadInt32(&reported))

	for _, err := range summary.Errors {
		var we *WriteError
		require.True(t, errors.As(err, &we))
		assert.Equal(t, CodeWrite, we.Code)
		assert.True(t, failing[we.Incoming.Name])
		require.NotNil(t, we.Outgoing)
		assert.Equal(t, we.Incoming.Name, we.Outgoing.(*memUpload).name)
		assert.Contains(t, we.Message, we.Incoming.Name)
	}
	for _, f := range summary.Files {
		assert.False(t, failing[f.Name])
	}
}

func TestReceiver_ConnectionErrorIsNotWrapped(t *testing.T) {
	store := newMemStore()
	store.openErr = &ConnectionError{Err: errors.New("no reachable servers")}
	r := NewReceiver(store, ReceiveOptions{}, nil)

	tr, err := r.Write(context.Background(), upstream("a", "data"))
	require.NoError(t, err)
	summary := r.Wait()

	require.Len(t, summary.Errors, 1)
	var connErr *ConnectionError
	assert.True(t, errors.As(summary.Errors[0], &connErr))
	assert.False(t, IsWriteError(summary.Errors[0]))
	_, done := tr.Result()
	assert.False(t, done)
	assert.Same(t, summary.Errors[0], tr.Err())
}

func TestReceiver_OpenFailureIsWriteErrorWithoutOutgoing(t *testing.T) {
	store := newMemStore()
	store.openErr = &StoreError{Op: "open upload stream for a", Err: errors.New("index build failed")}
	r := NewReceiver(store, ReceiveOptions{}, nil)

	_, err := r.Write(context.Background(), upstream("a", "data"))
	require.NoError(t, err)
	summary := r.Wait()

	require.Len(t, summary.Errors, 1)
	var we *WriteError
	require.True(t, errors.As(summary.Errors[0], &we))
	assert.Equal(t, CodeWrite, we.Code)
	assert.Nil(t, we.Outgoing)
}

func TestReceiver_CloseFailure(t *testing.T) {
	store := newMemStore()
	store.closeErr["a"] = errors.New("files document rejected")
	r := NewReceiver(store, ReceiveOptions{}, nil)

	_, err := r.Write(context.Background(), upstream("a", "data"))
	require.NoError(t, err)
	summary := r.Wait()

	require.Len(t, summary.Errors, 1)
	assert.True(t, IsWriteError(summary.Errors[0]))
	assert.Empty(t, summary.Files)
}

func TestReceiver_UpstreamFailureAbortsUpload(t *testing.T) {
	store := newMemStore()
	r := NewReceiver(store, ReceiveOptions{}, nil)
	broken := errors.New("connection reset by peer")

	_, err := r.Write(context.Background(), &Upstream{
		Name: "half",
		Body: io.MultiReader(strings.NewReader("first part"), iotest.ErrReader(broken)),
	})
	require.NoError(t, err)
	summary := r.Wait()

	require.Len(t, summary.Errors, 1)
	var we *WriteError
	require.True(t, errors.As(summary.Errors[0], &we))
	assert.Equal(t, CodeUpstream, we.Code)
	assert.ErrorIs(t, we, broken)
	assert.Equal(t, []string{"half"}, store.aborted)
	assert.Empty(t, summary.Files)

	objects, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestReceiver_PanicBecomesRawEnvelope(t *testing.T) {
	store := newMemStore()
	store.panicOn["boom"] = "store exploded"
	r := NewReceiver(store, ReceiveOptions{}, nil)

	_, err := r.Write(context.Background(), upstream("boom", "x"))
	require.NoError(t, err)
	_, err = r.Write(context.Background(), upstream("fine", "y"))
	require.NoError(t, err)
	summary := r.Wait()

	require.Len(t, summary.Files, 1)
	assert.Equal(t, "fine", summary.Files[0].Name)
	require.Len(t, summary.Errors, 1)
	var we *WriteError
	require.True(t, errors.As(summary.Errors[0], &we))
	assert.Equal(t, CodeWrite, we.Code)
	assert.Equal(t, "store exploded", we.Message)
	assert.Equal(t, "boom", we.Incoming.Name)
}

func TestReceiver_SlowFileDoesNotBlockOthers(t *testing.T) {
	store := newMemStore()
	r := NewReceiver(store, ReceiveOptions{}, nil)

	pr, pw := io.Pipe()
	slow, err := r.Write(context.Background(), &Upstream{Name: "slow", Body: pr})
	require.NoError(t, err)

	var fast []*Transfer
	for i := 0; i < 3; i++ {
		tr, err := r.Write(context.Background(), upstream(fmt.Sprintf("fast%d", i), "quick"))
		require.NoError(t, err)
		fast = append(fast, tr)
	}
	for _, tr := range fast {
		waitSettled(t, tr)
		_, done := tr.Result()
		assert.True(t, done)
	}

	select {
	case <-slow.Settled():
		t.Fatal("slow transfer settled before its body ended")
	default:
	}

	go func() {
		_, _ = pw.Write([]byte("late"))
		_ = pw.Close()
	}()
	summary := r.Wait()

	assert.Len(t, summary.Files, 4)
	result, done := slow.Result()
	require.True(t, done)
	assert.Equal(t, int64(4), result.Size)
}

func TestReceiver_MaxConcurrentFiles(t *testing.T) {
	store := newMemStore()
	r := NewReceiver(store, ReceiveOptions{MaxConcurrentFiles: 1}, nil)

	for i := 0; i < 4; i++ {
		_, err := r.Write(context.Background(), upstream(fmt.Sprintf("f%d", i), "data"))
		require.NoError(t, err)
	}
	summary := r.Wait()

	assert.Len(t, summary.Files, 4)
	assert.Empty(t, summary.Errors)
}

func TestReceiver_WriteAfterWait(t *testing.T) {
	r := NewReceiver(newMemStore(), ReceiveOptions{}, nil)
	summary := r.Wait()
	assert.Empty(t, summary.Files)

	_, err := r.Write(context.Background(), upstream("late", "x"))
	assert.ErrorIs(t, err, ErrReceiverClosed)
}

func TestReceiver_ChunkSizeIsPassedToStore(t *testing.T) {
	store := newMemStore()
	r := NewReceiver(store, ReceiveOptions{Dirname: "d", ChunkSizeBytes: 1024}, nil)

	_, err := r.Write(context.Background(), &Upstream{Name: "a", ContentType: "image/png", Body: strings.NewReader("x")})
	require.NoError(t, err)
	r.Wait()

	calls := store.callOptions()
	require.Len(t, calls, 1)
	assert.Equal(t, CallOptions{Dirname: "d", ContentType: "image/png", ChunkSizeBytes: 1024}, calls[0])
}

func TestAdapter_ReceiveUsesConfigDefaults(t *testing.T) {
	store := newMemStore()
	a := New(Config{Dirname: "docs", ChunkSizeBytes: 2048}, WithStore(store))

	r := a.Receive(ReceiveOptions{})
	_, err := r.Write(context.Background(), upstream("a", "x"))
	require.NoError(t, err)
	r.Wait()

	r = a.Receive(ReceiveOptions{Dirname: "other"})
	_, err = r.Write(context.Background(), upstream("b", "y"))
	require.NoError(t, err)
	r.Wait()

	calls := store.callOptions()
	require.Len(t, calls, 2)
	assert.Equal(t, "docs", calls[0].Dirname)
	assert.Equal(t, int32(2048), calls[0].ChunkSizeBytes)
	assert.Equal(t, "other", calls[1].Dirname)
}

func TestAdapter_RoundTripThroughStore(t *testing.T) {
	store := newMemStore()
	a := New(Config{}, WithStore(store))
	ctx := context.Background()

	r := a.Receive(ReceiveOptions{Dirname: "docs"})
	_, err := r.Write(ctx, upstream("report.txt", "quarterly numbers"))
	require.NoError(t, err)
	summary := r.Wait()
	require.Len(t, summary.Files, 1)

	rc, err := a.Read(ctx, "report.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", string(data))

	objects, err := a.List(ctx, "docs")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, summary.Files[0].ID, objects[0].ID)

	require.NoError(t, a.Remove(ctx, summary.Files[0].ID))
	objects, err = a.List(ctx, "docs")
	require.NoError(t, err)
	assert.Empty(t, objects)

	rc, err = a.Read(ctx, "report.txt")
	require.NoError(t, err)
	_, err = io.ReadAll(rc)
	assert.ErrorIs(t, err, ErrNotFound)
}

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) string {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestReceiver_RecordsSpanPerFile(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	store := newMemStore()
	store.closeErr["bad"] = errors.New("files document rejected")
	a := New(Config{Dirname: "docs"}, WithStore(store), WithTracerProvider(tp))

	r := a.Receive(ReceiveOptions{})
	for _, name := range []string{"good", "bad"} {
		_, err := r.Write(context.Background(), upstream(name, "payload"))
		require.NoError(t, err)
	}
	summary := r.Wait()
	require.Len(t, summary.Files, 1)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, span := range spans {
		assert.Equal(t, "Receiver.transfer", span.Name())
		assert.Equal(t, "docs", spanAttr(span, "gridfs.dirname"))
		byName[spanAttr(span, "gridfs.object")] = span
	}

	good := byName["good"]
	require.NotNil(t, good)
	assert.Equal(t, codes.Ok, good.Status().Code)
	assert.Equal(t, summary.Files[0].ID, spanAttr(good, "gridfs.id"))
	assert.Equal(t, "7", spanAttr(good, "gridfs.size"))

	bad := byName["bad"]
	require.NotNil(t, bad)
	assert.Equal(t, codes.Error, bad.Status().Code)
	assert.Contains(t, bad.Status().Description, "files document rejected")
	require.Len(t, bad.Events(), 1)
	assert.Equal(t, "exception", bad.Events()[0].Name)
}

package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// memStore is an in-memory ObjectStore used by tests that do not need MongoDB.
type memStore struct {
	mu      sync.Mutex
	nextID  int
	objects map[string]*memObject // by id
	calls   []CallOptions

	// openErr is returned by Write for every name; writeErr and closeErr by
	// the upload stream of the given name.
	openErr  error
	writeErr map[string]error
	closeErr map[string]error
	panicOn  map[string]interface{}

	aborted []string
}

type memObject struct {
	desc ObjectDescriptor
	data []byte
}

func newMemStore() *memStore {
	return &memStore{
		objects:  map[string]*memObject{},
		writeErr: map[string]error{},
		closeErr: map[string]error{},
		panicOn:  map[string]interface{}{},
	}
}

func (m *memStore) List(ctx context.Context, dirname string, opts ...CallOption) ([]*ObjectDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	objects := []*ObjectDescriptor{}
	for _, obj := range m.objects {
		if obj.desc.Dirname == dirname {
			desc := obj.desc
			objects = append(objects, &desc)
		}
	}
	return objects, nil
}

func (m *memStore) Read(ctx context.Context, name string, opts ...CallOption) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var newest *memObject
	for _, obj := range m.objects {
		if obj.desc.Name == name && (newest == nil || obj.desc.ID > newest.desc.ID) {
			newest = obj
		}
	}
	if newest == nil {
		return io.NopCloser(&failingReader{err: &StoreError{Op: "read object " + name, Err: ErrNotFound}}), nil
	}
	return io.NopCloser(bytes.NewReader(newest.data)), nil
}

func (m *memStore) Remove(ctx context.Context, id string, opts ...CallOption) error {
	if id == "" {
		return fmt.Errorf("%w: need id of file", ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[id]; !ok {
		return &StoreError{Op: "delete object " + id, Err: ErrNotFound}
	}
	delete(m.objects, id)
	return nil
}

func (m *memStore) Write(ctx context.Context, name string, opts ...CallOption) (UploadStream, error) {
	call := CallOptions{}.resolve(opts...)

	m.mu.Lock()
	m.calls = append(m.calls, call)
	if v, ok := m.panicOn[name]; ok {
		m.mu.Unlock()
		panic(v)
	}
	if m.openErr != nil {
		m.mu.Unlock()
		return nil, m.openErr
	}
	m.nextID++
	id := fmt.Sprintf("%024x", m.nextID)
	m.mu.Unlock()

	return &memUpload{
		id:       id,
		name:     name,
		call:     call,
		store:    m,
		writeErr: m.writeErr[name],
		closeErr: m.closeErr[name],
	}, nil
}

func (m *memStore) object(id string) (*memObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[id]
	return obj, ok
}

func (m *memStore) callOptions() []CallOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CallOptions(nil), m.calls...)
}

type memUpload struct {
	id       string
	name     string
	call     CallOptions
	store    *memStore
	buf      bytes.Buffer
	writeErr error
	closeErr error
}

func (u *memUpload) Write(p []byte) (int, error) {
	if u.writeErr != nil {
		return 0, u.writeErr
	}
	return u.buf.Write(p)
}

func (u *memUpload) Close() error {
	if u.closeErr != nil {
		return u.closeErr
	}
	u.store.mu.Lock()
	defer u.store.mu.Unlock()
	u.store.objects[u.id] = &memObject{
		desc: ObjectDescriptor{
			ID:          u.id,
			Name:        u.name,
			Length:      int64(u.buf.Len()),
			ChunkSize:   u.call.ChunkSizeBytes,
			UploadDate:  time.Now(),
			Dirname:     u.call.Dirname,
			ContentType: u.call.ContentType,
		},
		data: append([]byte(nil), u.buf.Bytes()...),
	}
	return nil
}

func (u *memUpload) Abort() error {
	if u.store == nil {
		return nil
	}
	u.store.mu.Lock()
	defer u.store.mu.Unlock()
	u.store.aborted = append(u.store.aborted, u.name)
	return nil
}

func (u *memUpload) ID() string {
	return u.id
}

type failingReader struct {
	err error
}

func (f *failingReader) Read(p []byte) (int, error) {
	return 0, f.err
}

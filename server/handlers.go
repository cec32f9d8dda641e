package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/googleforgames/open-saves/gridfs-adapter/adapter"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// uploadError is the JSON form of a pipeline-level error
type uploadError struct {
	Code    string `json:"code,omitempty"`
	Name    string `json:"name,omitempty"`
	File    string `json:"file,omitempty"`
	Message string `json:"message"`
}

type uploadResponse struct {
	Files  []adapter.FileResult `json:"files"`
	Errors []uploadError        `json:"errors"`
}

// handleHealth handles the health endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// handleListFiles handles GET /api/files?dirname=
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	dirname := r.URL.Query().Get("dirname")

	files, err := s.adapter.List(r.Context(), dirname)
	if err != nil {
		s.log.WithError(err).WithField("dirname", dirname).Error("Failed to list files")
		http.Error(w, "Failed to list files", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"files": files,
	})
}

// handleReadFile handles GET /api/files/{name}
func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	rc, err := s.adapter.Read(r.Context(), name)
	if err != nil {
		s.log.WithError(err).WithField("name", name).Error("Failed to open file")
		http.Error(w, "Failed to read file", statusFor(err))
		return
	}
	defer rc.Close()

	// The object is looked up on the first read; do it before any header is written.
	br := bufio.NewReader(rc)
	if _, err := br.Peek(1); err != nil && err != io.EOF {
		if !errors.Is(err, adapter.ErrNotFound) {
			s.log.WithError(err).WithField("name", name).Error("Failed to read file")
		}
		http.Error(w, "Failed to read file", statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, br); err != nil {
		s.log.WithError(err).WithField("name", name).Warn("File download interrupted")
	}
}

// handleWriteFile handles PUT /api/files/{name}?dirname=
func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := mux.Vars(r)["name"]

	opts := []adapter.CallOption{adapter.WithContentType(r.Header.Get("Content-Type"))}
	if dirname := r.URL.Query().Get("dirname"); dirname != "" {
		opts = append(opts, adapter.WithDirname(dirname))
	}

	up, err := s.adapter.Write(ctx, name, opts...)
	if err != nil {
		s.log.WithError(err).WithField("name", name).Error("Failed to open upload stream")
		http.Error(w, "Failed to write file", statusFor(err))
		return
	}

	size, err := io.Copy(up, r.Body)
	if err != nil {
		if abortErr := up.Abort(); abortErr != nil {
			s.log.WithError(abortErr).WithField("name", name).Warn("Failed to abort upload")
		}
		s.log.WithError(err).WithField("name", name).Error("Failed to write file")
		http.Error(w, "Failed to write file", http.StatusInternalServerError)
		return
	}
	if err := up.Close(); err != nil {
		s.log.WithError(err).WithField("name", name).Error("Failed to finish file")
		http.Error(w, "Failed to write file", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, adapter.FileResult{Name: name, ID: up.ID(), Size: size})
}

// handleRemoveObject handles DELETE /api/objects/{id}
func (s *Server) handleRemoveObject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.adapter.Remove(r.Context(), id); err != nil {
		s.log.WithError(err).WithField("id", id).Error("Failed to remove object")
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUpload handles POST /api/upload?dirname=. Every file part of the
// multipart body is stored as its own object through a Receiver.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	reader, err := r.MultipartReader()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	receiver := s.adapter.Receive(adapter.ReceiveOptions{Dirname: r.URL.Query().Get("dirname")})
	var upstreamErr error
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			upstreamErr = err
			break
		}
		if part.FileName() == "" {
			part.Close()
			continue
		}

		body := newPartBody(part)
		transfer, err := receiver.Write(ctx, &adapter.Upstream{
			Name:        objectName(part.FileName()),
			Filename:    part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			Body:        body,
		})
		if err != nil {
			upstreamErr = err
			break
		}

		// The next part can only be read once this one is consumed or abandoned.
		select {
		case <-transfer.Settled():
		case <-body.done:
		}
	}

	summary := receiver.Wait()
	s.collectGarbage(context.WithoutCancel(ctx), summary)

	resp := uploadResponse{Files: summary.Files, Errors: []uploadError{}}
	if resp.Files == nil {
		resp.Files = []adapter.FileResult{}
	}
	for _, err := range summary.Errors {
		resp.Errors = append(resp.Errors, toUploadError(err))
	}
	if upstreamErr != nil {
		s.log.WithError(upstreamErr).Error("Failed to read multipart body")
		resp.Errors = append(resp.Errors, uploadError{Code: adapter.CodeUpstream, Message: upstreamErr.Error()})
	}

	status := http.StatusOK
	if len(resp.Errors) > 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

// collectGarbage removes what failed uploads left behind in the bucket.
func (s *Server) collectGarbage(ctx context.Context, summary *adapter.Summary) {
	for _, err := range summary.Errors {
		var we *adapter.WriteError
		if !errors.As(err, &we) || we.Code != adapter.CodeWrite || we.Outgoing == nil {
			continue
		}
		id := we.Outgoing.ID()
		if rerr := s.adapter.Remove(ctx, id); rerr != nil && !errors.Is(rerr, adapter.ErrNotFound) {
			s.log.WithError(rerr).WithFields(logrus.Fields{"id": id, "name": we.Incoming.Name}).
				Warn("Failed to remove partial upload")
		}
	}
}

func toUploadError(err error) uploadError {
	var we *adapter.WriteError
	if errors.As(err, &we) {
		return uploadError{Code: we.Code, Name: we.Name, File: we.Incoming.Name, Message: we.Message}
	}
	return uploadError{Message: err.Error()}
}

// objectName derives a unique object name that keeps the client file extension.
func objectName(filename string) string {
	return uuid.NewString() + filepath.Ext(filename)
}

func statusFor(err error) int {
	var connErr *adapter.ConnectionError
	switch {
	case errors.Is(err, adapter.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, adapter.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &connErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to encode response")
	}
}

// partBody signals done once the part has been read to its end or failed.
type partBody struct {
	part *multipart.Part
	once sync.Once
	done chan struct{}
}

func newPartBody(part *multipart.Part) *partBody {
	return &partBody{part: part, done: make(chan struct{})}
}

func (p *partBody) Read(b []byte) (int, error) {
	n, err := p.part.Read(b)
	if err != nil {
		p.once.Do(func() { close(p.done) })
	}
	return n, err
}

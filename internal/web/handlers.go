package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/erpimport/internal/core"
	"github.com/JonMunkholm/erpimport/internal/logging"
	"github.com/JonMunkholm/erpimport/internal/task"
)

// errFileTooLarge is returned when the request body exceeds the upload limit.
var errFileTooLarge = fmt.Errorf("%w: file too large", task.ErrInvalidRequest)

// upload is a parsed multipart submission.
type upload struct {
	fileName    string
	contentType string
	content     []byte
}

// readUpload takes a submission slot, parses the multipart form and reads
// the "file" part. The returned release must be called.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (*upload, func(), error) {
	release := func() {}
	if s.uploads != nil {
		if err := s.uploads.Acquire(r.Context()); err != nil {
			return nil, release, err
		}
		release = s.uploads.Release
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxFileSize+multipartOverhead)
	if err := r.ParseMultipartForm(s.opts.MaxMemory); err != nil {
		if isBodyTooLarge(err) {
			return nil, release, errFileTooLarge
		}
		return nil, release, fmt.Errorf("%w: invalid multipart form: %v", task.ErrInvalidRequest, err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, release, fmt.Errorf("%w: no file provided", task.ErrInvalidRequest)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, release, fmt.Errorf("read upload: %w", err)
	}
	return &upload{
		fileName:    header.Filename,
		contentType: header.Header.Get("Content-Type"),
		content:     content,
	}, release, nil
}

func isBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// handleCreateTask accepts multipart fields file, importType and options.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	up, release, err := s.readUpload(w, r)
	defer release()
	if err != nil {
		respondError(w, r, err)
		return
	}

	var options json.RawMessage
	if raw := strings.TrimSpace(r.FormValue("options")); raw != "" {
		options = json.RawMessage(raw)
	}

	t, err := s.manager.CreateTask(r.Context(), task.CreateRequest{
		ImportType:  r.FormValue("importType"),
		FileName:    up.fileName,
		ContentType: up.contentType,
		Content:     up.content,
		CreatedBy:   core.ActorFromContext(r.Context()),
		Options:     options,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleSearchTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := s.manager.SearchTasks(r.Context(), task.TaskFilter{
		ImportType:  q.Get("importType"),
		Status:      task.Status(strings.ToUpper(q.Get("status"))),
		CreatedBy:   q.Get("createdBy"),
		PageRequest: pageRequest(r),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	detail, err := s.manager.GetTask(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleFindFailures(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	page, err := s.manager.FindFailures(r.Context(), task.FailureFilter{
		TaskID:      id,
		Status:      task.FailureStatus(strings.ToUpper(r.URL.Query().Get("status"))),
		PageRequest: pageRequest(r),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleRetryTask accepts multipart fields file and failureIds (comma list).
func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	up, release, err := s.readUpload(w, r)
	defer release()
	if err != nil {
		respondError(w, r, err)
		return
	}

	failureIDs, err := parseIDList(r.FormValue("failureIds"))
	if err != nil {
		respondError(w, r, err)
		return
	}

	t, err := s.manager.RetryTask(r.Context(), task.RetryRequest{
		TaskID:      id,
		FileName:    up.fileName,
		ContentType: up.contentType,
		Content:     up.content,
		RequestedBy: core.ActorFromContext(r.Context()),
		FailureIDs:  failureIDs,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	t, err := s.manager.CancelTask(r.Context(), id, core.ActorFromContext(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ImportType describes one registered handler.
type ImportType struct {
	Name          string   `json:"name"`
	Prerequisites []string `json:"prerequisites"`
}

func (s *Server) handleListTypes(w http.ResponseWriter, r *http.Request) {
	deps := s.manager.Dependencies()
	types := s.registry.Types()

	out := make([]ImportType, 0, len(types))
	for _, name := range types {
		prereqs := deps.Prerequisites(name)
		if prereqs == nil {
			prereqs = []string{}
		}
		out = append(out, ImportType{Name: name, Prerequisites: prereqs})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		if err := s.opts.Health(r.Context()); err != nil {
			logging.FromContext(r.Context()).Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// taskID parses the {id} URL parameter.
func taskID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: task id %q must be a positive integer", task.ErrInvalidRequest, raw)
	}
	return id, nil
}

// pageRequest reads the 0-based page and size query parameters. Invalid
// values fall back to the defaults.
func pageRequest(r *http.Request) task.PageRequest {
	return task.PageRequest{
		Page: parseIntParam(r, "page", 0),
		Size: parseIntParam(r, "size", task.DefaultPageSize),
	}
}

// parseIntParam parses a non-negative integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 0 {
		return defaultVal
	}
	return i
}

// parseIDList parses "1, 2,3" into ids.
func parseIDList(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: failure id %q must be an integer", task.ErrInvalidRequest, part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

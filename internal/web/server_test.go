package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/erpimport/internal/core"
	"github.com/JonMunkholm/erpimport/internal/task"
)

type testAPI struct {
	server    *Server
	store     *task.MemoryStore
	scheduler *task.Scheduler
}

func newTestAPI(t *testing.T, opts Options) *testAPI {
	t.Helper()

	store := task.NewMemoryStore()
	registry := task.NewRegistry()
	registry.Register("unit", task.HandlerFunc(func(context.Context, task.ExecutionContext) (*task.ExecutionResult, error) {
		return &task.ExecutionResult{
			TotalCount:   3,
			SuccessCount: 2,
			FailureCount: 1,
			Failures: []task.FailureDetail{
				{Section: "unit", RowNumber: 3, Field: "code", Message: "code is required", RawPayload: ",Nameless"},
			},
		}, nil
	}))
	registry.Register("material", task.HandlerFunc(func(context.Context, task.ExecutionContext) (*task.ExecutionResult, error) {
		return &task.ExecutionResult{}, nil
	}))

	manager := task.NewManager(store, task.ManagerOptions{MaxFileSize: 1 << 20})
	scheduler := task.NewScheduler(store, registry, nil, task.SchedulerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	scheduler.Start(ctx)
	t.Cleanup(func() {
		cancel()
		waitCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = scheduler.Wait(waitCtx)
	})

	return &testAPI{
		server:    NewServer(manager, registry, core.NewUploadLimiter(2, time.Second), opts),
		store:     store,
		scheduler: scheduler,
	}
}

func (a *testAPI) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	a.server.Router().ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) runScheduler(t *testing.T) {
	t.Helper()
	require.True(t, a.scheduler.Tick(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.scheduler.WaitIdle(ctx))
}

func multipartRequest(t *testing.T, url string, fields map[string]string, fileName string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User", "alice")
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (a *testAPI) create(t *testing.T, importType string) task.Task {
	t.Helper()
	rec := a.do(t, multipartRequest(t, "/api/import-tasks", map[string]string{"importType": importType}, importType+".csv", []byte("code,name\nKG,Kilogram\n")))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[task.Task](t, rec)
}

func TestCreateTask(t *testing.T) {
	api := newTestAPI(t, Options{})

	created := api.create(t, "unit")
	assert.Equal(t, task.StatusQueued, created.Status)
	assert.Equal(t, "alice", created.CreatedBy)
	assert.Equal(t, "unit.csv", created.SourceFileName)
	assert.Regexp(t, `^UNIT-\d{14}-[A-Z0-9]{4}$`, created.TaskCode)
}

func TestCreateTaskRejectsBadRequests(t *testing.T) {
	api := newTestAPI(t, Options{})

	t.Run("missing file", func(t *testing.T) {
		rec := api.do(t, multipartRequest(t, "/api/import-tasks", map[string]string{"importType": "unit"}, "", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VAL006", decode[ErrorResponse](t, rec).Code)
	})

	t.Run("missing import type", func(t *testing.T) {
		rec := api.do(t, multipartRequest(t, "/api/import-tasks", nil, "unit.csv", []byte("x")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid options", func(t *testing.T) {
		rec := api.do(t, multipartRequest(t, "/api/import-tasks",
			map[string]string{"importType": "unit", "options": "{not json"}, "unit.csv", []byte("x")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCreateTaskTooLarge(t *testing.T) {
	api := newTestAPI(t, Options{MaxFileSize: 16, MaxMemory: 16})

	big := bytes.Repeat([]byte("a"), 2<<20)
	rec := api.do(t, multipartRequest(t, "/api/import-tasks", map[string]string{"importType": "unit"}, "unit.csv", big))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestIsBodyTooLarge(t *testing.T) {
	rec := httptest.NewRecorder()
	body := http.MaxBytesReader(rec, io.NopCloser(bytes.NewReader(make([]byte, 64))), 8)
	_, err := io.ReadAll(body)
	require.Error(t, err)

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"max bytes error", err, true},
		{"wrapped", fmt.Errorf("multipart: NextPart: %w", err), true},
		{"other error", errors.New("unexpected EOF"), false},
		{"same text without type", errors.New("http: request body too large"), false},
	}
	for _, tt := range tests {
		if got := isBodyTooLarge(tt.err); got != tt.want {
			t.Errorf("isBodyTooLarge(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDependentTaskWaits(t *testing.T) {
	api := newTestAPI(t, Options{})

	unit := api.create(t, "unit")
	material := api.create(t, "material")
	assert.Equal(t, task.StatusWaiting, material.Status)

	rec := api.do(t, httptest.NewRequest(http.MethodGet, "/api/import-tasks/"+itoa(material.ID), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[task.Detail](t, rec)
	require.Len(t, detail.DependsOn, 1)
	assert.Equal(t, unit.ID, detail.DependsOn[0].ID)
	require.Len(t, detail.Items, 1)
}

func TestSearchTasks(t *testing.T) {
	api := newTestAPI(t, Options{})
	api.create(t, "unit")
	api.create(t, "unit")
	api.create(t, "material")

	rec := api.do(t, httptest.NewRequest(http.MethodGet, "/api/import-tasks?importType=unit&size=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[task.Page[task.Task]](t, rec)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 1, page.Size)
	assert.Len(t, page.Items, 1)

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/import-tasks?status=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFailuresAfterExecution(t *testing.T) {
	api := newTestAPI(t, Options{})
	created := api.create(t, "unit")
	api.runScheduler(t)

	rec := api.do(t, httptest.NewRequest(http.MethodGet, "/api/import-tasks/"+itoa(created.ID), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[task.Detail](t, rec)
	assert.Equal(t, task.StatusCompleted, detail.Status)
	assert.Equal(t, 3, detail.TotalCount)
	assert.Equal(t, 1, detail.FailureSummary[task.FailurePending])

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/import-tasks/"+itoa(created.ID)+"/failures?status=pending", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[task.Page[task.Failure]](t, rec)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "code is required", page.Items[0].Message)
	assert.Equal(t, ",Nameless", page.Items[0].RawPayload)

	// Retry the failed row with a corrected file.
	retry := multipartRequest(t, "/api/import-tasks/"+itoa(created.ID)+"/retry",
		map[string]string{"failureIds": itoa(page.Items[0].ID)}, "fixed.csv", []byte("code,name\nLB,Pound\n"))
	rec = api.do(t, retry)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, task.StatusQueued, decode[task.Task](t, rec).Status)

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/import-tasks/"+itoa(created.ID)+"/failures?status=RESUBMITTED", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[task.Page[task.Failure]](t, rec).Total)
}

func TestCancelTask(t *testing.T) {
	api := newTestAPI(t, Options{})
	created := api.create(t, "unit")

	req := httptest.NewRequest(http.MethodPost, "/api/import-tasks/"+itoa(created.ID)+"/cancel", nil)
	req.Header.Set("X-User", "bob")
	rec := api.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	cancelled := decode[task.Task](t, rec)
	assert.Equal(t, task.StatusCancelled, cancelled.Status)
	assert.Equal(t, "cancelled by bob", cancelled.FailureReason)

	rec = api.do(t, httptest.NewRequest(http.MethodPost, "/api/import-tasks/"+itoa(created.ID)+"/cancel", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "TSK002", decode[ErrorResponse](t, rec).Code)

	retry := multipartRequest(t, "/api/import-tasks/"+itoa(created.ID)+"/retry", nil, "unit.csv", []byte("x"))
	rec = api.do(t, retry)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "TSK003", decode[ErrorResponse](t, rec).Code)
}

func TestNotFoundAndBadIDs(t *testing.T) {
	api := newTestAPI(t, Options{})

	rec := api.do(t, httptest.NewRequest(http.MethodGet, "/api/import-tasks/999", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "TSK001", decode[ErrorResponse](t, rec).Code)

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/import-tasks/999/failures", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/import-tasks/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTypes(t *testing.T) {
	api := newTestAPI(t, Options{})

	rec := api.do(t, httptest.NewRequest(http.MethodGet, "/api/import-types", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	types := decode[[]ImportType](t, rec)
	require.Len(t, types, 2)
	assert.Equal(t, ImportType{Name: "material", Prerequisites: []string{"unit"}}, types[0])
	assert.Equal(t, ImportType{Name: "unit", Prerequisites: []string{}}, types[1])
}

func TestHealthAndMetrics(t *testing.T) {
	healthy := true
	api := newTestAPI(t, Options{
		MetricsPath: "/metrics",
		Health: func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("db down")
		},
	})

	rec := api.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	healthy = false
	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{task.ErrNotFound, http.StatusNotFound},
		{task.ErrInvalidRequest, http.StatusBadRequest},
		{errFileTooLarge, http.StatusRequestEntityTooLarge},
		{task.ErrInvalidTransition, http.StatusConflict},
		{task.ErrTerminal, http.StatusConflict},
		{core.ErrTooManyUploads, http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestParseIDList(t *testing.T) {
	ids, err := parseIDList(" 3, 1,,2 ")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 1, 2}, ids)

	_, err = parseIDList("1,x")
	assert.ErrorIs(t, err, task.ErrInvalidRequest)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

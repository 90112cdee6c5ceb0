package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sourcehound/harvester/internal/config"
	"github.com/sourcehound/harvester/internal/harvest"
	"github.com/sourcehound/harvester/internal/progress"
)

type fakeTaskService struct {
	mu        sync.Mutex
	submitted []harvest.TaskSpec
	submitID  string
	submitErr error
	task      harvest.Task
	taskErr   error
	records   []harvest.DetailRecord
	total     int
	resultErr error
	cancelErr error
	cancelled []string
}

func (f *fakeTaskService) Submit(_ context.Context, spec harvest.TaskSpec) (string, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, spec)
	f.mu.Unlock()
	return f.submitID, f.submitErr
}

func (f *fakeTaskService) Cancel(_ context.Context, taskID string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, taskID)
	f.mu.Unlock()
	return f.cancelErr
}

func (f *fakeTaskService) GetStatus(context.Context, string) (harvest.Task, error) {
	return f.task, f.taskErr
}

func (f *fakeTaskService) GetResults(context.Context, string, int, int) ([]harvest.DetailRecord, int, error) {
	return f.records, f.total, f.resultErr
}

func newTestServer(t *testing.T, svc *fakeTaskService, cfg config.Config) (*Server, *progress.Broadcaster) {
	t.Helper()
	b := progress.NewBroadcaster(progress.Config{Logger: zap.NewNop()})
	t.Cleanup(b.Close)
	return NewServer(svc, b, cfg, zap.NewNop()), b
}

func TestServer_SubmitTask_Accepted(t *testing.T) {
	t.Parallel()

	svc := &fakeTaskService{submitID: "task-001"}
	server, _ := newTestServer(t, svc, config.Config{})

	body := []byte(`{"owner_id":"u1","units":[{"name":"acme","location":"berlin"}],"mode":"unit_plus_location","policy":"freeze"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "task-001")
	require.Len(t, svc.submitted, 1)
	require.Equal(t, harvest.PolicyFreeze, svc.submitted[0].Policy)
	require.Equal(t, "berlin", svc.submitted[0].Units[0].Location)
}

func TestServer_SubmitTask_InvalidJSON(t *testing.T) {
	t.Parallel()

	svc := &fakeTaskService{}
	server, _ := newTestServer(t, svc, config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, svc.submitted)
}

func TestServer_SubmitTask_PaymentRequired(t *testing.T) {
	t.Parallel()

	svc := &fakeTaskService{submitErr: fmt.Errorf("authorize: %w", harvest.ErrInsufficientFunds)}
	server, _ := newTestServer(t, svc, config.Config{})

	body := []byte(`{"owner_id":"u1","units":[{"name":"acme"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.Contains(t, rec.Body.String(), "insufficient credits")
}

func TestServer_GetTaskStatus(t *testing.T) {
	t.Parallel()

	svc := &fakeTaskService{task: harvest.Task{ID: "task-1", Status: harvest.StatusRunning, Progress: 40}}
	server, _ := newTestServer(t, svc, config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/task-1/status", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"running"`)
}

func TestServer_GetTaskStatus_NotFound(t *testing.T) {
	t.Parallel()

	svc := &fakeTaskService{taskErr: fmt.Errorf("task x: %w", harvest.ErrNotFound)}
	server, _ := newTestServer(t, svc, config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/x/status", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GetTaskResults_Paging(t *testing.T) {
	t.Parallel()

	svc := &fakeTaskService{
		records: []harvest.DetailRecord{{Fingerprint: "a"}, {Fingerprint: "b"}},
		total:   7,
	}
	server, _ := newTestServer(t, svc, config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/task-1/results?page=2&page_size=2", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Records  []harvest.DetailRecord `json:"records"`
		Total    int                    `json:"total"`
		Page     int                    `json:"page"`
		PageSize int                    `json:"page_size"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Records, 2)
	require.Equal(t, 7, payload.Total)
	require.Equal(t, 2, payload.Page)
	require.Equal(t, 2, payload.PageSize)
}

func TestServer_GetTaskResults_BadPaging(t *testing.T) {
	t.Parallel()

	svc := &fakeTaskService{}
	server, _ := newTestServer(t, svc, config.Config{})

	for _, target := range []string{
		"/v1/tasks/task-1/results?page=0",
		"/v1/tasks/task-1/results?page=x",
		"/v1/tasks/task-1/results?page_size=0",
		"/v1/tasks/task-1/results?page_size=10000",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code, "target %s", target)
	}
}

func TestServer_CancelTask(t *testing.T) {
	t.Parallel()

	svc := &fakeTaskService{}
	server, _ := newTestServer(t, svc, config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/task-1/cancel", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"task-1"}, svc.cancelled)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	svc := &fakeTaskService{}
	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "sekrit"}}
	server, _ := newTestServer(t, svc, cfg)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "sekrit")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RecoverMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(&panicService{}, nil, config.Config{}, zap.NewNop())

	body := []byte(`{"owner_id":"u1","units":[{"name":"a"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

type panicService struct{ fakeTaskService }

func (p *panicService) Submit(context.Context, harvest.TaskSpec) (string, error) {
	panic("boom")
}

func TestServer_StreamProgress(t *testing.T) {
	t.Parallel()

	svc := &fakeTaskService{}
	server, b := newTestServer(t, svc, config.Config{})

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/users/u1/progress")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The subscription registers before the handler flushes headers, so once
	// we got a 200 the channel exists.
	require.Eventually(t, func() bool { return b.SubscriberCount("u1") == 1 }, time.Second, 5*time.Millisecond)

	b.SendToUser("u1", harvest.ProgressEvent{
		TaskID:   "task-1",
		OwnerID:  "u1",
		Status:   harvest.StatusRunning,
		Progress: 40,
	})

	reader := bufio.NewReader(resp.Body)
	deadline := time.After(2 * time.Second)
	var data string
	for data == "" {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for SSE event")
		default:
		}
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
		}
	}

	var evt harvest.ProgressEvent
	require.NoError(t, json.Unmarshal([]byte(data), &evt))
	require.Equal(t, "task-1", evt.TaskID)
	require.Equal(t, 40, evt.Progress)
}

func TestServer_StreamProgress_EndsWhenEvicted(t *testing.T) {
	t.Parallel()

	svc := &fakeTaskService{}
	b := progress.NewBroadcaster(progress.Config{MaxPerUser: 1, Logger: zap.NewNop()})
	t.Cleanup(b.Close)
	server := NewServer(svc, b, config.Config{}, zap.NewNop())

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/users/u1/progress")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return b.SubscriberCount("u1") == 1 }, time.Second, 5*time.Millisecond)

	// A second subscription evicts the first (cap 1); its stream must end.
	second := b.Subscribe("u1")
	defer second.Close()

	done := make(chan struct{})
	go func() {
		_, _ = io.ReadAll(resp.Body)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after eviction")
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"DataPilot/internal/auth"
	"DataPilot/internal/task"
)

type recordingRunner struct {
	mu   sync.Mutex
	jobs []task.Job
	err  error
}

func (r *recordingRunner) Run(_ context.Context, job task.Job) (*task.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	if r.err != nil {
		return nil, r.err
	}
	return &task.Response{Answer: "mean is 4.2", Success: true, Artifacts: []task.Artifact{}}, nil
}

type fixture struct {
	store  *task.MemoryStore
	queue  *task.MemoryQueue
	runner *recordingRunner
	server *httptest.Server
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  task.NewMemoryStore(),
		queue:  task.NewMemoryQueue(8),
		runner: &recordingRunner{},
	}
	svc := task.NewService(f.store, f.queue, f.runner)
	f.server = httptest.NewServer(NewServer(":0", svc, opts...).Handler())
	t.Cleanup(f.server.Close)
	return f
}

type part struct {
	field    string
	value    string
	filename string
}

func multipartBody(t *testing.T, parts ...part) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for _, p := range parts {
		if p.filename == "" {
			if err := mw.WriteField(p.field, p.value); err != nil {
				t.Fatalf("write field: %v", err)
			}
			continue
		}
		fw, err := mw.CreateFormFile(p.field, p.filename)
		if err != nil {
			t.Fatalf("create file: %v", err)
		}
		_, _ = fw.Write([]byte(p.value))
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, mw.FormDataContentType()
}

func (f *fixture) post(t *testing.T, path string, header http.Header, parts ...part) *http.Response {
	t.Helper()
	body, contentType := multipartBody(t, parts...)
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, WithAuth(auth.NewService("secret")))
	resp := f.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if body := decode[map[string]string](t, resp); body["status"] != "healthy" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestRunSyncReturnsResponse(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/api/task/run/sync", nil,
		part{field: "task_description", value: " average the values "},
		part{field: "data_files_description", value: "numbers"},
		part{field: "data_files", filename: "values.csv", value: "v\n4\n4.4\n"},
	)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	body := decode[task.Response](t, resp)
	if body.Status != task.StatusCompleted || body.Answer != "mean is 4.2" || body.ID == "" {
		t.Fatalf("unexpected response %+v", body)
	}

	job := f.runner.jobs[0]
	if job.Request.TaskDescription != "average the values" || len(job.DataFiles) != 1 {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.DataFiles[0].Filename != "values.csv" || job.DataFiles[0].Size != int64(len("v\n4\n4.4\n")) {
		t.Fatalf("unexpected data file %+v", job.DataFiles[0])
	}
}

func TestRunSyncFailureReturns422(t *testing.T) {
	f := newFixture(t)
	f.runner.err = errors.New("sandbox exploded")
	resp := f.post(t, "/api/task/run/sync", nil, part{field: "task_description", value: "analyse"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	body := decode[task.Response](t, resp)
	if body.Success || body.Status != task.StatusFailed || body.Answer != task.FailedAnswer {
		t.Fatalf("unexpected error response %+v", body)
	}
}

func TestRunSyncRejectsBlankDescription(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/api/task/run/sync", nil, part{field: "task_description", value: "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if body := decode[map[string]string](t, resp); body["detail"] != "task_description cannot be empty or whitespace" {
		t.Fatalf("unexpected detail %q", body["detail"])
	}
}

func TestRunSyncRejectsOversizeFile(t *testing.T) {
	f := newFixture(t, WithMaxFileSize(4))
	resp := f.post(t, "/api/task/run/sync", nil,
		part{field: "task_description", value: "analyse"},
		part{field: "data_files", filename: "big.csv", value: "0123456789"},
	)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if body := decode[map[string]string](t, resp); !strings.Contains(body["detail"], "exceeds maximum allowed size") {
		t.Fatalf("unexpected detail %q", body["detail"])
	}
	if len(f.runner.jobs) != 0 {
		t.Fatal("runner must not be invoked")
	}
}

func TestRunAsyncRejectsOversizeBody(t *testing.T) {
	f := newFixture(t, WithMaxRequestSize(256))
	resp := f.post(t, "/api/task/run/async", nil,
		part{field: "task_description", value: "analyse"},
		part{field: "data_files", filename: "big.csv", value: strings.Repeat("1,2,3\n", 200)},
	)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if body := decode[map[string]string](t, resp); !strings.Contains(body["detail"], "256") {
		t.Fatalf("unexpected detail %q", body["detail"])
	}
	if got := f.queue.Len(); got != 0 {
		t.Fatalf("expected empty queue, got %d jobs", got)
	}
}

func TestRunAsyncAndGetTask(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/api/task/run/async", nil,
		part{field: "task_description", value: "forecast"},
		part{field: "file_paths", value: "q1.csv"},
		part{field: "file_paths", value: "q2.csv"},
		part{field: "base_path", value: "tenant"},
	)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	receipt := decode[task.StatusResponse](t, resp)
	if receipt.Status != task.StatusInProgress || receipt.ID == "" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	detail := f.get(t, "/api/task/"+receipt.ID)
	if detail.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", detail.StatusCode)
	}
	view := decode[task.Response](t, detail)
	if view.Answer != task.InProgressAnswer || !view.Success {
		t.Fatalf("unexpected view %+v", view)
	}

	list := f.get(t, "/api/tasks?status=in_progress&limit=5")
	if list.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", list.StatusCode)
	}
	if tasks := decode[[]task.Task](t, list); len(tasks) != 1 || tasks[0].ID != receipt.ID {
		t.Fatalf("unexpected list %+v", tasks)
	}

	stats := decode[task.TaskStats](t, f.get(t, "/api/tasks/stats"))
	if stats.Total != 1 || stats.InProgress != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	f := newFixture(t)
	resp := f.get(t, "/api/task/missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if body := decode[map[string]string](t, resp); body["detail"] != "Task missing not found" {
		t.Fatalf("unexpected detail %q", body["detail"])
	}
}

func TestListTasksRejectsBadQuery(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/api/tasks?limit=-1", "/api/tasks?status=queued"} {
		if resp := f.get(t, path); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: unexpected status %d", path, resp.StatusCode)
		}
	}
}

func TestAPIRequiresKey(t *testing.T) {
	f := newFixture(t, WithAuth(auth.NewService("secret")))
	resp := f.get(t, "/api/task/anything")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	ok := f.post(t, "/api/task/run/sync", http.Header{"X-Api-Key": []string{"secret"}},
		part{field: "task_description", value: "analyse"})
	if ok.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", ok.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, WithAllowedOrigins("https://app.example.com"))
	req, _ := http.NewRequest(http.MethodOptions, f.server.URL+"/api/task/run/sync", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	if resp.Header.Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatal("credentials must be allowed")
	}
}

package datapilot

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, append([]Option{WithHTTPClient(srv.Client())}, opts...)...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestRunSyncEncodesMultipart(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/task/run/sync" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "secret" {
			t.Fatalf("missing api key header")
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.FormValue("task_description") != "sum sales" {
			t.Fatalf("unexpected description %q", r.FormValue("task_description"))
		}
		if got := r.Form["file_paths"]; len(got) != 2 || got[1] != "b.csv" {
			t.Fatalf("unexpected file paths %v", got)
		}
		file, header, err := r.FormFile("data_files")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		content, _ := io.ReadAll(file)
		if header.Filename != "sales.csv" || string(content) != "a,b" {
			t.Fatalf("unexpected file %s %q", header.Filename, content)
		}
		_ = json.NewEncoder(w).Encode(TaskResponse{ID: "t1", Status: StatusCompleted, Answer: "42", Success: true})
	}), WithAPIKey("secret"))

	resp, err := client.RunSync(context.Background(), Submission{
		TaskDescription: "sum sales",
		FilePaths:       []string{"a.csv", "b.csv"},
		Files:           []File{{Name: "sales.csv", Content: []byte("a,b")}},
	})
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if resp.ID != "t1" || resp.Answer != "42" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestRunSyncFailureCarriesResponse(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(TaskResponse{Status: StatusFailed, Answer: "Task processing failed.", Artifacts: []Artifact{}})
	}))

	_, err := client.RunSync(context.Background(), Submission{TaskDescription: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Response == nil || apiErr.Response.Status != StatusFailed {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if apiErr.Detail != "Task processing failed." {
		t.Fatalf("unexpected detail %q", apiErr.Detail)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/task/t-404" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "Task t-404 not found"})
	}))

	_, err := client.GetTask(context.Background(), "t-404")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Detail != "Task t-404 not found" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestWaitForTaskPollsUntilTerminal(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := StatusInProgress
		if calls.Add(1) >= 3 {
			status = StatusCompleted
		}
		_ = json.NewEncoder(w).Encode(TaskResponse{ID: "t1", Status: status, Success: true})
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.WaitForTask(ctx, "t1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if resp.Status != StatusCompleted || calls.Load() != 3 {
		t.Fatalf("unexpected result %+v after %d calls", resp, calls.Load())
	}
}

func TestHealthSkipsAPIKey(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "" {
			t.Fatalf("health must not carry api key")
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	}), WithAPIKey("secret"))
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

// Package datapilot is a Go client for the DataPilot REST API.
package datapilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Synchronous runs execute a full analysis, so it is long.
const DefaultHTTPTimeout = 10 * time.Minute

// DefaultPollInterval is used by WaitForTask when no interval is given.
const DefaultPollInterval = 2 * time.Second

// Task statuses reported by the API.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Client wraps the HTTP interactions with the DataPilot REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
}

// Option customises a Client.
type Option func(*Client)

// WithAPIKey sets the X-API-Key header sent with every /api request.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// File is a data file uploaded with a submission.
type File struct {
	Name    string
	Content []byte
}

// Submission describes a data analysis task.
type Submission struct {
	TaskDescription      string
	DataFilesDescription string
	FilePaths            []string
	BasePath             string
	Files                []File
}

// Artifact is a file produced by a task. Content is base64 encoded when the
// server has no object storage configured.
type Artifact struct {
	ID          string `json:"id,omitempty"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Name        string `json:"name,omitempty"`
	Path        string `json:"path,omitempty"`
	Content     string `json:"content,omitempty"`
}

// TaskResponse is the result view of a task.
type TaskResponse struct {
	ID        string     `json:"id,omitempty"`
	Status    string     `json:"status,omitempty"`
	Answer    string     `json:"answer"`
	Artifacts []Artifact `json:"artifacts"`
	Success   bool       `json:"success"`
}

// TaskStatus is the receipt returned by asynchronous submissions.
type TaskStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// APIError represents a non-2xx response. Response is set when the server
// replied with a task response body, as synchronous runs do on failure.
type APIError struct {
	StatusCode int
	Detail     string
	Response   *TaskResponse
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("datapilot api error (%d): %s", e.StatusCode, e.Detail)
}

// NewClient instantiates a client for the DataPilot API.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	c := &Client{baseURL: parsed, httpClient: &http.Client{Timeout: DefaultHTTPTimeout}}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// RunSync submits a task and blocks until the server has processed it.
func (c *Client) RunSync(ctx context.Context, sub Submission) (*TaskResponse, error) {
	var out TaskResponse
	if err := c.submit(ctx, "/api/task/run/sync", sub, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunAsync submits a task for background processing.
func (c *Client) RunAsync(ctx context.Context, sub Submission) (*TaskStatus, error) {
	var out TaskStatus
	if err := c.submit(ctx, "/api/task/run/async", sub, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask fetches the current view of a task.
func (c *Client) GetTask(ctx context.Context, id string) (*TaskResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/task/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var out TaskResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForTask polls GetTask until the task leaves in_progress or ctx ends.
func (c *Client) WaitForTask(ctx context.Context, id string, interval time.Duration) (*TaskResponse, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		resp, err := c.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if resp.Status != StatusInProgress {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Health reports whether the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(req, &out); err != nil {
		return err
	}
	if out.Status != "healthy" {
		return fmt.Errorf("datapilot: unexpected health status %q", out.Status)
	}
	return nil
}

func (c *Client) submit(ctx context.Context, endpoint string, sub Submission, out any) error {
	body, contentType, err := encodeSubmission(sub)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	return c.do(req, out)
}

func encodeSubmission(sub Submission) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fields := [][2]string{
		{"task_description", sub.TaskDescription},
		{"data_files_description", sub.DataFilesDescription},
		{"base_path", sub.BasePath},
	}
	for _, fp := range sub.FilePaths {
		fields = append(fields, [2]string{"file_paths", fp})
	}
	for _, field := range fields {
		if field[1] == "" && field[0] != "task_description" {
			continue
		}
		if err := mw.WriteField(field[0], field[1]); err != nil {
			return nil, "", fmt.Errorf("encode field %s: %w", field[0], err)
		}
	}
	for _, f := range sub.Files {
		fw, err := mw.CreateFormFile("data_files", f.Name)
		if err != nil {
			return nil, "", fmt.Errorf("encode file %s: %w", f.Name, err)
		}
		if _, err := fw.Write(f.Content); err != nil {
			return nil, "", fmt.Errorf("encode file %s: %w", f.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("encode request: %w", err)
	}
	return body, mw.FormDataContentType(), nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" && strings.HasPrefix(endpoint, "/api/") {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return decodeAPIError(resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var payload struct {
		Detail *string `json:"detail"`
		Answer *string `json:"answer"`
		TaskResponse
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		switch {
		case payload.Detail != nil:
			apiErr.Detail = *payload.Detail
		case payload.Answer != nil:
			apiErr.Detail = *payload.Answer
			resp := payload.TaskResponse
			resp.Answer = *payload.Answer
			apiErr.Response = &resp
		}
	}
	if apiErr.Detail == "" {
		apiErr.Detail = string(bytes.TrimSpace(data))
	}
	return apiErr
}

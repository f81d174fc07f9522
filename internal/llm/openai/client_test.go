package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "DataPilot/internal/errors"
	"DataPilot/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestGenerateSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Path          string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		captured.Path = r.URL.Path
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4o",
			"choices": []map[string]any{
				{
					"finish_reason": "stop",
					"message": map[string]any{
						"role":    "assistant",
						"content": `{"signal":"CODE_PLANNING","rationale":"analyse"}`,
					},
				},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL + "/v1", Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := client.Generate(context.Background(), llm.Request{
		Model:     "gpt-4o",
		System:    "system prompt",
		Messages:  []llm.Message{llm.UserMessage("hello")},
		MaxTokens: 128,
		JSON:      true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(resp.Content, "CODE_PLANNING") || resp.FinishReason != "stop" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if captured.Authorization != "Bearer test" {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Path != "/v1/chat/completions" {
		t.Fatalf("unexpected path: %s", captured.Path)
	}
	if captured.Body["model"] != "gpt-4o" {
		t.Fatalf("model field missing in request: %v", captured.Body["model"])
	}
	if captured.Body["max_tokens"] != float64(128) {
		t.Fatalf("max_tokens missing: %v", captured.Body["max_tokens"])
	}
	format, _ := captured.Body["response_format"].(map[string]any)
	if format["type"] != "json_object" {
		t.Fatalf("expected json response format, got %v", captured.Body["response_format"])
	}
	messages, _ := captured.Body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(messages))
	}
}

func TestGenerateReasoningModelUsesCompletionTokens(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := client.Generate(context.Background(), llm.Request{Model: "gpt-5", MaxTokens: 64}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body["max_completion_tokens"] != float64(64) {
		t.Fatalf("expected max_completion_tokens, got %v", body)
	}
	if _, ok := body["max_tokens"]; ok {
		t.Fatalf("max_tokens should be omitted for reasoning models")
	}
}

func TestGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.Generate(context.Background(), llm.Request{Model: "gpt-4o"})
	if err == nil {
		t.Fatalf("expected error when http status is not success")
	}
	if xerrors.CodeOf(err) != xerrors.CodeLLMFailure {
		t.Fatalf("unexpected error code: %s", xerrors.CodeOf(err))
	}
}

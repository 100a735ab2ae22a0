package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bigdegenenergy/open-cloud-ops/tollgate/pkg/models"
)

func TestNewClient_UnsupportedProvider(t *testing.T) {
	if _, err := NewClient("gemini", "", ""); err == nil {
		t.Fatal("expected error for unsupported provider, got nil")
	}
}

func TestNewClient_DefaultBaseURL(t *testing.T) {
	c, err := NewClient(ProviderAnthropic, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.baseURL != "https://api.anthropic.com" {
		t.Errorf("expected anthropic base URL, got %q", c.baseURL)
	}
	if c.Backend() != "anthropic" {
		t.Errorf("expected backend anthropic, got %q", c.Backend())
	}
}

func TestComplete_OpenAI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Model     string        `json:"model"`
			MaxTokens int           `json:"max_tokens"`
			Messages  []chatMessage `json:"messages"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request body: %v", err)
			return
		}
		if req.Model != "gpt-4" || req.MaxTokens != 2000 || len(req.Messages) != 1 || req.Messages[0].Content != "hello" {
			t.Errorf("unexpected request %+v", req)
		}
		_, _ = w.Write([]byte(`{
			"model": "gpt-4-0613",
			"choices": [{"message": {"role": "assistant", "content": "hi there"}}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7}
		}`))
	}))
	defer srv.Close()

	c, err := NewClient(ProviderOpenAI, srv.URL+"/", "sk-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := c.Complete(context.Background(), models.CompletionRequest{Model: "gpt-4", Prompt: "hello", MaxTokens: 2000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Content != "hi there" || got.Model != "gpt-4-0613" {
		t.Errorf("unexpected completion %+v", got)
	}
	if got.InputTokens != 5 || got.OutputTokens != 2 {
		t.Errorf("unexpected token usage %d/%d", got.InputTokens, got.OutputTokens)
	}
}

func TestComplete_Anthropic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "ak-test" || r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing anthropic auth headers")
		}
		_, _ = w.Write([]byte(`{
			"content": [{"type": "text", "text": "part one, "}, {"type": "text", "text": "part two"}],
			"usage": {"input_tokens": 10, "output_tokens": 4}
		}`))
	}))
	defer srv.Close()

	c, _ := NewClient(ProviderAnthropic, srv.URL, "ak-test")
	got, err := c.Complete(context.Background(), models.CompletionRequest{Model: "claude-3-haiku", Prompt: "x", MaxTokens: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Content != "part one, part two" {
		t.Errorf("unexpected content %q", got.Content)
	}
	if got.Model != "claude-3-haiku" {
		t.Errorf("expected requested model as fallback, got %q", got.Model)
	}
	if got.InputTokens != 10 || got.OutputTokens != 4 {
		t.Errorf("unexpected token usage %d/%d", got.InputTokens, got.OutputTokens)
	}
}

func TestComplete_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	c, _ := NewClient(ProviderOpenAI, srv.URL, "")
	_, err := c.Complete(context.Background(), models.CompletionRequest{Model: "gpt-4", Prompt: "x"})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("expected status in error, got %v", err)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	c, _ := NewClient(ProviderOpenAI, srv.URL, "")
	if _, err := c.Complete(context.Background(), models.CompletionRequest{Model: "gpt-4", Prompt: "x"}); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestComplete_ResponseTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	c, _ := NewClient(ProviderOpenAI, srv.URL, "")
	c.maxResponseBodySize = 32
	if _, err := c.Complete(context.Background(), models.CompletionRequest{Model: "gpt-4", Prompt: "x"}); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestExtractModel(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"model": "gpt-4o", "messages": []}`, "gpt-4o"},
		{``, ""},
		{`not json`, ""},
		{`{"messages": []}`, ""},
	}
	for _, tt := range tests {
		if got := extractModel(ProviderOpenAI, []byte(tt.body)); got != tt.want {
			t.Errorf("extractModel(%q) = %q, want %q", tt.body, got, tt.want)
		}
	}
}

func TestExtractTokenUsage(t *testing.T) {
	in, out, total := extractTokenUsage(ProviderOpenAI, []byte(`{"usage":{"prompt_tokens":100,"completion_tokens":50,"total_tokens":150}}`))
	if in != 100 || out != 50 || total != 150 {
		t.Errorf("openai: got %d/%d/%d", in, out, total)
	}
	in, out, total = extractTokenUsage(ProviderAnthropic, []byte(`{"usage":{"input_tokens":8,"output_tokens":2}}`))
	if in != 8 || out != 2 || total != 10 {
		t.Errorf("anthropic: got %d/%d/%d", in, out, total)
	}
	in, out, total = extractTokenUsage(ProviderOpenAI, []byte(`{}`))
	if in != 0 || out != 0 || total != 0 {
		t.Errorf("no usage: got %d/%d/%d", in, out, total)
	}
}

func TestJsonToInt64(t *testing.T) {
	tests := []struct {
		in   interface{}
		want int64
	}{
		{float64(42), 42},
		{int(7), 7},
		{int64(9), 9},
		{json.Number("12"), 12},
		{"nope", 0},
		{nil, 0},
	}
	for _, tt := range tests {
		if got := jsonToInt64(tt.in); got != tt.want {
			t.Errorf("jsonToInt64(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestEcho(t *testing.T) {
	var e Echo
	got, err := e.Complete(context.Background(), models.CompletionRequest{Model: "gpt-4", Prompt: "  ping  "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Content != "echo: ping" || got.Model != "gpt-4" {
		t.Errorf("unexpected completion %+v", got)
	}
	if e.Backend() != "echo" {
		t.Errorf("unexpected backend %q", e.Backend())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Complete(ctx, models.CompletionRequest{}); err == nil {
		t.Error("expected error for cancelled context")
	}
}

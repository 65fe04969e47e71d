package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ripcore/rip/internal/provider"
)

func newTestProvider(t *testing.T, handler http.Handler) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &Provider{
		config: Config{
			APIKey:  "sk-test",
			Model:   "gpt-4o",
			BaseURL: srv.URL,
		},
		client:        srv.Client(),
		streamClient:  srv.Client(),
		contextWindow: 128000,
	}
}

func readRequestBody(t *testing.T, r *http.Request) provider.ResponsesRequest {
	t.Helper()
	body, _ := io.ReadAll(r.Body)
	var req provider.ResponsesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		t.Fatalf("invalid request body: %v", err)
	}
	return req
}

func writeSSE(t *testing.T, w http.ResponseWriter, events []string) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	for _, e := range events {
		if _, err := w.Write([]byte(e + "\n\n")); err != nil {
			t.Errorf("failed to write SSE event: %v", err)
			return
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

// sseEvent formats one named SSE event with a JSON data payload.
func sseEvent(name, data string) string {
	return "event: " + name + "\ndata: " + data
}

func TestComplete_Success(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Error("missing authorization header")
		}
		if r.URL.Path != "/responses" {
			t.Errorf("path = %q, want /responses", r.URL.Path)
		}

		req := readRequestBody(t, r)
		if req.Model != "gpt-4o" {
			t.Errorf("model = %q, want gpt-4o", req.Model)
		}
		if !req.Stream {
			t.Error("expected stream=true (Send always streams)")
		}

		writeSSE(t, w, []string{
			sseEvent(provider.EventOutputTextDelta, `{"delta":"Hello"}`),
			sseEvent(provider.EventOutputTextDelta, `{"delta":"!"}`),
			sseEvent(provider.EventResponseCompleted, `{"response":{"id":"resp_1","usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}}`),
		})
	})

	p := newTestProvider(t, handler)
	resp, err := p.Complete(context.Background(), provider.CompletionRequest{
		Messages: []provider.LLMMessage{{Role: provider.MessageRoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if resp.Content != "Hello!" {
		t.Errorf("content = %q, want Hello!", resp.Content)
	}
	if resp.FinishReason != provider.FinishReasonStop {
		t.Errorf("finish_reason = %q, want stop", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("total_tokens = %d, want 15", resp.Usage.TotalTokens)
	}
}

func TestComplete_WithToolCalls(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(t, w, []string{
			sseEvent(provider.EventOutputItemAdded, `{"output_index":0,"item":{"type":"function_call","call_id":"call_1","name":"get_weather"}}`),
			sseEvent(provider.EventFunctionCallArgumentsDelta, `{"output_index":0,"delta":"{\"city\":"}`),
			sseEvent(provider.EventFunctionCallArgumentsDone, `{"output_index":0,"arguments":"{\"city\":\"Paris\"}"}`),
			sseEvent(provider.EventResponseCompleted, `{"response":{"id":"resp_1","usage":{"prompt_tokens":20,"completion_tokens":10,"total_tokens":30}}}`),
		})
	})

	p := newTestProvider(t, handler)
	resp, err := p.Complete(context.Background(), provider.CompletionRequest{
		Messages: []provider.LLMMessage{{Role: provider.MessageRoleUser, Content: "Weather?"}},
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if resp.FinishReason != provider.FinishReasonToolUse {
		t.Errorf("finish_reason = %q, want tool_use", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Name != "get_weather" {
		t.Errorf("tool name = %q, want get_weather", resp.ToolCalls[0].Name)
	}
	if string(resp.ToolCalls[0].Arguments) != `{"city":"Paris"}` {
		t.Errorf("arguments = %s", resp.ToolCalls[0].Arguments)
	}
}

func TestComplete_WithToolDefinitions(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := readRequestBody(t, r)

		if len(req.Tools) != 1 {
			t.Fatalf("expected 1 tool, got %d", len(req.Tools))
		}
		if req.Tools[0].Type != "function" {
			t.Errorf("tool type = %q, want function", req.Tools[0].Type)
		}
		if req.Tools[0].Name != "search" {
			t.Errorf("tool name = %q, want search", req.Tools[0].Name)
		}

		writeSSE(t, w, []string{
			sseEvent(provider.EventOutputTextDelta, `{"delta":"OK"}`),
			sseEvent(provider.EventResponseCompleted, `{"response":{"id":"resp_1"}}`),
		})
	})

	p := newTestProvider(t, handler)
	_, err := p.Complete(context.Background(), provider.CompletionRequest{
		Messages: []provider.LLMMessage{{Role: provider.MessageRoleUser, Content: "Search"}},
		Tools: []provider.ToolDefinition{
			{Name: "search", Description: "Search the web", Parameters: json.RawMessage(`{"type":"object"}`)},
		},
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
}

func TestComplete_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantErr    error
	}{
		{"rate_limit", http.StatusTooManyRequests, `{"error":{"message":"Rate limit exceeded"}}`, provider.ErrRateLimit},
		{"context_length", http.StatusBadRequest, `{"error":{"message":"This model's maximum context_length is 8192 tokens"}}`, provider.ErrContextLength},
		{"server_error", http.StatusInternalServerError, `{"error":{"message":"Internal server error"}}`, provider.ErrProviderDown},
		{"auth_error", http.StatusUnauthorized, `{"error":{"message":"Invalid API key"}}`, errAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.statusCode)
				if _, err := w.Write([]byte(tt.body)); err != nil {
					t.Errorf("failed to write error body: %v", err)
				}
			})

			p := newTestProvider(t, handler)
			_, err := p.Complete(context.Background(), provider.CompletionRequest{
				Messages: []provider.LLMMessage{{Role: provider.MessageRoleUser, Content: "Hi"}},
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStream_Success(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := readRequestBody(t, r)
		if !req.Stream {
			t.Error("stream should be true")
		}

		writeSSE(t, w, []string{
			sseEvent(provider.EventOutputTextDelta, `{"delta":"Hello"}`),
			sseEvent(provider.EventOutputTextDelta, `{"delta":" there"}`),
			sseEvent(provider.EventResponseCompleted, `{"response":{"id":"resp_1","usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}}`),
		})
	})

	p := newTestProvider(t, handler)
	ch, err := p.Stream(context.Background(), provider.CompletionRequest{
		Messages: []provider.LLMMessage{{Role: provider.MessageRoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}

	var content strings.Builder
	var gotStop bool
	var lastUsage *provider.TokenUsage
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("stream error: %v", chunk.Err)
		}
		content.WriteString(chunk.Content)
		if chunk.FinishReason == provider.FinishReasonStop {
			gotStop = true
		}
		if chunk.Usage != nil {
			lastUsage = chunk.Usage
		}
	}

	if content.String() != "Hello there" {
		t.Errorf("content = %q, want 'Hello there'", content.String())
	}
	if !gotStop {
		t.Error("expected stop finish_reason")
	}
	if lastUsage == nil || lastUsage.TotalTokens != 7 {
		t.Errorf("usage = %v, want total_tokens=7", lastUsage)
	}
}

func TestStream_WithToolCalls(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(t, w, []string{
			sseEvent(provider.EventOutputItemAdded, `{"output_index":0,"item":{"type":"function_call","call_id":"call_1","name":"search"}}`),
			sseEvent(provider.EventFunctionCallArgumentsDelta, `{"output_index":0,"delta":"{\"q\":"}`),
			sseEvent(provider.EventFunctionCallArgumentsDone, `{"output_index":0,"arguments":"{\"q\":\"hello\"}"}`),
			sseEvent(provider.EventResponseCompleted, `{"response":{"id":"resp_1"}}`),
		})
	})

	p := newTestProvider(t, handler)
	ch, err := p.Stream(context.Background(), provider.CompletionRequest{
		Messages: []provider.LLMMessage{{Role: provider.MessageRoleUser, Content: "Search"}},
	})
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}

	var toolCalls []provider.ToolCall
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("stream error: %v", chunk.Err)
		}
		if len(chunk.ToolCalls) > 0 {
			toolCalls = chunk.ToolCalls
		}
	}

	if len(toolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(toolCalls))
	}
	if toolCalls[0].Name != "search" {
		t.Errorf("name = %q, want search", toolCalls[0].Name)
	}
	if string(toolCalls[0].Arguments) != `{"q":"hello"}` {
		t.Errorf("arguments = %s, want {\"q\":\"hello\"}", toolCalls[0].Arguments)
	}
}

func TestStream_HTTPError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		if _, err := w.Write([]byte(`{"error":{"message":"Rate limit exceeded"}}`)); err != nil {
			t.Errorf("failed to write error body: %v", err)
		}
	})

	p := newTestProvider(t, handler)
	_, err := p.Stream(context.Background(), provider.CompletionRequest{
		Messages: []provider.LLMMessage{{Role: provider.MessageRoleUser, Content: "Hi"}},
	})
	if !errors.Is(err, provider.ErrRateLimit) {
		t.Errorf("error = %v, want ErrRateLimit", err)
	}
}

func TestComplete_ConfigOverrides(t *testing.T) {
	var receivedReq provider.ResponsesRequest
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedReq = readRequestBody(t, r)
		writeSSE(t, w, []string{
			sseEvent(provider.EventOutputTextDelta, `{"delta":"OK"}`),
			sseEvent(provider.EventResponseCompleted, `{"response":{"id":"resp_1"}}`),
		})
	})

	configTemp := 0.5
	p := newTestProvider(t, handler)
	p.config.Temperature = &configTemp
	p.config.MaxTokens = 1000

	reqTemp := 0.9
	_, err := p.Complete(context.Background(), provider.CompletionRequest{
		Messages:    []provider.LLMMessage{{Role: provider.MessageRoleUser, Content: "Hi"}},
		Temperature: &reqTemp,
		MaxTokens:   500,
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	if receivedReq.Temperature == nil || *receivedReq.Temperature != 0.9 {
		t.Errorf("temperature = %v, want 0.9 (request override)", receivedReq.Temperature)
	}
	if receivedReq.MaxOutputTokens != 500 {
		t.Errorf("max_output_tokens = %d, want 500 (request override)", receivedReq.MaxOutputTokens)
	}
}

func TestComplete_ContextCancellation(t *testing.T) {
	handler := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		time.Sleep(5 * time.Second)
	})

	p := newTestProvider(t, handler)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Complete(ctx, provider.CompletionRequest{
		Messages: []provider.LLMMessage{{Role: provider.MessageRoleUser, Content: "Hi"}},
	})
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestHealthCheck(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := readRequestBody(t, r)
		if req.MaxOutputTokens != 1 {
			t.Errorf("health check max_output_tokens = %d, want 1", req.MaxOutputTokens)
		}
		writeSSE(t, w, []string{
			sseEvent(provider.EventOutputTextDelta, `{"delta":"."}`),
			sseEvent(provider.EventResponseCompleted, `{"response":{"id":"resp_1"}}`),
		})
	})

	p := newTestProvider(t, handler)
	if err := p.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error: %v", err)
	}
}

func TestModelName(t *testing.T) {
	p := &Provider{config: Config{Model: "gpt-4o"}}
	if p.ModelName() != "gpt-4o" {
		t.Errorf("ModelName() = %q, want gpt-4o", p.ModelName())
	}
}

func TestContextWindowSize(t *testing.T) {
	p := &Provider{contextWindow: 128000}
	if p.ContextWindowSize() != 128000 {
		t.Errorf("ContextWindowSize() = %d, want 128000", p.ContextWindowSize())
	}
}

package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ripcore/rip/internal/provider"
)

// maxResponseSize is the maximum non-streaming response body size (10 MB).
const maxResponseSize = 10 * 1024 * 1024

// streamChannelBuffer is the buffer size for the raw-event channel.
const streamChannelBuffer = 64

// newHTTPRequest builds an authenticated streaming POST to /responses.
func (p *Provider) newHTTPRequest(ctx context.Context, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	url := p.config.BaseURL + "/responses"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	return httpReq, nil
}

// Send implements provider.Transport: it streams a Responses-API request
// and yields every upstream SSE event verbatim. Initial connection and
// HTTP-status errors are returned directly; the adapter interprets
// mid-stream error events itself since readEvents frames them like any
// other event.
func (p *Provider) Send(ctx context.Context, req provider.ResponsesRequest) (<-chan provider.RawEvent, error) {
	if req.Model == "" {
		req.Model = p.config.Model
	}
	req.Stream = true

	httpReq, err := p.newHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := p.streamClient.Do(httpReq)
	if err != nil {
		return nil, mapConnectionError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		return nil, mapHTTPError(resp.StatusCode, body)
	}

	ch := make(chan provider.RawEvent, streamChannelBuffer)
	go readEvents(ctx, resp.Body, ch)
	return ch, nil
}

// Complete implements provider.Provider for callers (the ambient failover
// Chain) that only need a flattened request/response shape, not the
// event-by-event fidelity the adapter consumes. It drives the same Send
// transport and aggregates the resulting events into one response.
func (p *Provider) Complete(ctx context.Context, req provider.CompletionRequest) (provider.CompletionResponse, error) {
	events, err := p.Send(ctx, toResponsesRequest(req, p.config.Model))
	if err != nil {
		return provider.CompletionResponse{}, err
	}
	return aggregate(ctx, events)
}

// Stream implements provider.Provider, forwarding text deltas and a final
// usage/tool-call chunk derived from the same underlying event stream.
func (p *Provider) Stream(ctx context.Context, req provider.CompletionRequest) (<-chan provider.StreamChunk, error) {
	events, err := p.Send(ctx, toResponsesRequest(req, p.config.Model))
	if err != nil {
		return nil, err
	}
	ch := make(chan provider.StreamChunk, streamChannelBuffer)
	go relayChunks(ctx, events, ch)
	return ch, nil
}

// HealthCheck validates the provider is functional by sending a minimal
// request and draining its event stream to completion.
func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.Complete(ctx, provider.CompletionRequest{
		Messages:  []provider.LLMMessage{{Role: provider.MessageRoleUser, Content: "hi"}},
		MaxTokens: 1,
	})
	return err
}

// ContextWindowSize returns the maximum context window in tokens.
func (p *Provider) ContextWindowSize() int {
	return p.contextWindow
}

// ModelName returns the configured model identifier.
func (p *Provider) ModelName() string {
	return p.config.Model
}

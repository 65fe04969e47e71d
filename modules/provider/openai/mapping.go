package openai

import (
	"context"
	"encoding/json"

	"github.com/ripcore/rip/internal/provider"
)

// toResponsesRequest flattens a generic CompletionRequest into a
// Responses-API request, for the Complete/Stream path used by the ambient
// failover Chain. The adapter builds its own ResponsesRequest directly
// from session state and never goes through this conversion.
func toResponsesRequest(req provider.CompletionRequest, model string) provider.ResponsesRequest {
	input := make([]provider.InputItem, 0, len(req.Messages))
	var instructions string
	for _, m := range req.Messages {
		if m.Role == provider.MessageRoleSystem {
			instructions = m.Content
			continue
		}
		input = append(input, provider.NewMessageInput(string(m.Role), m.Content))
	}

	tools := make([]provider.ResponsesTool, len(req.Tools))
	for i, t := range req.Tools {
		tools[i] = provider.ResponsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}

	return provider.ResponsesRequest{
		Model:           model,
		Input:           input,
		Instructions:    instructions,
		Tools:           tools,
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
	}
}

// toolCallAccumulator collects one function_call's streamed fragments,
// keyed by output_index, the way the adapter does internally.
type toolCallAccumulator struct {
	id   string
	name string
	args string
}

type rawOutputItemEvent struct {
	OutputIndex int `json:"output_index"`
	Item        struct {
		Type      string `json:"type"`
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"item"`
}

type rawFunctionArgsEvent struct {
	OutputIndex int    `json:"output_index"`
	Delta       string `json:"delta"`
	Arguments   string `json:"arguments"`
}

type rawTextDeltaEvent struct {
	Delta string `json:"delta"`
}

type rawCompletedEvent struct {
	Response struct {
		Usage *provider.TokenUsage `json:"usage"`
	} `json:"response"`
}

type rawErrorEvent struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// aggregate drains a Responses-API event stream into one flattened
// CompletionResponse, for Complete().
func aggregate(ctx context.Context, events <-chan provider.RawEvent) (provider.CompletionResponse, error) {
	var content string
	pending := map[int]*toolCallAccumulator{}
	var usage provider.TokenUsage
	var failMsg string

	for ev := range events {
		switch ev.Name {
		case provider.EventOutputTextDelta:
			var p rawTextDeltaEvent
			if json.Unmarshal(ev.Data, &p) == nil {
				content += p.Delta
			}
		case provider.EventOutputItemAdded:
			var p rawOutputItemEvent
			if json.Unmarshal(ev.Data, &p) == nil && p.Item.Type == "function_call" {
				pending[p.OutputIndex] = &toolCallAccumulator{id: p.Item.CallID, name: p.Item.Name, args: p.Item.Arguments}
			}
		case provider.EventFunctionCallArgumentsDelta:
			var p rawFunctionArgsEvent
			if json.Unmarshal(ev.Data, &p) == nil {
				if acc, ok := pending[p.OutputIndex]; ok {
					acc.args += p.Delta
				}
			}
		case provider.EventFunctionCallArgumentsDone:
			var p rawFunctionArgsEvent
			if json.Unmarshal(ev.Data, &p) == nil {
				if acc, ok := pending[p.OutputIndex]; ok {
					acc.args = p.Arguments
				}
			}
		case provider.EventResponseCompleted:
			var p rawCompletedEvent
			if json.Unmarshal(ev.Data, &p) == nil && p.Response.Usage != nil {
				usage = *p.Response.Usage
			}
		case provider.EventResponseFailed, provider.EventResponseError:
			var p rawErrorEvent
			_ = json.Unmarshal(ev.Data, &p)
			failMsg = p.Error.Message
		}
	}
	if err := ctx.Err(); err != nil {
		return provider.CompletionResponse{}, err
	}
	if failMsg != "" {
		return provider.CompletionResponse{}, errUpstream(failMsg)
	}

	resp := provider.CompletionResponse{Content: content, Usage: usage}
	resp.FinishReason = provider.FinishReasonStop
	if len(pending) > 0 {
		resp.FinishReason = provider.FinishReasonToolUse
		resp.ToolCalls = make([]provider.ToolCall, 0, len(pending))
		for _, acc := range pending {
			resp.ToolCalls = append(resp.ToolCalls, provider.ToolCall{
				ID:        acc.id,
				Name:      acc.name,
				Arguments: json.RawMessage(acc.args),
			})
		}
	}
	return resp, nil
}

// relayChunks drains a Responses-API event stream onto ch as StreamChunks,
// for Stream().
func relayChunks(ctx context.Context, events <-chan provider.RawEvent, ch chan<- provider.StreamChunk) {
	defer close(ch)
	pending := map[int]*toolCallAccumulator{}

	send := func(c provider.StreamChunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for ev := range events {
		switch ev.Name {
		case provider.EventOutputTextDelta:
			var p rawTextDeltaEvent
			if json.Unmarshal(ev.Data, &p) == nil && p.Delta != "" {
				if !send(provider.StreamChunk{Content: p.Delta}) {
					return
				}
			}
		case provider.EventOutputItemAdded:
			var p rawOutputItemEvent
			if json.Unmarshal(ev.Data, &p) == nil && p.Item.Type == "function_call" {
				pending[p.OutputIndex] = &toolCallAccumulator{id: p.Item.CallID, name: p.Item.Name}
			}
		case provider.EventFunctionCallArgumentsDelta:
			var p rawFunctionArgsEvent
			if json.Unmarshal(ev.Data, &p) == nil {
				if acc, ok := pending[p.OutputIndex]; ok {
					acc.args += p.Delta
				}
			}
		case provider.EventFunctionCallArgumentsDone:
			var p rawFunctionArgsEvent
			if json.Unmarshal(ev.Data, &p) == nil {
				if acc, ok := pending[p.OutputIndex]; ok {
					acc.args = p.Arguments
				}
			}
		case provider.EventResponseCompleted:
			var p rawCompletedEvent
			_ = json.Unmarshal(ev.Data, &p)
			final := provider.StreamChunk{FinishReason: provider.FinishReasonStop}
			if p.Response.Usage != nil {
				final.Usage = p.Response.Usage
			}
			if len(pending) > 0 {
				final.FinishReason = provider.FinishReasonToolUse
				final.ToolCalls = make([]provider.ToolCall, 0, len(pending))
				for _, acc := range pending {
					final.ToolCalls = append(final.ToolCalls, provider.ToolCall{ID: acc.id, Name: acc.name, Arguments: json.RawMessage(acc.args)})
				}
			}
			send(final)
			return
		case provider.EventResponseFailed, provider.EventResponseError:
			var p rawErrorEvent
			_ = json.Unmarshal(ev.Data, &p)
			send(provider.StreamChunk{Err: errUpstream(p.Error.Message)})
			return
		}
	}
}

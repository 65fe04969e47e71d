package provider_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ripcore/rip/internal/eventstore"
	"github.com/ripcore/rip/internal/provider"
	"github.com/ripcore/rip/internal/tool"
)

type fakeTransport struct {
	batches [][]provider.RawEvent
	calls   int
	reqs    []provider.ResponsesRequest
}

func (f *fakeTransport) Send(_ context.Context, req provider.ResponsesRequest) (<-chan provider.RawEvent, error) {
	f.reqs = append(f.reqs, req)
	batch := f.batches[f.calls]
	f.calls++
	ch := make(chan provider.RawEvent, len(batch))
	for _, ev := range batch {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type fakeRunner struct {
	results []tool.Result
}

func (f *fakeRunner) Run(_ context.Context, calls []tool.Call) []tool.Result {
	out := make([]tool.Result, len(calls))
	for i := range calls {
		out[i] = f.results[i]
	}
	return out
}

type fakeFrames struct {
	frames []eventstore.FrameType
}

func (f *fakeFrames) Append(typ eventstore.FrameType, _ any) error {
	f.frames = append(f.frames, typ)
	return nil
}

func ev(name, data string) provider.RawEvent {
	return provider.RawEvent{Name: name, Data: json.RawMessage(data)}
}

func TestAdapter_CompletesWithoutToolCalls(t *testing.T) {
	transport := &fakeTransport{batches: [][]provider.RawEvent{
		{
			ev(provider.EventOutputTextDelta, `{"delta":"hi"}`),
			ev(provider.EventResponseCompleted, `{"response":{"id":"resp_1"}}`),
		},
	}}
	frames := &fakeFrames{}
	a := provider.NewAdapter(transport, &fakeRunner{}, frames, provider.Config{Model: "gpt-5"})

	reason, err := a.Run(context.Background(), []provider.InputItem{provider.NewMessageInput("user", "hello")})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if reason != "completed" {
		t.Errorf("reason = %q, want completed", reason)
	}
	if transport.calls != 1 {
		t.Errorf("expected exactly 1 request, got %d", transport.calls)
	}

	var sawEnded, sawCursor bool
	for _, f := range frames.frames {
		if f == eventstore.FrameSessionEnded {
			sawEnded = true
		}
		if f == eventstore.FrameContinuityProviderCursorUpdated {
			sawCursor = true
		}
	}
	if !sawEnded || !sawCursor {
		t.Errorf("expected session_ended and provider_cursor_updated frames, got %v", frames.frames)
	}
}

func TestAdapter_DispatchesToolCallAndFollowsUp(t *testing.T) {
	transport := &fakeTransport{batches: [][]provider.RawEvent{
		{
			ev(provider.EventOutputItemAdded, `{"output_index":0,"item":{"type":"function_call","call_id":"call_1","name":"search"}}`),
			ev(provider.EventFunctionCallArgumentsDone, `{"output_index":0,"arguments":"{\"q\":\"x\"}"}`),
			ev(provider.EventOutputItemDone, `{"output_index":0,"item":{"type":"function_call","call_id":"call_1"}}`),
			ev(provider.EventResponseCompleted, `{"response":{"id":"resp_1"}}`),
		},
		{
			ev(provider.EventOutputTextDelta, `{"delta":"done"}`),
			ev(provider.EventResponseCompleted, `{"response":{"id":"resp_2"}}`),
		},
	}}
	runner := &fakeRunner{results: []tool.Result{
		{ToolID: "call_1", Stdout: "result", ExitCode: 0},
	}}
	frames := &fakeFrames{}
	a := provider.NewAdapter(transport, runner, frames, provider.Config{Model: "gpt-5"})

	reason, err := a.Run(context.Background(), []provider.InputItem{provider.NewMessageInput("user", "search for x")})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if reason != "completed" {
		t.Errorf("reason = %q, want completed", reason)
	}
	if transport.calls != 2 {
		t.Fatalf("expected 2 requests (initial + follow-up), got %d", transport.calls)
	}

	followUp := transport.reqs[1]
	if followUp.PreviousResponseID != "resp_1" {
		t.Errorf("previous_response_id = %q, want resp_1", followUp.PreviousResponseID)
	}
	foundOutput := false
	for _, item := range followUp.Input {
		if item.Type == "function_call_output" && item.CallID == "call_1" {
			foundOutput = true
		}
	}
	if !foundOutput {
		t.Errorf("expected function_call_output item for call_1 in follow-up input, got %+v", followUp.Input)
	}
}

func TestAdapter_ToolLoopExceeded(t *testing.T) {
	loopBatch := []provider.RawEvent{
		ev(provider.EventOutputItemAdded, `{"output_index":0,"item":{"type":"function_call","call_id":"call_x","name":"noop"}}`),
		ev(provider.EventFunctionCallArgumentsDone, `{"output_index":0,"arguments":"{}"}`),
		ev(provider.EventOutputItemDone, `{"output_index":0,"item":{"type":"function_call","call_id":"call_x"}}`),
		ev(provider.EventResponseCompleted, `{"response":{"id":"resp_loop"}}`),
	}
	transport := &fakeTransport{batches: [][]provider.RawEvent{loopBatch, loopBatch, loopBatch}}
	runner := &fakeRunner{results: []tool.Result{{ToolID: "call_x", Stdout: "ok"}}}
	frames := &fakeFrames{}
	a := provider.NewAdapter(transport, runner, frames, provider.Config{Model: "gpt-5", MaxToolCalls: 2})

	reason, err := a.Run(context.Background(), []provider.InputItem{provider.NewMessageInput("user", "loop")})
	if err == nil {
		t.Fatal("expected ErrToolLoopExceeded")
	}
	if reason != "tool_loop_exceeded" {
		t.Errorf("reason = %q, want tool_loop_exceeded", reason)
	}
}

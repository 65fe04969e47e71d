package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ripcore/rip/internal/eventstore"
	"github.com/ripcore/rip/internal/observability"
	"github.com/ripcore/rip/internal/tool"
)

var tracer = observability.Tracer("rip/provider")

// Transport sends one Responses-API request and returns its event stream.
// Concrete transports (modules/provider/openai) own HTTP, auth, and
// reconnection; the adapter only consumes RawEvents.
type Transport interface {
	Send(ctx context.Context, req ResponsesRequest) (<-chan RawEvent, error)
}

// ToolRunner dispatches tool calls in order. *tool.Runner satisfies this.
type ToolRunner interface {
	Run(ctx context.Context, calls []tool.Call) []tool.Result
}

// FrameAppender persists one frame to the owning session stream.
type FrameAppender interface {
	Append(frameType eventstore.FrameType, payload any) error
}

// ErrToolLoopExceeded is returned (and recorded as session_ended) when a
// run accumulates more than Config.MaxToolCalls calls without the model
// producing a final answer.
var ErrToolLoopExceeded = fmt.Errorf("provider: tool loop exceeded")

// Config parameterizes one Adapter run.
type Config struct {
	Model             string
	Instructions      string
	Tools             []ResponsesTool
	AllowedTools      []string // empty means no allowed_tools restriction
	ToolChoiceMode    string   // "auto" (default), "required", "none"
	MaxToolCalls      int
	StatelessHistory  bool // true: resend full Input each turn; false: use previous_response_id
}

func (c Config) withDefaults() Config {
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = 25
	}
	if c.ToolChoiceMode == "" {
		c.ToolChoiceMode = "auto"
	}
	return c
}

// Adapter drives the Responses-API request/response/tool-dispatch loop for
// one session, emitting the session stream's provider-facing frames.
//
// Every upstream event is framed verbatim as provider_event before the
// adapter does anything else with it — a reader replaying the log sees
// exactly what the provider sent, independent of how much of the event
// this binary understood.
type Adapter struct {
	transport Transport
	runner    ToolRunner
	frames    FrameAppender
	cfg       Config
}

// NewAdapter builds an Adapter from its dependencies and config.
func NewAdapter(transport Transport, runner ToolRunner, frames FrameAppender, cfg Config) *Adapter {
	return &Adapter{transport: transport, runner: runner, frames: frames, cfg: cfg.withDefaults()}
}

// pendingCall tracks one in-flight function_call output item across its
// output_item.added, function_call_arguments.delta/done, and
// output_item.done events.
type pendingCall struct {
	outputIndex int
	callID      string
	name        string
	args        string
	done        bool
}

// Run executes the request/tool-dispatch loop starting from input, until
// the model produces a final response with no pending tool calls, the
// tool-call budget is exhausted, or ctx is cancelled. It returns the
// terminal session_ended reason, or an error for a transport/protocol
// failure.
func (a *Adapter) Run(ctx context.Context, input []InputItem) (reason string, err error) {
	history := append([]InputItem(nil), input...)
	previousResponseID := ""
	totalToolCalls := 0

	for {
		req := ResponsesRequest{
			Model:             a.cfg.Model,
			Instructions:      a.cfg.Instructions,
			Tools:             a.allowedUpstreamTools(),
			ToolChoice:        toolChoiceValue(a.cfg.ToolChoiceMode),
			ParallelToolCalls: false,
			Store:             !a.cfg.StatelessHistory,
			Stream:            true,
		}
		if a.cfg.StatelessHistory || previousResponseID == "" {
			req.Input = history
		} else {
			req.Input = history[len(history)-pendingTurnLen(history):]
			req.PreviousResponseID = previousResponseID
		}

		spanCtx, span := tracer.Start(ctx, "provider.send")
		span.SetAttributes(
			attribute.String("provider.model", a.cfg.Model),
			attribute.Bool("provider.stateless_history", a.cfg.StatelessHistory),
		)

		events, err := a.transport.Send(spanCtx, req)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return "error", fmt.Errorf("provider: send: %w", err)
		}

		responseID, calls, completedErr := a.consume(spanCtx, events)
		if completedErr != nil {
			span.SetStatus(codes.Error, completedErr.Error())
			span.End()
			return "error", completedErr
		}
		span.SetAttributes(attribute.Int("provider.tool_calls", len(calls)))
		span.End()

		if responseID != "" {
			previousResponseID = responseID
			a.emit(eventstore.FrameContinuityProviderCursorUpdated, map[string]any{
				"response_id": responseID,
			})
		}

		if len(calls) == 0 {
			a.emit(eventstore.FrameSessionEnded, map[string]any{"reason": "completed"})
			return "completed", nil
		}

		totalToolCalls += len(calls)
		if totalToolCalls > a.cfg.MaxToolCalls {
			a.emit(eventstore.FrameSessionEnded, map[string]any{"reason": "tool_loop_exceeded"})
			return "tool_loop_exceeded", ErrToolLoopExceeded
		}

		toolCalls := make([]tool.Call, len(calls))
		for i, c := range calls {
			toolCalls[i] = tool.Call{ToolID: c.callID, Name: c.name, Args: json.RawMessage(c.args)}
		}
		results := a.runner.Run(ctx, toolCalls)

		for i, c := range calls {
			history = append(history,
				InputItem{Type: "function_call", CallID: c.callID, Name: c.name, Content: c.args},
			)
			payload, _ := json.Marshal(results[i].UpstreamPayload())
			history = append(history, NewFunctionCallOutputInput(c.callID, string(payload)))
		}
	}
}

// pendingTurnLen reports how many trailing history items belong to the
// turn just appended (the two items per tool call added by the previous
// iteration), so a stateful follow-up sends only the delta the server
// doesn't already have via previous_response_id.
func pendingTurnLen(history []InputItem) int {
	n := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Type != "function_call" && history[i].Type != "function_call_output" {
			break
		}
		n++
	}
	if n == 0 {
		return len(history)
	}
	return n
}

// consume drains one request's event stream: it frames every event
// verbatim, derives output_text_delta frames, and assembles any
// function_call output items into dispatchable calls, returned in
// output_index order.
func (a *Adapter) consume(ctx context.Context, events <-chan RawEvent) (responseID string, calls []pendingCall, err error) {
	pending := make(map[int]*pendingCall)

	for ev := range events {
		a.emit(eventstore.FrameProviderEvent, ev)

		switch ev.Name {
		case EventOutputTextDelta:
			var p outputTextDeltaPayload
			if jerr := json.Unmarshal(ev.Data, &p); jerr == nil {
				a.emit(eventstore.FrameOutputTextDelta, map[string]any{"delta": p.Delta})
			}

		case EventOutputItemAdded:
			var p outputItemEventPayload
			if jerr := json.Unmarshal(ev.Data, &p); jerr == nil && p.Item.Type == "function_call" {
				pending[p.OutputIndex] = &pendingCall{
					outputIndex: p.OutputIndex,
					callID:      p.Item.CallID,
					name:        p.Item.Name,
					args:        p.Item.Arguments,
				}
			}

		case EventFunctionCallArgumentsDelta:
			var p functionCallArgumentsPayload
			if jerr := json.Unmarshal(ev.Data, &p); jerr == nil {
				if c, ok := pending[p.OutputIndex]; ok {
					c.args += p.Delta
				}
			}

		case EventFunctionCallArgumentsDone:
			var p functionCallArgumentsPayload
			if jerr := json.Unmarshal(ev.Data, &p); jerr == nil {
				if c, ok := pending[p.OutputIndex]; ok {
					c.args = p.Arguments
				}
			}

		case EventOutputItemDone:
			var p outputItemEventPayload
			if jerr := json.Unmarshal(ev.Data, &p); jerr == nil && p.Item.Type == "function_call" {
				if c, ok := pending[p.OutputIndex]; ok {
					c.done = true
					if p.Item.Arguments != "" {
						c.args = p.Item.Arguments
					}
					if c.callID == "" {
						c.callID = p.Item.CallID
					}
				}
			}

		case EventResponseCompleted:
			var p responseCompletedPayload
			if jerr := json.Unmarshal(ev.Data, &p); jerr == nil {
				responseID = p.Response.ID
			}

		case EventResponseFailed, EventResponseError:
			var p responseFailedPayload
			_ = json.Unmarshal(ev.Data, &p)
			return "", nil, fmt.Errorf("provider: upstream error: %s", p.Error.Message)
		}
	}

	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	indexes := make([]int, 0, len(pending))
	for idx, c := range pending {
		if c.done && c.callID != "" {
			indexes = append(indexes, idx)
		}
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		calls = append(calls, *pending[idx])
	}
	return responseID, calls, nil
}

func (a *Adapter) emit(typ eventstore.FrameType, payload any) {
	if a.frames == nil {
		return
	}
	_ = a.frames.Append(typ, payload)
}

// allowedUpstreamTools restricts the tool list advertised to the model to
// AllowedTools, when set, so the model never even sees a tool it isn't
// permitted to call this run.
func (a *Adapter) allowedUpstreamTools() []ResponsesTool {
	if len(a.cfg.AllowedTools) == 0 {
		return a.cfg.Tools
	}
	allow := make(map[string]bool, len(a.cfg.AllowedTools))
	for _, n := range a.cfg.AllowedTools {
		allow[n] = true
	}
	out := make([]ResponsesTool, 0, len(a.cfg.Tools))
	for _, t := range a.cfg.Tools {
		if allow[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

func toolChoiceValue(mode string) any {
	switch mode {
	case "required", "none":
		return mode
	default:
		return "auto"
	}
}

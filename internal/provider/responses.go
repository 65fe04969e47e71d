package provider

import "encoding/json"

// RawEvent is one upstream Responses-API SSE event, preserved verbatim. The
// adapter forwards every RawEvent as a provider_event frame before it
// interprets (or ignores) it — an event type this binary doesn't know about
// still reaches the log unchanged, so nothing upstream emits is ever lost
// to an incomplete type switch.
type RawEvent struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// Known Responses-API event names the adapter interprets. Any other name
// is still framed verbatim but otherwise ignored.
const (
	EventResponseCreated             = "response.created"
	EventOutputTextDelta             = "response.output_text.delta"
	EventOutputTextDone               = "response.output_text.done"
	EventOutputItemAdded             = "response.output_item.added"
	EventOutputItemDone               = "response.output_item.done"
	EventFunctionCallArgumentsDelta  = "response.function_call_arguments.delta"
	EventFunctionCallArgumentsDone   = "response.function_call_arguments.done"
	EventResponseCompleted           = "response.completed"
	EventResponseFailed              = "response.failed"
	EventResponseError                = "error"
)

// ResponsesRequest is the request body sent to the Responses API. Input
// carries the full conversation as typed items rather than a flat message
// list, since function_call and function_call_output items have no
// equivalent in the Chat Completions message shape.
type ResponsesRequest struct {
	Model              string           `json:"model"`
	Input              []InputItem      `json:"input"`
	Instructions       string           `json:"instructions,omitempty"`
	Tools              []ResponsesTool  `json:"tools,omitempty"`
	ToolChoice         any              `json:"tool_choice,omitempty"`
	ParallelToolCalls  bool             `json:"parallel_tool_calls"`
	PreviousResponseID string           `json:"previous_response_id,omitempty"`
	Store              bool             `json:"store"`
	Stream             bool             `json:"stream"`
	MaxOutputTokens    int              `json:"max_output_tokens,omitempty"`
	Temperature        *float64         `json:"temperature,omitempty"`
	TopP               *float64         `json:"top_p,omitempty"`
}

// InputItem is one element of a Responses-API input array. Exactly one of
// the role-tagged fields is populated per item type, discriminated by
// Type.
type InputItem struct {
	Type string `json:"type"`

	// type == "message"
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// type == "function_call_output"
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// NewMessageInput builds a "message" input item.
func NewMessageInput(role, content string) InputItem {
	return InputItem{Type: "message", Role: role, Content: content}
}

// NewFunctionCallOutputInput builds a "function_call_output" input item,
// the follow-up-turn encoding of a tool result keyed by call_id.
func NewFunctionCallOutputInput(callID, output string) InputItem {
	return InputItem{Type: "function_call_output", CallID: callID, Output: output}
}

// ResponsesTool describes one callable function in Responses-API shape.
type ResponsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// OutputItem is the payload of an output_item.added/done event.
type OutputItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// outputItemEventPayload is the envelope around output_item.added/done.
type outputItemEventPayload struct {
	OutputIndex int        `json:"output_index"`
	Item        OutputItem `json:"item"`
}

// outputTextDeltaPayload is the envelope around response.output_text.delta.
type outputTextDeltaPayload struct {
	Delta       string `json:"delta"`
	OutputIndex int    `json:"output_index"`
	ItemID      string `json:"item_id"`
}

// functionCallArgumentsPayload covers both the delta and done variants;
// done carries the full Arguments instead of an incremental Delta.
type functionCallArgumentsPayload struct {
	ItemID      string `json:"item_id"`
	OutputIndex int    `json:"output_index"`
	Delta       string `json:"delta,omitempty"`
	Arguments   string `json:"arguments,omitempty"`
}

// responseCompletedPayload is the envelope around response.completed.
type responseCompletedPayload struct {
	Response struct {
		ID     string       `json:"id"`
		Output []OutputItem `json:"output"`
		Usage  *TokenUsage  `json:"usage,omitempty"`
	} `json:"response"`
}

// responseFailedPayload covers response.failed and the bare "error" event.
type responseFailedPayload struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

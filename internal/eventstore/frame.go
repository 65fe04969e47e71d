// Package eventstore is the append-only, per-stream event log that is the
// single source of truth for continuities, sessions, and tasks. Truth lives
// entirely in the sequence files under a stream's directory; any sidecar
// index is a cache that may be deleted and rebuilt.
package eventstore

import "encoding/json"

// StreamKind identifies which kind of entity owns a stream.
type StreamKind string

// StreamKind values. A continuity stream never terminates; session and task
// streams terminate with an explicit frame.
const (
	StreamContinuity StreamKind = "continuity"
	StreamSession    StreamKind = "session"
	StreamTask       StreamKind = "task"
)

// Stream identifies a single append-only log.
type Stream struct {
	Kind StreamKind
	ID   string
}

// FrameType is a tagged variant discriminator. Vendor-prefixed or otherwise
// unrecognized types pass through unchanged — a frame is never rejected for
// carrying a type this binary does not know about.
type FrameType string

// Known frame types, grouped by the stream kind that carries them. The list
// is open: Payload for unrecognized types is preserved as raw JSON.
const (
	// Session stream.
	FrameSessionStarted  FrameType = "session_started"
	FrameOutputTextDelta FrameType = "output_text_delta"
	FrameSessionEnded    FrameType = "session_ended"
	FrameToolStarted     FrameType = "tool_started"
	FrameToolStdout      FrameType = "tool_stdout"
	FrameToolStderr      FrameType = "tool_stderr"
	FrameToolEnded       FrameType = "tool_ended"
	FrameToolFailed      FrameType = "tool_failed"
	FrameProviderEvent   FrameType = "provider_event"
	FrameCheckpointCreated FrameType = "checkpoint_created"
	FrameCheckpointRewound FrameType = "checkpoint_rewound"
	FrameCheckpointFailed  FrameType = "checkpoint_failed"

	// Continuity stream.
	FrameContinuityCreated               FrameType = "continuity_created"
	FrameContinuityMessageAppended       FrameType = "continuity_message_appended"
	FrameContinuityRunSpawned            FrameType = "continuity_run_spawned"
	FrameContinuityBranched              FrameType = "continuity_branched"
	FrameContinuityHandoffCreated        FrameType = "continuity_handoff_created"
	FrameContinuityContextCompiled       FrameType = "continuity_context_compiled"
	FrameContinuityContextSelectionDecided FrameType = "continuity_context_selection_decided"
	FrameContinuityCompactionCheckpointCreated FrameType = "continuity_compaction_checkpoint_created"
	FrameContinuityCompactionAutoScheduleDecided FrameType = "continuity_compaction_auto_schedule_decided"
	FrameContinuityJobSpawned            FrameType = "continuity_job_spawned"
	FrameContinuityJobEnded              FrameType = "continuity_job_ended"
	FrameContinuityProviderCursorUpdated FrameType = "continuity_provider_cursor_updated"

	// Task stream.
	FrameTaskSpawned         FrameType = "tool_task_spawned"
	FrameTaskStatus          FrameType = "tool_task_status"
	FrameTaskOutputDelta     FrameType = "tool_task_output_delta"
	FrameTaskStdinWritten    FrameType = "tool_task_stdin_written"
	FrameTaskResized         FrameType = "tool_task_resized"
	FrameTaskSignalled       FrameType = "tool_task_signalled"
	FrameTaskCancelRequested FrameType = "tool_task_cancel_requested"
	FrameTaskCancelled       FrameType = "tool_task_cancelled"
)

// Event is one immutable, sequenced record — the unit of truth. Payload
// carries the typed fields for Type; callers that know the type unmarshal
// Payload into the matching struct, and callers that don't (e.g. a verbatim
// relay) forward Payload untouched.
type Event struct {
	ID          string          `json:"id"`
	StreamKind  StreamKind      `json:"stream_kind"`
	StreamID    string          `json:"stream_id"`
	Seq         uint64          `json:"seq"`
	TimestampMs int64           `json:"timestamp_ms"`
	Type        FrameType       `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the event's payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Package gateway implements the Control Plane: the chi-based HTTP/SSE
// surface in front of the Authority, Context Compiler, Compaction Engine,
// Provider Adapter, Tool Runner, and Task Manager, plus the Engine type that
// orchestrates them into thread/session/task operations.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ripcore/rip/internal/artifact"
	"github.com/ripcore/rip/internal/authority"
	rcontext "github.com/ripcore/rip/internal/context"
	"github.com/ripcore/rip/internal/context/compaction"
	"github.com/ripcore/rip/internal/eventstore"
	"github.com/ripcore/rip/internal/provider"
	"github.com/ripcore/rip/internal/taskmanager"
	"github.com/ripcore/rip/internal/tool"
)

// ErrThreadNotFound is returned by operations that require an existing
// continuity stream.
var ErrThreadNotFound = errors.New("gateway: thread not found")

// ErrHandoffRequiresSummary is returned when neither summary_markdown nor
// summary_artifact_id is given to Handoff.
var ErrHandoffRequiresSummary = errors.New("gateway: handoff requires summary_markdown or summary_artifact_id")

// EngineConfig holds Engine's dependencies, assembled by the gateway module
// during Provision.
type EngineConfig struct {
	Authority  *authority.Authority
	Compiler   *rcontext.Compiler
	Compaction *compaction.Engine
	Tasks      *taskmanager.Manager

	Registry     *tool.Registry
	Policy       tool.Policy
	AllowedTools []string
	Env          tool.ExecutionEnv
	Checkpoints  *checkpointIndex

	// Transport is the upstream model transport. Nil means no provider is
	// configured: runs degrade to a deterministic stub turn (scenario S1)
	// instead of failing.
	Transport provider.Transport

	Model            string
	Instructions     string
	ToolChoiceMode   string
	MaxToolCalls     int
	StatelessHistory bool

	Strategy rcontext.Strategy
	Limits   rcontext.Limits

	Metrics *Metrics
	Logger  *slog.Logger
}

// Engine ties the runtime's components into the operations the control
// plane exposes. It holds no truth of its own — everything it does is a
// call into the Authority or a narrow read against the event log.
type Engine struct {
	cfg EngineConfig
	log *slog.Logger

	activeRuns sync.Map // session id (string) -> context.CancelFunc
}

// NewEngine builds an Engine from cfg.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = rcontext.StrategyRecentMessages
	}
	return &Engine{cfg: cfg, log: cfg.Logger}
}

func newID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("gateway: crypto/rand unavailable: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// ThreadIDs implements cron.ThreadLister.
func (e *Engine) ThreadIDs(_ context.Context) ([]string, error) {
	streams, err := e.cfg.Authority.Events.ListStreams()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, st := range streams {
		if st.Kind == eventstore.StreamContinuity {
			ids = append(ids, st.ID)
		}
	}
	return ids, nil
}

// EnsureThread returns the data store's default thread id, creating it (and
// recording continuity_created) on first call.
func (e *Engine) EnsureThread() (threadID string, err error) {
	ids, err := e.ThreadIDs(context.Background())
	if err != nil {
		return "", err
	}
	if len(ids) > 0 {
		return ids[0], nil
	}

	id, err := newID()
	if err != nil {
		return "", err
	}
	st := rcontext.Stream(id)
	if _, err := e.cfg.Authority.Append(st, eventstore.FrameContinuityCreated, map[string]any{"thread_id": id}); err != nil {
		return "", fmt.Errorf("gateway: ensure thread: %w", err)
	}
	return id, nil
}

// ThreadExists reports whether threadID has any truth recorded against it.
func (e *Engine) ThreadExists(threadID string) (bool, error) {
	events, err := e.cfg.Authority.Events.Range(rcontext.Stream(threadID), 0, 0)
	if err != nil {
		return false, err
	}
	return len(events) > 0, nil
}

// PostMessage appends a user message to threadID and asynchronously spawns
// the run that answers it. The session id is returned immediately; callers
// follow /sessions/:id/events (SSE) for the run's frames.
func (e *Engine) PostMessage(threadID, content string) (sessionID, messageID string, err error) {
	st := rcontext.Stream(threadID)

	messageID, err = newID()
	if err != nil {
		return "", "", err
	}
	if _, err = e.cfg.Authority.Append(st, eventstore.FrameContinuityMessageAppended, map[string]any{
		"message_id": messageID, "content": content, "actor_id": "user", "origin": "user",
	}); err != nil {
		return "", "", fmt.Errorf("gateway: append message: %w", err)
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.messagesAppended.Inc()
	}

	sessionID, err = newID()
	if err != nil {
		return "", "", err
	}
	if _, err = e.cfg.Authority.Append(st, eventstore.FrameContinuityRunSpawned, map[string]any{
		"session_id": sessionID, "message_id": messageID,
	}); err != nil {
		return "", "", fmt.Errorf("gateway: append run spawned: %w", err)
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.sessionsStarted.Inc()
	}

	go e.runSession(threadID, sessionID, content)
	return sessionID, messageID, nil
}

// CancelSession requests cancellation of an in-flight run. It is a no-op if
// the session has already reached a terminal frame.
func (e *Engine) CancelSession(sessionID string) error {
	v, ok := e.activeRuns.Load(sessionID)
	if !ok {
		return nil
	}
	cancel := v.(context.CancelFunc)
	cancel()
	return nil
}

// runSession drives one session stream end to end: session_started, the
// context compile, the provider loop (or stub turn), and the terminal frame.
func (e *Engine) runSession(threadID, sessionID, content string) {
	ctx, cancel := context.WithCancel(context.Background())
	e.activeRuns.Store(sessionID, cancel)
	defer func() {
		cancel()
		e.activeRuns.Delete(sessionID)
	}()

	st := eventstore.Stream{Kind: eventstore.StreamSession, ID: sessionID}
	if _, err := e.cfg.Authority.Append(st, eventstore.FrameSessionStarted, map[string]any{"input": content}); err != nil {
		e.log.Error("gateway: session_started append failed", "session_id", sessionID, "error", err)
		return
	}

	if e.cfg.Compiler != nil {
		if _, _, err := e.cfg.Compiler.Compile(threadID, sessionID, e.cfg.Strategy, 0, e.cfg.Limits); err != nil {
			e.log.Warn("gateway: context compile failed", "thread_id", threadID, "error", err)
		}
	}

	if e.cfg.Transport == nil {
		e.runStubTurn(st, content)
		return
	}

	frames := streamFrames{authority: e.cfg.Authority, stream: st}
	runner := tool.NewRunner(tool.RunnerConfig{
		Registry: e.cfg.Registry, Policy: e.cfg.Policy, AllowedTools: e.cfg.AllowedTools, Env: e.cfg.Env,
		Checkpoints: e.cfg.Checkpoints, Artifacts: e.cfg.Authority.Artifacts, Workspace: e.cfg.Authority, Frames: frames,
	})
	adapter := provider.NewAdapter(e.cfg.Transport, runner, frames, provider.Config{
		Model: e.cfg.Model, Instructions: e.cfg.Instructions, Tools: e.toolDefinitions(),
		AllowedTools: e.cfg.AllowedTools, ToolChoiceMode: e.cfg.ToolChoiceMode,
		MaxToolCalls: e.cfg.MaxToolCalls, StatelessHistory: e.cfg.StatelessHistory,
	})

	input := []provider.InputItem{provider.NewMessageInput("user", content)}
	if _, err := adapter.Run(ctx, input); err != nil {
		e.log.Warn("gateway: provider run ended with error", "session_id", sessionID, "error", err)
	}
}

// runStubTurn answers a message deterministically when no provider is
// configured (scenario S1): an acknowledgement delta followed by a normal
// completion, so a store with no model wired still exercises the full
// session-stream contract.
func (e *Engine) runStubTurn(st eventstore.Stream, content string) {
	if _, err := e.cfg.Authority.Append(st, eventstore.FrameOutputTextDelta, map[string]any{"delta": "ack: " + content}); err != nil {
		e.log.Error("gateway: stub delta append failed", "error", err)
		return
	}
	if _, err := e.cfg.Authority.Append(st, eventstore.FrameSessionEnded, map[string]any{"reason": "completed"}); err != nil {
		e.log.Error("gateway: stub session_ended append failed", "error", err)
	}
}

func (e *Engine) toolDefinitions() []provider.ResponsesTool {
	if e.cfg.Registry == nil {
		return nil
	}
	schemas := e.cfg.Registry.Schemas()
	out := make([]provider.ResponsesTool, len(schemas))
	for i, s := range schemas {
		out[i] = provider.ResponsesTool{Type: "function", Name: s.Name, Parameters: s.Schema}
	}
	return out
}

// RewindCheckpoint restores the workspace to checkpointID's captured state
// and records checkpoint_rewound. If sessionID's stream already carries its
// terminal frame (the common case: rewind requested after the run that
// captured the checkpoint has completed), the frame is recorded against a
// freshly opened session instead, whose id is returned.
func (e *Engine) RewindCheckpoint(sessionID, checkpointID string) (recordedSessionID string, err error) {
	if err := e.cfg.Checkpoints.Rewind(checkpointID); err != nil {
		return "", err
	}

	st := eventstore.Stream{Kind: eventstore.StreamSession, ID: sessionID}
	if _, err := e.cfg.Authority.Append(st, eventstore.FrameCheckpointRewound, map[string]any{"checkpoint_id": checkpointID}); err == nil {
		return sessionID, nil
	} else if !errors.Is(err, eventstore.ErrStreamClosed) {
		return "", err
	}

	freshID, err := newID()
	if err != nil {
		return "", err
	}
	fresh := eventstore.Stream{Kind: eventstore.StreamSession, ID: freshID}
	if _, err := e.cfg.Authority.Append(fresh, eventstore.FrameSessionStarted, map[string]any{"input": nil}); err != nil {
		return "", err
	}
	if _, err := e.cfg.Authority.Append(fresh, eventstore.FrameCheckpointRewound, map[string]any{"checkpoint_id": checkpointID}); err != nil {
		return "", err
	}
	return freshID, nil
}

// Branch creates a new, empty continuity stream linked to threadID at
// fromMessageID via a link-only continuity_branched frame — no messages are
// copied.
func (e *Engine) Branch(threadID, fromMessageID string) (childThreadID string, err error) {
	messages, err := rcontext.ListMessages(e.cfg.Authority.Events, threadID, 0)
	if err != nil {
		return "", err
	}
	var parentSeq uint64
	found := false
	for _, m := range messages {
		if m.MessageID == fromMessageID {
			parentSeq = m.Seq
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("gateway: message %s not found in thread %s", fromMessageID, threadID)
	}

	childID, err := newID()
	if err != nil {
		return "", err
	}
	childSt := rcontext.Stream(childID)
	if _, err := e.cfg.Authority.Append(childSt, eventstore.FrameContinuityCreated, map[string]any{"thread_id": childID}); err != nil {
		return "", err
	}
	if _, err := e.cfg.Authority.Append(childSt, eventstore.FrameContinuityBranched, map[string]any{
		"parent_thread_id": threadID, "parent_seq": parentSeq, "parent_message_id": fromMessageID,
	}); err != nil {
		return "", err
	}
	return childID, nil
}

// Handoff creates a new continuity stream link-only against threadID at its
// current tail, carrying a caller-supplied summary instead of copied
// messages. Exactly one of summaryMarkdown/summaryArtifactID must be given.
func (e *Engine) Handoff(threadID, summaryMarkdown, summaryArtifactID string) (newThreadID string, err error) {
	if summaryMarkdown == "" && summaryArtifactID == "" {
		return "", ErrHandoffRequiresSummary
	}
	if summaryMarkdown != "" && summaryArtifactID == "" {
		id, err := e.cfg.Authority.Artifacts.Put(artifact.KindHandoffSummary, []byte(summaryMarkdown))
		if err != nil {
			return "", err
		}
		summaryArtifactID = id
	}

	messages, err := rcontext.ListMessages(e.cfg.Authority.Events, threadID, 0)
	if err != nil {
		return "", err
	}
	var fromSeq uint64
	var fromMessageID string
	if len(messages) > 0 {
		last := messages[len(messages)-1]
		fromSeq = last.Seq
		fromMessageID = last.MessageID
	}

	childID, err := newID()
	if err != nil {
		return "", err
	}
	childSt := rcontext.Stream(childID)
	if _, err := e.cfg.Authority.Append(childSt, eventstore.FrameContinuityCreated, map[string]any{"thread_id": childID}); err != nil {
		return "", err
	}
	payload := map[string]any{
		"from_thread_id": threadID, "from_seq": fromSeq, "summary_artifact_id": summaryArtifactID,
	}
	if fromMessageID != "" {
		payload["from_message_id"] = fromMessageID
	}
	if _, err := e.cfg.Authority.Append(childSt, eventstore.FrameContinuityHandoffCreated, payload); err != nil {
		return "", err
	}
	return childID, nil
}

// CompactionCheckpoint runs one manual summarizer job at the thread's
// current tail, regardless of stride alignment.
func (e *Engine) CompactionCheckpoint(threadID string) (rcontext.Checkpoint, error) {
	messages, err := rcontext.ListMessages(e.cfg.Authority.Events, threadID, 0)
	if err != nil {
		return rcontext.Checkpoint{}, err
	}
	if len(messages) == 0 {
		return rcontext.Checkpoint{}, fmt.Errorf("gateway: thread %s has no messages to checkpoint", threadID)
	}
	last := messages[len(messages)-1]
	cp, err := e.cfg.Compaction.RunSummarizerJob(threadID, last.Seq, last.MessageID)
	if err == nil && e.cfg.Metrics != nil {
		e.cfg.Metrics.compactionRuns.Inc()
	}
	return cp, err
}

// CompactionAutoRun schedules and executes pending cut points for threadID.
func (e *Engine) CompactionAutoRun(threadID string, strideMessages, maxNewCheckpoints int) ([]rcontext.Checkpoint, error) {
	checkpoints, err := e.cfg.Compaction.AutoRun(threadID, strideMessages, maxNewCheckpoints)
	if err == nil && e.cfg.Metrics != nil {
		e.cfg.Metrics.compactionRuns.Add(float64(len(checkpoints)))
	}
	return checkpoints, err
}

// CompactionAutoSchedule logs a scheduling decision and, when execute is
// true, immediately runs the planned cut points.
func (e *Engine) CompactionAutoSchedule(threadID string, strideMessages, maxNewCheckpoints int, blockOnInflight, execute bool) (compaction.ScheduleDecision, []rcontext.Checkpoint, error) {
	if execute {
		checkpoints, err := e.cfg.Compaction.AutoRun(threadID, strideMessages, maxNewCheckpoints)
		if err != nil {
			return compaction.ScheduleDecision{}, checkpoints, err
		}
		decision, err := e.cfg.Compaction.ScheduleAuto(threadID, strideMessages, maxNewCheckpoints, false)
		return decision, checkpoints, err
	}
	decision, err := e.cfg.Compaction.ScheduleAuto(threadID, strideMessages, maxNewCheckpoints, blockOnInflight)
	return decision, nil, err
}

// CompactionStatus is the projection /threads/:id/compaction-status returns.
type CompactionStatus struct {
	MessageCount       int    `json:"message_count"`
	LatestCheckpointID string `json:"latest_checkpoint_id,omitempty"`
	NextCutSeq         uint64 `json:"next_cut_seq,omitempty"`
	NextCutMessageID   string `json:"next_cut_message_id,omitempty"`
}

// CompactionStatus computes the current compaction projection for threadID.
func (e *Engine) CompactionStatusOf(threadID string, strideMessages int) (CompactionStatus, error) {
	messages, err := rcontext.ListMessages(e.cfg.Authority.Events, threadID, 0)
	if err != nil {
		return CompactionStatus{}, err
	}
	checkpoints, err := rcontext.ListCheckpoints(e.cfg.Authority.Events, threadID, 0)
	if err != nil {
		return CompactionStatus{}, err
	}

	status := CompactionStatus{MessageCount: len(messages)}
	if cp, ok := rcontext.LatestAtOrBefore(checkpoints, ^uint64(0)); ok {
		status.LatestCheckpointID = cp.CheckpointID
	}
	planned := compaction.PlanCutPoints(messages, checkpoints, strideMessages, 1)
	if len(planned) > 0 {
		status.NextCutSeq = planned[0].Seq
		status.NextCutMessageID = planned[0].MessageID
	}
	return status, nil
}

// ProviderCursor is one {provider,endpoint,model} cursor projection entry.
type ProviderCursor struct {
	Provider   string `json:"provider,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	Model      string `json:"model,omitempty"`
	Cursor     string `json:"cursor,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
}

// ProviderCursorStatus returns the latest recorded cursor for threadID, if
// any has been rotated or observed from a provider run.
func (e *Engine) ProviderCursorStatus(threadID string) (ProviderCursor, bool, error) {
	events, err := e.cfg.Authority.Events.Range(rcontext.Stream(threadID), 0, 0)
	if err != nil {
		return ProviderCursor{}, false, err
	}
	var latest ProviderCursor
	found := false
	for _, ev := range events {
		if ev.Type != eventstore.FrameContinuityProviderCursorUpdated {
			continue
		}
		var cur ProviderCursor
		if ev.Decode(&cur) == nil {
			latest = cur
			found = true
		}
	}
	return latest, found, nil
}

// ProviderCursorRotate appends a new cursor frame without touching any
// other truth.
func (e *Engine) ProviderCursorRotate(threadID string, cur ProviderCursor) error {
	_, err := e.cfg.Authority.Append(rcontext.Stream(threadID), eventstore.FrameContinuityProviderCursorUpdated, cur)
	return err
}

// ContextSelectionEntry is one decoded continuity_context_selection_decided
// frame.
type ContextSelectionEntry struct {
	RunSessionID          string   `json:"run_session_id"`
	Strategy              string   `json:"compiler_strategy"`
	CompactionCheckpoint  string   `json:"compaction_checkpoint,omitempty"`
	CompactionCheckpoints []string `json:"compaction_checkpoints,omitempty"`
}

// ContextSelectionStatus returns the most recent selection decisions for
// threadID, newest first, bounded to limit entries (0 means all).
func (e *Engine) ContextSelectionStatus(threadID string, limit int) ([]ContextSelectionEntry, error) {
	events, err := e.cfg.Authority.Events.Range(rcontext.Stream(threadID), 0, 0)
	if err != nil {
		return nil, err
	}
	var out []ContextSelectionEntry
	for _, ev := range events {
		if ev.Type != eventstore.FrameContinuityContextSelectionDecided {
			continue
		}
		var entry ContextSelectionEntry
		if ev.Decode(&entry) == nil {
			out = append(out, entry)
		}
	}
	// newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

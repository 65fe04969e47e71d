package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ripcore/rip/internal/artifact"
	"github.com/ripcore/rip/internal/eventstore"
)

// inlinePreviewCap bounds how much of a tool's stdout/stderr is carried
// inline in its frame. Output beyond the cap is written to the artifact
// store instead and referenced by id; the frame always carries both a
// preview and, when truncated, the artifact reference.
const inlinePreviewCap = 4096

// Checkpointer captures and restores workspace file state around a
// mutating tool invocation. Runner depends on the interface, not
// workspace.Checkpointer directly, to keep this package import-free of
// workspace.
type Checkpointer interface {
	Capture(paths []string, label string, auto bool) (Checkpoint, error)
}

// Checkpoint mirrors the shape Runner needs from a captured checkpoint,
// enough to frame it without depending on the workspace package's type.
type Checkpoint struct {
	ID    string
	Files []string
}

// ArtifactPutter stores oversized tool output out of line. Runner depends
// on this narrow interface rather than *artifact.Store so it can be tested
// without a real blob store.
type ArtifactPutter interface {
	Put(kind artifact.Kind, content []byte) (artifactID string, err error)
}

// WorkspaceLocker serializes workspace-mutating tool calls against
// read-only ones. Mirrors authority.Authority's Begin* methods.
type WorkspaceLocker interface {
	BeginWorkspaceMutation() (release func())
	BeginWorkspaceRead() (release func())
}

// FrameAppender persists a frame to the owning session stream. Mirrors the
// subset of authority.Authority.Append Runner needs.
type FrameAppender interface {
	Append(frameType eventstore.FrameType, payload any) error
}

// TouchedPathser lets a tool declare, ahead of execution, which workspace
// paths it is about to mutate so Runner can checkpoint them. Tools that
// don't implement it are treated as touching no files (read-only tools,
// or tools where checkpointing doesn't apply).
type TouchedPathser interface {
	TouchedPaths(args json.RawMessage) []string
}

// Call is one tool invocation to run, identified the way the provider
// adapter identifies it (output_index order is the caller's
// responsibility — Runner.Run executes calls in the order given).
type Call struct {
	ToolID    string
	Name      string
	Args      json.RawMessage
	TimeoutMs int64
}

// Result is the outcome of one call, in both frame-ready and
// upstream-follow-up shapes.
type Result struct {
	ToolID     string
	Failed     bool
	FailureMsg string
	// NotAllowed is set when Failed is true because the call named a tool
	// outside the run's tool_choice/allowed_tools set (ErrToolNotAllowed),
	// as opposed to a tool that executed and failed. It selects the
	// {ok:false, error:"tool_not_allowed"} upstream shape instead of the
	// general {stdout,stderr,exit_code} one.
	NotAllowed bool

	Stdout     string
	Stderr     string
	ExitCode   int
	DurationMs int64
	ArtifactRefs map[string]string // field name ("stdout"/"stderr") -> artifact_id, set only when truncated
}

// UpstreamPayload returns the deterministic, replay-stable encoding sent
// back to the model: runtime-only fields (ids, wall durations) are
// excluded so two replays of the same log produce byte-identical
// follow-up requests. A failed call is never reported as a silent
// success: a disallowed tool call produces the synthetic
// {ok:false, error:"tool_not_allowed"} output; any other failure keeps
// the stable {stdout,stderr,exit_code} shape but forces a non-zero
// exit_code and carries the failure reason in stderr.
func (r Result) UpstreamPayload() map[string]any {
	if r.Failed && r.NotAllowed {
		return map[string]any{"ok": false, "error": "tool_not_allowed"}
	}
	stderr := r.Stderr
	exitCode := r.ExitCode
	if r.Failed {
		if stderr == "" {
			stderr = r.FailureMsg
		}
		if exitCode == 0 {
			exitCode = 1
		}
	}
	out := map[string]any{
		"stdout":    r.Stdout,
		"stderr":    stderr,
		"exit_code": exitCode,
	}
	if len(r.ArtifactRefs) > 0 {
		out["artifact_refs"] = r.ArtifactRefs
	}
	return out
}

// Runner wraps Registry.Execute with the session-stream contract: an auto
// checkpoint ahead of mutating calls, tool_started/tool_ended/tool_failed
// frames around the call, and bounded output with artifact overflow.
type Runner struct {
	registry     *Registry
	policy       Policy
	allowedTools []string
	env          ExecutionEnv

	checkpoints Checkpointer
	artifacts   ArtifactPutter
	workspace   WorkspaceLocker
	frames      FrameAppender
}

// RunnerConfig holds Runner's dependencies.
type RunnerConfig struct {
	Registry     *Registry
	Policy       Policy
	AllowedTools []string
	Env          ExecutionEnv

	Checkpoints Checkpointer
	Artifacts   ArtifactPutter
	Workspace   WorkspaceLocker
	Frames      FrameAppender
}

// NewRunner builds a Runner from cfg.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		registry:     cfg.Registry,
		policy:       cfg.Policy,
		allowedTools: cfg.AllowedTools,
		env:          cfg.Env,
		checkpoints:  cfg.Checkpoints,
		artifacts:    cfg.Artifacts,
		workspace:    cfg.Workspace,
		frames:       cfg.Frames,
	}
}

// Run executes calls in the given order and returns one Result per call.
// Dispatch is strictly sequential: a recorded upstream response's
// function_call items are deterministic only if they run in the order the
// provider emitted them, and workspace-mutating tools rely on the caller
// holding the store's workspace lock for the duration of each call.
func (r *Runner) Run(ctx context.Context, calls []Call) []Result {
	results := make([]Result, len(calls))
	for i, c := range calls {
		results[i] = r.runOne(ctx, c)
	}
	return results
}

func (r *Runner) runOne(ctx context.Context, c Call) (result Result) {
	result.ToolID = c.ToolID

	if c.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			result.Failed = true
			result.FailureMsg = fmt.Sprintf("panic: %v", rec)
			r.emitFailed(result)
		}
	}()

	mutating, release := r.beginWorkspace(c)
	defer release()

	if mutating {
		if err := r.autoCheckpoint(c); err != nil {
			result.Failed = true
			result.FailureMsg = err.Error()
			r.emitFailed(result)
			return result
		}
	}

	r.emitStarted(c)

	start := time.Now()
	out, err := r.registry.Execute(ctx, c.Name, c.Args, r.policy, r.allowedTools, r.env)
	result.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		result.Failed = true
		result.FailureMsg = err.Error()
		result.NotAllowed = errors.Is(err, ErrToolNotAllowed)
		r.emitFailed(result)
		return result
	}

	result.Stdout, result.ArtifactRefs = r.boundOutput(result.ArtifactRefs, "stdout", out.Content)
	if out.IsError {
		result.ExitCode = 1
	}
	r.emitEnded(result)
	return result
}

// beginWorkspace acquires the appropriate workspace lock for c and reports
// whether c is treated as mutating (exclusive lock) for checkpoint
// purposes.
func (r *Runner) beginWorkspace(c Call) (mutating bool, release func()) {
	if r.workspace == nil {
		return false, func() {}
	}
	t, err := r.registry.Get(c.Name)
	if err != nil {
		// Unknown tool: Execute will fail fast with ErrToolNotFound: take
		// the cheaper read lock since no mutation can occur.
		return false, r.workspace.BeginWorkspaceRead()
	}
	for _, s := range t.Scopes() {
		if s == ScopeReadWrite {
			return true, r.workspace.BeginWorkspaceMutation()
		}
	}
	return false, r.workspace.BeginWorkspaceRead()
}

func (r *Runner) autoCheckpoint(c Call) error {
	if r.checkpoints == nil {
		return nil
	}
	t, err := r.registry.Get(c.Name)
	if err != nil {
		return nil
	}
	toucher, ok := t.(TouchedPathser)
	if !ok {
		return nil
	}
	paths := toucher.TouchedPaths(c.Args)
	if len(paths) == 0 {
		return nil
	}
	cp, err := r.checkpoints.Capture(paths, "", true)
	if err != nil {
		r.emitFrame(eventstore.FrameCheckpointFailed, map[string]any{
			"tool_id": c.ToolID,
			"error":   err.Error(),
		})
		return fmt.Errorf("tool: auto checkpoint: %w", err)
	}
	r.emitFrame(eventstore.FrameCheckpointCreated, map[string]any{
		"checkpoint_id": cp.ID,
		"auto":          true,
		"files":         cp.Files,
	})
	return nil
}

// boundOutput splits content into an inline preview plus, when it exceeds
// inlinePreviewCap, an overflow artifact referenced under field in refs.
func (r *Runner) boundOutput(refs map[string]string, field, content string) (string, map[string]string) {
	if len(content) <= inlinePreviewCap {
		return content, refs
	}
	preview := content[:inlinePreviewCap]
	if r.artifacts == nil {
		return preview, refs
	}
	id, err := r.artifacts.Put(artifact.KindToolOutput, []byte(content))
	if err != nil {
		return preview, refs
	}
	if refs == nil {
		refs = make(map[string]string, 1)
	}
	refs[field] = id
	return preview, refs
}

func (r *Runner) emitStarted(c Call) {
	r.emitFrame(eventstore.FrameToolStarted, map[string]any{
		"tool_id":    c.ToolID,
		"name":       c.Name,
		"args":       json.RawMessage(c.Args),
		"timeout_ms": c.TimeoutMs,
	})
}

func (r *Runner) emitEnded(res Result) {
	payload := map[string]any{
		"tool_id":     res.ToolID,
		"exit_code":   res.ExitCode,
		"duration_ms": res.DurationMs,
		"preview":     res.Stdout,
	}
	if len(res.ArtifactRefs) > 0 {
		payload["artifacts"] = res.ArtifactRefs
	}
	r.emitFrame(eventstore.FrameToolEnded, payload)
}

func (r *Runner) emitFailed(res Result) {
	r.emitFrame(eventstore.FrameToolFailed, map[string]any{
		"tool_id": res.ToolID,
		"error":   res.FailureMsg,
	})
}

func (r *Runner) emitFrame(typ eventstore.FrameType, payload map[string]any) {
	if r.frames == nil {
		return
	}
	_ = r.frames.Append(typ, payload)
}

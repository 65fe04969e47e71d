// Package builtin provides the concrete read/write/patch/search/bash tools
// the Tool Runner dispatches: thin tool.Tool adapters over a
// workspace.Mutator (file tools) and os/exec (bash), registered together so
// a store's tool.Registry always carries the same baseline capability set.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ripcore/rip/internal/tool"
	"github.com/ripcore/rip/internal/workspace"
)

// Mutator is the subset of *workspace.Mutator the builtin tools need.
type Mutator interface {
	Read(rel string) ([]byte, error)
	Write(rel string, content []byte) error
	Patch(rel, oldText, newText string) error
	Search(rel, query string) ([]workspace.Match, error)
}

// Register adds the baseline read/write/patch/search/bash tools to reg,
// backed by mutator. bashTimeout bounds a bash tool call with no explicit
// timeout_ms.
func Register(reg *tool.Registry, mutator Mutator, bashTimeout time.Duration) error {
	for _, t := range []tool.Tool{
		&ReadTool{mutator: mutator},
		&WriteTool{mutator: mutator},
		&PatchTool{mutator: mutator},
		&SearchTool{mutator: mutator},
		&BashTool{defaultTimeout: bashTimeout},
	} {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("builtin: register %s: %w", t.Name(), err)
		}
	}
	return nil
}

// ReadTool reads one workspace-relative file in full.
type ReadTool struct{ mutator Mutator }

func (t *ReadTool) Name() string        { return "read" }
func (t *ReadTool) Description() string { return "Read the full contents of a workspace file." }
func (t *ReadTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`)
}
func (t *ReadTool) Scopes() []tool.Scope            { return []tool.Scope{tool.ScopeReadOnly} }
func (t *ReadTool) DefaultPolicy() tool.ApprovalLevel { return tool.ApprovalAllow }

func (t *ReadTool) Execute(_ context.Context, args json.RawMessage, _ tool.ExecutionEnv) (tool.Output, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return tool.Output{}, fmt.Errorf("%w: %v", tool.ErrInvalidArgs, err)
	}
	content, err := t.mutator.Read(in.Path)
	if err != nil {
		return tool.Output{Content: err.Error(), IsError: true}, nil
	}
	return tool.Output{Content: string(content)}, nil
}

// WriteTool creates or overwrites one workspace-relative file.
type WriteTool struct{ mutator Mutator }

func (t *WriteTool) Name() string        { return "write" }
func (t *WriteTool) Description() string { return "Create or overwrite a workspace file." }
func (t *WriteTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`)
}
func (t *WriteTool) Scopes() []tool.Scope            { return []tool.Scope{tool.ScopeReadWrite} }
func (t *WriteTool) DefaultPolicy() tool.ApprovalLevel { return tool.ApprovalAllow }

// writeArgs is shared by Execute and TouchedPaths so both agree on what
// "path" means for a given call's raw args.
type writeArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (t *WriteTool) TouchedPaths(args json.RawMessage) []string {
	var in writeArgs
	if json.Unmarshal(args, &in) != nil || in.Path == "" {
		return nil
	}
	return []string{in.Path}
}

func (t *WriteTool) Execute(_ context.Context, args json.RawMessage, _ tool.ExecutionEnv) (tool.Output, error) {
	var in writeArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return tool.Output{}, fmt.Errorf("%w: %v", tool.ErrInvalidArgs, err)
	}
	if err := t.mutator.Write(in.Path, []byte(in.Content)); err != nil {
		return tool.Output{Content: err.Error(), IsError: true}, nil
	}
	return tool.Output{Content: "ok"}, nil
}

// PatchTool replaces the first occurrence of old_text with new_text in one
// workspace-relative file.
type PatchTool struct{ mutator Mutator }

func (t *PatchTool) Name() string        { return "patch" }
func (t *PatchTool) Description() string { return "Replace the first occurrence of old_text with new_text in a workspace file." }
func (t *PatchTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"old_text":{"type":"string"},"new_text":{"type":"string"}},"required":["path","new_text"]}`)
}
func (t *PatchTool) Scopes() []tool.Scope            { return []tool.Scope{tool.ScopeReadWrite} }
func (t *PatchTool) DefaultPolicy() tool.ApprovalLevel { return tool.ApprovalAllow }

type patchArgs struct {
	Path    string `json:"path"`
	OldText string `json:"old_text"`
	NewText string `json:"new_text"`
}

func (t *PatchTool) TouchedPaths(args json.RawMessage) []string {
	var in patchArgs
	if json.Unmarshal(args, &in) != nil || in.Path == "" {
		return nil
	}
	return []string{in.Path}
}

func (t *PatchTool) Execute(_ context.Context, args json.RawMessage, _ tool.ExecutionEnv) (tool.Output, error) {
	var in patchArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return tool.Output{}, fmt.Errorf("%w: %v", tool.ErrInvalidArgs, err)
	}
	if err := t.mutator.Patch(in.Path, in.OldText, in.NewText); err != nil {
		return tool.Output{Content: err.Error(), IsError: true}, nil
	}
	return tool.Output{Content: "ok"}, nil
}

// SearchTool finds every line containing query under a workspace-relative
// path (a file or directory; empty means the whole workspace).
type SearchTool struct{ mutator Mutator }

func (t *SearchTool) Name() string        { return "search" }
func (t *SearchTool) Description() string { return "Search workspace files for lines containing a query string." }
func (t *SearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"query":{"type":"string"}},"required":["query"]}`)
}
func (t *SearchTool) Scopes() []tool.Scope            { return []tool.Scope{tool.ScopeReadOnly} }
func (t *SearchTool) DefaultPolicy() tool.ApprovalLevel { return tool.ApprovalAllow }

func (t *SearchTool) Execute(_ context.Context, args json.RawMessage, _ tool.ExecutionEnv) (tool.Output, error) {
	var in struct {
		Path  string `json:"path"`
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return tool.Output{}, fmt.Errorf("%w: %v", tool.ErrInvalidArgs, err)
	}
	matches, err := t.mutator.Search(in.Path, in.Query)
	if err != nil {
		return tool.Output{Content: err.Error(), IsError: true}, nil
	}
	raw, err := json.Marshal(matches)
	if err != nil {
		return tool.Output{}, fmt.Errorf("builtin: marshal matches: %w", err)
	}
	return tool.Output{Content: string(raw)}, nil
}

// BashTool runs a shell command inside the session's workspace. It is the
// only builtin tool with ScopeExec, so policy/allowed_tools is the only
// thing standing between a run and arbitrary command execution.
type BashTool struct {
	defaultTimeout time.Duration
}

func (t *BashTool) Name() string        { return "bash" }
func (t *BashTool) Description() string { return "Run a shell command in the workspace root." }
func (t *BashTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`)
}
func (t *BashTool) Scopes() []tool.Scope            { return []tool.Scope{tool.ScopeExec} }
func (t *BashTool) DefaultPolicy() tool.ApprovalLevel { return tool.ApprovalDeny }

func (t *BashTool) Execute(ctx context.Context, args json.RawMessage, env tool.ExecutionEnv) (tool.Output, error) {
	var in struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return tool.Output{}, fmt.Errorf("%w: %v", tool.ErrInvalidArgs, err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && t.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.defaultTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", in.Command)
	cmd.Dir = env.Workspace
	var out strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	isError := err != nil
	return tool.Output{Content: out.String(), IsError: isError}, nil
}

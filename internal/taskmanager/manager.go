// Package taskmanager implements the Task Manager: background tool
// processes whose lifetime is decoupled from any session. Each task owns a
// task stream (stream_kind=task) that records its full lifecycle —
// spawned, status transitions, output deltas, and (in PTY mode) stdin,
// resize, and signal frames — while the same bytes are simultaneously
// persisted to an artifact so output can be range-read after the process
// exits.
package taskmanager

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ripcore/rip/internal/artifact"
	"github.com/ripcore/rip/internal/eventstore"
	"github.com/ripcore/rip/internal/observability"
)

var tracer = observability.Tracer("rip/taskmanager")

// chunkSize bounds a single tool_task_output_delta frame's payload.
const chunkSize = 4096

// DefaultCancelGrace is how long Cancel waits after SIGTERM before
// escalating to SIGKILL.
const DefaultCancelGrace = 5 * time.Second

// stdinQueueDepth bounds how many pending writes Stdin buffers before it
// starts reporting backpressure to the caller.
const stdinQueueDepth = 64

// FrameAppender persists a frame to a named stream. *authority.Authority
// satisfies this directly.
type FrameAppender interface {
	Append(st eventstore.Stream, typ eventstore.FrameType, payload any) (eventstore.Event, error)
}

// ArtifactStore is the subset of *artifact.Store the task manager needs: a
// fresh streaming log per task output stream, and bounded range reads
// after completion.
type ArtifactStore interface {
	NewAppender(kind artifact.Kind) (*artifact.Appender, error)
	GetRange(artifactID string, offset, maxBytes int64) ([]byte, error)
}

// Sentinel errors.
var (
	ErrTaskNotFound      = errors.New("taskmanager: task not found")
	ErrNotPTY            = errors.New("taskmanager: task is not running in pty mode")
	ErrStdinBackpressure = errors.New("taskmanager: stdin buffer full")
	ErrUnknownStream     = errors.New("taskmanager: unknown output stream")
	ErrUnknownSignal     = errors.New("taskmanager: unknown signal")
)

// SpawnConfig describes one task to run.
type SpawnConfig struct {
	Tool    string
	Title   string
	Command string
	Args    []string
	Cwd     string
	Env     []string // nil inherits the manager process's environment

	Mode     ExecutionMode // requested mode; defaults to ModePipes
	AllowPTY bool          // policy flag; ModePTY falls back to ModePipes when false
	Cols     uint16        // pty only; defaults to 80
	Rows     uint16        // pty only; defaults to 24
}

type task struct {
	mu sync.Mutex

	id    string
	tool  string
	title string
	mode  ExecutionMode

	status          Status
	exitCode        *int
	cancelRequested bool

	cmd  *exec.Cmd
	ptmx *os.File

	logs map[string]*artifact.Appender // stream name -> appender

	stdinCh chan []byte
	done    chan struct{}

	span trace.Span
}

func (t *task) summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	refs := make(map[string]string, len(t.logs))
	for name, a := range t.logs {
		refs[name] = a.ID()
	}
	return Summary{
		TaskID: t.id, Tool: t.tool, Title: t.title, Mode: t.mode, Status: t.status,
		ExitCode: t.exitCode, LogArtifacts: refs,
	}
}

// Manager supervises the set of tasks for one store.
type Manager struct {
	Frames      FrameAppender
	Artifacts   ArtifactStore
	CancelGrace time.Duration

	mu    sync.Mutex
	tasks map[string]*task
}

// NewManager builds a Manager. CancelGrace defaults to DefaultCancelGrace.
func NewManager(frames FrameAppender, artifacts ArtifactStore) *Manager {
	return &Manager{
		Frames: frames, Artifacts: artifacts, CancelGrace: DefaultCancelGrace,
		tasks: make(map[string]*task),
	}
}

func stream(taskID string) eventstore.Stream {
	return eventstore.Stream{Kind: eventstore.StreamTask, ID: taskID}
}

// Spawn starts a new task and returns its id once the process is running
// (pipes mode) or the pty is allocated (pty mode). The task stream's
// tool_task_spawned frame is appended before Spawn returns.
func (m *Manager) Spawn(ctx context.Context, cfg SpawnConfig) (string, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModePipes
	}
	if mode == ModePTY && !cfg.AllowPTY {
		mode = ModePipes
	}

	id, err := newTaskID()
	if err != nil {
		return "", err
	}
	_, span := tracer.Start(ctx, "task.spawn")
	span.SetAttributes(
		attribute.String("task.id", id),
		attribute.String("task.tool", cfg.Tool),
		attribute.String("task.mode", string(mode)),
	)

	t := &task{
		id: id, tool: cfg.Tool, title: cfg.Title, mode: mode, status: StatusQueued,
		logs: make(map[string]*artifact.Appender), stdinCh: make(chan []byte, stdinQueueDepth),
		done: make(chan struct{}), span: span,
	}

	m.mu.Lock()
	m.tasks[id] = t
	m.mu.Unlock()

	var startErr error
	if mode == ModePTY {
		startErr = m.startPTY(ctx, t, cfg)
	} else {
		startErr = m.startPipes(ctx, t, cfg)
	}

	logRefs := make(map[string]string, len(t.logs))
	for name, a := range t.logs {
		logRefs[name] = a.ID()
	}
	m.appendFrame(stream(id), eventstore.FrameTaskSpawned, map[string]any{
		"task_id": id, "tool": cfg.Tool, "title": cfg.Title,
		"execution_mode": mode, "log_artifacts": logRefs,
	})

	if startErr != nil {
		t.mu.Lock()
		t.status = StatusFailed
		t.mu.Unlock()
		m.appendFrame(stream(id), eventstore.FrameTaskStatus, map[string]any{
			"task_id": id, "status": StatusFailed, "error": startErr.Error(),
		})
		span.SetStatus(codes.Error, startErr.Error())
		span.End()
		close(t.done)
		return "", startErr
	}

	t.mu.Lock()
	t.status = StatusRunning
	t.mu.Unlock()
	m.appendFrame(stream(id), eventstore.FrameTaskStatus, map[string]any{"task_id": id, "status": StatusRunning})

	return id, nil
}

func (m *Manager) startPipes(ctx context.Context, t *task, cfg SpawnConfig) error {
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = cfg.Env
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("taskmanager: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("taskmanager: stderr pipe: %w", err)
	}

	stdoutLog, err := m.Artifacts.NewAppender(artifact.KindTaskLog)
	if err != nil {
		return fmt.Errorf("taskmanager: stdout log: %w", err)
	}
	stderrLog, err := m.Artifacts.NewAppender(artifact.KindTaskLog)
	if err != nil {
		_ = stdoutLog.Close()
		return fmt.Errorf("taskmanager: stderr log: %w", err)
	}

	t.cmd = cmd
	t.logs["stdout"] = stdoutLog
	t.logs["stderr"] = stderrLog

	if err := cmd.Start(); err != nil {
		_ = stdoutLog.Close()
		_ = stderrLog.Close()
		return fmt.Errorf("taskmanager: start: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go m.relay(t, "stdout", stdoutPipe, stdoutLog, &wg)
	go m.relay(t, "stderr", stderrPipe, stderrLog, &wg)

	go func() {
		wg.Wait()
		m.finish(t, cmd.Wait())
	}()

	return nil
}

func (m *Manager) startPTY(ctx context.Context, t *task, cfg SpawnConfig) error {
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = cfg.Env
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }

	cols, rows := cfg.Cols, cfg.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	ptyLog, err := m.Artifacts.NewAppender(artifact.KindTaskLog)
	if err != nil {
		return fmt.Errorf("taskmanager: pty log: %w", err)
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		_ = ptyLog.Close()
		return fmt.Errorf("taskmanager: start pty: %w", err)
	}

	t.cmd = cmd
	t.ptmx = ptmx
	t.logs["pty"] = ptyLog

	go m.pumpStdin(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go m.relay(t, "pty", ptmx, ptyLog, &wg)

	go func() {
		wg.Wait()
		err := cmd.Wait()
		_ = ptmx.Close()
		m.finish(t, err)
	}()

	return nil
}

// relay copies r in bounded chunks to log, emitting a tool_task_output_delta
// frame per chunk, until r returns an error (EOF on normal completion).
func (m *Manager) relay(t *task, streamName string, r io.Reader, log *artifact.Appender, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			_, _ = log.Write(chunk)
			m.appendFrame(stream(t.id), eventstore.FrameTaskOutputDelta, map[string]any{
				"task_id": t.id, "stream": streamName,
				"chunk": base64.StdEncoding.EncodeToString(chunk),
			})
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) pumpStdin(t *task) {
	for {
		select {
		case data, ok := <-t.stdinCh:
			if !ok {
				return
			}
			_, _ = t.ptmx.Write(data)
		case <-t.done:
			return
		}
	}
}

// finish is called exactly once per task, after its output relays have
// drained and the process has been waited on. It always determines and
// records a terminal status, so every task reaches a terminal state and
// emits a terminal tool_task_status frame.
func (m *Manager) finish(t *task, waitErr error) {
	t.mu.Lock()
	for _, log := range t.logs {
		_ = log.Close()
	}
	cancelled := t.cancelRequested
	t.mu.Unlock()

	var status Status
	var exitCode *int
	switch {
	case cancelled:
		status = StatusCancelled
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			exitCode = &code
		}
	case waitErr == nil:
		status = StatusExited
		code := 0
		exitCode = &code
	default:
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			status = StatusExited
			code := exitErr.ExitCode()
			exitCode = &code
		} else {
			status = StatusFailed
		}
	}

	t.mu.Lock()
	t.status = status
	t.exitCode = exitCode
	t.mu.Unlock()

	payload := map[string]any{"task_id": t.id, "status": status}
	if exitCode != nil {
		payload["exit_code"] = *exitCode
	}
	if status == StatusFailed && waitErr != nil {
		payload["error"] = waitErr.Error()
	}
	m.appendFrame(stream(t.id), eventstore.FrameTaskStatus, payload)
	if status == StatusCancelled {
		m.appendFrame(stream(t.id), eventstore.FrameTaskCancelled, map[string]any{"task_id": t.id})
	}
	if t.span != nil {
		t.span.SetAttributes(attribute.String("task.final_status", string(status)))
		if status == StatusFailed {
			t.span.SetStatus(codes.Error, "task exited non-zero or failed to run")
		}
		t.span.End()
	}
	close(t.done)
}

// Cancel requests termination of a task: SIGTERM immediately, then SIGKILL
// after the manager's cancel grace period if the process hasn't exited.
// Best-effort and idempotent; it never blocks waiting for the task to
// actually terminate. A task already in a terminal state is a no-op.
func (m *Manager) Cancel(taskID, reason string) error {
	t, err := m.get(taskID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.status != StatusQueued && t.status != StatusRunning {
		t.mu.Unlock()
		return nil
	}
	t.cancelRequested = true
	proc := t.cmd.Process
	t.mu.Unlock()

	m.appendFrame(stream(taskID), eventstore.FrameTaskCancelRequested, map[string]any{
		"task_id": taskID, "reason": reason,
	})

	if proc == nil {
		return nil
	}
	_ = proc.Signal(syscall.SIGTERM)

	grace := m.CancelGrace
	if grace <= 0 {
		grace = DefaultCancelGrace
	}
	go func() {
		select {
		case <-t.done:
		case <-time.After(grace):
			_ = proc.Kill()
		}
	}()

	return nil
}

// Stdin writes data to a pty-mode task's terminal. Writes are buffered up
// to stdinQueueDepth pending entries; once full, Stdin reports
// ErrStdinBackpressure rather than blocking the caller.
func (m *Manager) Stdin(taskID string, data []byte) error {
	t, err := m.get(taskID)
	if err != nil {
		return err
	}
	if t.mode != ModePTY {
		return ErrNotPTY
	}
	buf := append([]byte(nil), data...)
	select {
	case t.stdinCh <- buf:
	default:
		return ErrStdinBackpressure
	}
	m.appendFrame(stream(taskID), eventstore.FrameTaskStdinWritten, map[string]any{
		"task_id": taskID, "bytes": len(data),
	})
	return nil
}

// Resize changes a pty-mode task's terminal dimensions.
func (m *Manager) Resize(taskID string, cols, rows uint16) error {
	t, err := m.get(taskID)
	if err != nil {
		return err
	}
	if t.mode != ModePTY {
		return ErrNotPTY
	}
	if err := pty.Setsize(t.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("taskmanager: resize: %w", err)
	}
	m.appendFrame(stream(taskID), eventstore.FrameTaskResized, map[string]any{
		"task_id": taskID, "cols": cols, "rows": rows,
	})
	return nil
}

// Signal delivers a named signal directly to a pty-mode task's process.
func (m *Manager) Signal(taskID, name string) error {
	t, err := m.get(taskID)
	if err != nil {
		return err
	}
	if t.mode != ModePTY {
		return ErrNotPTY
	}
	sig, ok := signalByName[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSignal, name)
	}
	if err := t.cmd.Process.Signal(sig); err != nil {
		return fmt.Errorf("taskmanager: signal: %w", err)
	}
	m.appendFrame(stream(taskID), eventstore.FrameTaskSignalled, map[string]any{
		"task_id": taskID, "signal": name,
	})
	return nil
}

// Output range-reads one stream of a task's persisted log artifact.
func (m *Manager) Output(taskID, streamName string, offset, maxBytes int64) ([]byte, error) {
	t, err := m.get(taskID)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	appender, ok := t.logs[streamName]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStream, streamName)
	}
	return m.Artifacts.GetRange(appender.ID(), offset, maxBytes)
}

// Get returns a point-in-time snapshot of one task.
func (m *Manager) Get(taskID string) (Summary, bool) {
	t, err := m.get(taskID)
	if err != nil {
		return Summary{}, false
	}
	return t.summary(), true
}

// List returns a point-in-time snapshot of every tracked task.
func (m *Manager) List() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Summary, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.summary())
	}
	return out
}

func (m *Manager) get(taskID string) (*task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

func (m *Manager) appendFrame(st eventstore.Stream, typ eventstore.FrameType, payload any) {
	if m.Frames == nil {
		return
	}
	_, _ = m.Frames.Append(st, typ, payload)
}

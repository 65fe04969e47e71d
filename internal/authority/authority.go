// Package authority implements the continuity authority: the single process
// per store that owns the store lock, sequences every append, and fans out
// committed events to subscribers. Exactly one authority may hold a given
// store's lock at a time (invariant 8); a second attempt is a hard error.
package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ripcore/rip/internal/artifact"
	"github.com/ripcore/rip/internal/eventstore"
	"github.com/ripcore/rip/internal/observability"
)

var tracer = observability.Tracer("rip/authority")

// Sentinel errors for Authority startup and operation, named after the
// failure modes in the component contract.
var (
	ErrLockContended = errors.New("authority: store lock held by another process")
)

// Meta is the descriptor written alongside the lock file so clients that did
// not spawn the authority can discover its endpoint.
type Meta struct {
	PID         int    `json:"pid"`
	EndpointURL string `json:"endpoint_url"`
	StartedAtMs int64  `json:"started_at_ms"`
}

// Authority owns writes to the Event Store, Artifact Store, and workspace
// lock for one store. It is the only component permitted to call
// eventstore.Store.Append.
type Authority struct {
	dataDir string
	lockPath string
	lockFile *os.File

	Events    *eventstore.Store
	Artifacts *artifact.Store
	Sidecar   *eventstore.Sidecar

	// workspaceLock enforces invariant 5: workspace-mutating tool
	// invocations are totally ordered across all sessions and tasks;
	// read-only tools may run concurrently. A sync.RWMutex gives exactly
	// that shape — Lock for mutation, RLock for read-only.
	workspaceLock sync.RWMutex
}

// Open acquires the store lock under dataDir/authority and returns a ready
// Authority. endpointURL is recorded in the meta descriptor so future
// clients can discover this process without starting a new one.
func Open(dataDir, endpointURL string) (*Authority, error) {
	lockDir := filepath.Join(dataDir, "authority")
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("authority: mkdir: %w", err)
	}

	lockPath := filepath.Join(lockDir, "lock.json")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLockContended
		}
		return nil, fmt.Errorf("authority: create lock: %w", err)
	}

	meta := Meta{
		PID:         os.Getpid(),
		EndpointURL: endpointURL,
		StartedAtMs: time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(lockPath)
		return nil, fmt.Errorf("authority: marshal meta: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		_ = f.Close()
		_ = os.Remove(lockPath)
		return nil, fmt.Errorf("authority: write lock: %w", err)
	}

	metaPath := filepath.Join(lockDir, "meta.json")
	if err := os.WriteFile(metaPath, raw, 0o644); err != nil {
		_ = f.Close()
		_ = os.Remove(lockPath)
		return nil, fmt.Errorf("authority: write meta: %w", err)
	}

	artifacts := artifact.New(dataDir)
	sidecar, err := eventstore.OpenSidecar(dataDir)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(lockPath)
		return nil, err
	}

	return &Authority{
		dataDir:   dataDir,
		lockPath:  lockPath,
		lockFile:  f,
		Events:    eventstore.New(dataDir),
		Artifacts: artifacts,
		Sidecar:   sidecar,
	}, nil
}

// ReadMeta reads the meta descriptor for a store without acquiring the lock,
// for clients that only need the endpoint of an already-running authority.
func ReadMeta(dataDir string) (Meta, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, "authority", "meta.json"))
	if err != nil {
		return Meta{}, fmt.Errorf("authority: read meta: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return Meta{}, fmt.Errorf("authority: parse meta: %w", err)
	}
	return m, nil
}

// Append assigns seq and commits a frame to the named stream. timestamp is
// the caller's clock; stamping happens here so a single authority call site
// owns the contract.
func (a *Authority) Append(st eventstore.Stream, typ eventstore.FrameType, payload any) (eventstore.Event, error) {
	_, span := tracer.Start(context.Background(), "authority.append")
	defer span.End()
	span.SetAttributes(
		attribute.String("stream.kind", string(st.Kind)),
		attribute.String("stream.id", st.ID),
		attribute.String("frame.type", string(typ)),
	)

	ev, err := a.Events.Append(st, typ, payload, time.Now().UnixMilli())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ev, err
	}
	span.SetAttributes(attribute.Int64("event.seq", int64(ev.Seq)))
	return ev, nil
}

// BeginWorkspaceMutation acquires exclusive access to the workspace for the
// duration of a mutating tool invocation. The caller must call the returned
// func to release it.
func (a *Authority) BeginWorkspaceMutation() (release func()) {
	a.workspaceLock.Lock()
	return a.workspaceLock.Unlock
}

// BeginWorkspaceRead acquires shared access to the workspace for a read-only
// tool invocation, allowing concurrent readers.
func (a *Authority) BeginWorkspaceRead() (release func()) {
	a.workspaceLock.RLock()
	return a.workspaceLock.RUnlock
}

// Close releases the store lock and closes underlying stores. Safe to call
// once during shutdown.
func (a *Authority) Close() error {
	var errs []error
	if err := a.Sidecar.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Events.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.lockFile.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := os.Remove(a.lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

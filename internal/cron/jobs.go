package cron

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ripcore/rip/internal/authority"
	"github.com/ripcore/rip/internal/eventstore"
)

// orphanGraceWindow is how long a content-addressed blob with no surviving
// id link must sit before ArtifactGCJob removes it. A Put that crashed
// between writing the shared digest file and linking the id still has a
// live writer inside this window; anything older is safe to reclaim.
const orphanGraceWindow = time.Hour

// ArtifactGCJob reclaims content-addressed blobs left behind by a Put that
// wrote its shared ".by-digest" file but crashed before linking an artifact
// id to it. A live artifact's digest file always has at least two links
// (the digest file itself plus one per id sharing its content); a link
// count of one past the grace window means no id was ever linked.
type ArtifactGCJob struct {
	Root   string // dataDir/artifacts/blobs
	Logger *slog.Logger
}

// Compile-time interface check.
var _ Job = (*ArtifactGCJob)(nil)

// Name implements Job.
func (j *ArtifactGCJob) Name() string { return "artifact_gc" }

// Schedule implements Job: once an hour is frequent enough to bound orphan
// accumulation without competing with live Put/Appender traffic.
func (j *ArtifactGCJob) Schedule() string { return "0 * * * *" }

// Run implements Job.
func (j *ArtifactGCJob) Run(ctx context.Context) error {
	digestDir := filepath.Join(j.Root, ".by-digest")
	entries, err := os.ReadDir(digestDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cron: artifact gc: read %s: %w", digestDir, err)
	}

	cutoff := time.Now().Add(-orphanGraceWindow)
	removed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		nlink, ok := linkCount(info)
		if !ok || nlink > 1 {
			continue
		}
		path := filepath.Join(digestDir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			j.log().Warn("artifact gc: remove failed", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		j.log().Info("artifact gc: reclaimed orphaned blobs", "count", removed)
	}
	return nil
}

func (j *ArtifactGCJob) log() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}

func linkCount(info os.FileInfo) (uint64, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return uint64(stat.Nlink), true
}

// LockHealthJob reports on the liveness of the authority lock file's
// recorded owner. It only logs: clearing a contended lock is a deliberate
// operator decision, never something a background job should do for them.
type LockHealthJob struct {
	DataDir string
	Logger  *slog.Logger
}

// Compile-time interface check.
var _ Job = (*LockHealthJob)(nil)

// Name implements Job.
func (j *LockHealthJob) Name() string { return "lock_health" }

// Schedule implements Job.
func (j *LockHealthJob) Schedule() string { return "*/5 * * * *" }

// Run implements Job.
func (j *LockHealthJob) Run(ctx context.Context) error {
	meta, err := authority.ReadMeta(j.DataDir)
	if err != nil {
		// No lock to report on yet, or the authority hasn't started.
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	log := j.log()
	if processAlive(meta.PID) {
		log.Debug("lock health: owner alive", "pid", meta.PID, "endpoint", meta.EndpointURL)
		return nil
	}
	log.Warn("lock health: owner process not found, lock may be stale",
		"pid", meta.PID, "endpoint", meta.EndpointURL, "started_at_ms", meta.StartedAtMs)
	return nil
}

func (j *LockHealthJob) log() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 probes existence
	// without affecting the target.
	return proc.Signal(syscall.Signal(0)) == nil
}

// SidecarRebuildJob reconciles the sqlite sidecar's projections against the
// canonical log for every known stream. The sidecar is never truth, so a
// full rebuild is always correct, just more expensive than the incremental
// path the authority takes on each append — this job recovers a sidecar
// that fell behind or was deleted; it doesn't replace incremental indexing.
type SidecarRebuildJob struct {
	Store   *eventstore.Store
	Sidecar *eventstore.Sidecar
	Logger  *slog.Logger
}

// Compile-time interface check.
var _ Job = (*SidecarRebuildJob)(nil)

// Name implements Job.
func (j *SidecarRebuildJob) Name() string { return "sidecar_rebuild_sweep" }

// Schedule implements Job.
func (j *SidecarRebuildJob) Schedule() string { return "30 3 * * *" }

// Run implements Job.
func (j *SidecarRebuildJob) Run(ctx context.Context) error {
	streams, err := j.Store.ListStreams()
	if err != nil {
		return fmt.Errorf("cron: sidecar rebuild: list streams: %w", err)
	}

	var total int
	for _, st := range streams {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := j.Sidecar.RebuildIndex(ctx, j.Store, st)
		if err != nil {
			j.log().Warn("sidecar rebuild: stream failed", "stream_kind", st.Kind, "stream_id", st.ID, "error", err)
			continue
		}
		total += n
	}
	j.log().Info("sidecar rebuild: swept streams", "streams", len(streams), "events_indexed", total)
	return nil
}

func (j *SidecarRebuildJob) log() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}

// ThreadLister enumerates the continuity threads a compaction threshold
// check should consider. A narrow interface so this job doesn't need to
// know how threads are tracked above the event store.
type ThreadLister interface {
	ThreadIDs(ctx context.Context) ([]string, error)
}

// CompactionThreshold decides whether a thread has crossed its message-count
// compaction threshold and, if so, spawns the compaction job for it. It is
// message-count driven, never time-based.
type CompactionThreshold interface {
	CheckThread(ctx context.Context, threadID string) error
}

// CompactionCheckJob periodically asks the compaction engine to check each
// known thread against its message-count threshold. It never performs a cut
// itself and never schedules one on a timer; it exists only so a thread
// that goes idle right after crossing its threshold still gets compacted,
// instead of waiting for a message that may never arrive.
type CompactionCheckJob struct {
	Threads   ThreadLister
	Threshold CompactionThreshold
	Logger    *slog.Logger
}

// Compile-time interface check.
var _ Job = (*CompactionCheckJob)(nil)

// Name implements Job.
func (j *CompactionCheckJob) Name() string { return "compaction_threshold_check" }

// Schedule implements Job.
func (j *CompactionCheckJob) Schedule() string { return "*/15 * * * *" }

// Run implements Job.
func (j *CompactionCheckJob) Run(ctx context.Context) error {
	ids, err := j.Threads.ThreadIDs(ctx)
	if err != nil {
		return fmt.Errorf("cron: compaction check: list threads: %w", err)
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := j.Threshold.CheckThread(ctx, id); err != nil {
			j.log().Warn("compaction check: thread failed", "thread_id", id, "error", err)
		}
	}
	return nil
}

func (j *CompactionCheckJob) log() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}

package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure-Go SQLite driver registration
)

// Sidecar is a rebuildable cache over a Store: seq -> byte offset for fast
// range reads on very large streams, plus a projection of compaction
// checkpoint frames so the Context Compiler can select a checkpoint in O(k)
// rather than scanning the whole continuity stream. Truth never lives here
// — deleting the sidecar file and calling Rebuild recovers it exactly.
type Sidecar struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenSidecar opens (creating if needed) the sqlite sidecar database under
// dataDir. WAL mode and a single connection mirror the reference memory
// module's sqlite setup, since only the authority process ever writes here.
func OpenSidecar(dataDir string) (*Sidecar, error) {
	path := filepath.Join(dataDir, "streams", "index.sidecar.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open sidecar: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventstore: enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventstore: set busy_timeout: %w", err)
	}

	if err := migrateSidecar(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Sidecar{db: db}, nil
}

func migrateSidecar(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS seq_offset (
	stream_kind TEXT NOT NULL,
	stream_id   TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	offset      INTEGER NOT NULL,
	PRIMARY KEY (stream_kind, stream_id, seq)
);
CREATE TABLE IF NOT EXISTS compaction_checkpoint (
	thread_id           TEXT NOT NULL,
	checkpoint_id       TEXT NOT NULL,
	from_seq            INTEGER NOT NULL,
	to_seq              INTEGER NOT NULL,
	log_seq             INTEGER NOT NULL,
	summary_artifact_id TEXT NOT NULL,
	PRIMARY KEY (thread_id, checkpoint_id)
);
CREATE INDEX IF NOT EXISTS idx_checkpoint_thread_to_seq
	ON compaction_checkpoint (thread_id, to_seq);
`
	_, err := db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("eventstore: migrate sidecar: %w", err)
	}
	return nil
}

// IndexOffset records the byte offset of seq within a stream's events.jsonl.
func (s *Sidecar) IndexOffset(ctx context.Context, st Stream, seq uint64, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO seq_offset (stream_kind, stream_id, seq, offset) VALUES (?, ?, ?, ?)`,
		string(st.Kind), st.ID, seq, offset)
	return err
}

// Offset returns the indexed byte offset for seq, or ok=false if absent.
func (s *Sidecar) Offset(ctx context.Context, st Stream, seq uint64) (offset int64, ok bool, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT offset FROM seq_offset WHERE stream_kind = ? AND stream_id = ? AND seq = ?`,
		string(st.Kind), st.ID, seq)
	if err := row.Scan(&offset); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, err
	}
	return offset, true, nil
}

// CompactionCheckpointRef is the sidecar's projection of a single
// compaction_checkpoint_created frame, enough for the Context Compiler's
// selection rule without scanning the whole continuity stream.
type CompactionCheckpointRef struct {
	CheckpointID      string
	FromSeq           uint64
	ToSeq             uint64
	LogSeq            uint64
	SummaryArtifactID string
}

// IndexCheckpoint records a compaction checkpoint projection.
func (s *Sidecar) IndexCheckpoint(ctx context.Context, threadID string, ref CompactionCheckpointRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO compaction_checkpoint
			(thread_id, checkpoint_id, from_seq, to_seq, log_seq, summary_artifact_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		threadID, ref.CheckpointID, ref.FromSeq, ref.ToSeq, ref.LogSeq, ref.SummaryArtifactID)
	return err
}

// LatestCheckpoint returns the checkpoint with the greatest ToSeq not
// exceeding maxToSeq. Ties broken by the greater LogSeq (latest appended
// wins), per the Context Compiler's selection tie-break rule.
func (s *Sidecar) LatestCheckpoint(ctx context.Context, threadID string, maxToSeq uint64) (CompactionCheckpointRef, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT checkpoint_id, from_seq, to_seq, log_seq, summary_artifact_id
		   FROM compaction_checkpoint
		  WHERE thread_id = ? AND to_seq <= ?
		  ORDER BY to_seq DESC, log_seq DESC
		  LIMIT 1`,
		threadID, maxToSeq)

	var ref CompactionCheckpointRef
	if err := row.Scan(&ref.CheckpointID, &ref.FromSeq, &ref.ToSeq, &ref.LogSeq, &ref.SummaryArtifactID); err != nil {
		if err == sql.ErrNoRows {
			return CompactionCheckpointRef{}, false, nil
		}
		return CompactionCheckpointRef{}, false, err
	}
	return ref, true, nil
}

// Close releases the sidecar's database handle.
func (s *Sidecar) Close() error {
	return s.db.Close()
}

// RebuildIndex drops and recomputes the seq_offset and compaction_checkpoint
// projections for st from the canonical log, by replaying every event
// through store.Range. It is the recovery path for a sidecar that was
// deleted, corrupted, or simply never caught up — the log is truth, the
// sidecar is disposable.
func (s *Sidecar) RebuildIndex(ctx context.Context, store *Store, st Stream) (indexed int, err error) {
	events, err := store.Range(st, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("eventstore: rebuild: range %s/%s: %w", st.Kind, st.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("eventstore: rebuild: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM seq_offset WHERE stream_kind = ? AND stream_id = ?`,
		string(st.Kind), st.ID); err != nil {
		return 0, fmt.Errorf("eventstore: rebuild: clear seq_offset: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM compaction_checkpoint WHERE thread_id = ?`, st.ID); err != nil {
		return 0, fmt.Errorf("eventstore: rebuild: clear checkpoints: %w", err)
	}

	var offset int64
	for _, ev := range events {
		raw, merr := json.Marshal(ev)
		if merr != nil {
			return 0, fmt.Errorf("eventstore: rebuild: marshal event: %w", merr)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO seq_offset (stream_kind, stream_id, seq, offset) VALUES (?, ?, ?, ?)`,
			string(st.Kind), st.ID, ev.Seq, offset); err != nil {
			return 0, fmt.Errorf("eventstore: rebuild: insert seq_offset: %w", err)
		}
		offset += int64(len(raw)) + 1 // +1 for the newline Append writes after each record

		if ev.Type == FrameContinuityCompactionCheckpointCreated {
			var payload struct {
				CheckpointID      string `json:"checkpoint_id"`
				FromSeq           uint64 `json:"from_seq"`
				ToSeq             uint64 `json:"to_seq"`
				SummaryArtifactID string `json:"summary_artifact_id"`
			}
			if derr := ev.Decode(&payload); derr == nil && payload.CheckpointID != "" {
				if _, err := tx.ExecContext(ctx,
					`INSERT OR REPLACE INTO compaction_checkpoint
						(thread_id, checkpoint_id, from_seq, to_seq, log_seq, summary_artifact_id)
					 VALUES (?, ?, ?, ?, ?, ?)`,
					st.ID, payload.CheckpointID, payload.FromSeq, payload.ToSeq, ev.Seq, payload.SummaryArtifactID); err != nil {
					return 0, fmt.Errorf("eventstore: rebuild: insert checkpoint: %w", err)
				}
			}
		}
		indexed++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("eventstore: rebuild: commit: %w", err)
	}
	return indexed, nil
}

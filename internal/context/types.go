// Package context implements the Context Compiler: it walks continuity
// truth up to a chosen cut point, composes a bundle of messages and summary
// references under a versioned strategy, and writes the result as an
// immutable bundle artifact. The compaction sub-package builds on the same
// truth to select cut points and run the cumulative summarizer.
package context

import (
	"encoding/json"
	"fmt"

	"github.com/ripcore/rip/internal/eventstore"
)

// Message is a decoded continuity_message_appended frame, paired with the
// log seq it was appended at.
type Message struct {
	Seq       uint64 `json:"seq"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
	ActorID   string `json:"actor_id,omitempty"`
	Origin    string `json:"origin,omitempty"`
}

type messagePayload struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
	ActorID   string `json:"actor_id,omitempty"`
	Origin    string `json:"origin,omitempty"`
}

// Checkpoint is a decoded continuity_compaction_checkpoint_created frame.
type Checkpoint struct {
	LogSeq             uint64 `json:"log_seq"` // the frame's own seq, for the latest-appended tie-break
	CheckpointID       string `json:"checkpoint_id"`
	FromSeq            uint64 `json:"from_seq"`
	ToSeq              uint64 `json:"to_seq"`
	ToMessageID        string `json:"to_message_id"`
	CutRuleID          string `json:"cut_rule_id"`
	SummaryKind        string `json:"summary_kind"`
	SummaryArtifactID  string `json:"summary_artifact_id"`
	BaseSummaryArtifactID string `json:"base_summary_artifact_id,omitempty"`
}

type checkpointPayload struct {
	CheckpointID      string `json:"checkpoint_id"`
	FromSeq           uint64 `json:"from_seq"`
	ToSeq             uint64 `json:"to_seq"`
	ToMessageID       string `json:"to_message_id"`
	CutRuleID         string `json:"cut_rule_id"`
	SummaryKind       string `json:"summary_kind"`
	SummaryArtifactID string `json:"summary_artifact_id"`
	Basis             struct {
		BaseSummaryArtifactID string `json:"base_summary_artifact_id,omitempty"`
	} `json:"basis,omitempty"`
}

// Reader is the subset of eventstore.Store truth-reading needs from a
// continuity stream. Both the compiler and the compaction engine depend on
// this narrow interface rather than *eventstore.Store directly.
type Reader interface {
	Range(st eventstore.Stream, fromSeq, toSeq uint64) ([]eventstore.Event, error)
}

// Stream returns the continuity stream identifier for threadID.
func Stream(threadID string) eventstore.Stream {
	return eventstore.Stream{Kind: eventstore.StreamContinuity, ID: threadID}
}

// ListMessages returns every continuity_message_appended event in the
// thread up to (and including) toSeq, in ascending seq order. toSeq of 0
// means through the current tail.
func ListMessages(r Reader, threadID string, toSeq uint64) ([]Message, error) {
	events, err := r.Range(Stream(threadID), 0, toSeq)
	if err != nil {
		return nil, fmt.Errorf("context: range messages: %w", err)
	}
	var out []Message
	for _, ev := range events {
		if ev.Type != eventstore.FrameContinuityMessageAppended {
			continue
		}
		var p messagePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			continue
		}
		out = append(out, Message{
			Seq: ev.Seq, MessageID: p.MessageID, Content: p.Content,
			ActorID: p.ActorID, Origin: p.Origin,
		})
	}
	return out, nil
}

// ListCheckpoints returns every compaction_checkpoint_created event in the
// thread up to (and including) toSeq, in ascending log-seq order. toSeq of
// 0 means through the current tail.
func ListCheckpoints(r Reader, threadID string, toSeq uint64) ([]Checkpoint, error) {
	events, err := r.Range(Stream(threadID), 0, toSeq)
	if err != nil {
		return nil, fmt.Errorf("context: range checkpoints: %w", err)
	}
	var out []Checkpoint
	for _, ev := range events {
		if ev.Type != eventstore.FrameContinuityCompactionCheckpointCreated {
			continue
		}
		var p checkpointPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			continue
		}
		out = append(out, Checkpoint{
			LogSeq: ev.Seq, CheckpointID: p.CheckpointID, FromSeq: p.FromSeq, ToSeq: p.ToSeq,
			ToMessageID: p.ToMessageID, CutRuleID: p.CutRuleID, SummaryKind: p.SummaryKind,
			SummaryArtifactID: p.SummaryArtifactID, BaseSummaryArtifactID: p.Basis.BaseSummaryArtifactID,
		})
	}
	return out, nil
}

// LatestAtOrBefore selects, among checkpoints with to_seq <= cutSeq, the one
// with the greatest to_seq; ties are broken by the greatest LogSeq (latest
// appended wins), matching the compiler's tie-break rule.
func LatestAtOrBefore(checkpoints []Checkpoint, cutSeq uint64) (Checkpoint, bool) {
	var best Checkpoint
	found := false
	for _, cp := range checkpoints {
		if cp.ToSeq > cutSeq {
			continue
		}
		if !found || cp.ToSeq > best.ToSeq || (cp.ToSeq == best.ToSeq && cp.LogSeq > best.LogSeq) {
			best = cp
			found = true
		}
	}
	return best, found
}

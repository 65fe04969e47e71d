// Package compaction implements the Compaction Engine: deterministic cut
// points by message-count stride, a cumulative summarizer job that folds a
// base summary plus a new message-range delta into an immutable artifact,
// and the explicit scheduling-decision frame the authority must log before
// any cut takes effect.
package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ripcore/rip/internal/artifact"
	rcontext "github.com/ripcore/rip/internal/context"
	"github.com/ripcore/rip/internal/eventstore"
)

// DefaultStride is the message-count stride used when a caller doesn't
// specify one. Compaction is never wall-clock driven (Non-goal): this
// constant bounds message count only.
const DefaultStride = 20

// DefaultMaxNewCheckpoints bounds how many cut points compaction-auto
// processes in a single call when the caller doesn't specify a limit.
const DefaultMaxNewCheckpoints = 1

// CutRuleID names the deterministic cut-point selection rule implemented
// here; recorded on every checkpoint this engine creates.
const CutRuleID = "message_stride_v1"

// SummaryKind is the artifact kind tag for cumulative compaction summaries.
const SummaryKind = "rip.compaction_summary.v1"

// Decision schedule outcomes.
const (
	DecisionScheduled       = "scheduled"
	DecisionSkippedInflight = "skipped_inflight"
)

// Engine runs the compaction pipeline for one store: selecting cut points,
// scheduling the summarizer, and recording every decision as truth before
// it takes effect.
type Engine struct {
	Events    rcontext.Reader
	Artifacts rcontext.ArtifactStore
	Frames    rcontext.FrameAppender

	inflight sync.Map // threadID -> struct{}, guards block_on_inflight
}

// ScheduleDecision is what compaction_auto_schedule_decided records.
type ScheduleDecision struct {
	PolicyID           string          `json:"policy_id"`
	StrideMessages      int             `json:"stride_messages"`
	MaxNewCheckpoints   int             `json:"max_new_checkpoints"`
	BlockOnInflight     bool            `json:"block_on_inflight"`
	MessageCount        int             `json:"message_count"`
	PlannedCutPoints    []CutPoint      `json:"planned_cut_points"`
	Decision            string          `json:"decision"`
	JobID               string          `json:"job_id,omitempty"`
}

// CutPoint anchors a planned compaction cut to a message boundary.
type CutPoint struct {
	Seq       uint64 `json:"seq"`
	MessageID string `json:"message_id"`
}

// PlanCutPoints returns every stride-aligned message boundary not already
// covered by an existing checkpoint's to_seq, in ascending order, bounded
// to maxNew entries.
func PlanCutPoints(messages []rcontext.Message, checkpoints []rcontext.Checkpoint, stride, maxNew int) []CutPoint {
	if stride <= 0 {
		stride = DefaultStride
	}
	covered := make(map[uint64]bool, len(checkpoints))
	for _, cp := range checkpoints {
		covered[cp.ToSeq] = true
	}
	var planned []CutPoint
	for k := stride; k <= len(messages); k += stride {
		m := messages[k-1]
		if covered[m.Seq] {
			continue
		}
		planned = append(planned, CutPoint{Seq: m.Seq, MessageID: m.MessageID})
		if maxNew > 0 && len(planned) >= maxNew {
			break
		}
	}
	return planned
}

// ScheduleAuto computes the planned cut points for a thread and appends the
// scheduling decision frame. It never runs the summarizer itself; AutoRun
// does that after recording the decision.
func (e *Engine) ScheduleAuto(threadID string, strideMessages, maxNewCheckpoints int, blockOnInflight bool) (ScheduleDecision, error) {
	if strideMessages <= 0 {
		strideMessages = DefaultStride
	}
	if maxNewCheckpoints <= 0 {
		maxNewCheckpoints = DefaultMaxNewCheckpoints
	}

	messages, err := rcontext.ListMessages(e.Events, threadID, 0)
	if err != nil {
		return ScheduleDecision{}, err
	}
	checkpoints, err := rcontext.ListCheckpoints(e.Events, threadID, 0)
	if err != nil {
		return ScheduleDecision{}, err
	}

	decision := ScheduleDecision{
		PolicyID: CutRuleID, StrideMessages: strideMessages, MaxNewCheckpoints: maxNewCheckpoints,
		BlockOnInflight: blockOnInflight, MessageCount: len(messages),
	}

	if blockOnInflight {
		if _, busy := e.inflight.LoadOrStore(threadID, struct{}{}); busy {
			decision.Decision = DecisionSkippedInflight
			if err := e.appendScheduleDecision(threadID, decision); err != nil {
				return ScheduleDecision{}, err
			}
			return decision, nil
		}
	}

	decision.PlannedCutPoints = PlanCutPoints(messages, checkpoints, strideMessages, maxNewCheckpoints)
	decision.Decision = DecisionScheduled
	if len(decision.PlannedCutPoints) > 0 {
		id, err := newJobID()
		if err != nil {
			return ScheduleDecision{}, err
		}
		decision.JobID = id
	}

	if err := e.appendScheduleDecision(threadID, decision); err != nil {
		return ScheduleDecision{}, err
	}
	return decision, nil
}

func (e *Engine) appendScheduleDecision(threadID string, decision ScheduleDecision) error {
	_, err := e.Frames.Append(rcontext.Stream(threadID), eventstore.FrameContinuityCompactionAutoScheduleDecided, decision)
	if err != nil {
		return fmt.Errorf("compaction: append schedule decision: %w", err)
	}
	return nil
}

// AutoRun schedules and, for a "scheduled" decision, runs the summarizer
// job for each planned cut point in order, returning the checkpoints
// created. Concurrent callers for the same thread serialize through the
// inflight guard when blockOnInflight is set by the caller's policy.
func (e *Engine) AutoRun(threadID string, strideMessages, maxNewCheckpoints int) ([]rcontext.Checkpoint, error) {
	decision, err := e.ScheduleAuto(threadID, strideMessages, maxNewCheckpoints, true)
	if err != nil {
		return nil, err
	}
	defer e.inflight.Delete(threadID)

	if decision.Decision != DecisionScheduled {
		return nil, nil
	}

	var created []rcontext.Checkpoint
	for _, cp := range decision.PlannedCutPoints {
		checkpoint, err := e.RunSummarizerJob(threadID, cp.Seq, cp.MessageID)
		if err != nil {
			return created, err
		}
		created = append(created, checkpoint)
	}
	return created, nil
}

// CheckThread implements cron.CompactionThreshold: a message-count-only
// check invoked on a wall-clock sweep so an idle thread that crossed its
// threshold still gets compacted without waiting for its next message.
func (e *Engine) CheckThread(_ context.Context, threadID string) error {
	_, err := e.AutoRun(threadID, DefaultStride, DefaultMaxNewCheckpoints)
	return err
}

// RunSummarizerJob runs one cumulative-summarizer job for a single cut
// point: it logs job_spawned, reads the base artifact (if any) and the new
// message delta, regenerates deterministically, and appends
// compaction_checkpoint_created then job_ended.
func (e *Engine) RunSummarizerJob(threadID string, cutSeq uint64, cutMessageID string) (rcontext.Checkpoint, error) {
	st := rcontext.Stream(threadID)

	checkpoints, err := rcontext.ListCheckpoints(e.Events, threadID, 0)
	if err != nil {
		return rcontext.Checkpoint{}, err
	}
	var priorToSeq uint64
	var baseArtifactID string
	if cutSeq > 0 {
		if base, ok := rcontext.LatestAtOrBefore(checkpoints, cutSeq-1); ok {
			priorToSeq = base.ToSeq
			baseArtifactID = base.SummaryArtifactID
		}
	}

	jobID, err := newJobID()
	if err != nil {
		return rcontext.Checkpoint{}, err
	}
	if _, err := e.Frames.Append(st, eventstore.FrameContinuityJobSpawned, map[string]any{
		"job_id":   jobID,
		"job_kind": "compaction_summarizer_v1",
		"inputs": map[string]any{
			"cut_seq":                 cutSeq,
			"cut_message_id":          cutMessageID,
			"base_summary_artifact_id": baseArtifactID,
		},
	}); err != nil {
		return rcontext.Checkpoint{}, fmt.Errorf("compaction: append job_spawned: %w", err)
	}

	baseMarkdown, deltaFromSeq := e.resolveBase(baseArtifactID, priorToSeq)

	events, err := e.Events.Range(st, deltaFromSeq, cutSeq)
	if err != nil {
		_ = e.appendJobEnded(st, jobID, "failed", err.Error())
		return rcontext.Checkpoint{}, err
	}
	delta := decodeMessages(events)

	markdown := buildSummary(baseMarkdown, delta)
	summaryArtifactID, err := e.Artifacts.Put(artifact.Kind(SummaryKind), []byte(markdown))
	if err != nil {
		_ = e.appendJobEnded(st, jobID, "failed", err.Error())
		return rcontext.Checkpoint{}, fmt.Errorf("compaction: put summary: %w", err)
	}

	checkpointID, err := newJobID()
	if err != nil {
		return rcontext.Checkpoint{}, err
	}
	payload := map[string]any{
		"checkpoint_id":       checkpointID,
		"from_seq":            priorToSeq,
		"to_seq":              cutSeq,
		"to_message_id":       cutMessageID,
		"cut_rule_id":         CutRuleID,
		"summary_kind":        SummaryKind,
		"summary_artifact_id": summaryArtifactID,
	}
	if baseArtifactID != "" {
		payload["basis"] = map[string]any{"base_summary_artifact_id": baseArtifactID}
	}
	if _, err := e.Frames.Append(st, eventstore.FrameContinuityCompactionCheckpointCreated, payload); err != nil {
		return rcontext.Checkpoint{}, fmt.Errorf("compaction: append checkpoint: %w", err)
	}

	if err := e.appendJobEnded(st, jobID, "completed", ""); err != nil {
		return rcontext.Checkpoint{}, err
	}

	return rcontext.Checkpoint{
		CheckpointID: checkpointID, FromSeq: priorToSeq, ToSeq: cutSeq, ToMessageID: cutMessageID,
		CutRuleID: CutRuleID, SummaryKind: SummaryKind, SummaryArtifactID: summaryArtifactID,
		BaseSummaryArtifactID: baseArtifactID,
	}, nil
}

// resolveBase reads the prior cumulative artifact's markdown and returns the
// inclusive seq the new delta range should start from. If there is no prior
// checkpoint, or the base is missing entirely / fails the content contract
// (unreadable), it bootstraps by regenerating from the full range 0..cutSeq
// instead — the caller still records the original base id for auditability,
// per the bootstrap rule.
func (e *Engine) resolveBase(baseArtifactID string, priorToSeq uint64) (baseMarkdown string, deltaFromSeq uint64) {
	if baseArtifactID == "" {
		return "", 0
	}
	content, err := e.Artifacts.Get(baseArtifactID)
	if err != nil {
		return "", 0 // bootstrap: regenerate from 0..cutSeq
	}
	return string(content), priorToSeq + 1
}

func (e *Engine) appendJobEnded(st eventstore.Stream, jobID, status, errMsg string) error {
	payload := map[string]any{"job_id": jobID, "status": status}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if _, err := e.Frames.Append(st, eventstore.FrameContinuityJobEnded, payload); err != nil {
		return fmt.Errorf("compaction: append job_ended: %w", err)
	}
	return nil
}

func decodeMessages(events []eventstore.Event) []rcontext.Message {
	var out []rcontext.Message
	for _, ev := range events {
		if ev.Type != eventstore.FrameContinuityMessageAppended {
			continue
		}
		var p struct {
			MessageID string `json:"message_id"`
			Content   string `json:"content"`
			ActorID   string `json:"actor_id,omitempty"`
			Origin    string `json:"origin,omitempty"`
		}
		if json.Unmarshal(ev.Payload, &p) != nil {
			continue
		}
		out = append(out, rcontext.Message{Seq: ev.Seq, MessageID: p.MessageID, Content: p.Content, ActorID: p.ActorID, Origin: p.Origin})
	}
	return out
}

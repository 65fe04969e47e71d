package context

import (
	"encoding/json"
	"fmt"

	"github.com/ripcore/rip/internal/artifact"
	"github.com/ripcore/rip/internal/eventstore"
)

// Strategy names one of the versioned bundle-composition strategies.
type Strategy string

// Known strategies. The compiler never invents a fourth: an unrecognized
// Strategy value is rejected by Compile.
const (
	StrategyRecentMessages           Strategy = "recent_messages_v1"
	StrategySummariesRecentMessages  Strategy = "summaries_recent_messages_v1"
	StrategyHierarchicalSummaries    Strategy = "hierarchical_summaries_recent_messages_v1"
)

// hierarchyDepth is H in the hierarchical strategy: at most this many
// summary_refs are selected, newest first before reversal to ascending
// order.
const hierarchyDepth = 3

// defaultRecentMessages bounds the recent-message window when the caller
// doesn't specify one.
const defaultRecentMessages = 20

// Limits parameterizes one Compile call.
type Limits struct {
	RecentMessages int // 0 means defaultRecentMessages
}

func (l Limits) withDefaults() Limits {
	if l.RecentMessages <= 0 {
		l.RecentMessages = defaultRecentMessages
	}
	return l
}

// ArtifactStore is the subset of *artifact.Store the compiler needs: it
// writes bundles and reads summary artifacts to verify they still exist
// before referencing them.
type ArtifactStore interface {
	Put(kind artifact.Kind, content []byte) (artifactID string, err error)
	Get(artifactID string) ([]byte, error)
}

// FrameAppender persists a frame to a named stream. *authority.Authority
// satisfies this directly.
type FrameAppender interface {
	Append(st eventstore.Stream, typ eventstore.FrameType, payload any) (eventstore.Event, error)
}

// SummaryRef points at one compaction checkpoint included in a bundle.
type SummaryRef struct {
	CheckpointID      string `json:"checkpoint_id"`
	SummaryArtifactID string `json:"summary_artifact_id"`
	ToSeq             uint64 `json:"to_seq"`
}

// Reset records one input the compiler considered and skipped, with a
// stable machine-readable reason.
type Reset struct {
	Input  string `json:"input"`
	Reason string `json:"reason"`
}

// Reset reason codes.
const (
	ResetArtifactMissing = "artifact_missing"
	ResetNoCheckpoint    = "no_checkpoint"
)

// Bundle is the immutable artifact a compilation produces. Field order is
// fixed and the struct carries no wall-clock data, so two Compile calls
// over the same truth and the same referenced artifacts marshal to
// byte-identical content (testable property 8).
type Bundle struct {
	Strategy     Strategy     `json:"strategy"`
	CutSeq       uint64       `json:"cut_seq"`
	CutMessageID string       `json:"cut_message_id"`
	SummaryRefs  []SummaryRef `json:"summary_refs"`
	Messages     []Message    `json:"messages"`
}

// Compiler produces context bundles from continuity truth.
type Compiler struct {
	Events    Reader
	Artifacts ArtifactStore
	Frames    FrameAppender
}

// Decision is the outcome context_selection_decided records, returned
// alongside the bundle artifact id so callers (the gateway's
// context-selection-status projection) can report it without re-reading
// the log.
type Decision struct {
	Strategy            Strategy
	PrimaryCheckpointID  string
	CheckpointIDs        []string
	Resets               []Reset
}

// Compile walks threadID's truth up to cutSeq (0 meaning through the
// current tail), composes a bundle under strategy, writes it as an
// immutable artifact, and appends context_selection_decided then
// context_compiled to the thread's continuity stream.
func (c *Compiler) Compile(threadID, runSessionID string, strategy Strategy, cutSeq uint64, limits Limits) (bundleArtifactID string, decision Decision, err error) {
	limits = limits.withDefaults()

	messages, err := ListMessages(c.Events, threadID, cutSeq)
	if err != nil {
		return "", Decision{}, err
	}

	var resolvedCutSeq uint64
	var cutMessageID string
	if len(messages) > 0 {
		last := messages[len(messages)-1]
		resolvedCutSeq = last.Seq
		cutMessageID = last.MessageID
	}

	checkpoints, err := ListCheckpoints(c.Events, threadID, resolvedCutSeq)
	if err != nil {
		return "", Decision{}, err
	}

	bundle := Bundle{Strategy: strategy, CutSeq: resolvedCutSeq, CutMessageID: cutMessageID}
	var resets []Reset
	var checkpointIDs []string
	var primaryID string

	switch strategy {
	case StrategyRecentMessages:
		bundle.Messages = recentWindow(messages, 0, limits.RecentMessages)

	case StrategySummariesRecentMessages:
		cp, ok := c.validSummary(checkpoints, resolvedCutSeq, &resets)
		if ok {
			bundle.SummaryRefs = []SummaryRef{{CheckpointID: cp.CheckpointID, SummaryArtifactID: cp.SummaryArtifactID, ToSeq: cp.ToSeq}}
			checkpointIDs = []string{cp.CheckpointID}
			primaryID = cp.CheckpointID
			bundle.Messages = recentWindow(messages, cp.ToSeq, limits.RecentMessages)
		} else {
			bundle.Strategy = StrategyRecentMessages
			bundle.Messages = recentWindow(messages, 0, limits.RecentMessages)
		}

	case StrategyHierarchicalSummaries:
		selected := c.selectHierarchy(checkpoints, resolvedCutSeq, &resets)
		if len(selected) == 0 {
			bundle.Strategy = StrategyRecentMessages
			bundle.Messages = recentWindow(messages, 0, limits.RecentMessages)
			break
		}
		for _, cp := range selected {
			bundle.SummaryRefs = append(bundle.SummaryRefs, SummaryRef{CheckpointID: cp.CheckpointID, SummaryArtifactID: cp.SummaryArtifactID, ToSeq: cp.ToSeq})
			checkpointIDs = append(checkpointIDs, cp.CheckpointID)
		}
		primaryID = selected[len(selected)-1].CheckpointID
		newest := selected[len(selected)-1]
		bundle.Messages = recentWindow(messages, newest.ToSeq, limits.RecentMessages)

	default:
		return "", Decision{}, fmt.Errorf("context: unknown strategy %q", strategy)
	}

	raw, err := json.Marshal(bundle)
	if err != nil {
		return "", Decision{}, fmt.Errorf("context: marshal bundle: %w", err)
	}
	bundleArtifactID, err = c.Artifacts.Put(artifact.KindContextBundle, raw)
	if err != nil {
		return "", Decision{}, fmt.Errorf("context: put bundle: %w", err)
	}

	decision = Decision{Strategy: bundle.Strategy, PrimaryCheckpointID: primaryID, CheckpointIDs: checkpointIDs, Resets: resets}

	st := Stream(threadID)
	if _, err := c.Frames.Append(st, eventstore.FrameContinuityContextSelectionDecided, map[string]any{
		"run_session_id":         runSessionID,
		"compiler_strategy":      bundle.Strategy,
		"limits":                 limits,
		"compaction_checkpoint":  primaryID,
		"compaction_checkpoints": checkpointIDs,
		"resets":                 resets,
	}); err != nil {
		return "", Decision{}, fmt.Errorf("context: append selection decided: %w", err)
	}
	if _, err := c.Frames.Append(st, eventstore.FrameContinuityContextCompiled, map[string]any{
		"run_session_id":     runSessionID,
		"cut_seq":            resolvedCutSeq,
		"cut_message_id":     cutMessageID,
		"bundle_artifact_id": bundleArtifactID,
	}); err != nil {
		return "", Decision{}, fmt.Errorf("context: append context compiled: %w", err)
	}

	return bundleArtifactID, decision, nil
}

// validSummary resolves the single latest checkpoint at or before cutSeq
// and confirms its summary artifact is still readable, recording a reset
// and reporting false otherwise.
func (c *Compiler) validSummary(checkpoints []Checkpoint, cutSeq uint64, resets *[]Reset) (Checkpoint, bool) {
	cp, ok := LatestAtOrBefore(checkpoints, cutSeq)
	if !ok {
		*resets = append(*resets, Reset{Input: "compaction_checkpoint", Reason: ResetNoCheckpoint})
		return Checkpoint{}, false
	}
	if _, err := c.Artifacts.Get(cp.SummaryArtifactID); err != nil {
		*resets = append(*resets, Reset{Input: cp.CheckpointID, Reason: ResetArtifactMissing})
		return Checkpoint{}, false
	}
	return cp, true
}

// selectHierarchy implements the H=3 selection rule: latest checkpoint,
// then latest with to_seq <= floor(prev/2), repeated, returned ascending
// by to_seq. A candidate whose summary artifact is unreadable is skipped
// (recorded as a reset) without aborting selection of the others.
func (c *Compiler) selectHierarchy(checkpoints []Checkpoint, cutSeq uint64, resets *[]Reset) []Checkpoint {
	var selected []Checkpoint
	ceiling := cutSeq
	for i := 0; i < hierarchyDepth; i++ {
		cp, ok := LatestAtOrBefore(checkpoints, ceiling)
		if !ok {
			break
		}
		if _, err := c.Artifacts.Get(cp.SummaryArtifactID); err != nil {
			*resets = append(*resets, Reset{Input: cp.CheckpointID, Reason: ResetArtifactMissing})
			break
		}
		selected = append(selected, cp)
		if cp.ToSeq == 0 {
			break
		}
		ceiling = cp.ToSeq / 2
	}
	// selected is newest-first; reverse to ascending to_seq order.
	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}
	return selected
}

// recentWindow returns the trailing window of messages with seq > afterSeq,
// bounded to at most limit entries.
func recentWindow(messages []Message, afterSeq uint64, limit int) []Message {
	var tail []Message
	for _, m := range messages {
		if m.Seq > afterSeq {
			tail = append(tail, m)
		}
	}
	if len(tail) > limit {
		tail = tail[len(tail)-limit:]
	}
	return tail
}

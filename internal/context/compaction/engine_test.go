package compaction

import (
	"encoding/json"
	"testing"

	"github.com/ripcore/rip/internal/artifact"
	rcontext "github.com/ripcore/rip/internal/context"
	"github.com/ripcore/rip/internal/eventstore"
)

type fakeReader struct {
	events []eventstore.Event
}

func (f *fakeReader) Range(st eventstore.Stream, fromSeq, toSeq uint64) ([]eventstore.Event, error) {
	var out []eventstore.Event
	for _, ev := range f.events {
		if ev.StreamKind != st.Kind || ev.StreamID != st.ID || ev.Seq < fromSeq {
			continue
		}
		if toSeq > 0 && ev.Seq > toSeq {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (f *fakeReader) addMessage(threadID string, seq uint64, id, content string) {
	raw, _ := json.Marshal(map[string]string{"message_id": id, "content": content})
	f.events = append(f.events, eventstore.Event{
		StreamKind: eventstore.StreamContinuity, StreamID: threadID, Seq: seq,
		Type: eventstore.FrameContinuityMessageAppended, Payload: raw,
	})
}

type fakeArtifacts struct {
	blobs map[string][]byte
	next  int
}

func newFakeArtifacts() *fakeArtifacts { return &fakeArtifacts{blobs: make(map[string][]byte)} }

func (f *fakeArtifacts) Put(_ artifact.Kind, content []byte) (string, error) {
	f.next++
	id := "a" + string(rune('0'+f.next))
	f.blobs[id] = content
	return id, nil
}

func (f *fakeArtifacts) Get(id string) ([]byte, error) {
	b, ok := f.blobs[id]
	if !ok {
		return nil, artifact.ErrNotFound
	}
	return b, nil
}

// fakeFrames appends directly into a shared fakeReader's event list, so
// frames it records are immediately visible to later reads through the same
// reader — matching how *authority.Authority backs both interfaces with one
// underlying event log.
type fakeFrames struct {
	reader *fakeReader
}

func (f *fakeFrames) Append(st eventstore.Stream, typ eventstore.FrameType, payload any) (eventstore.Event, error) {
	raw, _ := json.Marshal(payload)
	seq := uint64(0)
	for _, ev := range f.reader.events {
		if ev.StreamKind == st.Kind && ev.StreamID == st.ID && ev.Seq >= seq {
			seq = ev.Seq + 1
		}
	}
	ev := eventstore.Event{StreamKind: st.Kind, StreamID: st.ID, Seq: seq, Type: typ, Payload: raw}
	f.reader.events = append(f.reader.events, ev)
	return ev, nil
}

func setup(n int) (*fakeReader, *fakeArtifacts, *fakeFrames) {
	reader := &fakeReader{}
	for i := 0; i < n; i++ {
		reader.addMessage("t1", uint64(i), "m"+string(rune('0'+i)), "message content")
	}
	return reader, newFakeArtifacts(), &fakeFrames{reader: reader}
}

func TestPlanCutPointsAlignsToStride(t *testing.T) {
	messages := make([]rcontext.Message, 10)
	for i := range messages {
		messages[i] = rcontext.Message{Seq: uint64(i), MessageID: "m"}
	}
	planned := PlanCutPoints(messages, nil, 3, 10)
	if len(planned) != 3 {
		t.Fatalf("expected 3 cut points for 10 messages at stride 3, got %d", len(planned))
	}
	if planned[0].Seq != 2 || planned[1].Seq != 5 || planned[2].Seq != 8 {
		t.Fatalf("unexpected cut point seqs: %+v", planned)
	}
}

func TestPlanCutPointsSkipsCovered(t *testing.T) {
	messages := make([]rcontext.Message, 6)
	for i := range messages {
		messages[i] = rcontext.Message{Seq: uint64(i), MessageID: "m"}
	}
	existing := []rcontext.Checkpoint{{ToSeq: 2}}
	planned := PlanCutPoints(messages, existing, 3, 10)
	if len(planned) != 1 || planned[0].Seq != 5 {
		t.Fatalf("expected only the uncovered cut point at seq 5, got %+v", planned)
	}
}

func TestAutoRunCreatesCheckpoints(t *testing.T) {
	reader, artifacts, frames := setup(6)
	e := &Engine{Events: reader, Artifacts: artifacts, Frames: frames}

	created, err := e.AutoRun("t1", 3, 2)
	if err != nil {
		t.Fatalf("autorun: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(created))
	}
	if created[0].ToSeq != 2 || created[1].ToSeq != 5 {
		t.Fatalf("unexpected cut seqs: %+v", created)
	}
	if created[1].BaseSummaryArtifactID != created[0].SummaryArtifactID {
		t.Fatalf("expected second checkpoint to reference first as base")
	}
}

func TestAutoRunIdempotentOnRepeatedCall(t *testing.T) {
	reader, artifacts, frames := setup(6)
	e := &Engine{Events: reader, Artifacts: artifacts, Frames: frames}

	if _, err := e.AutoRun("t1", 3, 2); err != nil {
		t.Fatalf("first autorun: %v", err)
	}
	// Second call sees the checkpoints created above via ListCheckpoints,
	// since fakeFrames appends directly into the shared reader's log, so
	// nothing new should be planned.
	created, err := e.AutoRun("t1", 3, 2)
	if err != nil {
		t.Fatalf("second autorun: %v", err)
	}
	if len(created) != 0 {
		t.Fatalf("expected no new checkpoints once all cut points are covered, got %d", len(created))
	}
}

func TestRunSummarizerJobBuildsCumulativeSections(t *testing.T) {
	reader, artifacts, frames := setup(3)
	e := &Engine{Events: reader, Artifacts: artifacts, Frames: frames}

	cp, err := e.RunSummarizerJob("t1", 2, "m2")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	content, err := artifacts.Get(cp.SummaryArtifactID)
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	text := string(content)
	if !contains(text, cumulativeHeading) || !contains(text, highlightsHeading) {
		t.Fatalf("summary missing expected sections: %s", text)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/agentlens/loom/internal/link"
	"github.com/agentlens/loom/internal/model"
)

var t0 = time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)

func llmAt(id string, startSec int) model.Span {
	return model.Span{
		SpanID:    id,
		TraceID:   "trace-" + id,
		Kind:      model.KindLLM,
		Name:      "litellm_request",
		StartTime: t0.Add(time.Duration(startSec) * time.Second),
		EndTime:   t0.Add(time.Duration(startSec+1) * time.Second),
		Input:     "user message",
		Output:    "assistant reply",
	}
}

var sessionKey = model.SessionKey{UserHash: "h1", AccountID: "a1", SessionID: "s1"}

// TestAssembleChronologicalSession verifies the ten-span scenario: LLM-only
// spans with one title-generation call yield a single ordered session of
// nine main spans and one summarization span.
func TestAssembleChronologicalSession(t *testing.T) {
	var spans []model.Span
	for i := 0; i < 10; i++ {
		sp := llmAt(string(rune('a'+i)), i*10)
		if i == 7 {
			sp.Input = "Please write a 5-10 word title for the following conversation"
		}
		spans = append(spans, sp)
	}

	a := NewAssembler(nil, 1)
	doc := a.Assemble(sessionKey, link.Link(spans))

	if doc.Key != "user_h1_account_a1_session_s1" {
		t.Errorf("key = %s", doc.Key)
	}
	if doc.SpanCount != 10 || len(doc.Spans) != 10 {
		t.Fatalf("span count = %d/%d", doc.SpanCount, len(doc.Spans))
	}
	for i, ss := range doc.Spans {
		if ss.Seq != i {
			t.Errorf("seq[%d] = %d", i, ss.Seq)
		}
		if want := string(rune('a' + i)); ss.SpanID != want {
			t.Errorf("position %d holds %s, want %s", i, ss.SpanID, want)
		}
		if i == 0 {
			if ss.LinkRule != link.RuleRoot || ss.CausalParent != "" {
				t.Errorf("first span edge = %s/%s", ss.LinkRule, ss.CausalParent)
			}
		} else if ss.CausalParent != doc.Spans[i-1].SpanID {
			t.Errorf("span %s follows %s, want %s", ss.SpanID, ss.CausalParent, doc.Spans[i-1].SpanID)
		}
	}
	if doc.ClassCounts[model.ClassMain] != 9 || doc.ClassCounts[model.ClassSummarization] != 1 {
		t.Errorf("class counts = %v", doc.ClassCounts)
	}
	if !doc.StartTime.Equal(t0) || !doc.EndTime.Equal(t0.Add(91*time.Second)) {
		t.Errorf("bounds = %s .. %s", doc.StartTime, doc.EndTime)
	}
	if doc.TraceCount != 10 {
		t.Errorf("trace count = %d", doc.TraceCount)
	}
}

// TestAssembleTopologicalOrder verifies causal edges outrank raw chronology:
// a span whose resolved parent starts later is emitted after that parent.
func TestAssembleTopologicalOrder(t *testing.T) {
	a := llmAt("a", 0)
	b := llmAt("b", 10)
	c := llmAt("c", 20)
	links := &link.Result{
		Order: []model.Span{a, b, c},
		Edges: map[string]link.Edge{
			"a": {SpanID: "a", Rule: link.RuleRoot},
			"b": {SpanID: "b", ParentID: "c", Rule: link.RuleParentID},
			"c": {SpanID: "c", ParentID: "a", Rule: link.RuleChronological},
		},
		Rules:  map[link.Rule]int{link.RuleRoot: 1, link.RuleParentID: 1, link.RuleChronological: 1},
		Linked: 2,
	}

	doc := NewAssembler(nil, 1).Assemble(sessionKey, links)
	got := []string{doc.Spans[0].SpanID, doc.Spans[1].SpanID, doc.Spans[2].SpanID}
	want := []string{"a", "c", "b"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

// TestAssembleIdempotent verifies assembling the same linked input twice
// yields byte-identical documents.
func TestAssembleIdempotent(t *testing.T) {
	spans := []model.Span{llmAt("a", 0), llmAt("b", 10), llmAt("c", 20)}
	a := NewAssembler(nil, 1)

	first := a.Assemble(sessionKey, link.Link(spans))
	second := a.Assemble(sessionKey, link.Link(spans))
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("documents differ:\n%s", diff)
	}
	j1, err := json.Marshal(first)
	if err != nil {
		t.Fatal(err)
	}
	j2, _ := json.Marshal(second)
	if string(j1) != string(j2) {
		t.Error("serialized documents differ")
	}
}

// TestAssembleUnfinishedSpan verifies a span without an end time keeps the
// session bounds sane and classifies incomplete.
func TestAssembleUnfinishedSpan(t *testing.T) {
	done := llmAt("done", 0)
	open := llmAt("open", 10)
	open.EndTime = time.Time{}

	doc := NewAssembler(nil, 1).Assemble(sessionKey, link.Link([]model.Span{done, open}))
	if doc.ClassCounts[model.ClassIncomplete] != 1 {
		t.Errorf("class counts = %v", doc.ClassCounts)
	}
	if !doc.EndTime.Equal(open.StartTime) {
		t.Errorf("session end = %s, want the unfinished span's start", doc.EndTime)
	}
	var ss SessionSpan
	for _, cand := range doc.Spans {
		if cand.SpanID == "open" {
			ss = cand
		}
	}
	if ss.DurationMS != 0 || !ss.EndTime.IsZero() {
		t.Errorf("unfinished span serialized as %+v", ss)
	}
}

// TestAssembleBelowMin verifies small sessions are flagged, never dropped.
func TestAssembleBelowMin(t *testing.T) {
	doc := NewAssembler(nil, 5).Assemble(sessionKey, link.Link([]model.Span{llmAt("a", 0)}))
	if !doc.BelowMin {
		t.Error("one-span session not flagged below minimum")
	}
	if doc.SpanCount != 1 || len(doc.Spans) != 1 {
		t.Error("below-minimum session lost its spans")
	}
}

// TestAssembleUnassigned verifies the orphan bucket becomes an ordered
// synthetic document without causal edges.
func TestAssembleUnassigned(t *testing.T) {
	late := llmAt("late", 30)
	early := llmAt("early", 0)
	tool := model.Span{
		SpanID:    "tool",
		Kind:      model.KindTool,
		Name:      "Claude_Code_Tool_Bash",
		StartTime: t0.Add(10 * time.Second),
		EndTime:   t0.Add(11 * time.Second),
	}

	doc := NewAssembler(nil, 1).AssembleUnassigned([]model.Span{late, tool, early})
	if doc.Key != model.UnassignedKey {
		t.Errorf("key = %s", doc.Key)
	}
	got := []string{doc.Spans[0].SpanID, doc.Spans[1].SpanID, doc.Spans[2].SpanID}
	if diff := cmp.Diff([]string{"early", "tool", "late"}, got); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
	for _, ss := range doc.Spans {
		if ss.CausalParent != "" || ss.LinkRule != "" {
			t.Errorf("orphan %s carries a causal edge", ss.SpanID)
		}
	}
	if doc.ClassCounts[model.ClassTool] != 1 {
		t.Errorf("class counts = %v", doc.ClassCounts)
	}
}

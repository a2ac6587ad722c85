package session

import (
	"sort"
	"time"

	"github.com/agentlens/loom/internal/link"
	"github.com/agentlens/loom/internal/model"
)

// SessionSpan is one span as it appears inside an assembled session: the
// normalized fields plus the derived sequence position, classification, and
// causal edge.
type SessionSpan struct {
	Seq          int         `json:"seq"`
	SpanID       string      `json:"span_id"`
	TraceID      string      `json:"trace_id,omitempty"`
	ParentSpanID string      `json:"parent_span_id,omitempty"`
	Kind         model.Kind  `json:"kind"`
	Name         string      `json:"name,omitempty"`
	StartTime    time.Time   `json:"start_time"`
	EndTime      time.Time   `json:"end_time,omitzero"`
	DurationMS   int64       `json:"duration_ms"`
	Class        model.Class `json:"class"`
	CausalParent string      `json:"causal_parent,omitempty"`
	LinkRule     link.Rule   `json:"link_rule,omitempty"`
	Input        string      `json:"input,omitempty"`
	Output       string      `json:"output,omitempty"`
}

// Session is one reconstructed conversation thread: the ordered, classified
// spans sharing a session key, with aggregate bounds and counts.
type Session struct {
	Key         string              `json:"session_key"`
	UserHash    string              `json:"user_hash,omitempty"`
	AccountID   string              `json:"account_id,omitempty"`
	SessionID   string              `json:"session_id,omitempty"`
	StartTime   time.Time           `json:"start_time,omitzero"`
	EndTime     time.Time           `json:"end_time,omitzero"`
	SpanCount   int                 `json:"span_count"`
	TraceCount  int                 `json:"trace_count"`
	ClassCounts map[model.Class]int `json:"class_counts"`
	BelowMin    bool                `json:"below_min,omitempty"`
	Spans       []SessionSpan       `json:"spans"`
}

// Assembler builds session documents from linked span groups.
type Assembler struct {
	classifier *Classifier
	minSpans   int
}

// NewAssembler wires a classifier and the minimum span count. Sessions below
// the minimum are still emitted, only flagged; nothing is dropped for being
// small.
func NewAssembler(c *Classifier, minSpans int) *Assembler {
	if c == nil {
		c = NewClassifier(nil)
	}
	if minSpans < 1 {
		minSpans = 1
	}
	return &Assembler{classifier: c, minSpans: minSpans}
}

// Assemble produces the session document for one key from its linked spans.
// The span order is the topological order of the causal edges with
// chronology breaking the remaining ties, so re-running on the same input
// reproduces the same document.
func (a *Assembler) Assemble(key model.SessionKey, links *link.Result) Session {
	ordered := topoOrder(links)
	doc := Session{
		Key:         key.String(),
		UserHash:    key.UserHash,
		AccountID:   key.AccountID,
		SessionID:   key.SessionID,
		SpanCount:   len(ordered),
		ClassCounts: make(map[model.Class]int),
		Spans:       make([]SessionSpan, 0, len(ordered)),
	}

	traces := make(map[string]struct{})
	for seq, sp := range ordered {
		class := a.classifier.Classify(sp)
		doc.ClassCounts[class]++
		if sp.TraceID != "" {
			traces[sp.TraceID] = struct{}{}
		}
		if doc.StartTime.IsZero() || sp.StartTime.Before(doc.StartTime) {
			doc.StartTime = sp.StartTime
		}
		if end := sp.EffectiveEnd(); end.After(doc.EndTime) {
			doc.EndTime = end
		}
		edge := links.Edges[sp.SpanID]
		doc.Spans = append(doc.Spans, SessionSpan{
			Seq:          seq,
			SpanID:       sp.SpanID,
			TraceID:      sp.TraceID,
			ParentSpanID: sp.ParentSpanID,
			Kind:         sp.Kind,
			Name:         sp.Name,
			StartTime:    sp.StartTime,
			EndTime:      sp.EndTime,
			DurationMS:   sp.Duration().Milliseconds(),
			Class:        class,
			CausalParent: edge.ParentID,
			LinkRule:     edge.Rule,
			Input:        sp.Input,
			Output:       sp.Output,
		})
	}
	doc.TraceCount = len(traces)
	doc.BelowMin = doc.SpanCount < a.minSpans
	return doc
}

// AssembleUnassigned builds the synthetic document that carries orphan
// spans to the unassigned output. Orphans have no causal edges; plain
// chronology orders them.
func (a *Assembler) AssembleUnassigned(orphans []model.Span) Session {
	sorted := make([]model.Span, len(orphans))
	copy(sorted, orphans)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].StartTime.Equal(sorted[j].StartTime) {
			return sorted[i].StartTime.Before(sorted[j].StartTime)
		}
		return sorted[i].SpanID < sorted[j].SpanID
	})

	doc := Session{
		Key:         model.UnassignedKey,
		SpanCount:   len(sorted),
		ClassCounts: make(map[model.Class]int),
		Spans:       make([]SessionSpan, 0, len(sorted)),
	}
	traces := make(map[string]struct{})
	for seq, sp := range sorted {
		class := a.classifier.Classify(sp)
		doc.ClassCounts[class]++
		if sp.TraceID != "" {
			traces[sp.TraceID] = struct{}{}
		}
		if doc.StartTime.IsZero() || sp.StartTime.Before(doc.StartTime) {
			doc.StartTime = sp.StartTime
		}
		if end := sp.EffectiveEnd(); end.After(doc.EndTime) {
			doc.EndTime = end
		}
		doc.Spans = append(doc.Spans, SessionSpan{
			Seq:        seq,
			SpanID:     sp.SpanID,
			TraceID:    sp.TraceID,
			Kind:       sp.Kind,
			Name:       sp.Name,
			StartTime:  sp.StartTime,
			EndTime:    sp.EndTime,
			DurationMS: sp.Duration().Milliseconds(),
			Class:      class,
			Input:      sp.Input,
			Output:     sp.Output,
		})
	}
	doc.TraceCount = len(traces)
	return doc
}

// topoOrder emits spans parent-before-child, choosing the chronologically
// earliest available span at every step. The linker guarantees the edge set
// is a forest, so the walk always completes; the trailing sweep is a guard
// against a malformed result, not an expected path.
func topoOrder(links *link.Result) []model.Span {
	spans := links.Order
	children := make(map[string][]int)
	var ready []int
	for i, sp := range spans {
		if pid, ok := links.ParentOf(sp.SpanID); ok {
			children[pid] = append(children[pid], i)
		} else {
			ready = append(ready, i)
		}
	}

	out := make([]model.Span, 0, len(spans))
	emitted := make(map[string]bool, len(spans))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		out = append(out, spans[i])
		emitted[spans[i].SpanID] = true
		for _, c := range children[spans[i].SpanID] {
			ready = insertSorted(ready, c)
		}
	}
	if len(out) != len(spans) {
		for _, sp := range spans {
			if !emitted[sp.SpanID] {
				out = append(out, sp)
			}
		}
	}
	return out
}

// insertSorted keeps the ready queue ordered by chronological position.
func insertSorted(s []int, v int) []int {
	i := sort.SearchInts(s, v)
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

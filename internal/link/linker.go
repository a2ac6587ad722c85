// Package link computes a causal predecessor edge for every span of one
// session. Backend parent pointers collapse to "all roots" inside a session
// view, so they are treated as one hint among several: trace-scoped
// tool-to-request adjacency, tool-result content matching, and chronology
// fill the gaps. The produced edge set is guaranteed acyclic.
package link

import (
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/valyala/fastjson"

	"github.com/agentlens/loom/internal/logger"
	"github.com/agentlens/loom/internal/model"
)

// Rule names the strategy that produced an edge.
type Rule string

const (
	RuleParentID      Rule = "parent_id"
	RuleTraceTool     Rule = "trace_tool"
	RuleToolResult    Rule = "tool_result"
	RuleChronological Rule = "chronological"
	RuleRoot          Rule = "root"
)

// Edge is one span's resolved causal predecessor. ParentID is empty for a
// session root.
type Edge struct {
	SpanID   string `json:"span_id"`
	ParentID string `json:"parent_id,omitempty"`
	Rule     Rule   `json:"rule"`
}

// Result holds the edges for one session's spans.
type Result struct {
	// Order is the chronological span order edges were computed in.
	Order []model.Span
	// Edges maps span id to its resolved edge; every input span has one.
	Edges map[string]Edge
	// Rules tallies edges per producing rule.
	Rules map[Rule]int
	// Linked counts spans with a non-root predecessor.
	Linked int
	// Cycles counts spans whose candidate edge was discarded by the
	// cycle guard.
	Cycles int
}

// ParentOf returns the causal predecessor of a span, ok=false for roots.
func (r *Result) ParentOf(spanID string) (string, bool) {
	edge, ok := r.Edges[spanID]
	if !ok || edge.ParentID == "" {
		return "", false
	}
	return edge.ParentID, true
}

type linker struct {
	order  []model.Span
	index  map[string]int
	edges  map[string]Edge
	cycles int
}

// Link computes causal edges for the spans of one session. Spans are
// processed chronologically; each one gets the first applicable rule's
// candidate, guarded against cycles, with chronology as the safety net.
func Link(spans []model.Span) *Result {
	order := make([]model.Span, len(spans))
	copy(order, spans)
	sort.SliceStable(order, func(i, j int) bool {
		if !order[i].StartTime.Equal(order[j].StartTime) {
			return order[i].StartTime.Before(order[j].StartTime)
		}
		return order[i].SpanID < order[j].SpanID
	})

	l := &linker{
		order: order,
		index: make(map[string]int, len(order)),
		edges: make(map[string]Edge, len(order)),
	}
	for i, sp := range order {
		l.index[sp.SpanID] = i
	}

	res := &Result{
		Order: order,
		Edges: l.edges,
		Rules: make(map[Rule]int),
	}
	for i, sp := range order {
		edge := l.resolve(i, sp)
		l.edges[sp.SpanID] = edge
		res.Rules[edge.Rule]++
		if edge.ParentID != "" {
			res.Linked++
		}
	}
	res.Cycles = l.cycles
	return res
}

// resolve picks one edge for a span: the highest-priority candidate if the
// guard admits it, else the nearest chronological predecessor that does not
// close a loop, else root.
func (l *linker) resolve(i int, sp model.Span) (edge Edge) {
	rejected := false
	defer func() {
		if rejected {
			l.cycles++
			logger.Log.WithFields(logrus.Fields{
				"span_id": sp.SpanID,
				"rule":    edge.Rule,
			}).Debug("cyclic edge discarded")
		}
	}()

	if parent, rule, ok := l.preferredCandidate(sp); ok {
		if !l.wouldCycle(sp.SpanID, parent) {
			return Edge{SpanID: sp.SpanID, ParentID: parent, Rule: rule}
		}
		rejected = true
	}
	for j := i - 1; j >= 0; j-- {
		prev := l.order[j].SpanID
		if l.wouldCycle(sp.SpanID, prev) {
			rejected = true
			continue
		}
		return Edge{SpanID: sp.SpanID, ParentID: prev, Rule: RuleChronological}
	}
	return Edge{SpanID: sp.SpanID, Rule: RuleRoot}
}

// preferredCandidate applies rules in priority order: an in-session backend
// parent pointer, then the trace-scoped tool-to-request link for TOOL spans,
// then tool-result content matching for LLM spans.
func (l *linker) preferredCandidate(sp model.Span) (string, Rule, bool) {
	if sp.ParentSpanID != "" && sp.ParentSpanID != sp.SpanID {
		if _, inSession := l.index[sp.ParentSpanID]; inSession {
			return sp.ParentSpanID, RuleParentID, true
		}
	}
	switch sp.Kind {
	case model.KindTool:
		if parent, ok := l.traceToolCandidate(sp); ok {
			return parent, RuleTraceTool, true
		}
	case model.KindLLM:
		if parent, ok := l.toolResultCandidate(sp); ok {
			return parent, RuleToolResult, true
		}
	}
	return "", "", false
}

// traceToolCandidate finds the LLM request that invoked a tool: the nearest
// preceding LLM span on the same trace whose end does not exceed the tool's
// start.
func (l *linker) traceToolCandidate(sp model.Span) (string, bool) {
	if sp.TraceID == "" {
		return "", false
	}
	var best *model.Span
	for j := range l.order {
		cand := &l.order[j]
		if cand.SpanID == sp.SpanID || cand.Kind != model.KindLLM || cand.TraceID != sp.TraceID {
			continue
		}
		if cand.EffectiveEnd().After(sp.StartTime) {
			continue
		}
		if best == nil || closerCandidate(*cand, *best) {
			best = cand
		}
	}
	if best == nil {
		return "", false
	}
	return best.SpanID, true
}

// toolResultCandidate links an LLM continuation back to the tool execution
// whose result it carries: the most recent finished TOOL span with matching
// identifying content.
func (l *linker) toolResultCandidate(sp model.Span) (string, bool) {
	ref, ok := scanToolResults(sp.Input)
	if !ok {
		return "", false
	}
	var best *model.Span
	for j := range l.order {
		cand := &l.order[j]
		if cand.SpanID == sp.SpanID || cand.Kind != model.KindTool {
			continue
		}
		if cand.EffectiveEnd().After(sp.StartTime) {
			continue
		}
		if !ref.matches(*cand) {
			continue
		}
		if best == nil || closerCandidate(*cand, *best) {
			best = cand
		}
	}
	if best == nil {
		return "", false
	}
	return best.SpanID, true
}

// closerCandidate orders two admissible predecessors: latest effective end
// wins, then latest start, then span id, keeping the choice deterministic.
func closerCandidate(a, b model.Span) bool {
	ae, be := a.EffectiveEnd(), b.EffectiveEnd()
	if !ae.Equal(be) {
		return ae.After(be)
	}
	if !a.StartTime.Equal(b.StartTime) {
		return a.StartTime.After(b.StartTime)
	}
	return a.SpanID > b.SpanID
}

// wouldCycle walks the ancestor chain from parentID through the edges
// assigned so far, reporting whether spanID already sits on it.
func (l *linker) wouldCycle(spanID, parentID string) bool {
	steps := 0
	for cur := parentID; cur != ""; {
		if cur == spanID {
			return true
		}
		if steps++; steps > len(l.order) {
			return true
		}
		next, ok := l.edges[cur]
		if !ok {
			return false
		}
		cur = next.ParentID
	}
	return false
}

// ============================================================================
// Tool-result detection
// ============================================================================

// toolResultRef is the identifying content pulled from an LLM input that
// carries tool results: block ids, tool names, and result fragments.
type toolResultRef struct {
	ids       []string
	names     []string
	fragments []string
}

// scanToolResults structurally parses an LLM input payload and collects
// evidence from tool_result and tool_use blocks. ok is true only when at
// least one tool_result block is present; tool_use requests alone do not
// make a span a continuation.
func scanToolResults(input string) (toolResultRef, bool) {
	var ref toolResultRef
	if input == "" {
		return ref, false
	}
	var p fastjson.Parser
	root, err := p.Parse(input)
	if err != nil {
		return ref, false
	}
	found := collectToolBlocks(root, &ref)
	return ref, found
}

func collectToolBlocks(v *fastjson.Value, ref *toolResultRef) bool {
	found := false
	switch v.Type() {
	case fastjson.TypeObject:
		switch string(v.GetStringBytes("type")) {
		case "tool_result":
			found = true
			if id := string(v.GetStringBytes("tool_use_id")); id != "" {
				ref.ids = append(ref.ids, id)
			}
			if frag := contentFragment(v.Get("content")); frag != "" {
				ref.fragments = append(ref.fragments, frag)
			}
		case "tool_use":
			if id := string(v.GetStringBytes("id")); id != "" {
				ref.ids = append(ref.ids, id)
			}
			if name := string(v.GetStringBytes("name")); name != "" {
				ref.names = append(ref.names, name)
			}
		}
		obj, _ := v.Object()
		obj.Visit(func(_ []byte, val *fastjson.Value) {
			if collectToolBlocks(val, ref) {
				found = true
			}
		})
	case fastjson.TypeArray:
		for _, item := range v.GetArray() {
			if collectToolBlocks(item, ref) {
				found = true
			}
		}
	}
	return found
}

// contentFragment extracts a comparable fragment from a tool_result content
// field, which is either a plain string or a list of typed text blocks.
func contentFragment(v *fastjson.Value) string {
	if v == nil {
		return ""
	}
	switch v.Type() {
	case fastjson.TypeString:
		return fragment(string(v.GetStringBytes()))
	case fastjson.TypeArray:
		for _, item := range v.GetArray() {
			if string(item.GetStringBytes("type")) == "text" {
				if frag := fragment(string(item.GetStringBytes("text"))); frag != "" {
					return frag
				}
			}
		}
	}
	return ""
}

const (
	fragmentMax = 120
	fragmentMin = 16
)

// fragment normalizes whitespace and truncates; short strings carry too
// little evidence and are dropped.
func fragment(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > fragmentMax {
		s = s[:fragmentMax]
	}
	if len(s) < fragmentMin {
		return ""
	}
	return s
}

// matches reports whether a TOOL span is identified by the collected
// evidence: a block id appearing in its payloads, its tool name, or a
// result fragment aligning with its output.
func (ref toolResultRef) matches(t model.Span) bool {
	for _, id := range ref.ids {
		if t.SpanID == id || strings.Contains(t.Input, id) || strings.Contains(t.Output, id) {
			return true
		}
		if v, ok := t.MetaString("tool_use_id"); ok && v == id {
			return true
		}
	}
	for _, name := range ref.names {
		if t.Name == name || strings.HasSuffix(t.Name, "_"+name) {
			return true
		}
	}
	for _, frag := range ref.fragments {
		out := strings.Join(strings.Fields(t.Output), " ")
		if out == "" {
			continue
		}
		n := min(len(frag), len(out), 64)
		if n >= fragmentMin && frag[:n] == out[:n] {
			return true
		}
	}
	return false
}

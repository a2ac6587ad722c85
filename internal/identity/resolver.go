// Package identity derives a session key for every span it can.
//
// Upstream proxies stamp identity metadata on LLM request spans only, so the
// resolver runs a cascade: direct metadata fields first, then inheritance
// through a shared trace id, which is what rescues TOOL spans. Spans that
// survive the whole cascade unresolved become orphans; they are counted and
// optionally exported, never dropped.
package identity

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/agentlens/loom/internal/logger"
	"github.com/agentlens/loom/internal/model"
)

// Source names the cascade strategy that produced a key.
type Source string

const (
	SourceRequesterMetadata Source = "requester_metadata"
	SourceEndUserID         Source = "end_user_id"
	SourceTraceInherited    Source = "trace_inherited"
	SourceNone              Source = "none"
)

// Resolution is the per-span outcome. It lives in an overlay keyed by span
// id; the raw span is never mutated.
type Resolution struct {
	Key    model.SessionKey
	Source Source
	// Ambiguous marks a span whose sources disagreed. The cascade winner
	// still applies; the disagreement is tallied for the quality report.
	Ambiguous bool
}

// Resolved reports whether the cascade produced a key.
func (r Resolution) Resolved() bool { return !r.Key.IsZero() }

// Result holds the resolutions and tallies for one span set.
type Result struct {
	ByID map[string]Resolution

	Total     int
	Resolved  int
	Inherited int
	Orphans   int
	Ambiguous int
}

// KeyFor returns the resolved key for a span id, with ok=false for orphans
// and unknown ids.
func (r *Result) KeyFor(spanID string) (model.SessionKey, bool) {
	res, ok := r.ByID[spanID]
	if !ok || !res.Resolved() {
		return model.SessionKey{}, false
	}
	return res.Key, true
}

// OrphanSpans filters the given spans down to the ones that resolved to
// nothing, preserving input order.
func (r *Result) OrphanSpans(spans []model.Span) []model.Span {
	var out []model.Span
	for _, sp := range spans {
		if res, ok := r.ByID[sp.SpanID]; ok && !res.Resolved() {
			out = append(out, sp)
		}
	}
	return out
}

// traceEntry is one directly-resolved span inside a trace, the material
// inheritance draws from.
type traceEntry struct {
	key  model.SessionKey
	span model.Span
}

// Resolve runs the cascade over the whole span set. Two passes: direct
// fields first, building a trace index from the hits, then inheritance for
// everything still unresolved. The index covers the full set, so a TOOL span
// exported before its LLM sibling still inherits.
func Resolve(spans []model.Span) *Result {
	res := &Result{
		ByID:  make(map[string]Resolution, len(spans)),
		Total: len(spans),
	}

	traces := make(map[string][]traceEntry)
	for _, sp := range spans {
		key, source, ambiguous := directKey(sp)
		if ambiguous {
			res.Ambiguous++
			logger.Log.WithFields(logrus.Fields{
				"span_id": sp.SpanID,
				"key":     key.String(),
			}).Debug("identity sources disagree, cascade order wins")
		}
		if key.IsZero() {
			continue
		}
		res.ByID[sp.SpanID] = Resolution{Key: key, Source: source, Ambiguous: ambiguous}
		res.Resolved++
		if sp.TraceID != "" {
			traces[sp.TraceID] = append(traces[sp.TraceID], traceEntry{key: key, span: sp})
		}
	}

	for _, sp := range spans {
		if _, done := res.ByID[sp.SpanID]; done {
			continue
		}
		key, ambiguous, ok := inheritKey(sp, traces[sp.TraceID])
		if !ok {
			res.ByID[sp.SpanID] = Resolution{Source: SourceNone}
			res.Orphans++
			logger.Log.WithFields(logrus.Fields{
				"span_id":  sp.SpanID,
				"trace_id": sp.TraceID,
				"kind":     sp.Kind,
			}).Debug("span orphaned, no identity source")
			continue
		}
		if ambiguous {
			res.Ambiguous++
		}
		res.ByID[sp.SpanID] = Resolution{Key: key, Source: SourceTraceInherited, Ambiguous: ambiguous}
		res.Resolved++
		res.Inherited++
	}

	logger.Log.WithFields(logrus.Fields{
		"total":     res.Total,
		"resolved":  res.Resolved,
		"inherited": res.Inherited,
		"orphans":   res.Orphans,
		"ambiguous": res.Ambiguous,
	}).Info("identity resolution complete")
	return res
}

// directKey tries the two metadata fields in cascade order. When both carry
// well-formed keys that disagree, the first wins and the span is flagged
// ambiguous.
func directKey(sp model.Span) (model.SessionKey, Source, bool) {
	primary, primaryOK := model.SessionKey{}, false
	if raw, ok := requesterUserID(sp); ok {
		primary, primaryOK = model.ParseSessionKey(raw)
	}
	fallback, fallbackOK := model.SessionKey{}, false
	if raw, ok := sp.MetaString("user_api_key_end_user_id"); ok {
		fallback, fallbackOK = model.ParseSessionKey(raw)
	}

	switch {
	case primaryOK:
		return primary, SourceRequesterMetadata, fallbackOK && fallback != primary
	case fallbackOK:
		return fallback, SourceEndUserID, false
	default:
		return model.SessionKey{}, SourceNone, false
	}
}

// requesterUserID reads requester_metadata.user_id, tolerating both the
// nested object form and the flattened dotted-key form proxies emit.
func requesterUserID(sp model.Span) (string, bool) {
	if v, ok := sp.MetaString("requester_metadata", "user_id"); ok {
		return v, true
	}
	return sp.MetaString("requester_metadata.user_id")
}

// inheritKey resolves a span through its trace siblings. A trace whose
// resolved siblings agree hands over that key; disagreeing siblings hand
// over the chronologically nearest one and flag the span ambiguous.
func inheritKey(sp model.Span, siblings []traceEntry) (model.SessionKey, bool, bool) {
	if len(siblings) == 0 {
		return model.SessionKey{}, false, false
	}

	uniform := true
	for _, e := range siblings[1:] {
		if e.key != siblings[0].key {
			uniform = false
			break
		}
	}
	if uniform {
		return siblings[0].key, false, true
	}

	nearest := siblings[0]
	best := sp.StartTime.Sub(nearest.span.StartTime).Abs()
	for _, e := range siblings[1:] {
		d := sp.StartTime.Sub(e.span.StartTime).Abs()
		if d < best || (d == best && e.span.SpanID < nearest.span.SpanID) {
			nearest, best = e, d
		}
	}
	return nearest.key, true, true
}

// GroupBySession splits spans into per-key groups using a completed
// resolution, dropping orphans (they go to the unassigned output, not a
// session). Group order is the deterministic sorted key order.
func GroupBySession(spans []model.Span, res *Result) ([]model.SessionKey, map[model.SessionKey][]model.Span) {
	groups := make(map[model.SessionKey][]model.Span)
	for _, sp := range spans {
		key, ok := res.KeyFor(sp.SpanID)
		if !ok {
			continue
		}
		groups[key] = append(groups[key], sp)
	}

	keys := make([]model.SessionKey, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, groups
}

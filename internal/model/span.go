// Package model defines the canonical span shape shared by every stage of
// the reconstruction pipeline, together with the resolved session identity
// and the role classification vocabulary.
//
// Backend adapters normalize their wire formats into model.Span once, at the
// edge; everything downstream (identity resolution, causal linking, session
// assembly, reporting, export) speaks only this shape. Raw records are never
// mutated after normalization — derived facts (session key, classification,
// causal edges) live in per-stage overlay structures keyed by span id.
package model

import (
	"strings"
	"time"
)

// Kind is the coarse operation type of a span.
type Kind string

const (
	KindLLM     Kind = "LLM"
	KindTool    Kind = "TOOL"
	KindUnknown Kind = "UNKNOWN"
)

// KindFromString maps a backend-reported span kind onto the canonical enum.
// Unrecognized or empty kinds (CHAIN, AGENT, RETRIEVER, ...) collapse to
// UNKNOWN rather than failing: kind is advisory, not load-bearing.
func KindFromString(s string) Kind {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LLM":
		return KindLLM
	case "TOOL":
		return KindTool
	default:
		return KindUnknown
	}
}

// Class is the role a span plays inside an assembled session.
type Class string

const (
	ClassMain          Class = "main"
	ClassTool          Class = "tool"
	ClassSafety        Class = "safety"
	ClassSummarization Class = "summarization"
	ClassIncomplete    Class = "incomplete"
)

// Span is one normalized observability record: a single LLM call or tool
// execution with timing and payloads.
//
// SpanID is unique within one export. StartTime is never zero after
// normalization; EndTime is zero for a span that never finished and is
// otherwise clamped to >= StartTime. ParentSpanID is the backend's raw
// parent pointer and may be absent (or wrong) even when a true causal
// parent exists — the linker treats it as one hint among several.
type Span struct {
	SpanID       string         `json:"span_id"`
	TraceID      string         `json:"trace_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	Kind         Kind           `json:"kind"`
	Name         string         `json:"name"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time"`
	Input        string         `json:"input,omitempty"`
	Output       string         `json:"output,omitempty"`
	RawMetadata  map[string]any `json:"raw_metadata,omitempty"`
}

// Duration returns the wall time covered by the span, zero for spans that
// never finished.
func (s *Span) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// EffectiveEnd returns EndTime, falling back to StartTime for unfinished
// spans, so time comparisons stay total.
func (s *Span) EffectiveEnd() time.Time {
	if s.EndTime.IsZero() {
		return s.StartTime
	}
	return s.EndTime
}

// MetaString walks RawMetadata along path and returns the string value at
// the leaf. Missing keys, non-map intermediates, and non-string leaves all
// report false — metadata shapes vary wildly across backends and must never
// panic the pipeline.
func (s *Span) MetaString(path ...string) (string, bool) {
	cur := any(s.RawMetadata)
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		if cur, ok = m[p]; !ok {
			return "", false
		}
	}
	str, ok := cur.(string)
	return str, ok
}

// SessionKey is the resolved identity of a session: who (user hash), on
// which account, in which conversation. It is derived from span metadata at
// run time; backends do not store it reliably.
type SessionKey struct {
	UserHash  string `json:"user_hash"`
	AccountID string `json:"account_id"`
	SessionID string `json:"session_id"`
}

// UnassignedKey is the canonical label for the synthetic bucket that
// collects orphan spans in reports and exports.
const UnassignedKey = "unassigned"

// IsZero reports whether no identity was resolved.
func (k SessionKey) IsZero() bool {
	return k.UserHash == "" && k.AccountID == "" && k.SessionID == ""
}

// String renders the key in its wire form:
// user_<hash>_account_<id>_session_<id>.
func (k SessionKey) String() string {
	if k.IsZero() {
		return UnassignedKey
	}
	var b strings.Builder
	b.WriteString("user_")
	b.WriteString(k.UserHash)
	b.WriteString("_account_")
	b.WriteString(k.AccountID)
	b.WriteString("_session_")
	b.WriteString(k.SessionID)
	return b.String()
}

// ParseSessionKey extracts (user hash, account id, session id) from a
// metadata value of the form user_<hash>_account_<id>_session_<id>.
// The split is on the first occurrence of the literal markers "_account_"
// and "_session_"; all three parts must be non-empty. Returns false for
// anything else.
func ParseSessionKey(s string) (SessionKey, bool) {
	rest, found := strings.CutPrefix(s, "user_")
	if !found {
		return SessionKey{}, false
	}
	hash, rest, found := strings.Cut(rest, "_account_")
	if !found {
		return SessionKey{}, false
	}
	account, session, found := strings.Cut(rest, "_session_")
	if !found || hash == "" || account == "" || session == "" {
		return SessionKey{}, false
	}
	return SessionKey{UserHash: hash, AccountID: account, SessionID: session}, true
}

// Package analysis computes deterministic per-session diagnostics over the
// span cache. Every pass is plain arithmetic over stored rows; no model
// calls are involved.
//
// Key capabilities:
//   - Per-session aggregates: span/trace counts, wall time, class mix
//   - Gap segmentation: conversation segments split on long idle gaps
//   - Near-duplicate input detection via prefix containment
package analysis

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/agentlens/loom/internal/cache"
	"github.com/agentlens/loom/internal/model"
	"github.com/agentlens/loom/internal/report"
	"github.com/agentlens/loom/pkg/timeutil"
)

const (
	// DefaultGapThreshold is the idle time between consecutive spans that
	// starts a new conversation segment.
	DefaultGapThreshold = 300 * time.Second

	// DefaultContainment is the prefix-containment ratio above which two
	// consecutive LLM inputs count as near-duplicates.
	DefaultContainment = 0.9

	maxSessions = 100000
)

// Config carries the tunable thresholds. Zero values fall back to the
// defaults above.
type Config struct {
	GapThreshold time.Duration
	Containment  float64
}

func (c Config) withDefaults() Config {
	if c.GapThreshold <= 0 {
		c.GapThreshold = DefaultGapThreshold
	}
	if c.Containment <= 0 || c.Containment > 1 {
		c.Containment = DefaultContainment
	}
	return c
}

// ============================================================
// Diagnostic Types
// ============================================================

// DuplicatePair flags two consecutive LLM spans whose inputs are
// near-copies of each other.
type DuplicatePair struct {
	EarlierSpanID string  `json:"earlier_span_id"`
	LaterSpanID   string  `json:"later_span_id"`
	Ratio         float64 `json:"ratio"`
}

// SessionStats is the diagnostic view of one session. Segments and
// duplicates are advisory; they never change session membership.
type SessionStats struct {
	SessionKey  string              `json:"session_key"`
	Spans       int                 `json:"spans"`
	Traces      int                 `json:"traces"`
	WallMS      int64               `json:"wall_ms"`
	ClassCounts map[model.Class]int `json:"class_counts"`
	Segments    int                 `json:"segments"`
	MaxGapMS    int64               `json:"max_gap_ms,omitempty"`
	Duplicates  []DuplicatePair     `json:"duplicates,omitempty"`
}

// Summary aggregates the diagnostics of every analyzed session.
type Summary struct {
	Sessions       int            `json:"sessions"`
	TotalSpans     int            `json:"total_spans"`
	MultiSegment   int            `json:"multi_segment_sessions"`
	DuplicatePairs int            `json:"duplicate_pairs"`
	PerSession     []SessionStats `json:"per_session"`
}

// ============================================================
// Analyzer
// ============================================================

// Analyzer computes session diagnostics from cached reconstruction output.
type Analyzer struct {
	store *cache.Store
	cfg   Config
}

// NewAnalyzer creates an analysis engine over the given cache.
func NewAnalyzer(store *cache.Store, cfg Config) *Analyzer {
	return &Analyzer{store: store, cfg: cfg.withDefaults()}
}

// SessionStats computes the diagnostics for one cached session.
//
// This answers: "Does this session fragment into separate sittings, and
// does it loop on near-identical prompts?"
func (a *Analyzer) SessionStats(key string) (*SessionStats, error) {
	rows, err := a.store.SpansBySession(key)
	if err != nil {
		return nil, fmt.Errorf("loading session %s for analysis: %w", key, err)
	}
	st := computeSession(key, rows, a.cfg)
	return &st, nil
}

// AllStats computes diagnostics for every cached session, ordered by
// session key. The synthetic unassigned bucket is skipped; orphan spans do
// not form a conversation.
func (a *Analyzer) AllStats() (*Summary, error) {
	listed, err := a.store.Sessions(maxSessions)
	if err != nil {
		return nil, fmt.Errorf("listing sessions for analysis: %w", err)
	}

	sum := &Summary{}
	for _, entry := range listed {
		if entry.SessionKey == model.UnassignedKey {
			continue
		}
		rows, err := a.store.SpansBySession(entry.SessionKey)
		if err != nil {
			return nil, fmt.Errorf("loading session %s for analysis: %w", entry.SessionKey, err)
		}
		st := computeSession(entry.SessionKey, rows, a.cfg)
		sum.Sessions++
		sum.TotalSpans += st.Spans
		if st.Segments > 1 {
			sum.MultiSegment++
		}
		sum.DuplicatePairs += len(st.Duplicates)
		sum.PerSession = append(sum.PerSession, st)
	}

	sort.Slice(sum.PerSession, func(i, j int) bool {
		return sum.PerSession[i].SessionKey < sum.PerSession[j].SessionKey
	})
	return sum, nil
}

// ============================================================
// Per-Session Computation
// ============================================================

func computeSession(key string, rows []cache.SpanRow, cfg Config) SessionStats {
	st := SessionStats{
		SessionKey:  key,
		Spans:       len(rows),
		ClassCounts: make(map[model.Class]int),
	}
	if len(rows) == 0 {
		return st
	}

	// Cached order is assembly order; diagnostics need chronology.
	chron := make([]cache.SpanRow, len(rows))
	copy(chron, rows)
	sort.Slice(chron, func(i, j int) bool {
		if chron[i].StartMS != chron[j].StartMS {
			return chron[i].StartMS < chron[j].StartMS
		}
		return chron[i].SpanID < chron[j].SpanID
	})

	traces := make(map[string]struct{})
	minStart := chron[0].StartMS
	maxEnd := effectiveEndMS(chron[0])
	for _, r := range chron {
		st.ClassCounts[r.Class]++
		if r.TraceID != "" {
			traces[r.TraceID] = struct{}{}
		}
		if r.StartMS < minStart {
			minStart = r.StartMS
		}
		if e := effectiveEndMS(r); e > maxEnd {
			maxEnd = e
		}
	}
	st.Traces = len(traces)
	st.WallMS = maxEnd - minStart

	st.Segments, st.MaxGapMS = segments(chron, cfg.GapThreshold)
	st.Duplicates = duplicateInputs(chron, cfg.Containment)
	return st
}

// segments counts conversation segments: a new segment starts whenever the
// idle gap from the running end of the previous spans to the next start
// exceeds the threshold. Also returns the largest observed gap.
func segments(chron []cache.SpanRow, threshold time.Duration) (int, int64) {
	if len(chron) == 0 {
		return 0, 0
	}
	count := 1
	var maxGap int64
	prevEnd := effectiveEndMS(chron[0])
	for _, r := range chron[1:] {
		gap := r.StartMS - prevEnd
		if gap > maxGap {
			maxGap = gap
		}
		if gap > threshold.Milliseconds() {
			count++
		}
		if e := effectiveEndMS(r); e > prevEnd {
			prevEnd = e
		}
	}
	return count, maxGap
}

// duplicateInputs scans consecutive LLM spans for near-duplicate inputs,
// the repeated-title-generation signature: the same conversation prefix
// submitted again with a different instruction tail.
func duplicateInputs(chron []cache.SpanRow, threshold float64) []DuplicatePair {
	var out []DuplicatePair
	prev := -1
	for i, r := range chron {
		if r.Kind != model.KindLLM || r.Input == "" {
			continue
		}
		if prev >= 0 {
			ratio := prefixContainment(chron[prev].Input, r.Input)
			if ratio >= threshold {
				out = append(out, DuplicatePair{
					EarlierSpanID: chron[prev].SpanID,
					LaterSpanID:   r.SpanID,
					Ratio:         math.Round(ratio*100) / 100,
				})
			}
		}
		prev = i
	}
	return out
}

// prefixContainment returns the fraction of the shorter string that is a
// shared prefix of both. 1.0 means one input wholly begins the other.
func prefixContainment(a, b string) float64 {
	n := min(len(a), len(b))
	if n == 0 {
		return 0
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return float64(i) / float64(n)
}

func effectiveEndMS(r cache.SpanRow) int64 {
	if r.EndMS > 0 {
		return r.EndMS
	}
	return r.StartMS
}

// ============================================================
// Rendering
// ============================================================

// Render writes the per-session diagnostics table followed by a totals
// line. Duplicate pair detail stays in the JSON output.
func Render(w io.Writer, sum *Summary) {
	table := report.NewTable([]string{"Session", "Spans", "Traces", "Wall", "Segments", "Max gap", "Dup pairs", "Class mix"}, w)
	for _, st := range sum.PerSession {
		_ = table.Append([]string{
			st.SessionKey,
			fmt.Sprintf("%d", st.Spans),
			fmt.Sprintf("%d", st.Traces),
			timeutil.FormatDuration(time.Duration(st.WallMS) * time.Millisecond),
			fmt.Sprintf("%d", st.Segments),
			timeutil.FormatDuration(time.Duration(st.MaxGapMS) * time.Millisecond),
			fmt.Sprintf("%d", len(st.Duplicates)),
			classMix(st.ClassCounts),
		})
	}
	_ = table.Render()
	fmt.Fprintf(w, "\n%d sessions, %d spans, %d multi-segment, %d duplicate pairs\n",
		sum.Sessions, sum.TotalSpans, sum.MultiSegment, sum.DuplicatePairs)
}

// classMix renders a count map as "main=9 tool=3", classes sorted.
func classMix(counts map[model.Class]int) string {
	classes := make([]model.Class, 0, len(counts))
	for c := range counts {
		classes = append(classes, c)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
	parts := make([]string, 0, len(classes))
	for _, c := range classes {
		parts = append(parts, fmt.Sprintf("%s=%d", c, counts[c]))
	}
	return strings.Join(parts, " ")
}

// Package report computes the data-quality metrics for one reconstruction
// run: identity coverage, tool-span rescue rate, causal linkage, and the
// kind/class histograms operators watch for upstream regressions.
package report

import (
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/agentlens/loom/internal/identity"
	"github.com/agentlens/loom/internal/link"
	"github.com/agentlens/loom/internal/model"
	"github.com/agentlens/loom/internal/session"
)

// SessionCount is one session's record count in the report.
type SessionCount struct {
	Key   string `json:"session_key"`
	Spans int    `json:"spans"`
}

// Report is the aggregate quality view of one run. Computing it never
// fails: absent inputs yield zero counts.
type Report struct {
	TotalSpans      int     `json:"total_spans"`
	Resolved        int     `json:"resolved"`
	ResolvedPct     float64 `json:"resolved_pct"`
	Orphans         int     `json:"orphans"`
	ToolSpans       int     `json:"tool_spans"`
	ToolResolved    int     `json:"tool_resolved"`
	ToolResolvedPct float64 `json:"tool_resolved_pct"`
	Linked          int     `json:"linked"`
	LinkedPct       float64 `json:"linked_pct"`
	Roots           int     `json:"roots"`
	RootRate        float64 `json:"root_rate"`
	Ambiguous       int     `json:"ambiguous_resolutions"`
	LinkCycles      int     `json:"link_cycles"`
	Sessions        int     `json:"sessions"`

	KindCounts  map[model.Kind]int  `json:"kind_counts"`
	ClassCounts map[model.Class]int `json:"class_counts"`
	PerSession  []SessionCount      `json:"per_session,omitempty"`

	// Incomplete marks a report computed from a cancelled or partially
	// fetched run.
	Incomplete bool `json:"incomplete,omitempty"`
}

// Compute builds the report from the span set and the per-stage outcomes.
// Percentages use the full span count as denominator except the tool rescue
// rate, which is relative to TOOL spans only.
func Compute(spans []model.Span, ids *identity.Result, links map[model.SessionKey]*link.Result, sessions []session.Session) *Report {
	r := &Report{
		TotalSpans:  len(spans),
		KindCounts:  make(map[model.Kind]int),
		ClassCounts: make(map[model.Class]int),
	}
	for _, sp := range spans {
		r.KindCounts[sp.Kind]++
	}
	r.ToolSpans = r.KindCounts[model.KindTool]

	if ids != nil {
		r.Resolved = ids.Resolved
		r.Orphans = ids.Orphans
		r.Ambiguous = ids.Ambiguous
		for _, sp := range spans {
			if sp.Kind != model.KindTool {
				continue
			}
			if _, ok := ids.KeyFor(sp.SpanID); ok {
				r.ToolResolved++
			}
		}
	}

	for _, lr := range links {
		if lr == nil {
			continue
		}
		r.Linked += lr.Linked
		r.Roots += lr.Rules[link.RuleRoot]
		r.LinkCycles += lr.Cycles
	}

	r.Sessions = len(sessions)
	for _, s := range sessions {
		r.PerSession = append(r.PerSession, SessionCount{Key: s.Key, Spans: s.SpanCount})
		for class, n := range s.ClassCounts {
			r.ClassCounts[class] += n
		}
	}
	sort.Slice(r.PerSession, func(i, j int) bool { return r.PerSession[i].Key < r.PerSession[j].Key })

	r.ResolvedPct = pct(r.Resolved, r.TotalSpans)
	r.ToolResolvedPct = pct(r.ToolResolved, r.ToolSpans)
	r.LinkedPct = pct(r.Linked, r.TotalSpans)
	r.RootRate = pct(r.Roots, r.TotalSpans)
	return r
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*10000) / 100
}

// Headline is the one-line run summary used in logs and run records.
func (r *Report) Headline() string {
	return fmt.Sprintf("%d spans, %d sessions, %.1f%% resolved, %.1f%% tool spans resolved, %.1f%% causally linked",
		r.TotalSpans, r.Sessions, r.ResolvedPct, r.ToolResolvedPct, r.LinkedPct)
}

// Render writes the human-readable quality table. Per-session counts live
// in the JSON sidecar, not here.
func (r *Report) Render(w io.Writer) {
	table := NewTable([]string{"Metric", "Count", "Rate"}, w)
	row := func(metric string, count int, rate string) {
		_ = table.Append([]string{metric, fmt.Sprintf("%d", count), rate})
	}

	row("Total spans", r.TotalSpans, "")
	row("Sessions", r.Sessions, "")
	row("Resolved session key", r.Resolved, ratef(r.ResolvedPct))
	row("TOOL spans resolved", r.ToolResolved, ratef(r.ToolResolvedPct))
	row("Causal predecessor", r.Linked, ratef(r.LinkedPct))
	row("Session roots", r.Roots, ratef(r.RootRate))
	row("Orphan spans", r.Orphans, "")
	row("Ambiguous resolutions", r.Ambiguous, "")
	row("Link cycles", r.LinkCycles, "")

	for _, kind := range sortedKeys(r.KindCounts) {
		row("Kind "+string(kind), r.KindCounts[kind], "")
	}
	for _, class := range sortedKeys(r.ClassCounts) {
		row("Class "+string(class), r.ClassCounts[class], "")
	}
	if r.Incomplete {
		_ = table.Append([]string{"Run status", "INCOMPLETE", "partial data"})
	}
	_ = table.Render()
}

func ratef(v float64) string {
	return fmt.Sprintf("%.1f%%", v)
}

func sortedKeys[K ~string](m map[K]int) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// NewTable builds the markdown-style table every loom stdout surface uses.
func NewTable(headers []string, w io.Writer) *tablewriter.Table {
	cfg := tablewriter.Config{
		Header: tw.CellConfig{
			Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			Formatting: tw.CellFormatting{AutoFormat: tw.Off},
		},
		Row: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
		MaxWidth: 80,
		Behavior: tw.Behavior{TrimSpace: tw.Off},
	}
	return tablewriter.NewTable(w,
		tablewriter.WithConfig(cfg),
		tablewriter.WithHeader(headers),
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{
			Symbols: tw.NewSymbols(tw.StyleMarkdown),
			Borders: tw.Border{
				Left:   tw.On,
				Top:    tw.Off,
				Right:  tw.On,
				Bottom: tw.Off,
			},
		}),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
	)
}

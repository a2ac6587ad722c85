// Package pipeline orchestrates one reconstruction run: fetch, identity
// resolution, per-session causal linking and assembly, quality report,
// export, and the optional cache write.
//
// Stages run strictly in order and honor context cancellation at stage
// boundaries. Cancellation does not discard finished work: whatever stages
// completed still flows into the report and the export sinks, with the
// report marked incomplete.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/agentlens/loom/internal/backend"
	"github.com/agentlens/loom/internal/cache"
	"github.com/agentlens/loom/internal/export"
	"github.com/agentlens/loom/internal/identity"
	"github.com/agentlens/loom/internal/link"
	"github.com/agentlens/loom/internal/logger"
	"github.com/agentlens/loom/internal/model"
	"github.com/agentlens/loom/internal/report"
	"github.com/agentlens/loom/internal/session"
	"github.com/agentlens/loom/pkg/timeutil"
)

// Options configures one run.
type Options struct {
	// Store is the selected backend; Config carries its fetch tuning.
	Store  backend.Store
	Config backend.Config
	Range  backend.TimeRange

	// Output is the export base path; Format the serialization.
	Output string
	Format export.Format

	// Patterns optionally points at a YAML classification table.
	Patterns string

	// MinSpans flags sessions below this span count.
	MinSpans int

	// SkipUnassigned suppresses the orphan output file. Orphans still
	// count in the report and still land in the cache.
	SkipUnassigned bool

	// CachePath enables the SQLite cache when non-empty.
	CachePath string
}

// Timings records wall time per stage.
type Timings struct {
	Fetch   time.Duration `json:"fetch"`
	Resolve time.Duration `json:"resolve"`
	Link    time.Duration `json:"link"`
	Export  time.Duration `json:"export"`
	Total   time.Duration `json:"total"`
}

// Result is everything one run produced.
type Result struct {
	Spans      []model.Span
	Identities *identity.Result
	Links      map[model.SessionKey]*link.Result
	Sessions   []session.Session
	Unassigned *session.Session
	Report     *report.Report
	Paths      map[string]string
	Timings    Timings
	Incomplete bool
}

// Run executes the full pipeline. It returns a non-nil Result whenever the
// fetch stage reached a usable outcome, including an empty range and a
// cancelled run; the error then carries the cancellation and any sink
// failures. A nil Result means the backend failed outright.
func Run(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	res := &Result{}

	classifier, err := buildClassifier(opts.Patterns)
	if err != nil {
		return nil, err
	}

	if p, ok := opts.Store.(backend.Prober); ok && !p.Available(ctx) {
		return nil, fmt.Errorf("%w: %s endpoint not reachable", backend.ErrUnavailable, opts.Store.Name())
	}

	// Fetch.
	stageStart := time.Now()
	fetcher := backend.NewFetcher(opts.Store, opts.Config)
	spans, err := fetcher.Fetch(ctx, opts.Range)
	res.Timings.Fetch = time.Since(stageStart)
	var runErr error
	switch {
	case err == nil:
	case errors.Is(err, backend.ErrEmptyResult):
		logger.Log.WithField("range", opts.Range.String()).Info("no spans in range")
	case ctx.Err() != nil:
		res.Incomplete = true
		runErr = ctx.Err()
		logger.Log.WithField("range", opts.Range.String()).Warn("run cancelled during fetch")
	default:
		return nil, err
	}
	res.Spans = spans
	logStage("fetch", res.Timings.Fetch, logrus.Fields{
		"backend": opts.Store.Name(),
		"spans":   len(spans),
	})

	// Resolve identities.
	stageStart = time.Now()
	res.Identities = identity.Resolve(spans)
	keys, groups := identity.GroupBySession(spans, res.Identities)
	res.Timings.Resolve = time.Since(stageStart)
	logStage("resolve", res.Timings.Resolve, logrus.Fields{
		"resolved": res.Identities.Resolved,
		"orphans":  res.Identities.Orphans,
		"sessions": len(keys),
	})

	// Link and assemble, one session per worker.
	stageStart = time.Now()
	asm := session.NewAssembler(classifier, opts.MinSpans)
	res.Links, res.Sessions = linkAndAssemble(ctx, asm, keys, groups, opts.Config.Workers)
	if len(res.Sessions) < len(keys) {
		res.Incomplete = true
		if runErr == nil {
			runErr = ctx.Err()
		}
	}
	res.Timings.Link = time.Since(stageStart)
	logStage("link", res.Timings.Link, logrus.Fields{"sessions": len(res.Sessions)})

	if orphans := res.Identities.OrphanSpans(spans); len(orphans) > 0 {
		doc := asm.AssembleUnassigned(orphans)
		res.Unassigned = &doc
	}

	// Report.
	res.Report = report.Compute(spans, res.Identities, res.Links, res.Sessions)
	res.Report.Incomplete = res.Incomplete

	// Export.
	stageStart = time.Now()
	writer := export.NewWriter(opts.Output, opts.Format)
	res.Paths = writer.Paths()
	unassignedOut := res.Unassigned
	if opts.SkipUnassigned {
		unassignedOut = nil
	}
	sinkErrs := writer.Write(res.Sessions, unassignedOut, res.Report)
	res.Timings.Export = time.Since(stageStart)
	logStage("export", res.Timings.Export, logrus.Fields{
		"format": string(opts.Format),
		"failed": len(sinkErrs),
	})

	// Cache, last: the files on disk are the primary output.
	if opts.CachePath != "" {
		if err := writeCache(opts, res, start); err != nil {
			sinkErrs = append(sinkErrs, err)
			logger.Log.WithError(err).Error("cache write failed")
		}
	}

	res.Timings.Total = time.Since(start)
	spansOut := 0
	for i := range res.Sessions {
		spansOut += res.Sessions[i].SpanCount
	}
	logger.Log.WithFields(logrus.Fields{
		"backend":   opts.Store.Name(),
		"range":     opts.Range.String(),
		"spans_in":  len(spans),
		"spans_out": spansOut,
		"sessions":  len(res.Sessions),
		"duration":  timeutil.FormatDuration(res.Timings.Total),
	}).Info(res.Report.Headline())

	if runErr != nil {
		sinkErrs = append([]error{runErr}, sinkErrs...)
	}
	if len(sinkErrs) > 0 {
		return res, errors.Join(sinkErrs...)
	}
	return res, nil
}

// linkAndAssemble processes sessions concurrently. Cancellation keeps the
// documents already assembled; keys arrive sorted and the output preserves
// that order.
func linkAndAssemble(ctx context.Context, asm *session.Assembler, keys []model.SessionKey, groups map[model.SessionKey][]model.Span, workers int) (map[model.SessionKey]*link.Result, []session.Session) {
	if workers < 1 {
		workers = 1
	}
	links := make(map[model.SessionKey]*link.Result, len(keys))
	docs := make([]session.Session, len(keys))
	done := make([]bool, len(keys))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, key := range keys {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			lr := link.Link(groups[key])
			docs[i] = asm.Assemble(key, lr)
			done[i] = true
			mu.Lock()
			links[key] = lr
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // cancellation is the only possible error; partials are kept

	out := make([]session.Session, 0, len(keys))
	for i := range docs {
		if done[i] {
			out = append(out, docs[i])
		}
	}
	return links, out
}

func buildClassifier(path string) (*session.Classifier, error) {
	if path == "" {
		return session.NewClassifier(nil), nil
	}
	rules, err := session.LoadPatterns(path)
	if err != nil {
		return nil, err
	}
	return session.NewClassifier(rules), nil
}

func writeCache(opts Options, res *Result, started time.Time) error {
	st, err := cache.Open(opts.CachePath)
	if err != nil {
		return err
	}
	defer st.Close()

	for i := range res.Sessions {
		if err := st.UpsertSession(&res.Sessions[i]); err != nil {
			return err
		}
	}
	if res.Unassigned != nil {
		if err := st.UpsertSession(res.Unassigned); err != nil {
			return err
		}
	}

	rec := &cache.RunRecord{
		StartedAt:    started.UnixMilli(),
		Backend:      opts.Store.Name(),
		SpanCount:    len(res.Spans),
		SessionCount: len(res.Sessions),
	}
	if !opts.Range.All {
		rec.RangeStart = timeutil.ToMillis(opts.Range.Start)
		rec.RangeEnd = timeutil.ToMillis(opts.Range.End)
	}
	if b, err := json.Marshal(res.Report); err == nil {
		rec.ReportJSON = string(b)
	}
	if _, err := st.RecordRun(rec); err != nil {
		return err
	}

	logger.Log.WithFields(logrus.Fields{
		"path":     opts.CachePath,
		"spans":    len(res.Spans),
		"sessions": len(res.Sessions),
	}).Info("cache updated")
	return nil
}

func logStage(stage string, d time.Duration, fields logrus.Fields) {
	fields["stage"] = stage
	fields["duration"] = timeutil.FormatDuration(d)
	logger.Log.WithFields(fields).Info("stage complete")
}

// Package export serializes assembled sessions and the quality report to
// disk. Output is split by classification into sibling files sharing a base
// name; each sink fails independently so one bad destination never blocks
// the others.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/agentlens/loom/internal/logger"
	"github.com/agentlens/loom/internal/model"
	"github.com/agentlens/loom/internal/report"
	"github.com/agentlens/loom/internal/session"
)

// Format is an output serialization format.
type Format string

const (
	FormatJSONL   Format = "jsonl"
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

// ParseFormat validates a format selector from the CLI.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatJSONL:
		return FormatJSONL, nil
	case FormatCSV:
		return FormatCSV, nil
	case FormatParquet:
		return FormatParquet, nil
	}
	return "", fmt.Errorf("unknown format %q (jsonl, csv, parquet)", s)
}

// WriteError reports a failed sink. Other sinks keep going; the caller
// decides whether any failure fails the run.
type WriteError struct {
	Sink string
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("export sink %s (%s): %v", e.Sink, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// stream is one classification-split output.
type stream struct {
	name    string
	suffix  string
	classes map[model.Class]bool
}

var streams = []stream{
	{name: "main", suffix: "", classes: map[model.Class]bool{model.ClassMain: true}},
	{name: "tools", suffix: ".tools", classes: map[model.Class]bool{model.ClassTool: true}},
	{name: "ancillary", suffix: ".ancillary", classes: map[model.Class]bool{
		model.ClassSafety:        true,
		model.ClassSummarization: true,
		model.ClassIncomplete:    true,
	}},
}

// Writer emits one run's outputs under a shared base name.
type Writer struct {
	base   string
	format Format
}

// NewWriter derives the base name from the requested output path; a
// trailing format extension is tolerated and stripped.
func NewWriter(path string, format Format) *Writer {
	base := strings.TrimSuffix(path, "."+string(format))
	return &Writer{base: base, format: format}
}

// Paths lists every file this writer will produce, keyed by sink name.
func (w *Writer) Paths() map[string]string {
	paths := make(map[string]string, len(streams)+2)
	for _, st := range streams {
		paths[st.name] = w.streamPath(st.suffix)
	}
	paths["unassigned"] = w.streamPath(".unassigned")
	paths["report"] = w.reportPath()
	return paths
}

func (w *Writer) streamPath(suffix string) string {
	return w.base + suffix + "." + string(w.format)
}

func (w *Writer) reportPath() string {
	return w.base + ".report.json"
}

// Write emits the classification streams, the optional unassigned document,
// and the report sidecar. Every sink runs regardless of earlier failures;
// the returned slice holds one WriteError per failed sink.
func (w *Writer) Write(sessions []session.Session, unassigned *session.Session, rep *report.Report) []error {
	if dir := filepath.Dir(w.base); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return []error{&WriteError{Sink: "output", Path: dir, Err: err}}
		}
	}

	var errs []error
	fail := func(sink, path string, err error) {
		werr := &WriteError{Sink: sink, Path: path, Err: err}
		errs = append(errs, werr)
		logger.Log.WithFields(logrus.Fields{"sink": sink, "path": path}).WithError(err).Error("export sink failed")
	}

	for _, st := range streams {
		path := w.streamPath(st.suffix)
		views := make([]session.Session, 0, len(sessions))
		for _, s := range sessions {
			if v, ok := streamView(s, st.classes); ok {
				views = append(views, v)
			}
		}
		if err := w.encode(path, views); err != nil {
			fail(st.name, path, err)
			continue
		}
		logger.Log.WithFields(logrus.Fields{"sink": st.name, "path": path, "sessions": len(views)}).Info("export written")
	}

	if unassigned != nil && unassigned.SpanCount > 0 {
		path := w.streamPath(".unassigned")
		if err := w.encode(path, []session.Session{*unassigned}); err != nil {
			fail("unassigned", path, err)
		} else {
			logger.Log.WithFields(logrus.Fields{"sink": "unassigned", "path": path, "spans": unassigned.SpanCount}).Info("export written")
		}
	}

	if rep != nil {
		path := w.reportPath()
		if err := writeReportJSON(path, rep); err != nil {
			fail("report", path, err)
		}
	}
	return errs
}

// encode serializes one stream's sessions to path in the configured format.
// An empty stream still produces a valid empty file.
func (w *Writer) encode(path string, views []session.Session) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	var encErr error
	switch w.format {
	case FormatJSONL:
		encErr = writeJSONL(f, views)
	case FormatCSV:
		encErr = writeCSV(f, views)
	case FormatParquet:
		encErr = writeParquet(f, views)
	default:
		encErr = fmt.Errorf("unknown format %q", w.format)
	}
	if cerr := f.Close(); encErr == nil {
		encErr = cerr
	}
	return encErr
}

// streamView filters a session document down to one stream's classes.
// Sequence numbers keep their positions from the full document so causal
// references stay interpretable across sibling files.
func streamView(s session.Session, classes map[model.Class]bool) (session.Session, bool) {
	var spans []session.SessionSpan
	counts := make(map[model.Class]int)
	for _, ss := range s.Spans {
		if classes[ss.Class] {
			spans = append(spans, ss)
			counts[ss.Class]++
		}
	}
	if len(spans) == 0 {
		return session.Session{}, false
	}
	view := s
	view.Spans = spans
	view.SpanCount = len(spans)
	view.ClassCounts = counts
	return view, true
}

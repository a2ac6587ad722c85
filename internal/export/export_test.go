package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/agentlens/loom/internal/link"
	"github.com/agentlens/loom/internal/model"
	"github.com/agentlens/loom/internal/report"
	"github.com/agentlens/loom/internal/session"
)

var t0 = time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)

func fixtureDoc() session.Session {
	return session.Session{
		Key:        "user_h_account_a_session_s",
		UserHash:   "h",
		AccountID:  "a",
		SessionID:  "s",
		StartTime:  t0,
		EndTime:    t0.Add(30 * time.Second),
		SpanCount:  4,
		TraceCount: 2,
		ClassCounts: map[model.Class]int{
			model.ClassMain: 1, model.ClassTool: 1,
			model.ClassSummarization: 1, model.ClassIncomplete: 1,
		},
		Spans: []session.SessionSpan{
			{Seq: 0, SpanID: "m1", TraceID: "t1", Kind: model.KindLLM, Name: "litellm_request",
				StartTime: t0, EndTime: t0.Add(time.Second), DurationMS: 1000,
				Class: model.ClassMain, LinkRule: link.RuleRoot, Input: "hi", Output: "reply"},
			{Seq: 1, SpanID: "b1", TraceID: "t1", Kind: model.KindTool, Name: "Claude_Code_Tool_Bash",
				StartTime: t0.Add(2 * time.Second), EndTime: t0.Add(3 * time.Second), DurationMS: 1000,
				Class: model.ClassTool, CausalParent: "m1", LinkRule: link.RuleTraceTool, Output: "ok"},
			{Seq: 2, SpanID: "sum1", TraceID: "t2", Kind: model.KindLLM, Name: "title_generation",
				StartTime: t0.Add(10 * time.Second), EndTime: t0.Add(11 * time.Second), DurationMS: 1000,
				Class: model.ClassSummarization, CausalParent: "b1", LinkRule: link.RuleChronological, Output: "A title"},
			{Seq: 3, SpanID: "inc1", TraceID: "t2", Kind: model.KindLLM, Name: "litellm_request",
				StartTime: t0.Add(30 * time.Second),
				Class: model.ClassIncomplete, CausalParent: "sum1", LinkRule: link.RuleChronological},
		},
	}
}

func unassignedDoc() session.Session {
	return session.Session{
		Key:         model.UnassignedKey,
		SpanCount:   1,
		ClassCounts: map[model.Class]int{model.ClassIncomplete: 1},
		Spans: []session.SessionSpan{
			{Seq: 0, SpanID: "lost", Kind: model.KindUnknown, StartTime: t0, Class: model.ClassIncomplete},
		},
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	trimmed := strings.TrimSuffix(string(data), "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

// TestWriteJSONL verifies the classification split: each sibling file holds
// session documents filtered to its classes, sequence numbers intact.
func TestWriteJSONL(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(filepath.Join(dir, "out.jsonl"), FormatJSONL)
	un := unassignedDoc()

	errs := w.Write([]session.Session{fixtureDoc()}, &un, &report.Report{TotalSpans: 5, Resolved: 4, Orphans: 1})
	if len(errs) != 0 {
		t.Fatalf("write failed: %v", errs)
	}

	var mainDoc session.Session
	lines := readLines(t, filepath.Join(dir, "out.jsonl"))
	if len(lines) != 1 {
		t.Fatalf("main stream has %d lines", len(lines))
	}
	if err := json.Unmarshal([]byte(lines[0]), &mainDoc); err != nil {
		t.Fatal(err)
	}
	if mainDoc.SpanCount != 1 || mainDoc.Spans[0].SpanID != "m1" || mainDoc.Spans[0].Class != model.ClassMain {
		t.Errorf("main stream doc = %+v", mainDoc)
	}

	var toolsDoc session.Session
	lines = readLines(t, filepath.Join(dir, "out.tools.jsonl"))
	if err := json.Unmarshal([]byte(lines[0]), &toolsDoc); err != nil {
		t.Fatal(err)
	}
	if toolsDoc.Spans[0].SpanID != "b1" || toolsDoc.Spans[0].Seq != 1 {
		t.Errorf("tools stream did not keep original sequence: %+v", toolsDoc.Spans[0])
	}

	var ancDoc session.Session
	lines = readLines(t, filepath.Join(dir, "out.ancillary.jsonl"))
	if err := json.Unmarshal([]byte(lines[0]), &ancDoc); err != nil {
		t.Fatal(err)
	}
	if ancDoc.SpanCount != 2 {
		t.Errorf("ancillary stream has %d spans, want summarization + incomplete", ancDoc.SpanCount)
	}

	lines = readLines(t, filepath.Join(dir, "out.unassigned.jsonl"))
	if len(lines) != 1 {
		t.Errorf("unassigned stream has %d lines", len(lines))
	}

	var rep report.Report
	data, err := os.ReadFile(filepath.Join(dir, "out.report.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatal(err)
	}
	if rep.TotalSpans != 5 {
		t.Errorf("report sidecar total = %d", rep.TotalSpans)
	}
}

// TestWriteCSV verifies the flattened tabular form.
func TestWriteCSV(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(filepath.Join(dir, "out"), FormatCSV)
	if errs := w.Write([]session.Session{fixtureDoc()}, nil, nil); len(errs) != 0 {
		t.Fatalf("write failed: %v", errs)
	}

	f, err := os.Open(filepath.Join(dir, "out.tools.csv"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("tools csv has %d records, want header + 1 row", len(records))
	}
	if len(records[0]) != len(csvHeader) {
		t.Errorf("header width = %d", len(records[0]))
	}
	row := records[1]
	if row[0] != "user_h_account_a_session_s" || row[5] != "b1" || row[10] != "tool" {
		t.Errorf("row = %v", row)
	}
}

// TestWriteParquet verifies the columnar sink round-trips.
func TestWriteParquet(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(filepath.Join(dir, "out"), FormatParquet)
	if errs := w.Write([]session.Session{fixtureDoc()}, nil, nil); len(errs) != 0 {
		t.Fatalf("write failed: %v", errs)
	}

	rows, err := parquet.ReadFile[spanRow](filepath.Join(dir, "out.parquet"))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("main parquet has %d rows", len(rows))
	}
	if rows[0].SpanID != "m1" || rows[0].Class != "main" || rows[0].StartMS != t0.UnixMilli() {
		t.Errorf("row = %+v", rows[0])
	}
}

// TestWriteErrorIsolation verifies one failing sink does not stop the
// others: the tools path is blocked, everything else still lands.
func TestWriteErrorIsolation(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(filepath.Join(dir, "out.jsonl"), FormatJSONL)
	// A directory at the tools path makes that sink unwritable.
	if err := os.Mkdir(filepath.Join(dir, "out.tools.jsonl"), 0o755); err != nil {
		t.Fatal(err)
	}

	errs := w.Write([]session.Session{fixtureDoc()}, nil, &report.Report{TotalSpans: 4})
	if len(errs) != 1 {
		t.Fatalf("expected exactly one sink failure, got %v", errs)
	}
	var werr *WriteError
	if !errors.As(errs[0], &werr) || werr.Sink != "tools" {
		t.Fatalf("error = %v", errs[0])
	}
	for _, name := range []string{"out.jsonl", "out.ancillary.jsonl", "out.report.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("surviving sink %s missing: %v", name, err)
		}
	}
}

// TestWriteEmptyRun verifies the zero-span run still produces the full set
// of valid, empty outputs.
func TestWriteEmptyRun(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(filepath.Join(dir, "out.jsonl"), FormatJSONL)

	errs := w.Write(nil, nil, &report.Report{})
	if len(errs) != 0 {
		t.Fatalf("empty run failed: %v", errs)
	}
	for _, name := range []string{"out.jsonl", "out.tools.jsonl", "out.ancillary.jsonl"} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("%s missing: %v", name, err)
		}
		if info.Size() != 0 {
			t.Errorf("%s not empty: %d bytes", name, info.Size())
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "out.unassigned.jsonl")); err == nil {
		t.Error("unassigned file written with no orphans")
	}
}

// TestParseFormat verifies selector parsing.
func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"JSONL": FormatJSONL, " csv ": FormatCSV, "parquet": FormatParquet} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("unknown format accepted")
	}
}

// TestPaths verifies base-name derivation with and without an extension.
func TestPaths(t *testing.T) {
	for _, in := range []string{"/data/out.jsonl", "/data/out"} {
		paths := NewWriter(in, FormatJSONL).Paths()
		if paths["tools"] != "/data/out.tools.jsonl" {
			t.Errorf("Paths(%q)[tools] = %s", in, paths["tools"])
		}
		if paths["report"] != "/data/out.report.json" {
			t.Errorf("Paths(%q)[report] = %s", in, paths["report"])
		}
	}
}

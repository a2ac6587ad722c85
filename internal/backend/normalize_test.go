package backend

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/valyala/fastjson"

	"github.com/agentlens/loom/internal/model"
)

func parseRow(t *testing.T, raw string) *fastjson.Value {
	t.Helper()
	var p fastjson.Parser
	v, err := p.Parse(raw)
	if err != nil {
		t.Fatalf("test row does not parse: %v", err)
	}
	return v
}

// TestSpanFromExportRow verifies the full mapping of a cloud-export row:
// dotted columns to canonical fields, metadata merged into RawMetadata, and
// unconsumed attributes preserved.
func TestSpanFromExportRow(t *testing.T) {
	row := parseRow(t, `{
		"context.span_id": "s1",
		"context.trace_id": "t1",
		"parent_id": null,
		"name": "claude-sonnet",
		"start_time": 1759354200000,
		"end_time": 1759354201500,
		"attributes.openinference.span.kind": "LLM",
		"attributes.input.value": "hello",
		"attributes.output.value": "hi there",
		"attributes.llm.token_count.prompt": 12,
		"attributes.metadata": {
			"requester_metadata": {"user_id": "user_h1_account_a1_session_s1"},
			"user_api_key_end_user_id": "user_h1_account_a1_session_s1"
		}
	}`)

	sp, err := spanFromExportRow(row)
	if err != nil {
		t.Fatalf("spanFromExportRow failed: %v", err)
	}

	if sp.SpanID != "s1" || sp.TraceID != "t1" {
		t.Errorf("id mapping wrong: %s / %s", sp.SpanID, sp.TraceID)
	}
	if sp.ParentSpanID != "" {
		t.Errorf("null parent_id should map to empty, got %q", sp.ParentSpanID)
	}
	if sp.Kind != model.KindLLM {
		t.Errorf("expected kind LLM, got %s", sp.Kind)
	}
	if sp.Input != "hello" || sp.Output != "hi there" {
		t.Errorf("payload mapping wrong: %q / %q", sp.Input, sp.Output)
	}

	wantStart := time.UnixMilli(1759354200000).UTC()
	if !sp.StartTime.Equal(wantStart) {
		t.Errorf("start time mapping wrong: %v", sp.StartTime)
	}
	if sp.Duration() != 1500*time.Millisecond {
		t.Errorf("expected 1.5s duration, got %v", sp.Duration())
	}

	// Metadata keys merged to the top level of RawMetadata.
	if v, ok := sp.MetaString("requester_metadata", "user_id"); !ok || v != "user_h1_account_a1_session_s1" {
		t.Errorf("requester metadata not merged: %q, %v", v, ok)
	}
	// Unconsumed attribute preserved under its de-prefixed name.
	if _, ok := sp.RawMetadata["llm.token_count.prompt"]; !ok {
		t.Error("token count attribute was dropped")
	}
}

// TestSpanFromExportRowStringMetadata verifies the double-encoded metadata
// shape (a JSON string holding a JSON object) is still merged.
func TestSpanFromExportRowStringMetadata(t *testing.T) {
	row := parseRow(t, `{
		"context.span_id": "s2",
		"context.trace_id": "t2",
		"start_time": 1759354200000,
		"end_time": 1759354200100,
		"attributes.metadata": "{\"user_api_key_end_user_id\": \"user_h_account_a_session_s\"}"
	}`)

	sp, err := spanFromExportRow(row)
	if err != nil {
		t.Fatalf("spanFromExportRow failed: %v", err)
	}
	if v, ok := sp.MetaString("user_api_key_end_user_id"); !ok || v != "user_h_account_a_session_s" {
		t.Errorf("string-encoded metadata not merged: %q, %v", v, ok)
	}
}

// TestSpanFromExportRowRejects verifies the two hard requirements: a span
// id and a parseable start time.
func TestSpanFromExportRowRejects(t *testing.T) {
	noID := parseRow(t, `{"context.trace_id": "t", "start_time": 1}`)
	if _, err := spanFromExportRow(noID); err == nil {
		t.Error("row without span id should fail")
	}

	noStart := parseRow(t, `{"context.span_id": "s", "start_time": null}`)
	if _, err := spanFromExportRow(noStart); err == nil {
		t.Error("row without start time should fail")
	}
}

// TestSpanFromExportRowClampsEnd verifies an end before start is clamped
// rather than producing a negative duration.
func TestSpanFromExportRowClampsEnd(t *testing.T) {
	row := parseRow(t, `{
		"context.span_id": "s3",
		"context.trace_id": "t3",
		"start_time": 1759354200000,
		"end_time": 1759354100000
	}`)
	sp, err := spanFromExportRow(row)
	if err != nil {
		t.Fatalf("spanFromExportRow failed: %v", err)
	}
	if !sp.EndTime.Equal(sp.StartTime) {
		t.Errorf("end before start should clamp to start, got %v", sp.EndTime)
	}
}

// TestSpanFromExportRowMissingEnd verifies an absent end time stays zero
// (the unfinished-span marker).
func TestSpanFromExportRowMissingEnd(t *testing.T) {
	row := parseRow(t, `{
		"context.span_id": "s4",
		"context.trace_id": "t4",
		"start_time": 1759354200000
	}`)
	sp, err := spanFromExportRow(row)
	if err != nil {
		t.Fatalf("spanFromExportRow failed: %v", err)
	}
	if !sp.EndTime.IsZero() {
		t.Errorf("missing end time should stay zero, got %v", sp.EndTime)
	}
	if !sp.EffectiveEnd().Equal(sp.StartTime) {
		t.Errorf("effective end should fall back to start")
	}
}

// TestSpanFromGraphNode verifies the GraphQL node mapping, including the
// +00:00 timestamp spelling and double-encoded attributes.
func TestSpanFromGraphNode(t *testing.T) {
	var node graphSpanNode
	node.Context.SpanID = "p1"
	node.Context.TraceID = "pt1"
	node.ParentID = "p0"
	node.Name = "Claude_Code_Tool_Read"
	node.SpanKind = "TOOL"
	node.StartTime = "2025-10-01T21:30:00.250+00:00"
	node.EndTime = "2025-10-01T21:30:01+00:00"
	node.Attributes = json.RawMessage(`"{\"tool\": {\"name\": \"Read\"}, \"metadata\": {\"run\": \"r1\"}}"`)

	sp, err := spanFromGraphNode(node)
	if err != nil {
		t.Fatalf("spanFromGraphNode failed: %v", err)
	}
	if sp.Kind != model.KindTool {
		t.Errorf("expected TOOL kind, got %s", sp.Kind)
	}
	if sp.StartTime.Nanosecond() != 250_000_000 {
		t.Errorf("fractional start time lost: %v", sp.StartTime)
	}
	if v, ok := sp.MetaString("run"); !ok || v != "r1" {
		t.Errorf("metadata not merged from attributes: %q, %v", v, ok)
	}
	if _, ok := sp.RawMetadata["tool"]; !ok {
		t.Error("tool attribute subtree was dropped")
	}
}

// TestSpanFromGraphNodeInputFallback verifies input/output recovery from
// the attributes document when the typed fields are absent.
func TestSpanFromGraphNodeInputFallback(t *testing.T) {
	var node graphSpanNode
	node.Context.SpanID = "p2"
	node.StartTime = "2025-10-01T00:00:00Z"
	node.Attributes = json.RawMessage(`{"input": {"value": "prompt text"}, "output.value": "answer"}`)

	sp, err := spanFromGraphNode(node)
	if err != nil {
		t.Fatalf("spanFromGraphNode failed: %v", err)
	}
	if sp.Input != "prompt text" {
		t.Errorf("nested input.value not recovered: %q", sp.Input)
	}
	if sp.Output != "answer" {
		t.Errorf("dotted output.value not recovered: %q", sp.Output)
	}
}

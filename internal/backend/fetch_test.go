package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig(exportURL string) Config {
	return Config{
		ArizeAPIKey:   "key",
		ArizeSpaceKey: "space",
		ArizeModelID:  "dev-agent-lens",
		ArizeEndpoint: exportURL,
		Workers:       2,
		PageSize:      2,
		PageTimeout:   2 * time.Second,
		MaxAttempts:   3,
		RetryDelay:    time.Millisecond,
	}
}

func exportRow(id, trace string, startMs int64) map[string]any {
	return map[string]any{
		"context.span_id":                    id,
		"context.trace_id":                   trace,
		"name":                               "llm-call",
		"start_time":                         startMs,
		"end_time":                           startMs + 100,
		"attributes.openinference.span.kind": "LLM",
	}
}

func writePage(w http.ResponseWriter, rows []map[string]any, next string) {
	resp := map[string]any{"spans": rows}
	if next != "" {
		resp["next_page_token"] = next
	}
	json.NewEncoder(w).Encode(resp)
}

// TestFetchPagination verifies token-chained pages are walked transparently
// and the combined result comes back sorted by start time.
func TestFetchPagination(t *testing.T) {
	base := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req exportRequest
		json.NewDecoder(r.Body).Decode(&req)
		switch req.PageToken {
		case "":
			// Later spans on the first page: sorting is the fetcher's job.
			writePage(w, []map[string]any{
				exportRow("s2", "t1", base+2000),
				exportRow("s3", "t1", base+3000),
			}, "page-2")
		case "page-2":
			writePage(w, []map[string]any{exportRow("s1", "t1", base)}, "")
		default:
			t.Errorf("unexpected page token %q", req.PageToken)
		}
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	f := NewFetcher(NewArizeClient(cfg), cfg)
	spans, err := f.Fetch(context.Background(), TimeRange{
		Start: time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 10, 2, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	if spans[0].SpanID != "s1" || spans[2].SpanID != "s3" {
		t.Errorf("spans not in chronological order: %s .. %s", spans[0].SpanID, spans[2].SpanID)
	}
	if m := f.Metrics(); m.Pages != 2 || m.Spans != 3 {
		t.Errorf("metrics wrong: %+v", m)
	}
}

// TestFetchAuthNotRetried verifies a credential rejection is terminal on
// the first response.
func TestFetchAuthNotRetried(t *testing.T) {
	var requests int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	f := NewFetcher(NewArizeClient(cfg), cfg)
	_, err := f.Fetch(context.Background(), TimeRange{All: true})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if n := atomic.LoadInt64(&requests); n != 1 {
		t.Errorf("auth failure should not be retried, saw %d requests", n)
	}
}

// TestFetchRetriesThenSucceeds verifies transient server errors are retried
// with the failure count surfacing in metrics.
func TestFetchRetriesThenSucceeds(t *testing.T) {
	var requests int64
	base := time.Now().UTC().Truncate(time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&requests, 1) <= 2 {
			http.Error(w, "try later", http.StatusInternalServerError)
			return
		}
		writePage(w, []map[string]any{exportRow("s1", "t1", base.UnixMilli())}, "")
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	f := NewFetcher(NewArizeClient(cfg), cfg)
	spans, err := f.Fetch(context.Background(), TimeRange{All: true})
	if err != nil {
		t.Fatalf("Fetch failed after transient errors: %v", err)
	}
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if m := f.Metrics(); m.Retries != 2 {
		t.Errorf("expected 2 recorded retries, got %d", m.Retries)
	}
}

// TestFetchUnavailable verifies a persistently failing backend surfaces as
// ErrUnavailable after the configured attempts.
func TestFetchUnavailable(t *testing.T) {
	var requests int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	f := NewFetcher(NewArizeClient(cfg), cfg)
	_, err := f.Fetch(context.Background(), TimeRange{All: true})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if n := atomic.LoadInt64(&requests); n != int64(cfg.MaxAttempts) {
		t.Errorf("expected %d attempts, saw %d", cfg.MaxAttempts, n)
	}
}

// TestFetchEmptyRange verifies a zero-span range reports ErrEmptyResult,
// which callers treat as success with empty outputs.
func TestFetchEmptyRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writePage(w, nil, "")
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	f := NewFetcher(NewArizeClient(cfg), cfg)
	_, err := f.Fetch(context.Background(), TimeRange{All: true})
	if !errors.Is(err, ErrEmptyResult) {
		t.Fatalf("expected ErrEmptyResult, got %v", err)
	}
}

// TestFetchShardDedupe verifies a span reported by two adjacent shards
// (inclusive backend time bounds) survives exactly once.
func TestFetchShardDedupe(t *testing.T) {
	base := time.Date(2025, 10, 2, 0, 0, 0, 0, time.UTC).UnixMilli()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The same boundary span for every shard.
		writePage(w, []map[string]any{exportRow("boundary", "t1", base)}, "")
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	f := NewFetcher(NewArizeClient(cfg), cfg)
	spans, err := f.Fetch(context.Background(), TimeRange{
		Start: time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 10, 4, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(spans) != 1 {
		t.Fatalf("duplicate boundary span not collapsed: got %d spans", len(spans))
	}
	if m := f.Metrics(); m.Shards != 3 {
		t.Errorf("expected 3 shards, got %d", m.Shards)
	}
}

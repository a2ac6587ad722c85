// Package backend fetches raw spans from an observability store and
// normalizes them into the canonical model.Span shape.
//
// Two backend profiles exist: the cloud export API (key + space scoped,
// millisecond-epoch timestamps, dotted column names) and the local Phoenix
// query API (project scoped, GraphQL, RFC3339 timestamps). Which one a run
// uses is decided by the credentials present in the environment, or forced
// with an explicit selector. Everything past this package is
// backend-agnostic.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentlens/loom/internal/model"
)

// Error taxonomy for backend access. Fetch wraps transport failures in
// ErrUnavailable after retries are exhausted; ErrAuth is terminal on first
// sight and never retried; ErrEmptyResult signals a zero-span range and is
// handled as success-with-empty-outputs by the caller.
var (
	ErrUnavailable = errors.New("backend unavailable")
	ErrAuth        = errors.New("backend authentication rejected")
	ErrEmptyResult = errors.New("backend returned no spans for range")
)

// TimeRange bounds a fetch. All=true ignores the bounds and requests the
// backend's full retention window.
type TimeRange struct {
	Start time.Time
	End   time.Time
	All   bool
}

func (r TimeRange) String() string {
	if r.All {
		return "all"
	}
	return fmt.Sprintf("%s..%s", r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"))
}

// Shards splits the range into 24h sub-ranges so the fetcher can work them
// concurrently. An all-data or sub-day range is a single shard. Shard
// boundaries are half-open on the sub-range level; the dedupe pass in the
// fetcher absorbs any span an inclusive backend reports on both sides of a
// boundary.
func (r TimeRange) Shards() []TimeRange {
	if r.All || !r.End.After(r.Start.Add(24*time.Hour)) {
		return []TimeRange{r}
	}
	var shards []TimeRange
	for cur := r.Start; cur.Before(r.End); cur = cur.Add(24 * time.Hour) {
		next := cur.Add(24 * time.Hour)
		if next.After(r.End) {
			next = r.End
		}
		shards = append(shards, TimeRange{Start: cur, End: next})
	}
	return shards
}

// Page is one backend response page. NextToken is empty on the last page.
type Page struct {
	Spans     []model.Span
	NextToken string
}

// Store is one span backend. FetchPage returns a single page of normalized
// spans for the range; implementations must be safe for concurrent use
// across shards.
type Store interface {
	// Name identifies the backend in logs, reports, and the cache.
	Name() string
	// FetchPage fetches one page. An empty pageToken requests the first
	// page of the (range, pageSize) query.
	FetchPage(ctx context.Context, tr TimeRange, pageToken string, pageSize int) (Page, error)
}

// Prober is implemented by backends with a cheap reachability check. A run
// probes before fetching so an unreachable endpoint fails fast instead of
// burning the full retry budget on the first page.
type Prober interface {
	Available(ctx context.Context) bool
}

// Select picks the backend for a run. An explicit selector ("arize" or
// "phoenix") forces that profile and fails if its configuration is
// incomplete; otherwise the cloud profile wins when its credentials are
// present and the local profile is the fallback (it has a usable default
// endpoint).
func Select(cfg Config, selector string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(selector)) {
	case "", "auto":
		if cfg.HasArize() {
			return NewArizeClient(cfg), nil
		}
		return NewPhoenixClient(cfg), nil
	case "arize":
		if !cfg.HasArize() {
			return nil, fmt.Errorf("arize backend selected but ARIZE_API_KEY/ARIZE_SPACE_KEY are not set")
		}
		return NewArizeClient(cfg), nil
	case "phoenix":
		return NewPhoenixClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want arize or phoenix)", selector)
	}
}

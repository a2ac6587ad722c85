package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	retry "github.com/avast/retry-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/agentlens/loom/internal/logger"
	"github.com/agentlens/loom/internal/model"
)

// FetchMetrics counts fetch-side work. Shard workers update the fields
// atomically; read a snapshot through Fetcher.Metrics.
type FetchMetrics struct {
	Pages   int64 `json:"pages"`
	Spans   int64 `json:"spans"`
	Retries int64 `json:"retries"`
	Shards  int64 `json:"shards"`
}

// Fetcher drives a Store across time-range shards with a bounded worker
// pool. Pagination is transparent: shards page sequentially (tokens chain),
// shards run concurrently, and the caller sees one deduplicated,
// chronologically sorted span slice.
type Fetcher struct {
	store   Store
	cfg     Config
	metrics FetchMetrics
}

// NewFetcher builds a fetcher, clamping tuning values into sane bounds.
func NewFetcher(store Store, cfg Config) *Fetcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Workers > 16 {
		cfg.Workers = 16
	}
	if cfg.PageSize < 1 {
		cfg.PageSize = 1000
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Fetcher{store: store, cfg: cfg}
}

// Metrics returns a snapshot of the fetch counters.
func (f *Fetcher) Metrics() FetchMetrics {
	return FetchMetrics{
		Pages:   atomic.LoadInt64(&f.metrics.Pages),
		Spans:   atomic.LoadInt64(&f.metrics.Spans),
		Retries: atomic.LoadInt64(&f.metrics.Retries),
		Shards:  atomic.LoadInt64(&f.metrics.Shards),
	}
}

// Fetch retrieves every span in the range. It returns ErrEmptyResult when
// the range holds no spans, ErrAuth on rejected credentials, and
// ErrUnavailable once retries are exhausted.
func (f *Fetcher) Fetch(ctx context.Context, tr TimeRange) ([]model.Span, error) {
	shards := tr.Shards()
	results := make([][]model.Span, len(shards))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Workers)
	for i, shard := range shards {
		g.Go(func() error {
			spans, err := f.fetchShard(gctx, shard)
			if err != nil {
				return fmt.Errorf("shard %s: %w", shard, err)
			}
			results[i] = spans
			atomic.AddInt64(&f.metrics.Shards, 1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	all := dedupeSpans(results)
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].StartTime.Equal(all[j].StartTime) {
			return all[i].StartTime.Before(all[j].StartTime)
		}
		return all[i].SpanID < all[j].SpanID
	})
	if len(all) == 0 {
		return nil, ErrEmptyResult
	}

	m := f.Metrics()
	logger.Log.WithFields(logrus.Fields{
		"backend": f.store.Name(),
		"range":   tr.String(),
		"spans":   len(all),
		"pages":   m.Pages,
		"retries": m.Retries,
	}).Info("fetch complete")
	return all, nil
}

func (f *Fetcher) fetchShard(ctx context.Context, shard TimeRange) ([]model.Span, error) {
	var out []model.Span
	token := ""
	for {
		page, err := f.fetchPage(ctx, shard, token)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Spans...)
		atomic.AddInt64(&f.metrics.Pages, 1)
		atomic.AddInt64(&f.metrics.Spans, int64(len(page.Spans)))
		if page.NextToken == "" {
			return out, nil
		}
		token = page.NextToken
	}
}

// fetchPage applies the per-page timeout and bounded backoff retry around
// one Store call. Auth rejections and empty-result signals pass through
// untouched and unretried; everything else surfaces as ErrUnavailable once
// attempts run out.
func (f *Fetcher) fetchPage(ctx context.Context, shard TimeRange, token string) (Page, error) {
	var page Page
	err := retry.Do(
		func() error {
			pctx, cancel := context.WithTimeout(ctx, f.cfg.PageTimeout)
			defer cancel()
			p, err := f.store.FetchPage(pctx, shard, token, f.cfg.PageSize)
			if err != nil {
				return err
			}
			page = p
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(f.cfg.MaxAttempts),
		retry.Delay(f.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrAuth) && !errors.Is(err, ErrEmptyResult)
		}),
		retry.OnRetry(func(n uint, err error) {
			atomic.AddInt64(&f.metrics.Retries, 1)
			logger.Log.WithFields(logrus.Fields{
				"attempt": n + 1,
				"range":   shard.String(),
			}).WithError(err).Warn("retrying span page")
		}),
	)
	if err == nil {
		return page, nil
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrEmptyResult) || errors.Is(err, ErrUnavailable) {
		return Page{}, err
	}
	return Page{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// dedupeSpans flattens shard results, dropping duplicate span ids that an
// inclusive backend can report on both sides of a shard boundary. First
// sighting wins.
func dedupeSpans(shards [][]model.Span) []model.Span {
	seen := make(map[string]struct{})
	var out []model.Span
	for _, spans := range shards {
		for _, sp := range spans {
			if _, dup := seen[sp.SpanID]; dup {
				continue
			}
			seen[sp.SpanID] = struct{}{}
			out = append(out, sp)
		}
	}
	return out
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"newsline/internal/config"
	"newsline/internal/fingerprint"
	"newsline/internal/model"
	"newsline/internal/normalize"
	"newsline/internal/recency"
	"newsline/internal/storage"
)

// URLIndex answers whether a URL is already persisted.
type URLIndex interface {
	Exists(ctx context.Context, url string) (bool, error)
}

// DedupStats counts candidates removed at each stage.
type DedupStats struct {
	Input      int `json:"input"`
	Malformed  int `json:"malformed"`
	Temporal   int `json:"temporal"`
	URL        int `json:"url"`
	CacheTitle int `json:"cache_title"`
	Batch      int `json:"batch"`
	Kept       int `json:"kept"`
}

// Pipeline filters one merged batch per cycle. It holds no state between
// calls other than the cache and index it consults.
type Pipeline struct {
	cache  *recency.Cache
	index  URLIndex
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	hasher fingerprint.Hasher
}

type PipelineOption func(*Pipeline)

func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

func NewPipeline(cache *recency.Cache, index URLIndex, cfg config.DedupConfig, logger *slog.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		cache:  cache,
		index:  index,
		logger: logger,
		now:    time.Now,
		hasher: fingerprint.New(cfg.TitleWindow, cfg.Threshold),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) UpdateConfig(cfg config.DedupConfig) {
	p.mu.Lock()
	p.hasher = fingerprint.New(cfg.TitleWindow, cfg.Threshold)
	p.mu.Unlock()
}

func (p *Pipeline) Hasher() fingerprint.Hasher {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hasher
}

// Dedup keeps items published today in the cache timezone.
func (p *Pipeline) Dedup(ctx context.Context, items []model.CandidateItem) ([]model.CandidateItem, DedupStats, error) {
	return p.DedupFor(ctx, p.now().In(p.cache.Location()).Format("2006-01-02"), items)
}

// DedupFor runs the temporal, URL, cache-title and batch-internal stages in
// order against target (YYYY-MM-DD). Survivors are added to the recency
// cache before returning. An index failure aborts the batch with
// storage.ErrStoreUnavailable and leaves the cache untouched.
func (p *Pipeline) DedupFor(ctx context.Context, target string, items []model.CandidateItem) ([]model.CandidateItem, DedupStats, error) {
	stats := DedupStats{Input: len(items)}
	hasher := p.Hasher()
	loc := p.cache.Location()

	current := make([]model.CandidateItem, 0, len(items))
	for _, item := range items {
		if err := normalize.Validate(item); err != nil {
			stats.Malformed++
			p.debug("candidate skipped", "url", item.URL, "source", item.Source, "error", err)
			continue
		}
		if item.PublishTime.In(loc).Format("2006-01-02") != target {
			stats.Temporal++
			p.debug("candidate outside target date", "url", item.URL, "publish_time", item.PublishTime, "target", target)
			continue
		}
		current = append(current, item)
	}

	next := current[:0:0]
	batchURLs := make(map[string]struct{}, len(current))
	for _, item := range current {
		if _, dup := batchURLs[item.URL]; dup || p.cache.ExistsURL(item.URL) {
			stats.URL++
			continue
		}
		if p.index != nil {
			exists, err := p.index.Exists(ctx, item.URL)
			if err != nil {
				if errors.Is(err, storage.ErrStoreUnavailable) {
					return nil, stats, err
				}
				return nil, stats, fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
			}
			if exists {
				stats.URL++
				continue
			}
		}
		batchURLs[item.URL] = struct{}{}
		next = append(next, item)
	}
	current = next

	hashes := make([]fingerprint.Hash, len(current))
	for i, item := range current {
		hashes[i] = hasher.Fingerprint(item.Title)
	}
	cached := p.cache.AllFingerprints(hasher)
	next = current[:0:0]
	nextHashes := hashes[:0:0]
	for i, item := range current {
		if similarToAny(hasher, hashes[i], cached) {
			stats.CacheTitle++
			continue
		}
		next = append(next, item)
		nextHashes = append(nextHashes, hashes[i])
	}
	current, hashes = next, nextHashes

	kept := make([]model.CandidateItem, 0, len(current))
	keptHashes := make([]fingerprint.Hash, 0, len(current))
	for i, item := range current {
		if similarToAny(hasher, hashes[i], keptHashes) {
			stats.Batch++
			continue
		}
		kept = append(kept, item)
		keptHashes = append(keptHashes, hashes[i])
	}
	stats.Kept = len(kept)

	entries := make([]recency.Entry, 0, len(kept))
	for _, item := range kept {
		entries = append(entries, recency.Entry{URL: item.URL, Title: item.Title})
	}
	p.cache.AddBatch(entries)
	return kept, stats, nil
}

func similarToAny(h fingerprint.Hasher, x fingerprint.Hash, set []fingerprint.Hash) bool {
	for _, y := range set {
		if h.Similar(x, y) {
			return true
		}
	}
	return false
}

func (p *Pipeline) debug(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Debug(msg, args...)
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"newsline/internal/alerts"
	"newsline/internal/config"
	"newsline/internal/content"
	"newsline/internal/ingest"
	"newsline/internal/metrics"
	"newsline/internal/model"
	"newsline/internal/recency"
	"newsline/internal/storage"
)

const (
	manualTriggerKey = "manual"
	sourceAlertQuiet = 10 * time.Minute
)

var ErrTriggerCooldown = errors.New("manual refresh too frequent")

// CooldownError carries the time left before another manual refresh.
type CooldownError struct {
	Remaining   time.Duration
	LastTrigger time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%v: retry in %ds", ErrTriggerCooldown, int(e.Remaining.Seconds()+0.999))
}

func (e *CooldownError) Unwrap() error { return ErrTriggerCooldown }

type Deps struct {
	Registry *ingest.Registry
	Cache    *recency.Cache
	Store    storage.Store
	Content  content.Store
	Metrics  *metrics.Store
	Prom     *metrics.Collectors
	Alerts   *alerts.Store
}

// Engine runs fetch, dedup, content storage and persistence as one cycle.
type Engine struct {
	logger   *slog.Logger
	cfg      atomic.Pointer[config.Config]
	registry *ingest.Registry
	cache    *recency.Cache
	store    storage.Store
	content  content.Store
	metrics  *metrics.Store
	prom     *metrics.Collectors
	alerts   *alerts.Store
	pipeline *Pipeline
	cooldown *Cooldown
	now      func() time.Time

	// warmed is set once the cache has been seeded from today's bucket.
	warmed atomic.Bool
}

func NewEngine(cfg *config.Config, logger *slog.Logger, deps Deps) *Engine {
	if deps.Content == nil {
		deps.Content = content.Nop{}
	}
	if deps.Registry == nil {
		deps.Registry = ingest.NewRegistry()
	}
	e := &Engine{
		logger:   logger,
		registry: deps.Registry,
		cache:    deps.Cache,
		store:    deps.Store,
		content:  deps.Content,
		metrics:  deps.Metrics,
		prom:     deps.Prom,
		alerts:   deps.Alerts,
		pipeline: NewPipeline(deps.Cache, deps.Store, cfg.Dedup, logger),
		cooldown: NewCooldown(),
		now:      time.Now,
	}
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
	e.pipeline.UpdateConfig(cfg.Dedup)
}

func (e *Engine) config() *config.Config {
	if cfg := e.cfg.Load(); cfg != nil {
		return cfg
	}
	return config.DefaultConfig()
}

func (e *Engine) Pipeline() *Pipeline { return e.pipeline }

func (e *Engine) Registry() *ingest.Registry { return e.registry }

// Warm seeds the recency cache with today's bucket so dedup is correct
// before the first cycle after a restart. RunCycle calls it until it
// succeeds, so a failure here only delays the first cycle.
func (e *Engine) Warm(ctx context.Context) (int, error) {
	recs, err := e.store.ListBucket(ctx, e.cache.CacheDate())
	if err != nil {
		return 0, fmt.Errorf("%w: warm cache: %v", storage.ErrStoreUnavailable, err)
	}
	entries := make([]recency.Entry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, recency.Entry{URL: rec.URL, Title: rec.Title})
	}
	e.cache.Seed(entries)
	e.warmed.Store(true)
	e.prom.CacheSize(e.cache.Count())
	if e.logger != nil {
		e.logger.Info("recency cache warmed", "date", e.cache.CacheDate(), "entries", len(entries))
	}
	return len(entries), nil
}

// CheckTrigger refuses a manual refresh inside the cooldown that follows
// the last successful one, unless force is set.
func (e *Engine) CheckTrigger(force bool) error {
	if force {
		return nil
	}
	remaining := e.cooldown.Remaining(manualTriggerKey, e.config().Crawler.TriggerCooldown)
	if remaining <= 0 {
		return nil
	}
	last, _ := e.cooldown.Last(manualTriggerKey)
	return &CooldownError{Remaining: remaining, LastTrigger: last}
}

func (e *Engine) MarkTriggered() {
	e.cooldown.Mark(manualTriggerKey)
}

func (e *Engine) LastTrigger() (time.Time, bool) {
	return e.cooldown.Last(manualTriggerKey)
}

func (e *Engine) CacheStatus() model.CacheStatus {
	return model.CacheStatus{Date: e.cache.CacheDate(), Count: e.cache.Count()}
}

func (e *Engine) ClearCache() model.CacheStatus {
	e.cache.Clear()
	e.prom.CacheSize(0)
	if e.logger != nil {
		e.logger.Info("recency cache cleared")
	}
	return e.CacheStatus()
}

// ClearData deletes every timeline record and then empties the recency
// cache. Callers hold the scheduler's cycle guard so no insert interleaves.
func (e *Engine) ClearData(ctx context.Context) (int64, error) {
	n, err := e.store.ClearAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
	}
	e.ClearCache()
	if e.logger != nil {
		e.logger.Warn("timeline cleared", "deleted", n)
	}
	return n, nil
}

type fetchOutcome struct {
	status  model.SourceStatus
	items   []model.CandidateItem
	fetcher ingest.Fetcher
}

// RunCycle fetches every enabled source, or only sourceID when set, and
// persists the deduplicated batch. Source failures are reported per source;
// a store failure fails the cycle.
func (e *Engine) RunCycle(ctx context.Context, sourceID string) (model.CycleResult, error) {
	cfg := e.config()
	started := e.now()

	sources, err := e.resolveSources(sourceID)
	if err != nil {
		return model.CycleResult{}, err
	}

	var result model.CycleResult
	if !e.warmed.Load() {
		if _, err := e.Warm(ctx); err != nil {
			e.storeFailed(err)
			e.finish(result, started)
			return result, err
		}
	}
	outcomes := e.fetchAll(ctx, cfg, sources)

	var batch []model.CandidateItem
	for _, out := range outcomes {
		result.Sources = append(result.Sources, out.status)
		batch = append(batch, out.items...)
	}
	result.Fetched = len(batch)

	kept, stats, err := e.pipeline.Dedup(ctx, batch)
	e.recordDrops(stats)
	if err != nil {
		e.storeFailed(err)
		e.finish(result, started)
		return result, err
	}
	result.Deduped = len(kept)

	records := e.buildRecords(ctx, cfg, kept)
	if err := e.store.InsertBatch(ctx, records); err != nil {
		err = fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
		e.storeFailed(err)
		e.finish(result, started)
		return result, err
	}
	result.Saved = len(records)
	e.acknowledge(ctx, outcomes)
	e.finish(result, started)
	if e.logger != nil {
		e.logger.Info("cycle completed",
			"source", sourceID,
			"fetched", result.Fetched,
			"after_dedup", result.Deduped,
			"saved", result.Saved,
			"dropped_temporal", stats.Temporal,
			"dropped_url", stats.URL,
			"dropped_title", stats.CacheTitle,
			"dropped_batch", stats.Batch,
			"duration", e.now().Sub(started),
		)
	}
	return result, nil
}

// acknowledge releases the pending items of every source that contributed
// to a persisted batch.
func (e *Engine) acknowledge(ctx context.Context, outcomes []fetchOutcome) {
	for _, out := range outcomes {
		acker, ok := out.fetcher.(ingest.Acknowledger)
		if !ok || out.status.Status != model.StatusSuccess {
			continue
		}
		if err := acker.Ack(ctx); err != nil {
			if e.logger != nil {
				e.logger.Warn("source acknowledgement failed", "source", out.status.ID, "error", err)
			}
			if e.alerts != nil {
				e.alerts.Raise(model.Alert{
					Severity:  alerts.SeverityWarning,
					AlertType: alerts.TypeSourceFailure,
					Source:    out.status.ID,
					Message:   "acknowledge: " + err.Error(),
				}, sourceAlertQuiet)
			}
		}
	}
}

func (e *Engine) resolveSources(sourceID string) ([]ingest.Source, error) {
	if sourceID == "" {
		return e.registry.Enabled(), nil
	}
	src, ok := e.registry.Get(sourceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ingest.ErrUnknownSource, sourceID)
	}
	return []ingest.Source{src}, nil
}

// fetchAll fans out over sources and returns outcomes in source order so
// the batch-internal tie-break follows registration order.
func (e *Engine) fetchAll(ctx context.Context, cfg *config.Config, sources []ingest.Source) []fetchOutcome {
	outcomes := make([]fetchOutcome, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	limit := cfg.Crawler.Concurrent
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, src := range sources {
		g.Go(func() error {
			outcomes[i] = e.fetchOne(gctx, src)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (e *Engine) fetchOne(ctx context.Context, src ingest.Source) (out fetchOutcome) {
	out.status = model.SourceStatus{ID: src.ID, Name: src.Name}
	out.fetcher = src.Fetcher
	defer func() {
		if r := recover(); r != nil {
			out.items = nil
			e.sourceFailed(&out.status, &ingest.SourceFetchError{Source: src.ID, Err: fmt.Errorf("panic: %v", r)})
		}
	}()
	items, err := src.Fetcher.Fetch(ctx)
	if err != nil {
		e.sourceFailed(&out.status, &ingest.SourceFetchError{Source: src.ID, Err: err})
		return out
	}
	for i := range items {
		if items[i].Source == "" {
			items[i].Source = src.ID
		}
	}
	out.items = ingest.FilterKeywords(items, src.Keywords)
	out.status.Fetched = len(out.items)
	out.status.Status = model.StatusSuccess
	if e.logger != nil {
		e.logger.Debug("source fetched", "source", src.ID, "items", len(items), "after_keywords", len(out.items))
	}
	return out
}

func (e *Engine) sourceFailed(status *model.SourceStatus, err *ingest.SourceFetchError) {
	status.Status = model.StatusError
	status.Error = err.Err.Error()
	if e.logger != nil {
		e.logger.Warn("source fetch failed", "source", err.Source, "error", err.Err)
	}
	if e.alerts != nil {
		e.alerts.Raise(model.Alert{
			Severity:  alerts.SeverityWarning,
			AlertType: alerts.TypeSourceFailure,
			Source:    err.Source,
			Message:   err.Error(),
		}, sourceAlertQuiet)
	}
}

func (e *Engine) storeFailed(err error) {
	if e.logger != nil {
		e.logger.Error("cycle persistence failed", "error", err)
	}
	if e.alerts != nil {
		e.alerts.Add(model.Alert{
			Severity:  alerts.SeverityCritical,
			AlertType: alerts.TypeStoreFailure,
			Message:   err.Error(),
		})
	}
}

func (e *Engine) buildRecords(ctx context.Context, cfg *config.Config, kept []model.CandidateItem) []model.TimelineRecord {
	records := make([]model.TimelineRecord, 0, len(kept))
	for _, item := range kept {
		rec := model.TimelineRecord{
			ID:          uuid.NewString(),
			Title:       item.Title,
			URL:         item.URL,
			Source:      item.Source,
			PublishTime: item.PublishTime,
			Tags:        item.Tags,
			EntityRefs:  item.EntityRefs,
		}
		if cfg.Crawler.SaveContent && item.Content != "" {
			ref, err := e.content.Put(ctx, rec, item.Content)
			if err != nil {
				if e.logger != nil {
					e.logger.Warn("article body not stored", "url", item.URL, "error", err)
				}
			} else {
				rec.ContentRef = ref
			}
		}
		records = append(records, rec)
	}
	return records
}

func (e *Engine) recordDrops(stats DedupStats) {
	e.prom.Dropped("malformed", stats.Malformed)
	e.prom.Dropped("temporal", stats.Temporal)
	e.prom.Dropped("url", stats.URL)
	e.prom.Dropped("cache_title", stats.CacheTitle)
	e.prom.Dropped("batch", stats.Batch)
}

func (e *Engine) finish(result model.CycleResult, started time.Time) {
	if e.metrics != nil {
		e.metrics.Update(result, e.now().Sub(started))
	} else {
		e.prom.ObserveCycle(result, e.now().Sub(started))
	}
	e.prom.CacheSize(e.cache.Count())
}

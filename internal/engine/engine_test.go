package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsline/internal/alerts"
	"newsline/internal/config"
	"newsline/internal/content"
	"newsline/internal/ingest"
	"newsline/internal/metrics"
	"newsline/internal/model"
	"newsline/internal/recency"
	"newsline/internal/storage"
)

var shanghai = mustLocation("Asia/Shanghai")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

var fixedNow = time.Date(2026, 10, 15, 10, 0, 0, 0, shanghai)

func clock() time.Time { return fixedNow }

func testDedupConfig() config.DedupConfig {
	return config.DedupConfig{Threshold: 15, TitleWindow: 20}
}

func newTestPipeline(index URLIndex) (*Pipeline, *recency.Cache) {
	cache := recency.New(shanghai, recency.WithClock(clock))
	return NewPipeline(cache, index, testDedupConfig(), nil, WithPipelineClock(clock)), cache
}

func item(title, url string, pub time.Time) model.CandidateItem {
	return model.CandidateItem{Title: title, URL: url, Source: "36kr", PublishTime: pub}
}

func urls(items []model.CandidateItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.URL)
	}
	return out
}

type fakeIndex struct {
	known map[string]bool
	err   error
	calls int
}

func (f *fakeIndex) Exists(_ context.Context, url string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.known[url], nil
}

func TestBatchNearDuplicateKeepsEarliest(t *testing.T) {
	p, cache := newTestPipeline(nil)
	pub := fixedNow.Add(-time.Hour)
	batch := []model.CandidateItem{
		item("马斯克宣布新计划", "u1", pub),
		item("马斯克宣布新计划", "u2", pub),
		item("某公司发布新品", "u3", pub),
	}
	kept, stats, err := p.Dedup(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u3"}, urls(kept))
	assert.Equal(t, 1, stats.Batch)
	assert.Equal(t, 2, stats.Kept)

	// survivors are visible to the next batch immediately
	assert.Equal(t, 2, cache.Count())
	assert.True(t, cache.ExistsURL("u1"))
	assert.False(t, cache.ExistsURL("u2"))
	kept, stats, err = p.Dedup(context.Background(), batch)
	require.NoError(t, err)
	assert.Empty(t, kept)
	assert.Equal(t, 2, stats.URL)
	assert.Equal(t, 1, stats.CacheTitle)
}

func TestYesterdayIsDroppedByTemporalFilter(t *testing.T) {
	p, cache := newTestPipeline(&fakeIndex{})
	yesterday := fixedNow.AddDate(0, 0, -1)
	kept, stats, err := p.Dedup(context.Background(), []model.CandidateItem{
		item("马斯克宣布新计划", "u-new", yesterday),
	})
	require.NoError(t, err)
	assert.Empty(t, kept)
	assert.Equal(t, 1, stats.Temporal)
	assert.Zero(t, cache.Count())
}

func TestTemporalFilterUsesConfiguredTimezone(t *testing.T) {
	p, _ := newTestPipeline(nil)
	// 2026-10-14 17:00 UTC is already 01:00 on the 15th in Shanghai
	kept, _, err := p.Dedup(context.Background(), []model.CandidateItem{
		item("夜间快讯", "u-night", time.Date(2026, 10, 14, 17, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestCachedURLIsDroppedBeforeTitleCheck(t *testing.T) {
	index := &fakeIndex{}
	p, cache := newTestPipeline(index)
	cache.AddURL("u1")
	kept, stats, err := p.Dedup(context.Background(), []model.CandidateItem{
		item("完全不同的标题", "u1", fixedNow),
	})
	require.NoError(t, err)
	assert.Empty(t, kept)
	assert.Equal(t, 1, stats.URL)
	assert.Zero(t, stats.CacheTitle)
	assert.Zero(t, index.calls, "cache hit must not reach the store")
}

func TestStoreFallbackForURL(t *testing.T) {
	index := &fakeIndex{known: map[string]bool{"u-old": true}}
	p, _ := newTestPipeline(index)
	kept, stats, err := p.Dedup(context.Background(), []model.CandidateItem{
		item("旧闻", "u-old", fixedNow),
		item("新闻", "u-new", fixedNow),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"u-new"}, urls(kept))
	assert.Equal(t, 1, stats.URL)
}

func TestIndexFailureAbortsWithoutCacheUpdate(t *testing.T) {
	p, cache := newTestPipeline(&fakeIndex{err: errors.New("database is locked")})
	_, _, err := p.Dedup(context.Background(), []model.CandidateItem{item("新闻", "u1", fixedNow)})
	assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
	assert.Zero(t, cache.Count())
}

func TestCachedTitleNearDuplicate(t *testing.T) {
	p, cache := newTestPipeline(nil)
	cache.Add("u-seen", "马斯克宣布新计划将于明年启动")
	kept, stats, err := p.Dedup(context.Background(), []model.CandidateItem{
		item("马斯克宣布新计划将于明年实施", "u-other", fixedNow),
		item("某公司发布新品", "u3", fixedNow),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"u3"}, urls(kept))
	assert.Equal(t, 1, stats.CacheTitle)
}

func TestMalformedItemsAreSkipped(t *testing.T) {
	p, _ := newTestPipeline(nil)
	kept, stats, err := p.Dedup(context.Background(), []model.CandidateItem{
		{Title: "", URL: "u1", PublishTime: fixedNow},
		{Title: "没有链接", PublishTime: fixedNow},
		{Title: "没有时间", URL: "u2"},
		item("正常新闻", "u3", fixedNow),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"u3"}, urls(kept))
	assert.Equal(t, 3, stats.Malformed)
}

var headlineBatch = []string{
	"马斯克宣布新计划",
	"马斯克宣布新计划将于明年启动",
	"马斯克宣布新计划将于明年实施",
	"某公司发布新品",
	"特斯拉上海工厂产能提升",
	"特斯拉上海工厂产能大幅提升",
	"央行宣布降准0.5个百分点",
	"央行宣布降准0.25个百分点",
	"国务院常务会议部署稳就业",
	"苹果发布新款iPhone",
	"苹果正式发布新款iPhone手机",
	"欧盟对华电动车加征关税",
}

func headlineItems() []model.CandidateItem {
	out := make([]model.CandidateItem, 0, len(headlineBatch))
	for i, title := range headlineBatch {
		out = append(out, item(title, "https://news.example/"+string(rune('a'+i)), fixedNow))
	}
	return out
}

func TestDedupIsDeterministic(t *testing.T) {
	first, _ := newTestPipeline(nil)
	second, _ := newTestPipeline(nil)
	a, statsA, err := first.Dedup(context.Background(), headlineItems())
	require.NoError(t, err)
	b, statsB, err := second.Dedup(context.Background(), headlineItems())
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, statsA, statsB)
	assert.Equal(t, 9, statsA.Kept)
}

func TestRaisingThresholdNeverRemovesFewer(t *testing.T) {
	prev := -1
	for threshold := 0; threshold <= 28; threshold++ {
		cache := recency.New(shanghai, recency.WithClock(clock))
		p := NewPipeline(cache, nil, config.DedupConfig{Threshold: threshold, TitleWindow: 20}, nil, WithPipelineClock(clock))
		_, stats, err := p.Dedup(context.Background(), headlineItems())
		require.NoError(t, err)
		removed := stats.CacheTitle + stats.Batch
		assert.GreaterOrEqual(t, removed, prev, "threshold %d", threshold)
		prev = removed
	}
	assert.Equal(t, 9, prev)
}

func TestUpdateConfigChangesThreshold(t *testing.T) {
	p, _ := newTestPipeline(nil)
	p.UpdateConfig(config.DedupConfig{Threshold: 0, TitleWindow: 20})
	kept, _, err := p.Dedup(context.Background(), []model.CandidateItem{
		item("马斯克宣布新计划将于明年启动", "u1", fixedNow),
		item("马斯克宣布新计划将于明年实施", "u2", fixedNow),
	})
	require.NoError(t, err)
	assert.Len(t, kept, 2)
	assert.Equal(t, 0, p.Hasher().Threshold)
}

type engineFixture struct {
	engine *Engine
	store  storage.Store
	cache  *recency.Cache
	alerts *alerts.Store
	dir    string
}

func newEngineFixture(t *testing.T, sources ...ingest.Source) engineFixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLite("file:"+filepath.Join(dir, "timeline.db"), storage.WithLocation(shanghai))
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	reg := ingest.NewRegistry()
	for _, src := range sources {
		require.NoError(t, reg.Register(src))
	}
	cfg := config.DefaultConfig()
	cfg.Crawler.Concurrent = 2
	cache := recency.New(shanghai, recency.WithClock(clock))
	alertStore := alerts.NewStore(10)
	eng := NewEngine(cfg, nil, Deps{
		Registry: reg,
		Cache:    cache,
		Store:    store,
		Content:  content.NewFS(filepath.Join(dir, "articles"), shanghai),
		Metrics:  metrics.NewStore(10, metrics.NewCollectors()),
		Alerts:   alertStore,
	})
	eng.pipeline.now = clock
	eng.cooldown.now = clock
	return engineFixture{engine: eng, store: store, cache: cache, alerts: alertStore, dir: dir}
}

func staticSource(id string, items ...model.CandidateItem) ingest.Source {
	return ingest.Source{
		ID:      id,
		Enabled: true,
		Fetcher: ingest.FetcherFunc(func(context.Context) ([]model.CandidateItem, error) {
			return items, nil
		}),
	}
}

func TestRunCycleIsolatesSourceFailures(t *testing.T) {
	body := item("马斯克宣布新计划", "https://a.example/1", fixedNow)
	body.Content = "正文"
	broken := ingest.Source{
		ID:      "broken",
		Enabled: true,
		Fetcher: ingest.FetcherFunc(func(context.Context) ([]model.CandidateItem, error) {
			return nil, errors.New("connection refused")
		}),
	}
	fx := newEngineFixture(t,
		staticSource("first", body, item("某公司发布新品", "https://a.example/2", fixedNow)),
		broken,
		staticSource("second", model.CandidateItem{Title: "马斯克宣布新计划", URL: "https://b.example/9", PublishTime: fixedNow}),
	)

	result, err := fx.engine.RunCycle(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Fetched)
	assert.Equal(t, 2, result.Deduped)
	assert.Equal(t, 2, result.Saved)
	require.Len(t, result.Sources, 3)
	assert.Equal(t, model.StatusSuccess, result.Sources[0].Status)
	assert.Equal(t, model.StatusError, result.Sources[1].Status)
	assert.Contains(t, result.Sources[1].Error, "connection refused")
	assert.Equal(t, 1, result.Sources[2].Fetched)

	list, err := fx.store.List(context.Background(), storage.Filter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	var withBody model.TimelineRecord
	for _, rec := range list {
		if rec.URL == "https://a.example/1" {
			withBody = rec
		}
	}
	assert.NotEmpty(t, withBody.ContentRef)
	assert.Equal(t, "2026-10-15", withBody.Bucket)

	got := fx.alerts.List(0)
	require.Len(t, got, 1)
	assert.Equal(t, alerts.TypeSourceFailure, got[0].AlertType)
	assert.Equal(t, "broken", got[0].Source)

	// a second cycle sees everything as known
	result, err = fx.engine.RunCycle(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, result.Saved)
}

func TestRunCycleSingleSourceAndKeywords(t *testing.T) {
	src := staticSource("wire",
		item("Tesla opens plant", "https://w.example/1", fixedNow),
		item("央行宣布降准", "https://w.example/2", fixedNow),
	)
	src.Keywords = []string{"tesla"}
	fx := newEngineFixture(t, src, staticSource("other", item("其他新闻", "https://o.example/1", fixedNow)))

	result, err := fx.engine.RunCycle(context.Background(), "wire")
	require.NoError(t, err)
	require.Len(t, result.Sources, 1)
	assert.Equal(t, 1, result.Saved)

	_, err = fx.engine.RunCycle(context.Background(), "missing")
	assert.ErrorIs(t, err, ingest.ErrUnknownSource)
}

func TestRunCycleFailsWhenStoreUnavailable(t *testing.T) {
	fx := newEngineFixture(t, staticSource("first", item("新闻", "https://a.example/1", fixedNow)))
	require.NoError(t, fx.store.Close())

	_, err := fx.engine.RunCycle(context.Background(), "")
	assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
	got := fx.alerts.List(0)
	require.NotEmpty(t, got)
	assert.Equal(t, alerts.TypeStoreFailure, got[len(got)-1].AlertType)
}

func TestWarmSeedsCacheFromToday(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.store.InsertBatch(ctx, []model.TimelineRecord{
		{Title: "马斯克宣布新计划", URL: "https://a.example/1", Source: "36kr", PublishTime: fixedNow},
		{Title: "昨天的新闻", URL: "https://a.example/0", Source: "36kr", PublishTime: fixedNow.AddDate(0, 0, -1)},
	}))

	n, err := fx.engine.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, fx.cache.ExistsURL("https://a.example/1"))
	assert.Equal(t, model.CacheStatus{Date: "2026-10-15", Count: 1}, fx.engine.CacheStatus())

	assert.Equal(t, 0, fx.engine.ClearCache().Count)
}

func TestManualTriggerCooldown(t *testing.T) {
	fx := newEngineFixture(t)
	now := fixedNow
	fx.engine.cooldown.now = func() time.Time { return now }

	require.NoError(t, fx.engine.CheckTrigger(false))
	fx.engine.MarkTriggered()

	now = now.Add(10 * time.Second)
	err := fx.engine.CheckTrigger(false)
	require.ErrorIs(t, err, ErrTriggerCooldown)
	var cd *CooldownError
	require.ErrorAs(t, err, &cd)
	assert.Equal(t, 20*time.Second, cd.Remaining)
	assert.NoError(t, fx.engine.CheckTrigger(true))

	now = now.Add(25 * time.Second)
	assert.NoError(t, fx.engine.CheckTrigger(false))
}

// flakyBucketStore fails the first n ListBucket calls.
type flakyBucketStore struct {
	storage.Store
	fails int
	calls int
}

func (f *flakyBucketStore) ListBucket(ctx context.Context, bucket string) ([]model.TimelineRecord, error) {
	f.calls++
	if f.calls <= f.fails {
		return nil, errors.New("database is locked")
	}
	return f.Store.ListBucket(ctx, bucket)
}

func TestRunCycleReseedsCacheBeforeDedup(t *testing.T) {
	fetches := 0
	src := ingest.Source{
		ID:      "second",
		Enabled: true,
		Fetcher: ingest.FetcherFunc(func(context.Context) ([]model.CandidateItem, error) {
			fetches++
			return []model.CandidateItem{item("马斯克宣布新计划", "https://b.example/9", fixedNow)}, nil
		}),
	}
	fx := newEngineFixture(t, src)
	ctx := context.Background()
	require.NoError(t, fx.store.InsertBatch(ctx, []model.TimelineRecord{
		{Title: "马斯克宣布新计划", URL: "https://a.example/1", Source: "36kr", PublishTime: fixedNow},
	}))
	flaky := &flakyBucketStore{Store: fx.store, fails: 1}
	fx.engine.store = flaky

	_, err := fx.engine.RunCycle(ctx, "")
	require.ErrorIs(t, err, storage.ErrStoreUnavailable)
	assert.Zero(t, fetches, "no fetch runs on a cold cache")
	got := fx.alerts.List(0)
	require.NotEmpty(t, got)
	assert.Equal(t, alerts.TypeStoreFailure, got[len(got)-1].AlertType)

	result, err := fx.engine.RunCycle(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, fetches)
	assert.Equal(t, 1, result.Fetched)
	assert.Zero(t, result.Saved, "the stored title is known after reseeding")
	assert.True(t, fx.cache.ExistsURL("https://a.example/1"))

	// warmed once; later cycles do not reload the bucket
	_, err = fx.engine.RunCycle(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, flaky.calls)
}

type ackingFetcher struct {
	items []model.CandidateItem
	acks  int
}

func (a *ackingFetcher) Fetch(context.Context) ([]model.CandidateItem, error) { return a.items, nil }

func (a *ackingFetcher) Ack(context.Context) error {
	a.acks++
	return nil
}

func TestRunCycleAcknowledgesPersistedBatch(t *testing.T) {
	wire := &ackingFetcher{items: []model.CandidateItem{item("央行宣布降准", "https://w.example/1", fixedNow)}}
	fx := newEngineFixture(t, ingest.Source{ID: "wire", Enabled: true, Fetcher: wire})

	result, err := fx.engine.RunCycle(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Saved)
	assert.Equal(t, 1, wire.acks)
}

func TestRunCycleDoesNotAcknowledgeFailedBatch(t *testing.T) {
	wire := &ackingFetcher{items: []model.CandidateItem{item("央行宣布降准", "https://w.example/1", fixedNow)}}
	fx := newEngineFixture(t, ingest.Source{ID: "wire", Enabled: true, Fetcher: wire})
	ctx := context.Background()
	_, err := fx.engine.Warm(ctx)
	require.NoError(t, err)
	require.NoError(t, fx.store.Close())

	_, err = fx.engine.RunCycle(ctx, "")
	require.ErrorIs(t, err, storage.ErrStoreUnavailable)
	assert.Zero(t, wire.acks)
}

func TestClearDataEmptiesStoreAndCache(t *testing.T) {
	fx := newEngineFixture(t, staticSource("first",
		item("马斯克宣布新计划", "https://a.example/1", fixedNow),
		item("某公司发布新品", "https://a.example/2", fixedNow),
	))
	ctx := context.Background()
	result, err := fx.engine.RunCycle(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 2, result.Saved)

	n, err := fx.engine.ClearData(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Zero(t, fx.engine.CacheStatus().Count)
	list, err := fx.store.List(ctx, storage.Filter{}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	// re-fetched items are accepted again
	result, err = fx.engine.RunCycle(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Saved)
}

package recency

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsline/internal/fingerprint"
)

type fakeClock struct {
	ns atomic.Int64
}

func newFakeClock(t time.Time) *fakeClock {
	c := &fakeClock{}
	c.ns.Store(t.UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time          { return time.Unix(0, c.ns.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.ns.Add(int64(d)) }

func shanghai(t *testing.T) *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	return loc
}

func TestAddAndExists(t *testing.T) {
	c := New(time.UTC)
	assert.False(t, c.ExistsURL("u1"))
	c.AddURL("u1")
	c.AddURLBatch([]string{"u2", "u3"})
	c.Add("u4", "马斯克宣布新计划")
	assert.True(t, c.ExistsURL("u1"))
	assert.True(t, c.ExistsURL("u3"))
	assert.True(t, c.ExistsURL("u4"))
	assert.Equal(t, 4, c.Count())
	assert.Equal(t, []string{"马斯克宣布新计划"}, c.AllCachedTitles())
}

func TestAddBatchKeepsInsertionOrder(t *testing.T) {
	c := New(time.UTC)
	c.AddBatch([]Entry{{URL: "a", Title: "甲"}, {URL: "b", Title: "乙"}, {URL: "a", Title: "甲"}})
	assert.Equal(t, []string{"甲", "乙"}, c.AllCachedTitles())
	assert.Equal(t, 2, c.Count())
}

func TestDayRolloverClearsState(t *testing.T) {
	loc := shanghai(t)
	clock := newFakeClock(time.Date(2026, 10, 15, 23, 59, 0, 0, loc))
	c := New(loc, WithClock(clock.Now))
	c.Add("u1", "马斯克宣布新计划")
	require.Equal(t, "2026-10-15", c.CacheDate())
	require.True(t, c.ExistsURL("u1"))

	clock.Advance(2 * time.Minute)
	assert.False(t, c.ExistsURL("u1"))
	assert.Equal(t, 0, c.Count())
	assert.Empty(t, c.AllCachedTitles())
	assert.Equal(t, "2026-10-16", c.CacheDate())
}

func TestRolloverUsesConfiguredTimezone(t *testing.T) {
	loc := shanghai(t)
	// 16:30 UTC is 00:30 the next day in Shanghai.
	clock := newFakeClock(time.Date(2026, 10, 15, 15, 59, 0, 0, time.UTC))
	c := New(loc, WithClock(clock.Now))
	c.AddURL("u1")
	assert.Equal(t, "2026-10-15", c.CacheDate())
	clock.Advance(31 * time.Minute)
	assert.Equal(t, "2026-10-16", c.CacheDate())
	assert.False(t, c.ExistsURL("u1"))
}

func TestRolloverBeforeEveryOperation(t *testing.T) {
	ops := map[string]func(c *Cache) int{
		"count":        func(c *Cache) int { return c.Count() },
		"titles":       func(c *Cache) int { return len(c.AllCachedTitles()) },
		"fingerprints": func(c *Cache) int { return len(c.AllFingerprints(fingerprint.Hasher{})) },
		"add": func(c *Cache) int {
			c.AddURL("fresh")
			return c.Count() - 1
		},
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock(time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC))
			c := New(time.UTC, WithClock(clock.Now))
			c.Add("old", "旧闻")
			clock.Advance(24 * time.Hour)
			assert.Equal(t, 0, op(c))
		})
	}
}

func TestClear(t *testing.T) {
	c := New(time.UTC)
	c.Add("u1", "标题")
	c.Clear()
	assert.Equal(t, 0, c.Count())
	assert.False(t, c.ExistsURL("u1"))
}

func TestSeedReplacesContents(t *testing.T) {
	c := New(time.UTC)
	c.Add("stale", "旧")
	c.Seed([]Entry{{URL: "u1", Title: "马斯克宣布新计划"}, {URL: "u2", Title: "某公司发布新品"}})
	assert.False(t, c.ExistsURL("stale"))
	assert.True(t, c.ExistsURL("u2"))
	assert.Equal(t, 2, c.Count())
}

func TestAllFingerprintsMemoised(t *testing.T) {
	c := New(time.UTC)
	c.Add("u1", "马斯克宣布新计划")
	h := fingerprint.New(20, 15)
	first := c.AllFingerprints(h)
	require.Len(t, first, 1)
	assert.Equal(t, fingerprint.Fingerprint("马斯克宣布新计划"), first[0])

	narrow := fingerprint.New(4, 15)
	second := c.AllFingerprints(narrow)
	assert.Equal(t, narrow.Fingerprint("马斯克宣布新计划"), second[0])
}

func TestConcurrentAccess(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC))
	c := New(time.UTC, WithClock(clock.Now))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				url := fmt.Sprintf("u-%d-%d", i, j)
				c.Add(url, url)
				_ = c.ExistsURL(url)
				_ = c.AllCachedTitles()
				if j%50 == 0 {
					clock.Advance(time.Hour)
				}
				if i == 0 && j%70 == 0 {
					c.Clear()
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, c.Count(), len(c.AllCachedTitles()))
}

// Package recency holds the in-memory, day-scoped record of URLs and titles
// accepted today. It only accelerates dedup; the timeline store remains the
// source of truth and reseeds it on startup.
package recency

import (
	"log/slog"
	"sync"
	"time"

	"newsline/internal/fingerprint"
)

const dateLayout = "2006-01-02"

type Entry struct {
	URL   string
	Title string
}

type titleEntry struct {
	title  string
	hashed bool
	hash   fingerprint.Hash
	window int
}

type Cache struct {
	mu     sync.Mutex
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger
	date   string
	urls   map[string]struct{}
	titles map[string]*titleEntry
	order  []string
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

func New(loc *time.Location, opts ...Option) *Cache {
	if loc == nil {
		loc = time.UTC
	}
	c := &Cache{loc: loc, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.reset(c.today())
	return c
}

func (c *Cache) today() string {
	return c.now().In(c.loc).Format(dateLayout)
}

func (c *Cache) reset(date string) {
	c.date = date
	c.urls = make(map[string]struct{})
	c.titles = make(map[string]*titleEntry)
	c.order = nil
}

// ensureCurrent must be called with mu held. It drops all state when the
// local date has moved past the cached one.
func (c *Cache) ensureCurrent() {
	today := c.today()
	if today == c.date {
		return
	}
	prev := c.date
	c.reset(today)
	if c.logger != nil {
		c.logger.Info("recency cache rolled over", "previous_date", prev, "date", today)
	}
}

func (c *Cache) ExistsURL(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureCurrent()
	_, ok := c.urls[url]
	return ok
}

func (c *Cache) AddURL(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureCurrent()
	c.urls[url] = struct{}{}
}

func (c *Cache) AddURLBatch(urls []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureCurrent()
	for _, u := range urls {
		c.urls[u] = struct{}{}
	}
}

// Add records a URL together with its title.
func (c *Cache) Add(url, title string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureCurrent()
	c.add(url, title)
}

func (c *Cache) AddBatch(entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureCurrent()
	for _, e := range entries {
		c.add(e.URL, e.Title)
	}
}

func (c *Cache) add(url, title string) {
	c.urls[url] = struct{}{}
	if title == "" {
		return
	}
	if existing, ok := c.titles[url]; ok {
		if existing.title != title {
			existing.title = title
			existing.hashed = false
		}
		return
	}
	c.titles[url] = &titleEntry{title: title}
	c.order = append(c.order, url)
}

// Seed replaces today's contents with entries loaded from durable storage.
func (c *Cache) Seed(entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset(c.today())
	for _, e := range entries {
		c.add(e.URL, e.Title)
	}
}

// AllCachedTitles returns titles in insertion order.
func (c *Cache) AllCachedTitles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureCurrent()
	out := make([]string, 0, len(c.order))
	for _, url := range c.order {
		out = append(out, c.titles[url].title)
	}
	return out
}

// AllFingerprints returns the signature of every cached title, computing and
// memoising it with h on first use.
func (c *Cache) AllFingerprints(h fingerprint.Hasher) []fingerprint.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureCurrent()
	out := make([]fingerprint.Hash, 0, len(c.order))
	for _, url := range c.order {
		e := c.titles[url]
		if !e.hashed || e.window != h.Window {
			e.hash = h.Fingerprint(e.title)
			e.window = h.Window
			e.hashed = true
		}
		out = append(out, e.hash)
	}
	return out
}

func (c *Cache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureCurrent()
	return len(c.urls)
}

// Clear empties the cache and pins it to the current date.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset(c.today())
}

func (c *Cache) CacheDate() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureCurrent()
	return c.date
}

func (c *Cache) Location() *time.Location {
	return c.loc
}

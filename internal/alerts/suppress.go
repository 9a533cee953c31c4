package alerts

import (
	"sync"
	"time"
)

type suppressor struct {
	mu    sync.Mutex
	items map[string]time.Time
}

func newSuppressor() *suppressor {
	return &suppressor{items: make(map[string]time.Time)}
}

// Seen reports whether key was recorded within ttl of now. Unseen or
// expired keys are recorded.
func (d *suppressor) Seen(key string, now time.Time, ttl time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.items[key]; ok && now.Sub(ts) <= ttl {
		return true
	}
	d.items[key] = now
	if len(d.items) > 1024 {
		for k, ts := range d.items {
			if now.Sub(ts) > ttl {
				delete(d.items, k)
			}
		}
	}
	return false
}

func (d *suppressor) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = make(map[string]time.Time)
}

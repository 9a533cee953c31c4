package engine

import (
	"sync"
	"time"
)

// Cooldown rate-limits keyed actions such as manual refreshes.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[string]time.Time), now: time.Now}
}

// Remaining returns how long key stays blocked; zero means allowed.
func (c *Cooldown) Remaining(key string, cooldown time.Duration) time.Duration {
	if cooldown <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.last[key]
	if !ok {
		return 0
	}
	if elapsed := c.now().Sub(ts); elapsed < cooldown {
		return cooldown - elapsed
	}
	return 0
}

func (c *Cooldown) Mark(key string) {
	c.mu.Lock()
	c.last[key] = c.now()
	c.mu.Unlock()
}

func (c *Cooldown) Last(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.last[key]
	return ts, ok
}

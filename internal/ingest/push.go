package ingest

import (
	"context"
	"sync"

	"newsline/internal/model"
)

// PushSource buffers items delivered over HTTP until the next cycle drains
// them. When the buffer is full the oldest items are dropped.
type PushSource struct {
	source string
	limit  int

	mu      sync.Mutex
	buf     []model.CandidateItem
	dropped int
}

func NewPushSource(source string, limit int) *PushSource {
	if limit <= 0 {
		limit = 5000
	}
	return &PushSource{source: source, limit: limit}
}

// Push appends items and returns how many were evicted to make room.
func (p *PushSource) Push(items []model.CandidateItem) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, item := range items {
		if item.Source == "" {
			item.Source = p.source
		}
		p.buf = append(p.buf, item)
	}
	evicted := 0
	if over := len(p.buf) - p.limit; over > 0 {
		p.buf = append(p.buf[:0:0], p.buf[over:]...)
		evicted = over
		p.dropped += over
	}
	return evicted
}

func (p *PushSource) Fetch(context.Context) ([]model.CandidateItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.buf
	p.buf = nil
	return out, nil
}

func (p *PushSource) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

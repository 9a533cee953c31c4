package metrics

import (
	"sort"
	"sync"
	"time"

	"newsline/internal/model"
)

// SourceSnapshot is the last known fetch outcome of one source.
type SourceSnapshot struct {
	model.SourceStatus
	UpdatedAt   time.Time `json:"updated_at"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	Failures    int       `json:"consecutive_failures"`
}

type Store struct {
	mu       sync.RWMutex
	bySource map[string]SourceSnapshot
	lastRun  model.CycleResult
	runAt    time.Time
	limit    int
	prom     *Collectors
}

func NewStore(limit int, prom *Collectors) *Store {
	if limit <= 0 {
		limit = 500
	}
	return &Store{
		bySource: make(map[string]SourceSnapshot),
		limit:    limit,
		prom:     prom,
	}
}

// Update records the per-source statuses of one finished cycle.
func (s *Store) Update(result model.CycleResult, duration time.Duration) {
	now := time.Now().UTC()
	s.mu.Lock()
	for _, st := range result.Sources {
		if st.ID == "" {
			continue
		}
		snap := s.bySource[st.ID]
		snap.SourceStatus = st
		snap.UpdatedAt = now
		if st.Status == model.StatusSuccess {
			snap.LastSuccess = now
			snap.Failures = 0
		} else {
			snap.Failures++
		}
		s.bySource[st.ID] = snap
	}
	s.lastRun = result
	s.runAt = now
	if len(s.bySource) > s.limit {
		s.evictOldest()
	}
	s.mu.Unlock()

	s.prom.ObserveCycle(result, duration)
}

func (s *Store) Get(sourceID string) (SourceSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.bySource[sourceID]
	return snap, ok
}

// GetAll returns snapshots ordered by source id.
func (s *Store) GetAll() []SourceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SourceSnapshot, 0, len(s.bySource))
	for _, snap := range s.bySource {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) LastCycle() (model.CycleResult, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun, s.runAt
}

func (s *Store) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, snap := range s.bySource {
		if oldestID == "" || snap.UpdatedAt.Before(oldest) {
			oldestID = id
			oldest = snap.UpdatedAt
		}
	}
	if oldestID != "" {
		delete(s.bySource, oldestID)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySource = make(map[string]SourceSnapshot)
	s.lastRun = model.CycleResult{}
	s.runAt = time.Time{}
}

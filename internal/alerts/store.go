package alerts

import (
	"sync"
	"time"

	"newsline/internal/model"
)

const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"

	TypeSourceFailure = "source_failure"
	TypeCycleFailure  = "cycle_failure"
	TypeCycleSkipped  = "cycle_skipped"
	TypeStoreFailure  = "store_failure"
)

// Store is a fixed-size ring of operational alerts, oldest evicted first.
type Store struct {
	mu       sync.RWMutex
	buf      []model.Alert
	head     int
	size     int
	suppress *suppressor
	now      func() time.Time
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{
		buf:      make([]model.Alert, limit),
		suppress: newSuppressor(),
		now:      time.Now,
	}
}

func (s *Store) Add(alert model.Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := (s.head + s.size) % len(s.buf)
	if s.size == len(s.buf) {
		s.buf[s.head] = alert
		s.head = (s.head + 1) % len(s.buf)
		return
	}
	s.buf[idx] = alert
	s.size++
}

// Raise adds the alert unless one with the same type and source was raised
// within quiet. It reports whether the alert was stored.
func (s *Store) Raise(alert model.Alert, quiet time.Duration) bool {
	if quiet > 0 && s.suppress.Seen(alert.AlertType+"|"+alert.Source, s.now(), quiet) {
		return false
	}
	s.Add(alert)
	return true
}

// List returns up to limit of the newest alerts, oldest first.
func (s *Store) List(limit int) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > s.size {
		limit = s.size
	}
	out := make([]model.Alert, 0, limit)
	for i := s.size - limit; i < s.size; i++ {
		out = append(out, s.buf[(s.head+i)%len(s.buf)])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Alert, 0)
	for i := 0; i < s.size; i++ {
		a := s.buf[(s.head+i)%len(s.buf)]
		if !a.Timestamp.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.buf)
	s.head, s.size = 0, 0
	s.suppress.Reset()
}

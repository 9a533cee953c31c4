package ingest

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"newsline/internal/config"
)

var (
	ErrUnknownSource = errors.New("unknown source")
	ErrNotPushSource = errors.New("source does not accept pushed items")
)

// Source is one registered fetcher with its configuration.
type Source struct {
	ID       string
	Name     string
	Type     string
	Enabled  bool
	Keywords []string
	Fetcher  Fetcher
}

// Registry maps source ids to fetchers in registration order. It is built
// once at startup.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	sources map[string]Source
}

func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

func (r *Registry) Register(src Source) error {
	if src.ID == "" || src.Fetcher == nil {
		return errors.New("source requires id and fetcher")
	}
	if src.Name == "" {
		src.Name = src.ID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[src.ID]; ok {
		return fmt.Errorf("source %q already registered", src.ID)
	}
	r.order = append(r.order, src.ID)
	r.sources[src.ID] = src
	return nil
}

func (r *Registry) Get(id string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[id]
	return src, ok
}

// Enabled returns enabled sources in registration order.
func (r *Registry) Enabled() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, 0, len(r.order))
	for _, id := range r.order {
		if src := r.sources[id]; src.Enabled {
			out = append(out, src)
		}
	}
	return out
}

func (r *Registry) All() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sources[id])
	}
	return out
}

// Push returns the push buffer registered under id.
func (r *Registry) Push(id string) (*PushSource, error) {
	src, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	push, ok := src.Fetcher.(*PushSource)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotPushSource, id)
	}
	return push, nil
}

// Close releases fetchers that hold connections.
func (r *Registry) Close() error {
	var errs []error
	for _, src := range r.All() {
		if c, ok := src.Fetcher.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// BuildRegistry creates the bundled adapter for every configured source.
func BuildRegistry(cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	loc := cfg.Location()
	reg := NewRegistry()
	for _, sc := range cfg.Sources {
		var f Fetcher
		switch sc.Type {
		case "feed":
			f = NewFeedFetcher(sc, cfg.Crawler, loc, logger)
		case "kafka":
			f = NewKafkaFetcher(sc, cfg.Kafka, loc, logger)
		case "push":
			f = NewPushSource(sc.ID, 0)
		default:
			return nil, fmt.Errorf("source %q: unsupported type %q", sc.ID, sc.Type)
		}
		if err := reg.Register(Source{
			ID:       sc.ID,
			Name:     sc.Name,
			Type:     sc.Type,
			Enabled:  sc.Enabled,
			Keywords: sc.Keywords,
			Fetcher:  f,
		}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

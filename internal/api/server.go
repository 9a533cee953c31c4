package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"newsline/internal/alerts"
	"newsline/internal/config"
	"newsline/internal/engine"
	"newsline/internal/ingest"
	"newsline/internal/metrics"
	"newsline/internal/model"
	"newsline/internal/scheduler"
	"newsline/internal/storage"
)

const maxIngestBody = 4 << 20

// Engine is the part of engine.Engine the HTTP surface drives.
type Engine interface {
	CheckTrigger(force bool) error
	MarkTriggered()
	LastTrigger() (time.Time, bool)
	CacheStatus() model.CacheStatus
	ClearCache() model.CacheStatus
	ClearData(ctx context.Context) (int64, error)
	Registry() *ingest.Registry
}

type Scheduler interface {
	Start(ctx context.Context) (model.CycleResult, error)
	Stop()
	Pause() bool
	Resume() bool
	Status() model.SchedulerState
	RunOnce(ctx context.Context, sourceID string) (model.CycleResult, error)
	Exclusive(ctx context.Context, fn func(context.Context) error) error
}

type Executions interface {
	Recent(ctx context.Context, limit int) ([]model.JobExecutionRecord, error)
	Stats(ctx context.Context) (model.ExecutionStats, error)
}

type Deps struct {
	Config     *config.Manager
	Engine     Engine
	Scheduler  Scheduler
	Executions Executions
	Store      storage.Store
	Metrics    *metrics.Store
	Prom       *metrics.Collectors
	Alerts     *alerts.Store
}

type Server struct {
	cfg     *config.Manager
	engine  Engine
	sched   Scheduler
	execs   Executions
	store   storage.Store
	metrics *metrics.Store
	prom    *metrics.Collectors
	alerts  *alerts.Store
	logger  *slog.Logger
	version string
	started time.Time
}

type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func NewServer(deps Deps, logger *slog.Logger, version string) *Server {
	return &Server{
		cfg:     deps.Config,
		engine:  deps.Engine,
		sched:   deps.Scheduler,
		execs:   deps.Executions,
		store:   deps.Store,
		metrics: deps.Metrics,
		prom:    deps.Prom,
		alerts:  deps.Alerts,
		logger:  logger,
		version: version,
		started: time.Now(),
	}
}

// Start serves the API until ctx is done. It returns nil when the API is
// disabled.
func Start(ctx context.Context, s *Server) *http.Server {
	if s == nil || s.cfg == nil {
		return nil
	}
	current := s.cfg.Get().API
	if !current.Enabled {
		s.info("api disabled")
		return nil
	}
	s.info("api enabled", "addr", current.Addr)

	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Error("api server error", "error", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/health", s.handleHealth)
	if s.prom != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.prom.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/crawl", func(r chi.Router) {
			r.Post("/trigger", s.handleTrigger)
			r.Get("/status", s.handleCrawlStatus)
			r.Get("/cache", s.handleCacheStatus)
			r.Post("/cache/clear", s.handleCacheClear)
		})
		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/status", s.handleSchedulerStatus)
			r.Post("/start", s.handleSchedulerStart)
			r.Post("/stop", s.handleSchedulerStop)
			r.Post("/pause", s.handleSchedulerPause)
			r.Post("/resume", s.handleSchedulerResume)
			r.Get("/jobs", s.handleJobs)
			r.Get("/stats", s.handleJobStats)
		})
		r.Get("/timeline", s.handleTimeline)
		r.Get("/timeline/{id}", s.handleTimelineRecord)
		r.Post("/ingest", s.handleIngest)
		r.Get("/sources", s.handleSources)
		r.Get("/alerts", s.handleAlerts)
		r.Post("/admin/clear", s.handleAdminClear)
	})
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.logger == nil {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339Nano),
		"version": s.version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	q := r.URL.Query()
	sourceID := strings.TrimSpace(q.Get("source"))
	force, _ := strconv.ParseBool(q.Get("force"))

	if sourceID != "" {
		if _, ok := s.engine.Registry().Get(sourceID); !ok {
			writeError(w, http.StatusNotFound, "unknown source: "+sourceID)
			return
		}
	}
	if err := s.engine.CheckTrigger(force); err != nil {
		var cd *engine.CooldownError
		if errors.As(err, &cd) {
			retry := int(cd.Remaining.Seconds() + 0.999)
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeJSON(w, http.StatusTooManyRequests, envelope{
				Status:  "error",
				Message: err.Error(),
				Data: map[string]any{
					"retry_after":  retry,
					"last_trigger": cd.LastTrigger.Format(time.RFC3339),
				},
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// a dropped client must not abort a half-persisted cycle
	result, err := s.sched.RunOnce(context.WithoutCancel(r.Context()), sourceID)
	switch {
	case errors.Is(err, scheduler.ErrCycleInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, ingest.ErrUnknownSource):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, envelope{Status: "error", Message: err.Error(), Data: result})
		return
	}
	s.engine.MarkTriggered()
	writeJSON(w, http.StatusOK, envelope{Status: "success", Message: "crawl completed", Data: result})
}

func (s *Server) handleCrawlStatus(w http.ResponseWriter, r *http.Request) {
	cache := s.engine.CacheStatus()
	data := map[string]any{
		"date":        cache.Date,
		"today_count": 0,
	}
	if s.store != nil {
		today, err := s.store.ListBucket(r.Context(), cache.Date)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		data["today_count"] = len(today)
	}
	if s.execs != nil {
		if stats, err := s.execs.Stats(r.Context()); err == nil && stats.Last != nil {
			data["last_crawl_time"] = stats.Last.CompletedAt.Format(time.RFC3339)
			data["last_crawl_status"] = stats.Last.Status
		}
	}
	if last, ok := s.engine.LastTrigger(); ok {
		data["last_manual_trigger"] = last.Format(time.RFC3339)
	}
	if s.sched != nil {
		data["in_flight"] = s.inFlight()
	}
	writeJSON(w, http.StatusOK, envelope{Status: "success", Data: data})
}

func (s *Server) inFlight() bool {
	if f, ok := s.sched.(interface{ InFlight() bool }); ok {
		return f.InFlight()
	}
	return false
}

func (s *Server) handleCacheStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Status: "success", Data: s.engine.CacheStatus()})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Status: "success", Message: "cache cleared", Data: s.engine.ClearCache()})
}

// handleAdminClear deletes every timeline record and empties the recency
// cache between cycles, never during one.
func (s *Server) handleAdminClear(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	var deleted int64
	err := s.sched.Exclusive(context.WithoutCancel(r.Context()), func(ctx context.Context) error {
		n, err := s.engine.ClearData(ctx)
		deleted = n
		return err
	})
	switch {
	case errors.Is(err, scheduler.ErrCycleInProgress):
		writeError(w, http.StatusConflict, "cannot clear while a crawl cycle is running")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Status:  "success",
		Message: "timeline and cache cleared",
		Data: map[string]any{
			"deleted": deleted,
			"cache":   s.engine.CacheStatus(),
		},
	})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, _ *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Status: "success", Data: s.sched.Status()})
}

func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	if s.sched.Status().IsRunning {
		writeJSON(w, http.StatusOK, envelope{Status: "success", Message: "scheduler already running", Data: s.sched.Status()})
		return
	}
	msg := "scheduler started"
	if _, err := s.sched.Start(context.WithoutCancel(r.Context())); err != nil {
		msg = "scheduler started, first cycle failed: " + err.Error()
	}
	writeJSON(w, http.StatusOK, envelope{Status: "success", Message: msg, Data: s.sched.Status()})
}

func (s *Server) handleSchedulerStop(w http.ResponseWriter, _ *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	s.sched.Stop()
	writeJSON(w, http.StatusOK, envelope{Status: "success", Message: "scheduler stopped", Data: s.sched.Status()})
}

func (s *Server) handleSchedulerPause(w http.ResponseWriter, _ *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	if !s.sched.Pause() {
		writeError(w, http.StatusConflict, "scheduler is not running or already paused")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Status: "success", Message: "scheduler paused", Data: s.sched.Status()})
}

func (s *Server) handleSchedulerResume(w http.ResponseWriter, _ *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	if !s.sched.Resume() {
		writeError(w, http.StatusConflict, "scheduler is not paused")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Status: "success", Message: "scheduler resumed", Data: s.sched.Status()})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.execs == nil {
		writeError(w, http.StatusServiceUnavailable, "execution ledger not configured")
		return
	}
	limit, err := intParam(r, "limit", 10)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := s.execs.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []model.JobExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, envelope{Status: "success", Data: map[string]any{"jobs": recs, "count": len(recs)}})
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	if s.execs == nil {
		writeError(w, http.StatusServiceUnavailable, "execution ledger not configured")
		return
	}
	stats, err := s.execs.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, envelope{Status: "success", Data: stats})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	loc := s.location()
	from, err := parseTimeParam(q.Get("from"), loc, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	to, err := parseTimeParam(q.Get("to"), loc, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := storage.Filter{
		From:   from,
		To:     to,
		Source: q.Get("source"),
		Tag:    q.Get("tag"),
		Entity: q.Get("entity"),
	}
	recs, err := s.store.List(r.Context(), filter, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []model.TimelineRecord{}
	}
	writeJSON(w, http.StatusOK, envelope{Status: "success", Data: map[string]any{
		"items":  recs,
		"count":  len(recs),
		"limit":  limit,
		"offset": offset,
	}})
}

func (s *Server) handleTimelineRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, envelope{Status: "success", Data: rec})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	sourceID := strings.TrimSpace(r.URL.Query().Get("source"))
	if sourceID == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	push, err := s.engine.Registry().Push(sourceID)
	switch {
	case errors.Is(err, ingest.ErrUnknownSource):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	items, failed, err := ingest.DecodeItems(body, sourceID, s.location())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	evicted := push.Push(items)
	writeJSON(w, http.StatusAccepted, envelope{Status: "success", Data: map[string]any{
		"accepted": len(items),
		"rejected": failed,
		"evicted":  evicted,
		"pending":  push.Pending(),
	}})
}

type sourceView struct {
	ID       string                  `json:"id"`
	Name     string                  `json:"name"`
	Type     string                  `json:"type"`
	Enabled  bool                    `json:"enabled"`
	Keywords []string                `json:"keywords,omitempty"`
	Last     *metrics.SourceSnapshot `json:"last,omitempty"`
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	all := s.engine.Registry().All()
	out := make([]sourceView, 0, len(all))
	for _, src := range all {
		view := sourceView{ID: src.ID, Name: src.Name, Type: src.Type, Enabled: src.Enabled, Keywords: src.Keywords}
		if s.metrics != nil {
			if snap, ok := s.metrics.Get(src.ID); ok {
				view.Last = &snap
			}
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, envelope{Status: "success", Data: map[string]any{"sources": out, "count": len(out)}})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil {
		writeJSON(w, http.StatusOK, map[string]any{"alerts": []model.Alert{}, "count": 0})
		return
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var list []model.Alert
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		list = s.alerts.Since(ts)
	} else {
		list = s.alerts.List(limit)
	}
	if list == nil {
		list = []model.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) location() *time.Location {
	if s.cfg == nil {
		return time.UTC
	}
	return s.cfg.Get().Location()
}

func (s *Server) info(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

// parseTimeParam accepts RFC3339 or a bare date in loc. A bare date used as
// an upper bound covers the whole day.
func parseTimeParam(v string, loc *time.Location, upper bool) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	day, err := time.ParseInLocation(time.DateOnly, v, loc)
	if err != nil {
		return time.Time{}, errors.New("expected RFC3339 or YYYY-MM-DD")
	}
	if upper {
		day = day.AddDate(0, 0, 1)
	}
	return day, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Status: "error", Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

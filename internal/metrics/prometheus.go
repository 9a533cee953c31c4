package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"newsline/internal/model"
)

// Collectors holds the Prometheus instruments for crawl cycles. A nil
// *Collectors is a valid no-op.
type Collectors struct {
	Registry *prometheus.Registry

	cycles         *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	itemsFetched   *prometheus.CounterVec
	itemsSaved     prometheus.Counter
	itemsDropped   *prometheus.CounterVec
	sourceUp       *prometheus.GaugeVec
	cacheSize      prometheus.Gauge
	schedulerState *prometheus.GaugeVec
}

func NewCollectors() *Collectors {
	reg := prometheus.NewRegistry()
	c := &Collectors{
		Registry: reg,
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsline_cycles_total",
			Help: "Crawl cycles by outcome",
		}, []string{"status"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "newsline_cycle_duration_seconds",
			Help:    "Duration of crawl cycles",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		itemsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsline_items_fetched_total",
			Help: "Candidate items fetched per source",
		}, []string{"source"}),
		itemsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsline_items_saved_total",
			Help: "Timeline records written",
		}),
		itemsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsline_items_dropped_total",
			Help: "Candidate items removed by dedup stage",
		}, []string{"stage"}),
		sourceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "newsline_source_up",
			Help: "1 when the last fetch of the source succeeded",
		}, []string{"source"}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "newsline_recency_cache_urls",
			Help: "URLs held in the recency cache for the current day",
		}),
		schedulerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "newsline_scheduler_state",
			Help: "Scheduler flags (running, paused)",
		}, []string{"flag"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.cycles,
		c.cycleDuration,
		c.itemsFetched,
		c.itemsSaved,
		c.itemsDropped,
		c.sourceUp,
		c.cacheSize,
		c.schedulerState,
	)
	return c
}

func (c *Collectors) ObserveCycle(result model.CycleResult, duration time.Duration) {
	if c == nil {
		return
	}
	c.cycleDuration.Observe(duration.Seconds())
	for _, st := range result.Sources {
		c.itemsFetched.WithLabelValues(st.ID).Add(float64(st.Fetched))
		up := 0.0
		if st.Status == model.StatusSuccess {
			up = 1
		}
		c.sourceUp.WithLabelValues(st.ID).Set(up)
	}
	c.itemsSaved.Add(float64(result.Saved))
}

func (c *Collectors) CycleFinished(status model.Status) {
	if c == nil {
		return
	}
	c.cycles.WithLabelValues(string(status)).Inc()
}

func (c *Collectors) Dropped(stage string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.itemsDropped.WithLabelValues(stage).Add(float64(n))
}

func (c *Collectors) CacheSize(n int) {
	if c == nil {
		return
	}
	c.cacheSize.Set(float64(n))
}

func (c *Collectors) SchedulerState(running, paused bool) {
	if c == nil {
		return
	}
	c.schedulerState.WithLabelValues("running").Set(boolGauge(running))
	c.schedulerState.WithLabelValues("paused").Set(boolGauge(paused))
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

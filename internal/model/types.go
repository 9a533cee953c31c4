package model

import "time"

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
)

// Known source identifiers. Configured sources may use others.
const (
	SourceCankaoxiaoxi     = "cankaoxiaoxi"
	SourceThePaper         = "thepaper"
	Source36Kr             = "36kr"
	SourceWallstreetcnLive = "wallstreetcn-live"
	SourceWallstreetcnNews = "wallstreetcn-news"
	SourceCLSTelegraph     = "cls-telegraph"
	SourceCLSDepth         = "cls-depth"
	SourceIfeng            = "ifeng"
	SourceToutiao          = "toutiao"
)

// CandidateItem is a fetched news entry before any dedup or persistence
// decision. PublishTime must come from the source.
type CandidateItem struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	PublishTime time.Time `json:"publish_time"`
	Content     string    `json:"content,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	EntityRefs  []string  `json:"entity_refs,omitempty"`
}

type TimelineRecord struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	PublishTime time.Time `json:"publish_time"`
	Bucket      string    `json:"bucket"`
	ContentRef  string    `json:"content_ref,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	EntityRefs  []string  `json:"entity_refs,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type SourceStatus struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Fetched int    `json:"fetched"`
	Status  Status `json:"status"`
	Error   string `json:"error,omitempty"`
}

type CycleResult struct {
	Fetched int            `json:"total_fetched"`
	Deduped int            `json:"after_dedup"`
	Saved   int            `json:"total_saved"`
	Sources []SourceStatus `json:"sources"`
}

type JobExecutionRecord struct {
	ID           int64          `json:"id"`
	JobID        string         `json:"job_id"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  time.Time      `json:"completed_at"`
	Status       Status         `json:"status"`
	FetchedCount int            `json:"total_fetched"`
	DedupedCount int            `json:"after_dedup"`
	SavedCount   int            `json:"total_saved"`
	ErrorMessage string         `json:"error,omitempty"`
	Sources      []SourceStatus `json:"sources,omitempty"`
}

type ExecutionStats struct {
	Total        int                 `json:"total_executions"`
	SuccessCount int                 `json:"success_count"`
	FailureCount int                 `json:"failure_count"`
	Last         *JobExecutionRecord `json:"last_execution,omitempty"`
}

type SchedulerState struct {
	Interval  time.Duration `json:"interval"`
	IsRunning bool          `json:"is_running"`
	IsPaused  bool          `json:"is_paused"`
	NextRun   *time.Time    `json:"next_run_time,omitempty"`
}

type CacheStatus struct {
	Date  string `json:"cache_date"`
	Count int    `json:"count"`
}

type Alert struct {
	Timestamp time.Time         `json:"timestamp"`
	Severity  string            `json:"severity"`
	AlertType string            `json:"alert_type"`
	Source    string            `json:"source,omitempty"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
}

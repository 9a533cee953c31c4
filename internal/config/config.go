package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// MinInterval is the hard lower bound for the scheduler interval.
const MinInterval = 15 * time.Minute

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Timezone  string          `json:"timezone" yaml:"timezone"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Crawler   CrawlerConfig   `json:"crawler" yaml:"crawler"`
	Dedup     DedupConfig     `json:"dedup" yaml:"dedup"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Content   ContentConfig   `json:"content" yaml:"content"`
	Sources   []SourceConfig  `json:"sources" yaml:"sources"`
	Kafka     KafkaConfig     `json:"kafka" yaml:"kafka"`
	API       APIConfig       `json:"api" yaml:"api"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
}

type LoggingConfig struct {
	Format   string `json:"format" yaml:"format"`
	SaveLogs bool   `json:"save_logs" yaml:"save_logs"`
	LogDir   string `json:"log_dir" yaml:"log_dir"`
}

type SchedulerConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	RunOnStart  bool          `json:"run_on_start" yaml:"run_on_start"`
	Interval    time.Duration `json:"interval" yaml:"interval"`
	MinInterval time.Duration `json:"min_interval" yaml:"min_interval"`
}

type CrawlerConfig struct {
	Concurrent      int           `json:"concurrent" yaml:"concurrent"`
	Timeout         time.Duration `json:"timeout" yaml:"timeout"`
	Retry           int           `json:"retry" yaml:"retry"`
	RetryDelay      time.Duration `json:"retry_delay" yaml:"retry_delay"`
	UserAgent       string        `json:"user_agent" yaml:"user_agent"`
	SaveContent     bool          `json:"save_content" yaml:"save_content"`
	TriggerCooldown time.Duration `json:"trigger_cooldown" yaml:"trigger_cooldown"`
}

type DedupConfig struct {
	Threshold   int `json:"threshold" yaml:"threshold"`
	TitleWindow int `json:"title_window" yaml:"title_window"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type ContentConfig struct {
	Driver string   `json:"driver" yaml:"driver"`
	Dir    string   `json:"dir" yaml:"dir"`
	S3     S3Config `json:"s3" yaml:"s3"`
}

type S3Config struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	Region    string `json:"region" yaml:"region"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
	Prefix    string `json:"prefix" yaml:"prefix"`
}

// SourceConfig describes one news source. Type selects the fetcher
// adapter: "feed", "kafka" or "push".
type SourceConfig struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Type     string   `json:"type" yaml:"type"`
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	URL      string   `json:"url" yaml:"url"`
	Topic    string   `json:"topic" yaml:"topic"`
	Keywords []string `json:"keywords" yaml:"keywords"`
}

type KafkaConfig struct {
	Brokers     []string      `json:"brokers" yaml:"brokers"`
	GroupID     string        `json:"group_id" yaml:"group_id"`
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	MaxMessages int           `json:"max_messages" yaml:"max_messages"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Logging:  LoggingConfig{Format: "json", SaveLogs: false, LogDir: "logs"},
		Timezone: "Asia/Shanghai",
		Scheduler: SchedulerConfig{
			Enabled:     true,
			RunOnStart:  true,
			Interval:    30 * time.Minute,
			MinInterval: MinInterval,
		},
		Crawler: CrawlerConfig{
			Concurrent:      4,
			Timeout:         30 * time.Second,
			Retry:           3,
			RetryDelay:      5 * time.Second,
			UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
			SaveContent:     true,
			TriggerCooldown: 30 * time.Second,
		},
		Dedup:   DedupConfig{Threshold: 15, TitleWindow: 20},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:data/db/newsline.db?_pragma=busy_timeout(5000)"},
		Content: ContentConfig{Driver: "fs", Dir: "data/articles"},
		Kafka:   KafkaConfig{IdleTimeout: 3 * time.Second, MaxMessages: 1000},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Alerts:  AlertsConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes a YAML or JSON document on top of DefaultConfig.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Timezone == "" {
		cfg.Timezone = "Asia/Shanghai"
	}
	if cfg.Scheduler.MinInterval <= 0 {
		cfg.Scheduler.MinInterval = MinInterval
	}
	if cfg.Crawler.Concurrent <= 0 {
		cfg.Crawler.Concurrent = 4
	}
	if cfg.Crawler.Timeout <= 0 {
		cfg.Crawler.Timeout = 30 * time.Second
	}
	if cfg.Dedup.Threshold < 0 {
		cfg.Dedup.Threshold = 15
	}
	if cfg.Dedup.TitleWindow <= 0 {
		cfg.Dedup.TitleWindow = 20
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Kafka.IdleTimeout <= 0 {
		cfg.Kafka.IdleTimeout = 3 * time.Second
	}
	if cfg.Kafka.MaxMessages <= 0 {
		cfg.Kafka.MaxMessages = 1000
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
	if cfg.Logging.LogDir == "" {
		cfg.Logging.LogDir = "logs"
	}
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		if src.Name == "" {
			src.Name = src.ID
		}
		if src.Type == "" {
			src.Type = "feed"
		}
	}
}

// Validate checks structural settings. The scheduler enforces the interval
// floor itself; scheduler.min_interval can raise it but never lower it.
func Validate(cfg *Config) error {
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Dedup.Threshold > 64 {
		return fmt.Errorf("dedup.threshold must be <= 64, got %d", cfg.Dedup.Threshold)
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
	switch strings.ToLower(cfg.Content.Driver) {
	case "", "none", "fs":
	case "s3":
		if cfg.Content.S3.Endpoint == "" || cfg.Content.S3.Bucket == "" {
			return errors.New("content.s3 requires endpoint and bucket")
		}
	default:
		return fmt.Errorf("unsupported content driver %q", cfg.Content.Driver)
	}
	seen := make(map[string]bool, len(cfg.Sources))
	for _, src := range cfg.Sources {
		if src.ID == "" {
			return errors.New("sources[].id required")
		}
		if seen[src.ID] {
			return fmt.Errorf("duplicate source id %q", src.ID)
		}
		seen[src.ID] = true
		switch src.Type {
		case "feed":
			if src.URL == "" {
				return fmt.Errorf("source %q: url required for feed sources", src.ID)
			}
		case "kafka":
			if src.Topic == "" || len(cfg.Kafka.Brokers) == 0 {
				return fmt.Errorf("source %q: kafka sources require a topic and kafka.brokers", src.ID)
			}
		case "push":
		default:
			return fmt.Errorf("source %q: unsupported type %q", src.ID, src.Type)
		}
	}
	return nil
}

// RestartRequired lists the settings that differ between prev and next but
// are only read at startup. Dedup thresholds, crawler concurrency, content
// saving and the trigger cooldown apply on reload and are never listed.
func RestartRequired(prev, next *Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	checks := []struct {
		key  string
		a, b any
	}{
		{"log_level", prev.LogLevel, next.LogLevel},
		{"logging", prev.Logging, next.Logging},
		{"timezone", prev.Timezone, next.Timezone},
		{"scheduler.enabled", prev.Scheduler.Enabled, next.Scheduler.Enabled},
		{"scheduler.run_on_start", prev.Scheduler.RunOnStart, next.Scheduler.RunOnStart},
		{"scheduler.interval", prev.Scheduler.Interval, next.Scheduler.Interval},
		{"scheduler.min_interval", prev.Scheduler.MinInterval, next.Scheduler.MinInterval},
		{"crawler.timeout", prev.Crawler.Timeout, next.Crawler.Timeout},
		{"crawler.retry", prev.Crawler.Retry, next.Crawler.Retry},
		{"crawler.retry_delay", prev.Crawler.RetryDelay, next.Crawler.RetryDelay},
		{"crawler.user_agent", prev.Crawler.UserAgent, next.Crawler.UserAgent},
		{"storage", prev.Storage, next.Storage},
		{"content", prev.Content, next.Content},
		{"sources", prev.Sources, next.Sources},
		{"kafka", prev.Kafka, next.Kafka},
		{"api", prev.API, next.API},
		{"alerts", prev.Alerts, next.Alerts},
	}
	var keys []string
	for _, c := range checks {
		if !reflect.DeepEqual(c.a, c.b) {
			keys = append(keys, c.key)
		}
	}
	return keys
}

// Location resolves the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if loc, err := time.LoadLocation(c.Timezone); err == nil {
		return loc
	}
	return time.UTC
}

func (c *Config) Source(id string) (SourceConfig, bool) {
	for _, src := range c.Sources {
		if src.ID == id {
			return src, true
		}
	}
	return SourceConfig{}, false
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config. Reload and Watch are no-ops.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}

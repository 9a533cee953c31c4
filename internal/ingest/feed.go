package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/k3a/html2text"
	"github.com/mmcdole/gofeed"

	"newsline/internal/config"
	"newsline/internal/model"
	"newsline/internal/normalize"
)

const maxContentRunes = 4000

// FeedFetcher polls an RSS, Atom or JSON feed.
type FeedFetcher struct {
	source string
	url    string
	client *resty.Client
	parser *gofeed.Parser
	loc    *time.Location
	logger *slog.Logger
}

func NewFeedFetcher(src config.SourceConfig, crawler config.CrawlerConfig, loc *time.Location, logger *slog.Logger) *FeedFetcher {
	if loc == nil {
		loc = time.UTC
	}
	client := resty.New().
		SetTimeout(crawler.Timeout).
		SetRetryCount(crawler.Retry).
		SetRetryWaitTime(crawler.RetryDelay).
		SetRetryMaxWaitTime(4*crawler.RetryDelay).
		SetHeader("User-Agent", crawler.UserAgent).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			code := r.StatusCode()
			return code == http.StatusTooManyRequests || code >= 500
		})
	return &FeedFetcher{
		source: src.ID,
		url:    src.URL,
		client: client,
		parser: gofeed.NewParser(),
		loc:    loc,
		logger: logger,
	}
}

func (f *FeedFetcher) Fetch(ctx context.Context) ([]model.CandidateItem, error) {
	resp, err := f.client.R().SetContext(ctx).Get(f.url)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", f.url, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get %s: status %d", f.url, resp.StatusCode())
	}
	feed, err := f.parser.ParseString(resp.String())
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.url, err)
	}
	items := make([]model.CandidateItem, 0, len(feed.Items))
	rejected := 0
	for _, entry := range feed.Items {
		item, err := f.candidate(entry)
		if err != nil {
			rejected++
			if f.logger != nil {
				f.logger.Debug("feed item rejected", "source", f.source, "link", entry.Link, "error", err)
			}
			continue
		}
		items = append(items, item)
	}
	if rejected > 0 && f.logger != nil {
		f.logger.Warn("feed items rejected", "source", f.source, "rejected", rejected, "accepted", len(items))
	}
	return items, nil
}

func (f *FeedFetcher) candidate(entry *gofeed.Item) (model.CandidateItem, error) {
	var published time.Time
	switch {
	case entry.PublishedParsed != nil:
		published = *entry.PublishedParsed
	case entry.UpdatedParsed != nil:
		published = *entry.UpdatedParsed
	case entry.Published != "":
		ts, err := normalize.ParseTimestamp(entry.Published, f.loc)
		if err != nil {
			return model.CandidateItem{}, fmt.Errorf("%w: publish time: %v", normalize.ErrMalformedItem, err)
		}
		published = ts
	default:
		return model.CandidateItem{}, fmt.Errorf("%w: missing publish time", normalize.ErrMalformedItem)
	}
	body := entry.Content
	if body == "" {
		body = entry.Description
	}
	item := model.CandidateItem{
		Title:       strings.TrimSpace(html2text.HTML2Text(entry.Title)),
		URL:         strings.TrimSpace(entry.Link),
		Source:      f.source,
		PublishTime: published,
		Content:     truncateRunes(strings.TrimSpace(html2text.HTML2Text(body)), maxContentRunes),
		Tags:        entry.Categories,
	}
	if err := normalize.Validate(item); err != nil {
		return model.CandidateItem{}, err
	}
	return item, nil
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

package ingest

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsline/internal/config"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>36kr</title>
  <item>
    <title>马斯克宣布新计划</title>
    <link>https://36kr.example/p/1</link>
    <pubDate>Thu, 15 Oct 2026 09:30:00 +0800</pubDate>
    <category>tech</category>
    <description><![CDATA[<p>SpaceX <b>launch</b> update</p>]]></description>
  </item>
  <item>
    <title>没有时间的条目</title>
    <link>https://36kr.example/p/2</link>
  </item>
  <item>
    <title></title>
    <link>https://36kr.example/p/3</link>
    <pubDate>Thu, 15 Oct 2026 10:00:00 +0800</pubDate>
  </item>
</channel>
</rss>`

func newTestFeedFetcher(t *testing.T, url string) *FeedFetcher {
	t.Helper()
	crawler := config.DefaultConfig().Crawler
	crawler.Retry = 0
	f := NewFeedFetcher(config.SourceConfig{ID: "36kr", URL: url}, crawler, time.UTC, nil)
	httpmock.ActivateNonDefault(f.client.GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return f
}

func TestFeedFetcherParsesItems(t *testing.T) {
	const url = "https://36kr.example/feed"
	f := newTestFeedFetcher(t, url)
	httpmock.RegisterResponder(http.MethodGet, url, httpmock.NewStringResponder(http.StatusOK, sampleRSS))

	items, err := f.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1, "items without publish time or title are rejected")

	item := items[0]
	assert.Equal(t, "马斯克宣布新计划", item.Title)
	assert.Equal(t, "https://36kr.example/p/1", item.URL)
	assert.Equal(t, "36kr", item.Source)
	assert.Equal(t, []string{"tech"}, item.Tags)
	assert.Contains(t, item.Content, "launch")
	assert.NotContains(t, item.Content, "<b>")
	assert.True(t, item.PublishTime.Equal(time.Date(2026, 10, 15, 1, 30, 0, 0, time.UTC)))
}

func TestFeedFetcherHTTPError(t *testing.T) {
	const url = "https://36kr.example/broken"
	f := newTestFeedFetcher(t, url)
	httpmock.RegisterResponder(http.MethodGet, url, httpmock.NewStringResponder(http.StatusBadGateway, "bad gateway"))

	_, err := f.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestFeedFetcherRejectsGarbage(t *testing.T) {
	const url = "https://36kr.example/garbage"
	f := newTestFeedFetcher(t, url)
	httpmock.RegisterResponder(http.MethodGet, url, httpmock.NewStringResponder(http.StatusOK, "not a feed"))

	_, err := f.Fetch(context.Background())
	assert.Error(t, err)
}

package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeItemsSingleAndArray(t *testing.T) {
	loc := time.UTC
	items, failed, err := DecodeItems([]byte(`{"Title":"央行宣布降准","link":"https://a.example/1","pubtime":"2026-10-15 08:00:00","tags":["macro"]}`), "cls-telegraph", loc)
	require.NoError(t, err)
	assert.Zero(t, failed)
	require.Len(t, items, 1)
	assert.Equal(t, "cls-telegraph", items[0].Source)
	assert.Equal(t, []string{"macro"}, items[0].Tags)

	items, failed, err = DecodeItems([]byte(`
	[
		{"title":"a","url":"https://a.example/a","publish_time":1760486400},
		{"title":"no time","url":"https://a.example/b"},
		{"url":"https://a.example/c","publish_time":"2026-10-15T08:00:00Z"}
	]`), "push", loc)
	require.NoError(t, err)
	assert.Equal(t, 2, failed)
	require.Len(t, items, 1)
	assert.Equal(t, int64(1760486400), items[0].PublishTime.Unix())
}

func TestDecodeItemsErrors(t *testing.T) {
	_, _, err := DecodeItems([]byte("   "), "push", time.UTC)
	assert.ErrorIs(t, err, errEmptyPayload)
	_, _, err = DecodeItems([]byte("{nope"), "push", time.UTC)
	assert.Error(t, err)
}

func TestParseJSONMapCommaTags(t *testing.T) {
	fields := ParseJSONMap(map[string]any{"TAGS": "ai, chips ,", "headline": "x"})
	assert.Equal(t, []string{"ai", "chips"}, fields.Tags)
	assert.Equal(t, "x", fields.Title)
}

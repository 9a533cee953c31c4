package ingest

import (
	"strings"

	"newsline/internal/model"
)

// FilterKeywords keeps items whose title or content mentions any keyword,
// case-insensitively. No keywords keeps everything.
func FilterKeywords(items []model.CandidateItem, keywords []string) []model.CandidateItem {
	needles := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			needles = append(needles, k)
		}
	}
	if len(needles) == 0 {
		return items
	}
	out := items[:0:0]
	for _, item := range items {
		title := strings.ToLower(item.Title)
		content := strings.ToLower(item.Content)
		for _, n := range needles {
			if strings.Contains(title, n) || strings.Contains(content, n) {
				out = append(out, item)
				break
			}
		}
	}
	return out
}

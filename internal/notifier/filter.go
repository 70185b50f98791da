package notifier

import (
	"strings"

	"feedbot/internal/model"

	"github.com/samber/lo"
)

type keywordFilter struct {
	keywords []string
}

func newKeywordFilter(keywords []string) keywordFilter {
	cleaned := lo.FilterMap(keywords, func(k string, _ int) (string, bool) {
		k = strings.ToLower(strings.TrimSpace(k))
		return k, k != ""
	})

	return keywordFilter{keywords: cleaned}
}

// IsSkipped reports whether the title contains a keyword or a category equals one.
func (f keywordFilter) IsSkipped(item model.Item) bool {
	title := strings.ToLower(item.Title)

	for _, keyword := range f.keywords {
		if strings.Contains(title, keyword) {
			return true
		}

		if lo.ContainsBy(item.Categories, func(c string) bool {
			return strings.EqualFold(strings.TrimSpace(c), keyword)
		}) {
			return true
		}
	}

	return false
}

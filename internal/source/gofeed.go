package source

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"feedbot/internal/model"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// fullTextElement carries the complete article in some feeds (e.g. yandex:full-text).
const fullTextElement = "full-text"

// GofeedSource reads a feed with mmcdole/gofeed and keeps the publish date
// exactly as the feed wrote it.
type GofeedSource struct {
	URL    string
	client *http.Client
	parser *gofeed.Parser
	logger zerolog.Logger
}

func NewGofeedSource(url string, client *http.Client, logger zerolog.Logger) GofeedSource {
	return GofeedSource{
		URL:    url,
		client: client,
		parser: gofeed.NewParser(),
		logger: logger,
	}
}

func (s GofeedSource) Fetch(ctx context.Context) ([]model.Item, error) {
	data, err := get(ctx, s.client, s.URL, rssAccept, s.logger)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}

	feed, err := s.parser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	return lo.Map(feed.Items, func(item *gofeed.Item, _ int) model.Item {
		return convertGofeedItem(item)
	}), nil
}

func convertGofeedItem(item *gofeed.Item) model.Item {
	body := fullText(item)
	if body == "" {
		body = item.Content
	}
	if body == "" {
		body = item.Description
	}

	imageURL := imageFromMedia(lo.Map(item.Enclosures, func(e *gofeed.Enclosure, _ int) media {
		return media{URL: e.URL, Type: e.Type}
	}))
	if imageURL == "" && item.Image != nil {
		imageURL = item.Image.URL
	}

	return model.Item{
		ID:          lo.Ternary(item.GUID != "", item.GUID, item.Link),
		Title:       item.Title,
		PublishedAt: lo.Ternary(item.Published != "", item.Published, item.Updated),
		Link:        item.Link,
		Body:        body,
		ImageURL:    imageURL,
		Categories:  item.Categories,
	}
}

func fullText(item *gofeed.Item) string {
	if v := strings.TrimSpace(item.Custom[fullTextElement]); v != "" {
		return v
	}

	for _, ns := range item.Extensions {
		if exts, ok := ns[fullTextElement]; ok && len(exts) > 0 {
			if v := strings.TrimSpace(exts[0].Value); v != "" {
				return v
			}
		}
	}

	return ""
}

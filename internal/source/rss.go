package source

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"feedbot/internal/model"

	"github.com/SlyMarbo/rss"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const rssAccept = "application/rss+xml, application/atom+xml, application/xml, text/xml, */*"

// RSSSource reads a feed with SlyMarbo/rss. Dates come out parsed, so they are
// rendered back with RFC1123Z.
type RSSSource struct {
	URL    string
	client *http.Client
	logger zerolog.Logger
}

func NewRSSSource(url string, client *http.Client, logger zerolog.Logger) RSSSource {
	return RSSSource{
		URL:    url,
		client: client,
		logger: logger,
	}
}

func (s RSSSource) Fetch(ctx context.Context) ([]model.Item, error) {
	feed, err := s.loadFeed(ctx, s.URL)
	if err != nil {
		return nil, err
	}

	return lo.Map(feed.Items, func(item *rss.Item, _ int) model.Item {
		published := ""
		if !item.Date.IsZero() {
			published = item.Date.Format(time.RFC1123Z)
		}

		body := item.Content
		if body == "" {
			body = item.Summary
		}

		imageURL := imageFromMedia(lo.Map(item.Enclosures, func(e *rss.Enclosure, _ int) media {
			return media{URL: e.URL, Type: e.Type}
		}))
		if imageURL == "" && item.Image != nil {
			imageURL = item.Image.URL
		}

		return model.Item{
			ID:          lo.Ternary(item.ID != "", item.ID, item.Link),
			Title:       item.Title,
			PublishedAt: published,
			Link:        item.Link,
			Body:        body,
			ImageURL:    imageURL,
			Categories:  item.Categories,
		}
	}), nil
}

func (s RSSSource) loadFeed(ctx context.Context, url string) (*rss.Feed, error) {
	data, err := get(ctx, s.client, url, rssAccept, s.logger)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}

	feed, err := rss.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	return feed, nil
}

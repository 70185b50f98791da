package source

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"

	"feedbot/internal/model"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	"github.com/go-shiori/go-readability"
	"github.com/rs/zerolog"
)

const htmlAccept = "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8"

// Enricher fills in what a feed left out, just before an item is rendered.
// Every step is best effort: on failure the item is returned as it was.
type Enricher struct {
	DateLayout    string
	ImageFromBody bool
	FullText      bool

	client *http.Client
	logger zerolog.Logger
}

func NewEnricher(dateLayout string, imageFromBody, fullText bool, client *http.Client, logger zerolog.Logger) *Enricher {
	return &Enricher{
		DateLayout:    dateLayout,
		ImageFromBody: imageFromBody,
		FullText:      fullText,
		client:        client,
		logger:        logger,
	}
}

func (e *Enricher) Enrich(ctx context.Context, item model.Item) model.Item {
	if e.DateLayout != "" {
		item.PublishedAt = ReformatDate(item.PublishedAt, e.DateLayout)
	}

	if e.FullText && strings.TrimSpace(item.Body) == "" && item.Link != "" {
		text, err := e.readable(ctx, item.Link)
		if err != nil {
			e.logger.Warn().Err(err).Str("item_id", item.ID).Str("link", item.Link).Msg("Full text extraction failed")
		} else {
			item.Body = text
		}
	}

	if e.ImageFromBody && item.ImageURL == "" {
		item.ImageURL = FirstImage(item.Body, item.Link)
	}

	return item
}

func (e *Enricher) readable(ctx context.Context, link string) (string, error) {
	pageURL, err := url.Parse(link)
	if err != nil {
		return "", err
	}

	data, err := get(ctx, e.client, link, htmlAccept, e.logger)
	if err != nil {
		return "", err
	}

	article, err := readability.FromReader(bytes.NewReader(data), pageURL)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(article.TextContent), nil
}

// ReformatDate renders raw with layout when it can be parsed; otherwise raw is
// returned unchanged.
func ReformatDate(raw, layout string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}

	t, err := dateparse.ParseAny(raw)
	if err != nil {
		return raw
	}

	return t.Format(layout)
}

// FirstImage returns the absolute http(s) URL of the first <img> in markup.
func FirstImage(markup, base string) string {
	if !strings.Contains(markup, "<") {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return ""
	}

	src, ok := doc.Find("img[src]").First().Attr("src")
	if !ok {
		return ""
	}

	ref, err := url.Parse(strings.TrimSpace(src))
	if err != nil {
		return ""
	}
	if baseURL, err := url.Parse(base); err == nil && base != "" {
		ref = baseURL.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}

	return ref.String()
}

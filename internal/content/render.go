package content

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"feedbot/internal/model"
)

const (
	// Telegram limits, counted in UTF-16 code units.
	CaptionLimit = 1024
	MessageLimit = 4096

	DefaultSourceLabel = "Source"

	blockSep = "\n\n"
	ellipsis = `\.\.\.`
)

// ErrPayloadTooLong is returned when the text without any body still does not fit.
var ErrPayloadTooLong = errors.New("payload exceeds length limit")

type Renderer struct {
	SourceLabel string
}

func NewRenderer(sourceLabel string) Renderer {
	if strings.TrimSpace(sourceLabel) == "" {
		sourceLabel = DefaultSourceLabel
	}

	return Renderer{SourceLabel: sourceLabel}
}

// Render composes the notification for item. body must already be sanitized.
// When the text is longer than maxLength only the body is shortened; the
// attribution line with the link is always kept whole.
func (r Renderer) Render(item model.Item, body string, maxLength int) (model.Payload, error) {
	title := EscapeForMarkdown(item.Title)
	date := EscapeForMarkdown(strings.TrimSpace(item.PublishedAt))
	attribution := r.attribution(item.Link)
	body = EscapeForMarkdown(body)

	text := compose(title, date, body, attribution)

	if TextLen(text) > maxLength {
		skeleton := TextLen(compose(title, date, "", attribution)) + TextLen(blockSep)
		budget := maxLength - skeleton - TextLen(ellipsis)

		if budget > 0 {
			body = truncate(body, budget) + ellipsis
		} else {
			body = ""
		}

		text = compose(title, date, body, attribution)
	}

	if n := TextLen(text); n > maxLength {
		return model.Payload{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLong, n, maxLength)
	}

	return model.Payload{Text: text, ImageURL: item.ImageURL}, nil
}

func (r Renderer) attribution(link string) string {
	label := r.SourceLabel
	if label == "" {
		label = DefaultSourceLabel
	}

	return fmt.Sprintf("— %s (%s)", EscapeForMarkdown(label), EscapeForMarkdown(link))
}

func compose(title, date, body, attribution string) string {
	parts := make([]string, 0, 4)

	if title != "" {
		parts = append(parts, "*"+title+"*")
	}
	if date != "" {
		parts = append(parts, date)
	}
	if body != "" {
		parts = append(parts, body)
	}
	parts = append(parts, attribution)

	return strings.Join(parts, blockSep)
}

// TextLen reports the length of s the way Telegram counts it.
func TextLen(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}

	return n
}

// truncate cuts s to at most limit UTF-16 units. s is escaped text, so a
// backslash and the character after it are kept or dropped together.
func truncate(s string, limit int) string {
	n := 0
	end := 0

	for end < len(s) {
		size := unitSize(s[end:])
		w := TextLen(s[end : end+size])
		if n+w > limit {
			break
		}
		n += w
		end += size
	}

	return strings.TrimRight(s[:end], " \n")
}

func unitSize(s string) int {
	_, size := utf8.DecodeRuneInString(s)
	if s[0] == '\\' && size < len(s) {
		_, next := utf8.DecodeRuneInString(s[size:])
		size += next
	}

	return size
}

// Package content turns raw feed markup into Telegram-ready notification text.
package content

import (
	"regexp"
	"strings"
)

var (
	tagRe      = regexp.MustCompile(`<[^<>]*>`)
	blockRe    = regexp.MustCompile(`(?i)<br\s*/?>|<p(\s[^<>]*)?>|</p\s*>`)
	newlineRe  = regexp.MustCompile(`\r\n|\r|\n`)
	spaceRe    = regexp.MustCompile(`[ \t\f\v]+`)
	blankRunRe = regexp.MustCompile(`\n{3,}`)

	// Only this set is decoded; other entities pass through untouched.
	entityReplacer = strings.NewReplacer(
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&amp;", "&",
		"&apos;", "'",
		"&#39;", "'",
		"&rsquo;", "'",
		"&lsquo;", "'",
		"&ldquo;", "“",
		"&rdquo;", "”",
		"&hellip;", "…",
		"&nbsp;", " ",
		"&ndash;", "–",
		"&mdash;", "—",
		"&laquo;", "«",
		"&raquo;", "»",
	)
)

// Sanitize converts feed markup into plain text. Paragraph and line break markers
// become newlines, every other newline inside markup becomes a space, tags are
// removed before and after entity decoding.
func Sanitize(raw string) string {
	text := raw

	if tagRe.MatchString(text) {
		text = newlineRe.ReplaceAllString(text, " ")
	} else {
		text = newlineRe.ReplaceAllString(text, "\n")
	}

	text = blockRe.ReplaceAllString(text, "\n")
	text = stripTags(text)
	text = entityReplacer.Replace(text)
	text = stripTags(text)

	return normalizeSpace(text)
}

// stripTags removes tags until none are left, so "<<b>b>" cannot leave "<b>" behind.
func stripTags(s string) string {
	for tagRe.MatchString(s) {
		s = tagRe.ReplaceAllString(s, "")
	}

	return s
}

func normalizeSpace(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRe.ReplaceAllString(line, " "))
	}

	s = strings.Join(lines, "\n")
	s = blankRunRe.ReplaceAllString(s, "\n\n")

	return strings.TrimSpace(s)
}

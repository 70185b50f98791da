package source

import (
	"strings"

	"github.com/samber/lo"
)

type media struct {
	URL  string
	Type string
}

// imageFromMedia picks the first attachment that looks like a picture. Some feeds
// label their images "file/jpeg" instead of "image/jpeg".
func imageFromMedia(ms []media) string {
	m, ok := lo.Find(ms, func(m media) bool {
		t := strings.ToLower(strings.TrimSpace(m.Type))
		return m.URL != "" && (strings.HasPrefix(t, "image") || strings.HasPrefix(t, "file"))
	})
	if !ok {
		return ""
	}

	return m.URL
}

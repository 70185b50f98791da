package content

import "strings"

// Every character MarkdownV2 reserves, plus the backslash itself.
var replacer = strings.NewReplacer(
	"\\",
	"\\\\",
	"-",
	"\\-",
	"_",
	"\\_",
	"*",
	"\\*",
	"[",
	"\\[",
	"]",
	"\\]",
	"(",
	"\\(",
	")",
	"\\)",
	"~",
	"\\~",
	"`",
	"\\`",
	">",
	"\\>",
	"#",
	"\\#",
	"+",
	"\\+",
	"=",
	"\\=",
	"|",
	"\\|",
	"{",
	"\\{",
	"}",
	"\\}",
	".",
	"\\.",
	"!",
	"\\!",
)

// EscapeForMarkdown escapes src for Telegram MarkdownV2. The result is safe both
// as plain text and inside a *bold* entity.
func EscapeForMarkdown(src string) string {
	return replacer.Replace(src)
}

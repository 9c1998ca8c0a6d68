package templates

import (
	"strings"
)

var markdownV2Replacer = strings.NewReplacer(
	"\\", "\\\\", // Backslash must be escaped first
	"_", "\\_",
	"*", "\\*",
	"[", "\\[",
	"]", "\\]",
	"(", "\\(",
	")", "\\)",
	"~", "\\~",
	"`", "\\`",
	">", "\\>",
	"#", "\\#",
	"+", "\\+",
	"-", "\\-",
	"=", "\\=",
	"|", "\\|",
	"{", "\\{",
	"}", "\\}",
	".", "\\.",
	"!", "\\!",
)

// EscapeMarkdownV2 escapes every character Telegram MarkdownV2 reserves outside code entities
func EscapeMarkdownV2(text string) string {
	return markdownV2Replacer.Replace(text)
}

// SafeTextV2 drops invalid UTF-8 and escapes the rest for MarkdownV2.
// Model output goes through here before it reaches a chat.
func SafeTextV2(text string) string {
	return EscapeMarkdownV2(strings.ToValidUTF8(text, ""))
}

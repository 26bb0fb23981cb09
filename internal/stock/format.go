package stock

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DisplayName renders a canonical name for people: "seed pod" -> "Seed Pod".
func DisplayName(name string) string {
	// Casers keep state and cannot be shared across goroutines.
	return cases.Title(language.English).String(name)
}

// Format renders an announcement in Telegram Markdown. ok is false for an
// empty input and nothing should be sent.
func Format(items Snapshot, at time.Time) (text string, ok bool) {
	if len(items) == 0 {
		return "", false
	}
	var b strings.Builder
	if len(items) == 1 {
		b.WriteString("🎯 *New item in stock!*\n\n")
	} else {
		fmt.Fprintf(&b, "🎯 *New items in stock!* (%d)\n\n", len(items))
	}
	for _, name := range items.Names() {
		fmt.Fprintf(&b, "🟢 *%s*: `%d`\n", EscapeMarkdown(DisplayName(name)), items[name])
	}
	fmt.Fprintf(&b, "\n⏰ *Updated:* %s", at.Format("15:04:05"))
	return b.String(), true
}

var mdEscaper = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)

// EscapeMarkdown escapes legacy Telegram Markdown control characters.
func EscapeMarkdown(s string) string { return mdEscaper.Replace(s) }

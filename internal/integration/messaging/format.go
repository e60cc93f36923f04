package messaging

import (
	"html"
	"regexp"
	"strings"
)

var (
	citationRe = regexp.MustCompile(`【.*?】`)
	boldRe     = regexp.MustCompile(`\*\*(.*?)\*\*`)
	waBoldRe   = regexp.MustCompile(`\*([^*\n]+)\*`)
)

// FormatForWhatsApp убирает ссылки вида 【…】 и переводит **жирный** в *жирный*
func FormatForWhatsApp(text string) string {
	text = strings.TrimSpace(citationRe.ReplaceAllString(text, ""))
	return boldRe.ReplaceAllString(text, "*$1*")
}

// FormatForTelegram переводит разметку WhatsApp в HTML для ParseModeHTML.
// Остальной текст экранируется.
func FormatForTelegram(text string) string {
	text = html.EscapeString(FormatForWhatsApp(text))
	return waBoldRe.ReplaceAllString(text, "<b>$1</b>")
}

package security

import (
	"html"
	"regexp"
	"strings"
)

var (
	scriptTagPattern = regexp.MustCompile(`(?is)<\s*(script|style)[\s>].*?<\s*/\s*(script|style)\s*>`)
	eventAttrPattern = regexp.MustCompile(`(?is)\son[a-z]+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
	tagPattern       = regexp.MustCompile(`(?s)<[^>]*>`)
	spacePattern     = regexp.MustCompile(`\s+`)
)

// Sanitize reduces free text to plain text safe for storage and display.
func Sanitize(input string) string {
	clean := scriptTagPattern.ReplaceAllString(input, "")
	clean = eventAttrPattern.ReplaceAllString(clean, "")
	clean = tagPattern.ReplaceAllString(clean, "")
	clean = html.UnescapeString(clean)
	// unescaping may surface new markup
	clean = tagPattern.ReplaceAllString(clean, "")
	clean = spacePattern.ReplaceAllString(clean, " ")
	return strings.TrimSpace(clean)
}

// Package sanitizer cleans user-provided text before it is stored in the
// session or rendered back into pages.
package sanitizer

import (
	"html"
	"regexp"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var (
	scriptBlock = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// TextSanitizer strips markup from user-provided text
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer creates a sanitizer that allows no HTML at all
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Text removes every tag and the content of script-like elements. The result
// is plain text; escaping is left to the template that renders it.
func (s *TextSanitizer) Text(input string) string {
	if input == "" {
		return ""
	}
	result := scriptBlock.ReplaceAllString(input, "")
	result = s.policy.Sanitize(result)
	return html.UnescapeString(result)
}

// Line is Text reduced to one trimmed line of at most maxRunes runes.
// Control characters are dropped and whitespace runs collapse to one space.
func (s *TextSanitizer) Line(input string, maxRunes int) string {
	result := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s.Text(input))
	result = strings.TrimSpace(whitespace.ReplaceAllString(result, " "))

	if maxRunes > 0 {
		if runes := []rune(result); len(runes) > maxRunes {
			result = strings.TrimSpace(string(runes[:maxRunes]))
		}
	}
	return result
}

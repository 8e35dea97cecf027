package textutil

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

const defaultTextLimit = 500

var strictPolicy = bluemonday.StrictPolicy()

// SanitizeText strips markup and control characters, collapses whitespace and
// truncates to limit runes. A non-positive limit uses the default.
func SanitizeText(value string, limit int) string {
	if limit <= 0 {
		limit = defaultTextLimit
	}
	stripped := html.UnescapeString(strictPolicy.Sanitize(value))
	cleaned := make([]rune, 0, len(stripped))
	for _, r := range stripped {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		cleaned = append(cleaned, r)
	}
	text := strings.Join(strings.Fields(string(cleaned)), " ")
	if runes := []rune(text); len(runes) > limit {
		text = string(runes[:limit])
	}
	return text
}

// SanitizeDetails returns a copy of details with string keys and values
// sanitised. Entries whose key sanitises to empty are dropped.
func SanitizeDetails(details map[string]any) map[string]any {
	if len(details) == 0 {
		return nil
	}
	result := make(map[string]any, len(details))
	for key, value := range details {
		cleanKey := SanitizeText(key, 64)
		if cleanKey == "" {
			continue
		}
		if s, ok := value.(string); ok {
			value = SanitizeText(s, 0)
		}
		result[cleanKey] = value
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

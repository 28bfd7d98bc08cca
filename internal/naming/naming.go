// Package naming converts Go identifier names to SQL naming conventions.
package naming

import (
	"strings"
	"unicode"
)

// CamelToSnake converts a CamelCase name to snake_case. Runs of uppercase
// letters (acronyms) stay together: "ID" → "id", "UserID" → "user_id",
// "HTTPServer" → "http_server".
func CamelToSnake(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(runes) + 4)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || nextIsLower(runes, i)) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// nextIsLower reports whether position i ends an uppercase run followed
// by a lowercase letter, as in the "S" of "HTTPServer".
func nextIsLower(runes []rune, i int) bool {
	return unicode.IsUpper(runes[i-1]) && i+1 < len(runes) && unicode.IsLower(runes[i+1])
}

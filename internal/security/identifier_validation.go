package security

import (
	"regexp"
	"strings"
)

var identRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// IsSafeIdentifier reports whether value can name a column without quoting.
func IsSafeIdentifier(value string) bool {
	return identRegex.MatchString(value)
}

var writeKeywords = regexp.MustCompile(`(?i)\b(insert|update|delete|merge|drop|alter|create|truncate|grant|revoke|exec|execute|call)\b`)

// IsReadOnlyQuery accepts a single SELECT (or WITH ... SELECT) statement.
// A trailing semicolon is allowed; statement chaining and write keywords
// are not.
func IsReadOnlyQuery(query string) bool {
	q := strings.TrimSpace(query)
	q = strings.TrimSpace(strings.TrimSuffix(q, ";"))
	if q == "" || strings.Contains(q, ";") {
		return false
	}
	lower := strings.ToLower(q)
	if !strings.HasPrefix(lower, "select") && !strings.HasPrefix(lower, "with") {
		return false
	}
	return !writeKeywords.MatchString(q)
}

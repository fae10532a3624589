package util

import (
	"html"
	"strings"
)

const maxIdentifierLength = 128

// SanitizeInput trims and escapes display text such as issuer names.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// ContainsSuspicious reports markup or template fragments in an identifier.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	badChars := []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"}
	for _, c := range badChars {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// ValidIdentifier accepts opaque ids (payment, retailer, tenant) that are
// non-empty, bounded and free of whitespace or markup.
func ValidIdentifier(id string) bool {
	if id == "" || len(id) > maxIdentifierLength {
		return false
	}
	if strings.ContainsAny(id, " \t\r\n") {
		return false
	}
	return !ContainsSuspicious(id)
}

// IsNumericCode reports whether s is exactly n ASCII digits.
func IsNumericCode(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

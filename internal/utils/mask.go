package utils

import (
	"strings"
	"unicode/utf8"
)

const (
	maskFill       = "*****"
	maskKeep       = 4
	maskMinVisible = 12 // shorter secrets are hidden entirely
)

// MaskSecret renders a bearer token or client secret for logs. An empty value stays empty
// so an unset secret is visible as such, an auth scheme such as "Bearer " is kept, and only
// the first few characters of a long enough secret survive.
func MaskSecret(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	scheme := ""
	if i := strings.IndexByte(s, ' '); i > 0 {
		scheme, s = s[:i+1], strings.TrimSpace(s[i+1:])
	}

	if utf8.RuneCountInString(s) < maskMinVisible {
		return scheme + maskFill
	}
	end := 0
	for range maskKeep {
		_, size := utf8.DecodeRuneInString(s[end:])
		end += size
	}
	return scheme + s[:end] + maskFill
}

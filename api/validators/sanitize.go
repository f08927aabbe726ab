package validators

import (
	"strings"
	"unicode/utf8"
)

// SanitizeString trims surrounding space and cuts to at most maxLen bytes
// without splitting a multi-byte character. maxLen <= 0 disables the cut.
func SanitizeString(input string, maxLen int) string {
	s := strings.TrimSpace(input)
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	s = s[:maxLen]
	for len(s) > 0 {
		if r, size := utf8.DecodeLastRuneInString(s); r != utf8.RuneError || size > 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}

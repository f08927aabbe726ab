// Package enums holds the string enums mirrored by Postgres enum types.
package enums

import (
	"fmt"
	"slices"
	"strings"
)

// parse matches raw against set after trimming surrounding space; kind names
// the enum in the error.
func parse[T ~string](set []T, raw, kind string) (T, error) {
	if v := T(strings.TrimSpace(raw)); slices.Contains(set, v) {
		return v, nil
	}
	return "", fmt.Errorf("invalid %s %q", kind, raw)
}

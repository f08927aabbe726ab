// Package pagination implements keyset paging over (created_at, id) for the
// newest-first listings.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	DefaultLimit = 25
	MaxLimit     = 100
)

var ErrMalformedCursor = errors.New("malformed cursor")

// Params is what a controller hands a service.
type Params struct {
	Limit  int
	Cursor string
}

// Cursor points at the last row of the previous page.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// NormalizeLimit clamps limit into [1, MaxLimit], using DefaultLimit for
// non-positive input.
func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// EncodeCursor renders c as an opaque, URL-safe token.
func EncodeCursor(c Cursor) string {
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseCursor returns nil for a blank token.
func ParseCursor(token string) (*Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCursor, err)
	}
	stamp, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, ErrMalformedCursor
	}
	createdAt, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp: %v", ErrMalformedCursor, err)
	}
	parsedID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: id: %v", ErrMalformedCursor, err)
	}
	return &Cursor{CreatedAt: createdAt, ID: parsedID}, nil
}

// Keyset is a gorm scope that orders newest first, resumes after cursor and
// fetches one row past limit so Trim can tell whether another page exists.
func Keyset(cursor *Cursor, limit int) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		if cursor != nil {
			tx = tx.Where("(created_at < ? OR (created_at = ? AND id < ?))",
				cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
		}
		return tx.Order("created_at DESC, id DESC").Limit(NormalizeLimit(limit) + 1)
	}
}

// Trim cuts rows fetched through Keyset back to limit and returns the cursor
// for the following page, or nil on the last page.
func Trim[T any](rows []T, limit int, key func(T) Cursor) ([]T, *Cursor) {
	limit = NormalizeLimit(limit)
	if len(rows) <= limit {
		return rows, nil
	}
	rows = rows[:limit]
	next := key(rows[limit-1])
	return rows, &next
}

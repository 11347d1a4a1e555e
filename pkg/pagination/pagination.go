package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultLimit = 25
	MaxLimit     = 100

	cursorVersion = 1
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Params carries the page size and opaque cursor of a list request.
type Params struct {
	Limit  int
	Cursor string
}

// Cursor is a keyset position: rows strictly older than (CreatedAt, ID)
// belong to the next page.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

type wireCursor struct {
	Version   int       `json:"v"`
	CreatedAt time.Time `json:"t"`
	ID        uuid.UUID `json:"id"`
}

func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return min(limit, MaxLimit)
}

// LimitWithBuffer is the row count to fetch so Trim can tell whether another
// page exists.
func LimitWithBuffer(limit int) int {
	return NormalizeLimit(limit) + 1
}

// Trim cuts a buffered result set down to the page size and returns the
// cursor of the last kept row when more rows follow.
func Trim[T any](rows []T, limit int, key func(T) Cursor) ([]T, *Cursor) {
	size := NormalizeLimit(limit)
	if len(rows) <= size {
		return rows, nil
	}
	next := key(rows[size-1])
	return rows[:size], &next
}

// EncodeCursor renders c as an unpadded URL-safe token.
func EncodeCursor(c Cursor) string {
	raw, _ := json.Marshal(wireCursor{Version: cursorVersion, CreatedAt: c.CreatedAt.UTC(), ID: c.ID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// ParseCursor reverses EncodeCursor. A blank token means the first page and
// yields nil.
func ParseCursor(token string) (*Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var wire wireCursor
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, ErrInvalidCursor
	}
	if wire.Version != cursorVersion || wire.CreatedAt.IsZero() || wire.ID == uuid.Nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: wire.CreatedAt, ID: wire.ID}, nil
}

package storage

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Cursor is a decoded pagination cursor: the ordering value (rendered as
// a string) and the tie-breaking id of the last row of the prior page.
type Cursor struct {
	Value string
	ID    string
}

// EncodeCursor packs an ordering value and id into an opaque, URL-safe
// cursor token.
func EncodeCursor(value, id string) string {
	raw := value + "\x1f" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor reverses EncodeCursor. It returns an error for any input
// that is not a cursor this package produced — including empty input,
// which callers treat as "first page" rather than attempting to decode.
func DecodeCursor(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, fmt.Errorf("empty cursor")
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "\x1f", 2)
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("malformed cursor")
	}
	return Cursor{Value: parts[0], ID: parts[1]}, nil
}

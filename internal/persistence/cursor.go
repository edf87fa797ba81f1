// Package persistence holds helpers shared by the store implementations.
package persistence

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/fractalgoals/internal/domain"
)

var errInvalidCursor = errors.New("invalid cursor")

// cursorToken is the opaque page token handed to clients.
type cursorToken struct {
	CreatedAt time.Time `json:"c"`
	ID        string    `json:"i"`
}

// EncodeCursor returns the page token for c, or "" on the last page.
func EncodeCursor(c *domain.Cursor) string {
	if c == nil {
		return ""
	}
	raw, _ := json.Marshal(cursorToken{CreatedAt: c.CreatedAt.UTC(), ID: c.ID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a token from EncodeCursor. A blank token means the
// first page and yields a nil cursor.
func DecodeCursor(token string) (*domain.Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidCursor, err)
	}
	var tok cursorToken
	if err := json.Unmarshal(raw, &tok); err != nil || tok.ID == "" || tok.CreatedAt.IsZero() {
		return nil, errInvalidCursor
	}
	return &domain.Cursor{CreatedAt: tok.CreatedAt, ID: tok.ID}, nil
}

// Before reports whether a session keyed by (createdAt, id) sorts after the
// cursor in newest-first order.
func Before(c *domain.Cursor, createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if !createdAt.Equal(c.CreatedAt) {
		return createdAt.Before(c.CreatedAt)
	}
	return id < c.ID
}

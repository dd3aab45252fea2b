// Package pagination implements opaque offset cursors for list endpoints.
//
// A cursor is base64url over a canonical JSON document with a fixed key
// order (offset, limit, filterHash). The filter hash pins a cursor to the
// filter set it was minted under so a client cannot walk pages of one
// query with cursors from another.
package pagination

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/weftdev/weft/internal/common/errors"
)

// Limit bounds enforced by the codec. The public HTTP surface clamps
// harder (100); the codec itself tolerates anything a trusted caller may
// have minted.
const (
	MinLimit = 1
	MaxLimit = 1000
)

// Cursor is the decoded form of an opaque page token.
type Cursor struct {
	Offset     int    `json:"offset"`
	Limit      int    `json:"limit"`
	FilterHash string `json:"filterHash,omitempty"`
}

// Encode serializes the cursor to its opaque wire form. Struct field
// order keeps the JSON canonical, so equal cursors encode to equal
// strings.
func Encode(c Cursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses an opaque page token. Malformed encodings and
// out-of-range fields are rejected with a bad-cursor error; both padded
// and unpadded base64url are accepted.
func Decode(s string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return Cursor{}, errors.BadCursor("cursor is not valid base64url")
	}

	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, errors.BadCursor("cursor payload is not valid JSON")
	}

	if c.Offset < 0 {
		return Cursor{}, errors.BadCursor("cursor offset must not be negative")
	}
	if c.Limit < MinLimit || c.Limit > MaxLimit {
		return Cursor{}, errors.BadCursor(fmt.Sprintf("cursor limit must be between %d and %d", MinLimit, MaxLimit))
	}

	return c, nil
}

// HashFilters derives the short fingerprint a cursor carries for its
// filter set: SHA-256 over canonical JSON (encoding/json emits map keys
// sorted), truncated to the first 16 hex characters. Empty filters hash
// to the empty string and the cursor omits the field.
func HashFilters(filters map[string]string) string {
	if len(filters) == 0 {
		return ""
	}
	raw, _ := json.Marshal(filters)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

// Validate checks a decoded cursor against the filter fingerprint of the
// current request. Cursors minted without filters stay valid; a cursor
// carrying a different fingerprint is refused so page walks never mix
// result sets.
func Validate(c Cursor, currentHash string) error {
	if c.FilterHash == "" || c.FilterHash == currentHash {
		return nil
	}
	return errors.BadCursor("filter mismatch: filters changed between requests")
}

// Page carries the pagination envelope every list response shares.
type Page struct {
	HasMore    bool    `json:"hasMore"`
	NextCursor *string `json:"nextCursor"`
	PrevCursor *string `json:"prevCursor"`
}

// BuildPage computes the envelope for a window into total items.
// NextCursor is present only when items remain past the window;
// PrevCursor only when the window does not start at zero.
func BuildPage(offset, limit, total int, filterHash string) Page {
	page := Page{HasMore: offset+limit < total}

	if page.HasMore {
		next := Encode(Cursor{Offset: offset + limit, Limit: limit, FilterHash: filterHash})
		page.NextCursor = &next
	}
	if offset > 0 {
		prevOffset := offset - limit
		if prevOffset < 0 {
			prevOffset = 0
		}
		prev := Encode(Cursor{Offset: prevOffset, Limit: limit, FilterHash: filterHash})
		page.PrevCursor = &prev
	}

	return page
}

// Bounds clips the [offset, offset+limit) window to a collection of n
// items, returning slice indexes that are always in range.
func Bounds(offset, limit, n int) (int, int) {
	lo := offset
	if lo > n {
		lo = n
	}
	hi := offset + limit
	if hi > n {
		hi = n
	}
	return lo, hi
}

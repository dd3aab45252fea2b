package pagination

import (
	"strconv"

	"github.com/weftdev/weft/internal/common/errors"
)

// Public API limit bounds. Cursors minted by the service always respect
// them; the codec itself tolerates more for trusted callers.
const (
	DefaultPublicLimit = 50
	MaxPublicLimit     = 100
)

// Window is the resolved paging window for one list request.
type Window struct {
	Offset     int
	Limit      int
	FilterHash string
}

// ResolveWindow turns the raw cursor and limit parameters of a list
// request into a concrete window. A present cursor wins over the limit
// parameter and must carry the fingerprint of the current filter set.
func ResolveWindow(cursorParam, limitParam string, filters map[string]string) (Window, error) {
	hash := HashFilters(filters)

	if cursorParam != "" {
		cur, err := Decode(cursorParam)
		if err != nil {
			return Window{}, err
		}
		if err := Validate(cur, hash); err != nil {
			return Window{}, err
		}
		return Window{Offset: cur.Offset, Limit: cur.Limit, FilterHash: hash}, nil
	}

	limit := DefaultPublicLimit
	if limitParam != "" {
		n, err := strconv.Atoi(limitParam)
		if err != nil || n < 1 {
			return Window{}, errors.BadRequest("limit must be a positive integer")
		}
		limit = n
	}
	if limit > MaxPublicLimit {
		limit = MaxPublicLimit
	}

	return Window{Limit: limit, FilterHash: hash}, nil
}

// Envelope assembles the response body every list endpoint shares:
// the window of items under its collection key, count for the window,
// total for the whole filtered set, and the page cursors.
func Envelope(itemsKey string, items any, count, total int, page Page) map[string]any {
	return map[string]any{
		itemsKey:     items,
		"count":      count,
		"total":      total,
		"hasMore":    page.HasMore,
		"nextCursor": page.NextCursor,
		"prevCursor": page.PrevCursor,
	}
}

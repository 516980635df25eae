// Package archive implements the paginated, append-only full message history.
// Pages have a fixed capacity; a full page is closed and the next page opened.
// Page/sequence pairs form a total order per conversation that is never
// reassigned once issued.
package archive

import (
	"context"
	"errors"

	"courier/internal/chat"
)

// PageCapacity is the fixed number of messages per archive page.
// It is uniform across every backend and every code path.
const PageCapacity = 20

// ErrPageNotFound is returned by Page for a page index that was never opened.
var ErrPageNotFound = errors.New("archive: page not found")

// Entry is one archived message together with its placement.
type Entry struct {
	chat.Message

	Page int `json:"page"`
	Seq  int `json:"seq"`
}

// Store persists and pages full message history.
//
// Requirements:
//   - Append-only: placements are never reassigned or reordered.
//   - Page returns entries ordered by in-page sequence number.
//   - Count equals the number of successful Appends for the conversation.
type Store interface {
	Append(ctx context.Context, conversationID string, msg chat.Message) (page, seq int, err error)
	Page(ctx context.Context, conversationID string, page int) ([]Entry, error)
	LatestPage(ctx context.Context, conversationID string) (int, error)
	Count(ctx context.Context, conversationID string) (int64, error)
	Close() error
}

// placementFor maps the n-th appended message (0-based) to its page/seq pair.
func placementFor(n int64) (page, seq int) {
	return int(n / PageCapacity), int(n % PageCapacity)
}

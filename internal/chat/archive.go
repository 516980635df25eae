package chat

import "context"

// Archive is the slice of the archive store the conversation core depends on.
//
// The archive is the durable source of truth for full history; the hot window
// is a cache with a different capacity and eviction policy. AddMessage writes
// the archive first, then the window, so a crash between the two is repairable
// by the Auditor instead of silently losing history.
type Archive interface {
	// Append durably stores one message and returns its page/sequence placement.
	// Placements form a total order per conversation and are never reassigned.
	Append(ctx context.Context, conversationID string, msg Message) (page, seq int, err error)

	// Count returns the number of archived messages for a conversation.
	Count(ctx context.Context, conversationID string) (int64, error)
}

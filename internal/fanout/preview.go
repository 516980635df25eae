package fanout

import "courier/internal/chat"

// previewMaxChars bounds the push-notification body.
const previewMaxChars = 80

// previewText derives the short push preview for a message.
// Post shares and media-only messages get fixed strings; text is truncated.
func previewText(msg chat.Message) string {
	if msg.IsPost {
		return "Shared a post with you"
	}
	if msg.Content == "" && msg.Media != nil {
		return "Sent you media"
	}
	return truncate(msg.Content, previewMaxChars)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

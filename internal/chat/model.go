// Package chat implements the conversation/message core: conversation documents
// with a bounded hot window of recent messages, the message lifecycle rules,
// and the consistency auditor that repairs drift between a message's recorded
// conversation and the conversation that actually lists it.
package chat

import "time"

// WindowCap is the hot-window retention: exactly the newest WindowCap messages
// stay embedded in a conversation; older messages live only in the archive.
const WindowCap = 100

// ConversationType distinguishes direct and group conversations.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// DeliveryStatus tracks a message through the delivery pipeline.
type DeliveryStatus string

const (
	DeliverySending   DeliveryStatus = "sending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Media is an opaque media reference stored verbatim; transcoding and upload
// live in an external service.
type Media struct {
	URL             string `json:"url"`
	Type            string `json:"type,omitempty"`
	Width           int    `json:"width,omitempty"`
	Height          int    `json:"height,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// ReplyRef snapshots the replied-to message at reply time. If the target was
// already evicted from the hot window when the reply was created, the reply
// carries no ReplyRef at all.
type ReplyRef struct {
	MessageID string `json:"message_id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
}

// Reaction is one user's reaction on a message. A message holds at most one
// reaction per user; setting a new value replaces the old one.
type Reaction struct {
	User      string    `json:"user"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a single chat message. The same record (same ID) appears embedded
// in its conversation's hot window and, independently, in the archive.
type Message struct {
	ID             string               `json:"id"`
	ConversationID string               `json:"conversation_id"`
	Sender         string               `json:"sender"`
	Content        string               `json:"content"`
	Media          *Media               `json:"media,omitempty"`
	IsPost         bool                 `json:"is_post,omitempty"`
	PostID         string               `json:"post_id,omitempty"`
	RepliedTo      *ReplyRef            `json:"replied_to,omitempty"`
	Reactions      []Reaction           `json:"reactions,omitempty"`
	ReadBy         []string             `json:"read_by,omitempty"`
	ReadReceipts   map[string]time.Time `json:"read_receipts,omitempty"`
	DeliveryStatus DeliveryStatus       `json:"delivery_status"`

	IsSystemMessage bool `json:"is_system_message,omitempty"`
	IsDeleted       bool `json:"is_deleted,omitempty"`
	IsEdited        bool `json:"is_edited,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	EditedAt  time.Time `json:"edited_at,omitempty"`
}

// HasPayload reports whether the message carries any content at all:
// text, media, or an embedded post share.
func (m *Message) HasPayload() bool {
	return m.Content != "" || m.Media != nil || m.IsPost
}

// ReactionBy returns the user's reaction, if any.
func (m *Message) ReactionBy(user string) (Reaction, bool) {
	for _, r := range m.Reactions {
		if r.User == user {
			return r, true
		}
	}
	return Reaction{}, false
}

// SetReaction inserts or replaces the user's reaction (last write wins).
func (m *Message) SetReaction(user, value string, at time.Time) Reaction {
	r := Reaction{User: user, Value: value, CreatedAt: at}
	for i := range m.Reactions {
		if m.Reactions[i].User == user {
			m.Reactions[i] = r
			return r
		}
	}
	m.Reactions = append(m.Reactions, r)
	return r
}

// RemoveReaction removes the user's reaction and reports whether one existed.
func (m *Message) RemoveReaction(user string) bool {
	for i := range m.Reactions {
		if m.Reactions[i].User == user {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			return true
		}
	}
	return false
}

// MarkReadBy stamps the user's read receipt and appends to ReadBy if absent.
// Repeating it is a no-op; the first receipt timestamp wins.
func (m *Message) MarkReadBy(user string, at time.Time) bool {
	if m.ReadReceipts == nil {
		m.ReadReceipts = make(map[string]time.Time)
	}
	if _, ok := m.ReadReceipts[user]; ok {
		return false
	}
	m.ReadReceipts[user] = at
	for _, u := range m.ReadBy {
		if u == user {
			return true
		}
	}
	m.ReadBy = append(m.ReadBy, user)
	return true
}

// Tombstone clears content and media in place and marks the message deleted.
// The record (and its ID) stays in both tiers so client-side ordering holds.
func (m *Message) Tombstone() {
	m.Content = ""
	m.Media = nil
	m.IsDeleted = true
}

// Preview is the denormalized summary of a conversation's newest message, kept
// on the conversation so list rendering never loads the full window.
type Preview struct {
	MessageID string    `json:"message_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	IsPost    bool      `json:"is_post,omitempty"`
	HasMedia  bool      `json:"has_media,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// Conversation is a conversation document. Messages is the hot cache, not the
// source of truth for full history; TotalMessages is the authoritative count.
type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type"`
	Participants []string         `json:"participants"`
	Admins       []string         `json:"admins,omitempty"`

	Messages      []Message `json:"messages"`
	TotalMessages int64     `json:"total_messages"`

	UnreadCount map[string]int `json:"unread_count"`

	// Ephemeral presence/typing state: best-effort caches of the presence
	// registry, rebuilt from a clean slate on restart.
	Online     map[string]bool      `json:"online,omitempty"`
	LastOnline map[string]time.Time `json:"last_online,omitempty"`
	Typing     map[string]bool      `json:"typing,omitempty"`

	LastMessage *Preview `json:"last_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasParticipant reports whether user is a participant.
func (c *Conversation) HasParticipant(user string) bool {
	for _, p := range c.Participants {
		if p == user {
			return true
		}
	}
	return false
}

// IsAdmin reports whether user is a group admin. Direct conversations have no
// admins; both participants are peers.
func (c *Conversation) IsAdmin(user string) bool {
	for _, a := range c.Admins {
		if a == user {
			return true
		}
	}
	return false
}

// UnreadFor returns the unread counter for user; missing keys read as zero.
func (c *Conversation) UnreadFor(user string) int {
	if c.UnreadCount == nil {
		return 0
	}
	return c.UnreadCount[user]
}

// newPreview derives the conversation-list preview from a message.
func newPreview(m Message) *Preview {
	return &Preview{
		MessageID: m.ID,
		Sender:    m.Sender,
		Content:   m.Content,
		IsPost:    m.IsPost,
		HasMedia:  m.Media != nil,
		SentAt:    m.CreatedAt,
	}
}

// Package v1 defines the Courier chat wire contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Client -> server envelope types.
const (
	// TypeHello starts a session handshake and identifies the user.
	TypeHello = "hello"

	// TypeMessageSend requests sending a new message into a conversation.
	TypeMessageSend = "message_send"
	// TypeMessageEdit requests a text edit of a previously sent message.
	TypeMessageEdit = "message_edit"
	// TypeMessageDelete requests tombstoning of a previously sent message.
	TypeMessageDelete = "message_delete"
	// TypeMessageReact sets the caller's reaction on a message.
	TypeMessageReact = "message_react"
	// TypeMessageUnreact removes the caller's reaction from a message.
	TypeMessageUnreact = "message_unreact"
	// TypeMarkRead acknowledges everything unread in a conversation.
	TypeMarkRead = "mark_read"
	// TypeTyping sets the caller's typing indicator in a conversation.
	TypeTyping = "typing"
	// TypeHistoryFetch requests an archive page for a conversation.
	TypeHistoryFetch = "history_fetch"
)

// Server -> client envelope types. The names are wire-stable.
const (
	// TypeHelloAck acknowledges the session handshake.
	TypeHelloAck = "hello_ack"
	// TypeMessageAck acknowledges a send request with the canonical server ids.
	TypeMessageAck = "message_ack"

	// TypeNewMessage notifies participants about an accepted message.
	TypeNewMessage = "new_message"
	// TypeMessagesRead notifies participants that a user acknowledged reads.
	TypeMessagesRead = "messages_read"
	// TypeTypingStatus notifies participants about a typing change.
	TypeTypingStatus = "typing_status"
	// TypeMessageReaction notifies participants about a set reaction.
	TypeMessageReaction = "message_reaction"
	// TypeMessageReactionRemoved notifies participants about a removed reaction.
	TypeMessageReactionRemoved = "message_reaction_removed"
	// TypeMessageEdited notifies participants about an edited message.
	TypeMessageEdited = "messageEdited"
	// TypeMessageDeleted notifies participants about a tombstoned message.
	TypeMessageDeleted = "messageDeleted"
	// TypeUserStatus notifies participants about an online/offline transition.
	TypeUserStatus = "user_status"

	// TypeHistoryChunk returns one archive page.
	TypeHistoryChunk = "history_chunk"
	// TypeError is a generic error envelope.
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageEdit,
		TypeMessageDelete,
		TypeMessageReact,
		TypeMessageUnreact,
		TypeMarkRead,
		TypeTyping,
		TypeHistoryFetch,
		TypeNewMessage,
		TypeMessagesRead,
		TypeTypingStatus,
		TypeMessageReaction,
		TypeMessageReactionRemoved,
		TypeMessageEdited,
		TypeMessageDeleted,
		TypeUserStatus,
		TypeHistoryChunk,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Client payloads ----

// HelloPayload identifies the connecting user. Authentication happens upstream;
// the user id is an opaque identity reference.
type HelloPayload struct {
	UserID string `json:"user_id"`
}

// MessageSendPayload requests sending a message into a conversation.
type MessageSendPayload struct {
	ConversationID string        `json:"conversation_id"`
	Content        string        `json:"content,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	PostID         string        `json:"post_id,omitempty"`
	RepliedToID    string        `json:"replied_to_id,omitempty"`
}

// MediaPayload carries an opaque media reference.
type MediaPayload struct {
	URL             string `json:"url"`
	Type            string `json:"type,omitempty"`
	Width           int    `json:"width,omitempty"`
	Height          int    `json:"height,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// MessageEditPayload requests a text-only edit.
type MessageEditPayload struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// MessageDeletePayload requests a tombstone.
type MessageDeletePayload struct {
	MessageID string `json:"message_id"`
}

// MessageReactPayload sets the caller's reaction (last write wins).
type MessageReactPayload struct {
	MessageID string `json:"message_id"`
	Reaction  string `json:"reaction"`
}

// MessageUnreactPayload removes the caller's reaction.
type MessageUnreactPayload struct {
	MessageID string `json:"message_id"`
}

// MarkReadPayload acknowledges all unread messages in a conversation.
type MarkReadPayload struct {
	ConversationID string `json:"conversation_id"`
}

// TypingPayload sets the caller's typing indicator.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// HistoryFetchPayload requests one archive page.
type HistoryFetchPayload struct {
	ConversationID string `json:"conversation_id"`
	Page           *int   `json:"page,omitempty"`
}

// ---- Server payloads ----

// HelloAckPayload returns the allocated session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// MessageAckPayload acknowledges a send request.
type MessageAckPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	DeliveryStatus string `json:"delivery_status"`
}

// MessageBody is the message summary embedded in new_message events.
type MessageBody struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Sender    string    `json:"sender"`
	CreatedAt time.Time `json:"createdAt"`
	IsPost    bool      `json:"isPost"`
	PostID    string    `json:"postId,omitempty"`
}

// NewMessagePayload notifies participants about an accepted message.
type NewMessagePayload struct {
	ConversationID string      `json:"conversationId"`
	Message        MessageBody `json:"message"`
}

// MessagesReadPayload notifies participants that readBy acknowledged reads.
type MessagesReadPayload struct {
	ConversationID string `json:"conversationId"`
	ReadBy         string `json:"readBy"`
}

// TypingStatusPayload notifies participants about a typing change.
type TypingStatusPayload struct {
	ConversationID string `json:"conversationId"`
	User           string `json:"user"`
	IsTyping       bool   `json:"isTyping"`
}

// ReactionBody describes one user's reaction on a message.
type ReactionBody struct {
	User      string    `json:"user"`
	Reaction  string    `json:"reaction"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessageReactionPayload notifies participants about a set reaction.
type MessageReactionPayload struct {
	MessageID      string       `json:"messageId"`
	Reaction       ReactionBody `json:"reaction"`
	ConversationID string       `json:"conversationId"`
}

// MessageReactionRemovedPayload notifies participants about a removed reaction.
type MessageReactionRemovedPayload struct {
	MessageID      string `json:"messageId"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// EditedBody is the message summary embedded in messageEdited events.
type EditedBody struct {
	ID             string `json:"id"`
	Content        string `json:"content"`
	IsEdited       bool   `json:"isEdited"`
	ConversationID string `json:"conversationId"`
}

// MessageEditedPayload notifies participants about an edited message.
type MessageEditedPayload struct {
	Message EditedBody `json:"message"`
}

// MessageDeletedPayload notifies participants about a tombstoned message.
// Clients keep the tombstone in place so ordering is preserved.
type MessageDeletedPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// UserStatusPayload notifies participants about an online/offline transition.
type UserStatusPayload struct {
	User     string `json:"user"`
	IsOnline bool   `json:"isOnline"`
}

// HistoryMessage is one archived message inside a history chunk.
type HistoryMessage struct {
	ID        string        `json:"id"`
	Sender    string        `json:"sender"`
	Content   string        `json:"content"`
	Media     *MediaPayload `json:"media,omitempty"`
	IsPost    bool          `json:"isPost,omitempty"`
	PostID    string        `json:"postId,omitempty"`
	IsDeleted bool          `json:"isDeleted,omitempty"`
	IsEdited  bool          `json:"isEdited,omitempty"`
	Page      int           `json:"page"`
	Seq       int           `json:"seq"`
	CreatedAt time.Time     `json:"createdAt"`
}

// HistoryChunkPayload returns one archive page.
type HistoryChunkPayload struct {
	ConversationID string           `json:"conversationId"`
	Page           int              `json:"page"`
	Messages       []HistoryMessage `json:"messages"`
	HasMore        bool             `json:"hasMore"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

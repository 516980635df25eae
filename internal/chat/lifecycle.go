package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Events receives committed mutations for fan-out. Satisfied by the fanout
// dispatcher; injected so the core never reaches for a global emitter.
type Events interface {
	MessageCreated(conv Conversation, msg Message)
	MessagesRead(conv Conversation, readBy string)
	Typing(conv Conversation, userID string, isTyping bool)
	ReactionSet(conv Conversation, messageID string, r Reaction)
	ReactionRemoved(conv Conversation, messageID, userID string)
	MessageEdited(conv Conversation, msg Message)
	MessageDeleted(conv Conversation, messageID, actor string)
}

// NopEvents discards all events. Used when no dispatcher is wired (tests).
type NopEvents struct{}

func (NopEvents) MessageCreated(Conversation, Message)         {}
func (NopEvents) MessagesRead(Conversation, string)            {}
func (NopEvents) Typing(Conversation, string, bool)            {}
func (NopEvents) ReactionSet(Conversation, string, Reaction)   {}
func (NopEvents) ReactionRemoved(Conversation, string, string) {}
func (NopEvents) MessageEdited(Conversation, Message)          {}
func (NopEvents) MessageDeleted(Conversation, string, string)  {}

// Draft is the client-supplied content of a new message. At least one of
// Content, Media, or a post share must be present.
type Draft struct {
	Content     string
	Media       *Media
	PostID      string
	RepliedToID string
	IsSystem    bool
}

// Lifecycle validates and applies message operations against the conversation
// store, then hands committed mutations to the events sink. Each operation is
// serialized per conversation so events reach a given recipient in the order
// they were generated.
type Lifecycle struct {
	log    *slog.Logger
	store  *ConversationStore
	events Events

	locks *keyedMutex
}

// NewLifecycle constructs a Lifecycle. A nil events sink discards events.
func NewLifecycle(log *slog.Logger, store *ConversationStore, events Events) *Lifecycle {
	if events == nil {
		events = NopEvents{}
	}
	return &Lifecycle{
		log:    log,
		store:  store,
		events: events,
		locks:  newKeyedMutex(),
	}
}

// Store exposes the underlying conversation store for read paths.
func (l *Lifecycle) Store() *ConversationStore { return l.store }

// Send validates and stores a new message, returning it with
// DeliveryStatus=sent. The reply target is resolved against the current hot
// window only: if it was already evicted the message is created without a
// reply snapshot rather than failing.
func (l *Lifecycle) Send(ctx context.Context, conversationID, senderID string, draft Draft) (Message, error) {
	draft.Content = strings.TrimSpace(draft.Content)
	if draft.Content == "" && draft.Media == nil && draft.PostID == "" {
		return Message{}, ErrInvalidState
	}

	mu := l.locks.Lock(conversationID)
	defer mu.Unlock()

	now := time.Now().UTC()
	msg := Message{
		ID:              NewID(now),
		ConversationID:  conversationID,
		Sender:          senderID,
		Content:         draft.Content,
		Media:           draft.Media,
		IsPost:          draft.PostID != "",
		PostID:          draft.PostID,
		IsSystemMessage: draft.IsSystem,
		DeliveryStatus:  DeliverySent,
		CreatedAt:       now,
	}

	if draft.RepliedToID != "" {
		if target, err := l.store.FindWindowMessage(ctx, conversationID, draft.RepliedToID); err == nil {
			msg.RepliedTo = &ReplyRef{
				MessageID: target.ID,
				Sender:    target.Sender,
				Content:   target.Content,
			}
		} else {
			l.log.Info("lifecycle.reply.target_evicted",
				"conversation_id", conversationID, "replied_to", draft.RepliedToID)
		}
	}

	stored, err := l.store.AddMessage(ctx, conversationID, msg)
	if err != nil {
		return Message{}, err
	}

	if conv, err := l.store.Get(ctx, conversationID); err == nil {
		l.events.MessageCreated(conv, stored)
	}
	return stored, nil
}

// Reply sends a text message referencing an earlier message.
func (l *Lifecycle) Reply(ctx context.Context, conversationID, senderID, text, repliedToID string) (Message, error) {
	return l.Send(ctx, conversationID, senderID, Draft{Content: text, RepliedToID: repliedToID})
}

// Edit applies a text-only edit. Only the author may edit; deleted messages
// and messages carrying media or a post share cannot be edited.
func (l *Lifecycle) Edit(ctx context.Context, messageID, senderID, newContent string) (Message, error) {
	newContent = strings.TrimSpace(newContent)
	if newContent == "" {
		return Message{}, ErrInvalidState
	}

	conversationID, ok := l.store.MessageRef(messageID)
	if !ok {
		return Message{}, ErrNotFound
	}

	mu := l.locks.Lock(conversationID)
	defer mu.Unlock()

	updated, err := l.store.ApplyMessageUpdate(ctx, conversationID, messageID, func(m *Message) error {
		if m.Sender != senderID {
			return ErrForbidden
		}
		if m.IsDeleted || m.Media != nil || m.IsPost {
			return ErrInvalidState
		}
		m.Content = newContent
		m.IsEdited = true
		m.EditedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return Message{}, err
	}

	if conv, err := l.store.Get(ctx, conversationID); err == nil {
		l.events.MessageEdited(conv, updated)
	}
	return updated, nil
}

// Delete tombstones a message in place: content and media are cleared, the
// record and its id survive in both tiers. Author-only.
func (l *Lifecycle) Delete(ctx context.Context, messageID, senderID string) (Message, error) {
	conversationID, ok := l.store.MessageRef(messageID)
	if !ok {
		return Message{}, ErrNotFound
	}

	mu := l.locks.Lock(conversationID)
	defer mu.Unlock()

	updated, err := l.store.ApplyMessageUpdate(ctx, conversationID, messageID, func(m *Message) error {
		if m.Sender != senderID {
			return ErrForbidden
		}
		if m.IsDeleted {
			return ErrInvalidState
		}
		m.Tombstone()
		return nil
	})
	if err != nil {
		return Message{}, err
	}

	if conv, err := l.store.Get(ctx, conversationID); err == nil {
		l.events.MessageDeleted(conv, messageID, senderID)
	}
	return updated, nil
}

// React sets the user's reaction, replacing any prior one (at most one
// reaction per user, last write wins).
func (l *Lifecycle) React(ctx context.Context, messageID, userID, value string) (Reaction, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Reaction{}, ErrInvalidState
	}

	conversationID, ok := l.store.MessageRef(messageID)
	if !ok {
		return Reaction{}, ErrNotFound
	}

	mu := l.locks.Lock(conversationID)
	defer mu.Unlock()

	conv, err := l.store.Get(ctx, conversationID)
	if err != nil {
		return Reaction{}, err
	}
	if !conv.HasParticipant(userID) {
		return Reaction{}, ErrForbidden
	}

	var set Reaction
	if _, err := l.store.ApplyMessageUpdate(ctx, conversationID, messageID, func(m *Message) error {
		set = m.SetReaction(userID, value, time.Now().UTC())
		return nil
	}); err != nil {
		return Reaction{}, err
	}

	l.events.ReactionSet(conv, messageID, set)
	return set, nil
}

// Unreact removes the user's reaction. Removing an absent reaction is an
// ErrInvalidState, not a silent no-op.
func (l *Lifecycle) Unreact(ctx context.Context, messageID, userID string) error {
	conversationID, ok := l.store.MessageRef(messageID)
	if !ok {
		return ErrNotFound
	}

	mu := l.locks.Lock(conversationID)
	defer mu.Unlock()

	conv, err := l.store.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return ErrForbidden
	}

	if _, err := l.store.ApplyMessageUpdate(ctx, conversationID, messageID, func(m *Message) error {
		if !m.RemoveReaction(userID) {
			return ErrInvalidState
		}
		return nil
	}); err != nil {
		return err
	}

	l.events.ReactionRemoved(conv, messageID, userID)
	return nil
}

// MarkRead acknowledges everything unread for the user. Idempotent: the
// second call changes nothing and emits nothing.
func (l *Lifecycle) MarkRead(ctx context.Context, conversationID, userID string) error {
	mu := l.locks.Lock(conversationID)
	defer mu.Unlock()

	changed, err := l.store.MarkRead(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if conv, err := l.store.Get(ctx, conversationID); err == nil {
		l.events.MessagesRead(conv, userID)
	}
	return nil
}

// SetTyping updates and fans out the user's typing indicator.
func (l *Lifecycle) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	mu := l.locks.Lock(conversationID)
	defer mu.Unlock()

	if err := l.store.SetTyping(ctx, conversationID, userID, isTyping); err != nil {
		return err
	}

	if conv, err := l.store.Get(ctx, conversationID); err == nil {
		l.events.Typing(conv, userID, isTyping)
	}
	return nil
}

// Package fanout distributes committed conversation mutations to participants:
// typed realtime events for connected users, push notifications for the rest.
//
// Delivery is fire-and-forget relative to the write path. A mutation is
// complete once durably stored; socket and push failures are logged and
// swallowed, never rolled back into the originating write.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	v1 "courier/shared/contracts/chat/v1"

	"courier/internal/chat"
	"courier/internal/metrics"
)

const defaultPushTimeout = 5 * time.Second

// EventSink delivers an envelope to every live connection of one user.
// It reports whether at least one connection accepted the envelope.
type EventSink interface {
	Deliver(userID string, env v1.Envelope) bool
}

// Presence answers online checks. Satisfied by *presence.Registry.
type Presence interface {
	IsOnline(userID string) bool
}

// Notification is the push payload handed to the external dispatch capability.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data"`
}

// PushNotifier hands a notification to the external push channel.
type PushNotifier interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// Dispatcher fans conversation mutations out to participants. All
// collaborators are injected at construction; there is no package-level sink.
type Dispatcher struct {
	log      *slog.Logger
	sink     EventSink
	presence Presence
	push     PushNotifier

	pushTimeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPushTimeout bounds each push dispatch.
func WithPushTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.pushTimeout = d
		}
	}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(log *slog.Logger, sink EventSink, pres Presence, push PushNotifier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:         log,
		sink:        sink,
		presence:    pres,
		push:        push,
		pushTimeout: defaultPushTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// MessageCreated emits new_message to connected participants and a push
// notification to the rest.
func (d *Dispatcher) MessageCreated(conv chat.Conversation, msg chat.Message) {
	env := d.envelope(v1.TypeNewMessage, v1.NewMessagePayload{
		ConversationID: conv.ID,
		Message: v1.MessageBody{
			ID:        msg.ID,
			Content:   msg.Content,
			Sender:    msg.Sender,
			CreatedAt: msg.CreatedAt,
			IsPost:    msg.IsPost,
			PostID:    msg.PostID,
		},
	})

	push := &Notification{
		Title: "New message",
		Body:  previewText(msg),
		Data: map[string]string{
			"type":           v1.TypeNewMessage,
			"conversationId": conv.ID,
			"senderId":       msg.Sender,
		},
	}

	d.emit(conv.Participants, msg.Sender, env, push)
}

// MessagesRead emits messages_read to every participant except the reader.
func (d *Dispatcher) MessagesRead(conv chat.Conversation, readBy string) {
	env := d.envelope(v1.TypeMessagesRead, v1.MessagesReadPayload{
		ConversationID: conv.ID,
		ReadBy:         readBy,
	})
	d.emit(conv.Participants, readBy, env, nil)
}

// Typing emits typing_status to every participant except the typist.
func (d *Dispatcher) Typing(conv chat.Conversation, userID string, isTyping bool) {
	env := d.envelope(v1.TypeTypingStatus, v1.TypingStatusPayload{
		ConversationID: conv.ID,
		User:           userID,
		IsTyping:       isTyping,
	})
	d.emit(conv.Participants, userID, env, nil)
}

// ReactionSet emits message_reaction.
func (d *Dispatcher) ReactionSet(conv chat.Conversation, messageID string, r chat.Reaction) {
	env := d.envelope(v1.TypeMessageReaction, v1.MessageReactionPayload{
		MessageID:      messageID,
		ConversationID: conv.ID,
		Reaction: v1.ReactionBody{
			User:      r.User,
			Reaction:  r.Value,
			CreatedAt: r.CreatedAt,
		},
	})
	d.emit(conv.Participants, r.User, env, nil)
}

// ReactionRemoved emits message_reaction_removed.
func (d *Dispatcher) ReactionRemoved(conv chat.Conversation, messageID, userID string) {
	env := d.envelope(v1.TypeMessageReactionRemoved, v1.MessageReactionRemovedPayload{
		MessageID:      messageID,
		UserID:         userID,
		ConversationID: conv.ID,
	})
	d.emit(conv.Participants, userID, env, nil)
}

// MessageEdited emits messageEdited.
func (d *Dispatcher) MessageEdited(conv chat.Conversation, msg chat.Message) {
	env := d.envelope(v1.TypeMessageEdited, v1.MessageEditedPayload{
		Message: v1.EditedBody{
			ID:             msg.ID,
			Content:        msg.Content,
			IsEdited:       msg.IsEdited,
			ConversationID: conv.ID,
		},
	})
	d.emit(conv.Participants, msg.Sender, env, nil)
}

// MessageDeleted emits messageDeleted. Participants receive the tombstone,
// not a removal, so client-side ordering is preserved.
func (d *Dispatcher) MessageDeleted(conv chat.Conversation, messageID, actor string) {
	env := d.envelope(v1.TypeMessageDeleted, v1.MessageDeletedPayload{
		MessageID:      messageID,
		ConversationID: conv.ID,
	})
	d.emit(conv.Participants, actor, env, nil)
}

// UserStatus emits user_status to everyone sharing a conversation with the
// user, deduplicated across conversations. Offline peers are skipped; presence
// changes are not worth a push.
func (d *Dispatcher) UserStatus(userID string, online bool, convs []chat.Conversation) {
	env := d.envelope(v1.TypeUserStatus, v1.UserStatusPayload{
		User:     userID,
		IsOnline: online,
	})

	seen := map[string]struct{}{userID: {}}
	for _, conv := range convs {
		for _, p := range conv.Participants {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			if d.presence != nil && !d.presence.IsOnline(p) {
				continue
			}
			d.deliver(p, env)
		}
	}
}

// emit delivers env to every participant except actor; offline participants
// get the push notification instead, when one applies.
func (d *Dispatcher) emit(participants []string, actor string, env v1.Envelope, push *Notification) {
	for _, p := range participants {
		if p == actor {
			continue
		}
		if d.presence != nil && !d.presence.IsOnline(p) {
			if push != nil {
				d.dispatchPush(p, *push)
			}
			continue
		}
		d.deliver(p, env)
	}
}

func (d *Dispatcher) deliver(userID string, env v1.Envelope) {
	if d.sink == nil {
		return
	}
	if d.sink.Deliver(userID, env) {
		metrics.FanoutEvents.WithLabelValues(env.Type).Inc()
		return
	}
	metrics.FanoutDropped.Inc()
	d.log.Info("fanout.deliver.drop", "user_id", userID, "type", env.Type)
}

// dispatchPush is best-effort with a bounded timeout and never blocks the
// caller beyond goroutine startup.
func (d *Dispatcher) dispatchPush(userID string, n Notification) {
	if d.push == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.pushTimeout)
		defer cancel()

		if err := d.push.Notify(ctx, userID, n); err != nil {
			metrics.PushDispatched.WithLabelValues("fail").Inc()
			d.log.Warn("fanout.push.fail", "user_id", userID, "err", err)
			return
		}
		metrics.PushDispatched.WithLabelValues("ok").Inc()
	}()
}

func (d *Dispatcher) envelope(typ string, payload any) v1.Envelope {
	body, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      chat.NewID(time.Now().UTC()),
		TS:      time.Now().UTC(),
		Payload: body,
	}
}

package chat

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"courier/internal/metrics"
)

const (
	defaultArchiveTimeout = 3 * time.Second
)

// ConversationStore owns conversation documents and their hot message windows.
//
// Concurrency model:
//   - Every mutation of a conversation (append, read ack, typing, presence,
//     message update) runs under that conversation's own mutex; there is no
//     global write lock across conversations.
//   - Reads return deep-copied snapshots taken under the same mutex.
//   - Lock order: a conversation mutex may be held while taking s.mu (rekey)
//     or refMu, never the other way around. Index lookups under s.mu resolve
//     the entry pointer only; the entry lock is taken after s.mu is released.
//
// Dual-write discipline: AddMessage appends to the archive FIRST (the durable
// source of truth), then to the hot window. A crash between the two leaves the
// archive ahead of the window counters, which the Auditor reconciles; the
// reverse (window ahead of archive, i.e. silently lost history) cannot happen.
type ConversationStore struct {
	log            *slog.Logger
	archive        Archive
	archiveTimeout time.Duration

	mu    sync.RWMutex
	convs map[string]*convEntry
	byKey map[string]string // canonical participant key -> conversation id

	refMu  sync.RWMutex
	msgRef map[string]string // window-resident message id -> conversation id
}

// convEntry pairs a conversation document with its mutex and window index.
type convEntry struct {
	mu  sync.Mutex
	c   Conversation
	pos map[string]int // message id -> window position
}

// StoreOption configures a ConversationStore.
type StoreOption func(*ConversationStore)

// WithArchiveTimeout bounds each archive append; on expiry the caller gets
// ErrTimeout rather than an unbounded wait.
func WithArchiveTimeout(d time.Duration) StoreOption {
	return func(s *ConversationStore) {
		if d > 0 {
			s.archiveTimeout = d
		}
	}
}

// NewConversationStore constructs a store backed by the given archive.
func NewConversationStore(log *slog.Logger, archive Archive, opts ...StoreOption) *ConversationStore {
	s := &ConversationStore{
		log:            log,
		archive:        archive,
		archiveTimeout: defaultArchiveTimeout,
		convs:          make(map[string]*convEntry),
		byKey:          make(map[string]string),
		msgRef:         make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// participantKey builds the canonical exact-match lookup key: sorted, deduped.
func participantKey(participants []string) string {
	set := make([]string, 0, len(participants))
	seen := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		set = append(set, p)
	}
	sort.Strings(set)
	return strings.Join(set, "\x1f")
}

// dedupeParticipants preserves caller order while dropping blanks and repeats.
func dedupeParticipants(participants []string) []string {
	out := make([]string, 0, len(participants))
	seen := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Create returns the conversation for the exact participant set, creating it
// if absent. Direct conversations need exactly two participants; groups need
// at least two, and the creator (first participant) becomes the first admin.
func (s *ConversationStore) Create(ctx context.Context, participants []string, typ ConversationType) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	ps := dedupeParticipants(participants)
	switch typ {
	case ConversationDirect:
		if len(ps) != 2 {
			return Conversation{}, ErrInvalidState
		}
	case ConversationGroup:
		if len(ps) < 2 {
			return Conversation{}, ErrInvalidState
		}
	default:
		return Conversation{}, ErrInvalidState
	}

	key := participantKey(ps)
	now := time.Now().UTC()

	// Never take the entry lock while holding s.mu: a concurrent participant
	// rekey holds the entry lock and then takes s.mu, and the inverted order
	// deadlocks. Resolve the entry pointer under s.mu alone; snapshot after
	// releasing it.
	s.mu.Lock()
	var existing *convEntry
	if id, ok := s.byKey[key]; ok {
		existing = s.convs[id]
	}
	if existing == nil {
		c := Conversation{
			ID:           NewID(now),
			Type:         typ,
			Participants: ps,
			UnreadCount:  make(map[string]int, len(ps)),
			Online:       make(map[string]bool, len(ps)),
			LastOnline:   make(map[string]time.Time, len(ps)),
			Typing:       make(map[string]bool, len(ps)),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if typ == ConversationGroup {
			c.Admins = []string{ps[0]}
		}

		s.convs[c.ID] = &convEntry{c: c, pos: make(map[string]int)}
		s.byKey[key] = c.ID
		s.mu.Unlock()

		s.log.Info("conversation.create", "conversation_id", c.ID, "type", string(typ), "participants", len(ps))
		return copyConversation(&c), nil
	}
	s.mu.Unlock()

	existing.mu.Lock()
	snap := copyConversation(&existing.c)
	existing.mu.Unlock()
	return snap, nil
}

// Find returns the conversation whose participant set matches exactly.
// Supersets and subsets do not match.
func (s *ConversationStore) Find(ctx context.Context, participants []string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	key := participantKey(participants)

	s.mu.RLock()
	id, ok := s.byKey[key]
	var e *convEntry
	if ok {
		e = s.convs[id]
	}
	s.mu.RUnlock()

	if e == nil {
		return Conversation{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return copyConversation(&e.c), nil
}

// Get returns a snapshot of the conversation.
func (s *ConversationStore) Get(ctx context.Context, conversationID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	e := s.entry(conversationID)
	if e == nil {
		return Conversation{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return copyConversation(&e.c), nil
}

// ConversationsFor returns snapshots of every conversation listing the user.
func (s *ConversationStore) ConversationsFor(ctx context.Context, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	entries := make([]*convEntry, 0, len(s.convs))
	for _, e := range s.convs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Conversation, 0, 8)
	for _, e := range entries {
		e.mu.Lock()
		if e.c.HasParticipant(userID) {
			out = append(out, copyConversation(&e.c))
		}
		e.mu.Unlock()
	}
	return out, nil
}

// AddMessage validates the sender, archives the message, then appends it to
// the hot window: evicting beyond the cap, refreshing the preview, bumping
// TotalMessages, and incrementing every non-sender's unread counter.
func (s *ConversationStore) AddMessage(ctx context.Context, conversationID string, msg Message) (Message, error) {
	e := s.entry(conversationID)
	if e == nil {
		return Message{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.c.HasParticipant(msg.Sender) {
		return Message{}, ErrForbidden
	}

	msg.ConversationID = e.c.ID

	// Cold path first: the archive is the source of truth.
	if _, _, err := s.archiveAppend(ctx, e.c.ID, msg); err != nil {
		return Message{}, err
	}

	e.c.Messages = append(e.c.Messages, msg)
	e.pos[msg.ID] = len(e.c.Messages) - 1

	s.refMu.Lock()
	s.msgRef[msg.ID] = e.c.ID
	s.refMu.Unlock()

	if evicted := len(e.c.Messages) - WindowCap; evicted > 0 {
		old := e.c.Messages[:evicted]
		s.refMu.Lock()
		for i := range old {
			delete(s.msgRef, old[i].ID)
		}
		s.refMu.Unlock()

		e.c.Messages = append(e.c.Messages[:0:0], e.c.Messages[evicted:]...)
		for id := range e.pos {
			delete(e.pos, id)
		}
		for i := range e.c.Messages {
			e.pos[e.c.Messages[i].ID] = i
		}
	}

	e.c.TotalMessages++
	e.c.LastMessage = newPreview(msg)
	e.c.UpdatedAt = msg.CreatedAt
	if e.c.UnreadCount == nil {
		e.c.UnreadCount = make(map[string]int, len(e.c.Participants))
	}
	for _, p := range e.c.Participants {
		if p != msg.Sender {
			e.c.UnreadCount[p]++
		}
	}

	metrics.MessagesAppended.Inc()
	s.log.Info("conversation.message.append",
		"conversation_id", e.c.ID,
		"message_id", msg.ID,
		"total", e.c.TotalMessages,
		"window", len(e.c.Messages),
	)
	return msg, nil
}

// archiveAppend bounds the archive write and retries once on transient errors.
// Deadline expiry surfaces as ErrTimeout, distinct from validation errors.
func (s *ConversationStore) archiveAppend(ctx context.Context, conversationID string, msg Message) (int, int, error) {
	attempt := func() (int, int, error) {
		actx, cancel := context.WithTimeout(ctx, s.archiveTimeout)
		defer cancel()
		return s.archive.Append(actx, conversationID, msg)
	}

	page, seq, err := attempt()
	if err == nil {
		return page, seq, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return 0, 0, ErrTimeout
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrInvalidState) {
		return 0, 0, err
	}

	s.log.Warn("conversation.archive.retry", "conversation_id", conversationID, "message_id", msg.ID, "err", err)

	page, seq, err = attempt()
	if err == nil {
		return page, seq, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return 0, 0, ErrTimeout
	}
	return 0, 0, err
}

// MarkRead zeroes the user's unread counter and stamps the user's read receipt
// on every window message they had not read. Bulk and idempotent: repeating it
// changes nothing. It reports whether any state changed.
func (s *ConversationStore) MarkRead(ctx context.Context, conversationID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	e := s.entry(conversationID)
	if e == nil {
		return false, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.c.HasParticipant(userID) {
		return false, ErrForbidden
	}

	now := time.Now().UTC()
	changed := false

	if e.c.UnreadFor(userID) != 0 {
		e.c.UnreadCount[userID] = 0
		changed = true
	}

	for i := range e.c.Messages {
		m := &e.c.Messages[i]
		if m.Sender == userID {
			continue
		}
		if m.MarkReadBy(userID, now) {
			m.DeliveryStatus = DeliveryRead
			changed = true
		}
	}

	if changed {
		s.log.Info("conversation.read", "conversation_id", conversationID, "user_id", userID)
	}
	return changed, nil
}

// SetTyping updates the user's typing flag.
func (s *ConversationStore) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e := s.entry(conversationID)
	if e == nil {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.c.HasParticipant(userID) {
		return ErrForbidden
	}
	if e.c.Typing == nil {
		e.c.Typing = make(map[string]bool, len(e.c.Participants))
	}
	e.c.Typing[userID] = isTyping
	return nil
}

// UpdatePresence writes an online/offline transition through to the presence
// maps of every conversation listing the user. Best-effort cache refresh; the
// presence registry stays authoritative.
func (s *ConversationStore) UpdatePresence(userID string, online bool, at time.Time) {
	s.mu.RLock()
	entries := make([]*convEntry, 0, len(s.convs))
	for _, e := range s.convs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.c.HasParticipant(userID) {
			if e.c.Online == nil {
				e.c.Online = make(map[string]bool, len(e.c.Participants))
			}
			e.c.Online[userID] = online
			if !online {
				if e.c.LastOnline == nil {
					e.c.LastOnline = make(map[string]time.Time, len(e.c.Participants))
				}
				e.c.LastOnline[userID] = at
				if e.c.Typing != nil {
					delete(e.c.Typing, userID)
				}
			}
		}
		e.mu.Unlock()
	}
}

// ApplyMessageUpdate runs fn against a window-resident message under the
// conversation lock and returns the updated copy. Messages already evicted
// from the window cannot be updated and report ErrNotFound.
func (s *ConversationStore) ApplyMessageUpdate(ctx context.Context, conversationID, messageID string, fn func(*Message) error) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	e := s.entry(conversationID)
	if e == nil {
		return Message{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	i, ok := e.pos[messageID]
	if !ok {
		return Message{}, ErrNotFound
	}

	m := &e.c.Messages[i]
	if err := fn(m); err != nil {
		return Message{}, err
	}

	if e.c.LastMessage != nil && e.c.LastMessage.MessageID == m.ID {
		e.c.LastMessage = newPreview(*m)
	}
	e.c.UpdatedAt = time.Now().UTC()

	return copyMessage(m), nil
}

// FindWindowMessage returns a copy of a window-resident message.
func (s *ConversationStore) FindWindowMessage(ctx context.Context, conversationID, messageID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	e := s.entry(conversationID)
	if e == nil {
		return Message{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	i, ok := e.pos[messageID]
	if !ok {
		return Message{}, ErrNotFound
	}
	return copyMessage(&e.c.Messages[i]), nil
}

// MessageRef resolves a window-resident message id to its conversation id.
func (s *ConversationStore) MessageRef(messageID string) (string, bool) {
	s.refMu.RLock()
	defer s.refMu.RUnlock()
	id, ok := s.msgRef[messageID]
	return id, ok
}

// AddParticipant adds a user to a group conversation.
func (s *ConversationStore) AddParticipant(ctx context.Context, conversationID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e := s.entry(conversationID)
	if e == nil {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.c.Type != ConversationGroup {
		return ErrInvalidState
	}
	if e.c.HasParticipant(userID) {
		return nil
	}

	oldKey := participantKey(e.c.Participants)
	e.c.Participants = append(e.c.Participants, userID)
	e.c.UpdatedAt = time.Now().UTC()
	newKey := participantKey(e.c.Participants)

	s.rekey(oldKey, newKey, e.c.ID)
	return nil
}

// RemoveParticipant removes a user from a group conversation. Their counters
// and ephemeral state go with them; their messages stay.
func (s *ConversationStore) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e := s.entry(conversationID)
	if e == nil {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.c.Type != ConversationGroup {
		return ErrInvalidState
	}
	if !e.c.HasParticipant(userID) {
		return ErrNotFound
	}

	oldKey := participantKey(e.c.Participants)
	kept := e.c.Participants[:0:0]
	for _, p := range e.c.Participants {
		if p != userID {
			kept = append(kept, p)
		}
	}
	e.c.Participants = kept

	admins := e.c.Admins[:0:0]
	for _, a := range e.c.Admins {
		if a != userID {
			admins = append(admins, a)
		}
	}
	e.c.Admins = admins

	delete(e.c.UnreadCount, userID)
	delete(e.c.Online, userID)
	delete(e.c.LastOnline, userID)
	delete(e.c.Typing, userID)
	e.c.UpdatedAt = time.Now().UTC()

	s.rekey(oldKey, participantKey(e.c.Participants), e.c.ID)
	return nil
}

func (s *ConversationStore) rekey(oldKey, newKey, id string) {
	s.mu.Lock()
	if s.byKey[oldKey] == id {
		delete(s.byKey, oldKey)
	}
	s.byKey[newKey] = id
	s.mu.Unlock()
}

func (s *ConversationStore) entry(conversationID string) *convEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.convs[conversationID]
}

// ---- snapshot copies ----

func copyMessage(m *Message) Message {
	out := *m
	if m.Media != nil {
		media := *m.Media
		out.Media = &media
	}
	if m.RepliedTo != nil {
		ref := *m.RepliedTo
		out.RepliedTo = &ref
	}
	if m.Reactions != nil {
		out.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	if m.ReadBy != nil {
		out.ReadBy = append([]string(nil), m.ReadBy...)
	}
	if m.ReadReceipts != nil {
		out.ReadReceipts = make(map[string]time.Time, len(m.ReadReceipts))
		for k, v := range m.ReadReceipts {
			out.ReadReceipts[k] = v
		}
	}
	return out
}

func copyConversation(c *Conversation) Conversation {
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	if c.Admins != nil {
		out.Admins = append([]string(nil), c.Admins...)
	}
	out.Messages = make([]Message, len(c.Messages))
	for i := range c.Messages {
		out.Messages[i] = copyMessage(&c.Messages[i])
	}
	if c.UnreadCount != nil {
		out.UnreadCount = make(map[string]int, len(c.UnreadCount))
		for k, v := range c.UnreadCount {
			out.UnreadCount[k] = v
		}
	}
	if c.Online != nil {
		out.Online = make(map[string]bool, len(c.Online))
		for k, v := range c.Online {
			out.Online[k] = v
		}
	}
	if c.LastOnline != nil {
		out.LastOnline = make(map[string]time.Time, len(c.LastOnline))
		for k, v := range c.LastOnline {
			out.LastOnline[k] = v
		}
	}
	if c.Typing != nil {
		out.Typing = make(map[string]bool, len(c.Typing))
		for k, v := range c.Typing {
			out.Typing[k] = v
		}
	}
	if c.LastMessage != nil {
		p := *c.LastMessage
		out.LastMessage = &p
	}
	return out
}

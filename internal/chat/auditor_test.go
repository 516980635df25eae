package chat

import (
	"context"
	"testing"
	"time"
)

func injectWindowMessage(t *testing.T, s *ConversationStore, convID string, msg Message) {
	t.Helper()

	e := s.entry(convID)
	if e == nil {
		t.Fatalf("conversation %s not found", convID)
	}

	e.mu.Lock()
	e.c.Messages = append(e.c.Messages, msg)
	e.pos[msg.ID] = len(e.c.Messages) - 1
	e.mu.Unlock()

	s.refMu.Lock()
	s.msgRef[msg.ID] = convID
	s.refMu.Unlock()
}

func TestAuditorRestampsStaleReference(t *testing.T) {
	s, _ := newTestStore(t)
	conv := mustCreate(t, s, []string{"alice", "bob"}, ConversationDirect)
	ctx := context.Background()

	// A message whose recorded conversation id drifted, but whose sender
	// belongs here: the embedding conversation wins.
	drifted := Message{
		ID:             NewID(time.Now()),
		ConversationID: "stale-reference",
		Sender:         "alice",
		Content:        "where am I",
		CreatedAt:      time.Now().UTC(),
	}
	injectWindowMessage(t, s, conv.ID, drifted)

	rep, err := NewAuditor(testLogger(), s).RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Restamped != 1 {
		t.Fatalf("restamped = %d, want 1", rep.Restamped)
	}

	got, err := s.FindWindowMessage(ctx, conv.ID, drifted.ID)
	if err != nil {
		t.Fatalf("FindWindowMessage: %v", err)
	}
	if got.ConversationID != conv.ID {
		t.Fatalf("reference after repair = %s, want %s", got.ConversationID, conv.ID)
	}
}

func TestAuditorRehomesForeignMessage(t *testing.T) {
	s, _ := newTestStore(t)
	conv := mustCreate(t, s, []string{"alice", "bob"}, ConversationDirect)
	ctx := context.Background()

	// carol is not a participant here: the message landed in the wrong
	// conversation entirely and must move to one matching
	// (participants + sender).
	foreign := Message{
		ID:             NewID(time.Now()),
		ConversationID: "gone-conversation",
		Sender:         "carol",
		Content:        "wrong room",
		CreatedAt:      time.Now().UTC(),
	}
	injectWindowMessage(t, s, conv.ID, foreign)

	rep, err := NewAuditor(testLogger(), s).RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Rehomed != 1 {
		t.Fatalf("rehomed = %d, want 1", rep.Rehomed)
	}

	// Gone from the original conversation.
	if _, err := s.FindWindowMessage(ctx, conv.ID, foreign.ID); err == nil {
		t.Fatalf("foreign message still in original conversation")
	}

	// Present in the conversation matching {alice,bob,carol}.
	target, err := s.Find(ctx, []string{"alice", "bob", "carol"})
	if err != nil {
		t.Fatalf("target conversation missing: %v", err)
	}
	got, err := s.FindWindowMessage(ctx, target.ID, foreign.ID)
	if err != nil {
		t.Fatalf("rehomed message missing: %v", err)
	}
	if got.ConversationID != target.ID {
		t.Fatalf("rehomed reference = %s, want %s", got.ConversationID, target.ID)
	}
}

func TestAuditorReconcilesTotalsAgainstArchive(t *testing.T) {
	s, _ := newTestStore(t)
	conv := mustCreate(t, s, []string{"alice", "bob"}, ConversationDirect)
	ctx := context.Background()

	addText(t, s, conv.ID, "alice", "one")
	addText(t, s, conv.ID, "alice", "two")
	addText(t, s, conv.ID, "alice", "three")

	// Simulate a crash that left the counter behind the archive.
	e := s.entry(conv.ID)
	e.mu.Lock()
	e.c.TotalMessages = 1
	e.mu.Unlock()

	rep, err := NewAuditor(testLogger(), s).RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Recounted != 1 {
		t.Fatalf("recounted = %d, want 1", rep.Recounted)
	}

	got, _ := s.Get(ctx, conv.ID)
	if got.TotalMessages != 3 {
		t.Fatalf("TotalMessages after repair = %d, want 3", got.TotalMessages)
	}
}

func TestAuditorRunForUserScopesConversations(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, []string{"alice", "bob"}, ConversationDirect)
	mustCreate(t, s, []string{"carol", "dave"}, ConversationDirect)

	rep, err := NewAuditor(testLogger(), s).RunForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("RunForUser: %v", err)
	}
	if rep.Conversations != 1 {
		t.Fatalf("audited conversations = %d, want 1", rep.Conversations)
	}
}

func TestAuditorCleanRunIsNoop(t *testing.T) {
	s, _ := newTestStore(t)
	conv := mustCreate(t, s, []string{"alice", "bob"}, ConversationDirect)
	ctx := context.Background()

	addText(t, s, conv.ID, "alice", "fine")

	rep, err := NewAuditor(testLogger(), s).RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Restamped != 0 || rep.Rehomed != 0 || rep.Recounted != 0 || rep.Failures != 0 {
		t.Fatalf("clean run reported repairs: %+v", rep)
	}
}

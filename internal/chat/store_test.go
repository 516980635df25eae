package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeArchive is an in-test Archive with controllable failure behavior.
type fakeArchive struct {
	mu     sync.Mutex
	counts map[string]int64

	failNext int
	delay    time.Duration
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{counts: make(map[string]int64)}
}

func (a *fakeArchive) Append(ctx context.Context, conversationID string, _ Message) (int, int, error) {
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failNext > 0 {
		a.failNext--
		return 0, 0, errors.New("transient archive failure")
	}

	n := a.counts[conversationID]
	a.counts[conversationID] = n + 1
	return int(n / 20), int(n % 20), nil
}

func (a *fakeArchive) Count(_ context.Context, conversationID string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[conversationID], nil
}

func newTestStore(t *testing.T, opts ...StoreOption) (*ConversationStore, *fakeArchive) {
	t.Helper()
	arch := newFakeArchive()
	return NewConversationStore(testLogger(), arch, opts...), arch
}

func mustCreate(t *testing.T, s *ConversationStore, participants []string, typ ConversationType) Conversation {
	t.Helper()
	conv, err := s.Create(context.Background(), participants, typ)
	if err != nil {
		t.Fatalf("Create(%v, %s): %v", participants, typ, err)
	}
	return conv
}

func addText(t *testing.T, s *ConversationStore, convID, sender, text string) Message {
	t.Helper()
	now := time.Now().UTC()
	msg := Message{
		ID:             NewID(now),
		ConversationID: convID,
		Sender:         sender,
		Content:        text,
		DeliveryStatus: DeliverySent,
		CreatedAt:      now,
	}
	stored, err := s.AddMessage(context.Background(), convID, msg)
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	return stored
}

func TestCreateValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, []string{"alice"}, ConversationDirect); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("direct with 1 participant: got %v, want ErrInvalidState", err)
	}
	if _, err := s.Create(ctx, []string{"alice", "bob", "carol"}, ConversationDirect); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("direct with 3 participants: got %v, want ErrInvalidState", err)
	}
	if _, err := s.Create(ctx, []string{"alice"}, ConversationGroup); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("group with 1 participant: got %v, want ErrInvalidState", err)
	}

	g := mustCreate(t, s, []string{"alice", "bob", "carol"}, ConversationGroup)
	if !g.IsAdmin("alice") {
		t.Fatalf("group creator should be admin, admins=%v", g.Admins)
	}
}

func TestCreateIsGetOrCreate(t *testing.T) {
	s, _ := newTestStore(t)

	a := mustCreate(t, s, []string{"alice", "bob"}, ConversationDirect)
	b := mustCreate(t, s, []string{"bob", "alice"}, ConversationDirect) // order must not matter

	if a.ID != b.ID {
		t.Fatalf("same participant set produced two conversations: %s vs %s", a.ID, b.ID)
	}
}

func TestFindExactSetOnly(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	conv := mustCreate(t, s, []string{"alice", "bob"}, ConversationDirect)

	got, err := s.Find(ctx, []string{"bob", "alice"})
	if err != nil {
		t.Fatalf("Find exact set: %v", err)
	}
	if got.ID != conv.ID {
		t.Fatalf("Find returned %s, want %s", got.ID, conv.ID)
	}

	if _, err := s.Find(ctx, []string{"alice", "bob", "carol"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("superset matched: got %v, want ErrNotFound", err)
	}
	if _, err := s.Find(ctx, []string{"alice"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("subset matched: got %v, want ErrNotFound", err)
	}
}

func TestAddMessageForbiddenSender(t *testing.T) {
	s, _ := newTestStore(t)
	conv := mustCreate(t, s, []string{"alice", "bob"}, ConversationDirect)

	msg := Message{ID: NewID(time.Now()), Sender: "mallory", Content: "hi", CreatedAt: time.Now().UTC()}
	if _, err := s.AddMessage(context.Background(), conv.ID, msg); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-participant sender: got %v, want ErrForbidden", err)
	}

	got, _ := s.Get(context.Background(), conv.ID)
	if got.TotalMessages != 0 || len(got.Messages) != 0 {
		t.Fatalf("rejected message mutated conversation: total=%d window=%d", got.TotalMessages, len(got.Messages))
	}
}

func TestWindowEvictionKeepsNewest(t *testing.T) {
	s, arch := newTestStore(t)
	conv := mustCreate(t, s, []string{"alice", "bob"}, ConversationDirect)
	ctx := context.Background()

	var first Message
	for i := 1; i <= WindowCap+5; i++ {
		m := addText(t, s, conv.ID, "alice", fmt.Sprintf("msg-%d", i))
		if i == 1 {
			first = m
		}
	}

	got, err := s.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if len(got.Messages) != WindowCap {
		t.Fatalf("window size = %d, want %d", len(got.Messages), WindowCap)
	}
	if got.TotalMessages != int64(WindowCap+5) {
		t.Fatalf("TotalMessages = %d, want %d", got.TotalMessages, WindowCap+5)
	}
	if got.Messages[0].Content != "msg-6" {
		t.Fatalf("oldest window message = %q, want msg-6", got.Messages[0].Content)
	}
	if got.Messages[len(got.Messages)-1].Content != fmt.Sprintf("msg-%d", WindowCap+5) {
		t.Fatalf("newest window message = %q", got.Messages[len(got.Messages)-1].Content)
	}

	// Evicted messages survive in the archive and stay addressable there.
	count, err := arch.Count(ctx, conv.ID)
	if err != nil {
		t.Fatalf("archive Count: %v", err)
	}
	if count != int64(WindowCap+5) {
		t.Fatalf("archive count = %d, want %d", count, WindowCap+5)
	}

	// Evicted ids no longer resolve for window operations.
	if _, ok := s.MessageRef(first.ID); ok {
		t.Fatalf("evicted message id still resolves to a conversation")
	}
	if _, err := s.FindWindowMessage(ctx, conv.ID, first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("evicted window lookup: got %v, want ErrNotFound", err)
	}

	// Unread counter counts every message for the non-sender.
	if got.UnreadFor("bob") != WindowCap+5 {
		t.Fatalf("bob unread = %d, want %d", got.UnreadFor("bob"), WindowCap+5)
	}
	if got.UnreadFor("alice") != 0 {
		t.Fatalf("sender unread = %d, want 0", got.UnreadFor("alice"))
	}

	if got.LastMessage == nil || got.LastMessage.Content != fmt.Sprintf("msg-%d", WindowCap+5) {
		t.Fatalf("preview not refreshed: %+v", got.LastMessage)
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	conv := mustCreate(t, s, []string{"alice", "bob"}, ConversationDirect)
	ctx := context.Background()

	addText(t, s, conv.ID, "alice", "one")
	addText(t, s, conv.ID, "alice", "two")

	changed, err := s.MarkRead(ctx, conv.ID, "bob")
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if !changed {
		t.Fatalf("first MarkRead reported no change")
	}

	got, _ := s.Get(ctx, conv.ID)
	if got.UnreadFor("bob") != 0 {
		t.Fatalf("unread after MarkRead = %d, want 0", got.UnreadFor("bob"))
	}
	for _, m := range got.Messages {
		if m.DeliveryStatus != DeliveryRead {
			t.Fatalf("message %s status = %s, want read", m.ID, m.DeliveryStatus)
		}
		if _, ok := m.ReadReceipts["bob"]; !ok {
			t.Fatalf("message %s missing bob's read receipt", m.ID)
		}
	}

	changed, err = s.MarkRead(ctx, conv.ID, "bob")
	if err != nil {
		t.Fatalf("second MarkRead: %v", err)
	}
	if changed {
		t.Fatalf("second MarkRead reported a change")
	}

	if _, err := s.MarkRead(ctx, conv.ID, "mallory"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider MarkRead: got %v, want ErrForbidden", err)
	}
}

func TestReadReceiptFirstTimestampWins(t *testing.T) {
	m := Message{ID: "m1", Sender: "alice"}

	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	if !m.MarkReadBy("bob", t0) {
		t.Fatalf("first receipt not recorded")
	}
	if m.MarkReadBy("bob", t1) {
		t.Fatalf("second receipt reported as change")
	}
	if got := m.ReadReceipts["bob"]; !got.Equal(t0) {
		t.Fatalf("receipt timestamp = %v, want %v (first wins)", got, t0)
	}
	if len(m.ReadBy) != 1 {
		t.Fatalf("ReadBy grew to %d entries", len(m.ReadBy))
	}
}

func TestArchiveTimeoutSurfacesErrTimeout(t *testing.T) {
	s, arch := newTestStore(t, WithArchiveTimeout(20*time.Millisecond))
	conv := mustCreate(t, s, []string{"alice", "bob"}, ConversationDirect)

	arch.delay = 200 * time.Millisecond

	msg := Message{ID: NewID(time.Now()), Sender: "alice", Content: "slow", CreatedAt: time.Now().UTC()}
	if _, err := s.AddMessage(context.Background(), conv.ID, msg); !errors.Is(err, ErrTimeout) {
		t.Fatalf("slow archive: got %v, want ErrTimeout", err)
	}

	got, _ := s.Get(context.Background(), conv.ID)
	if got.TotalMessages != 0 || len(got.Messages) != 0 {
		t.Fatalf("failed append mutated window: total=%d window=%d", got.TotalMessages, len(got.Messages))
	}
}

func TestArchiveRetriesOnceOnTransientError(t *testing.T) {
	s, arch := newTestStore(t)
	conv := mustCreate(t, s, []string{"alice", "bob"}, ConversationDirect)

	arch.failNext = 1
	addText(t, s, conv.ID, "alice", "retried")

	arch.failNext = 2
	msg := Message{ID: NewID(time.Now()), Sender: "alice", Content: "doomed", CreatedAt: time.Now().UTC()}
	if _, err := s.AddMessage(context.Background(), conv.ID, msg); err == nil {
		t.Fatalf("two consecutive failures should fail the append")
	}
}

func TestParticipantChangesRekeyLookup(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	conv := mustCreate(t, s, []string{"alice", "bob", "carol"}, ConversationGroup)

	if err := s.AddParticipant(ctx, conv.ID, "dave"); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	got, err := s.Find(ctx, []string{"alice", "bob", "carol", "dave"})
	if err != nil || got.ID != conv.ID {
		t.Fatalf("Find after add: %v (id=%s)", err, got.ID)
	}
	if _, err := s.Find(ctx, []string{"alice", "bob", "carol"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale key still resolves after add")
	}

	if err := s.RemoveParticipant(ctx, conv.ID, "bob"); err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}
	got, err = s.Find(ctx, []string{"alice", "carol", "dave"})
	if err != nil || got.ID != conv.ID {
		t.Fatalf("Find after remove: %v", err)
	}
	if got.HasParticipant("bob") {
		t.Fatalf("bob still listed after removal")
	}

	// Direct conversations never change membership.
	d := mustCreate(t, s, []string{"x", "y"}, ConversationDirect)
	if err := s.AddParticipant(ctx, d.ID, "z"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("direct AddParticipant: got %v, want ErrInvalidState", err)
	}
}

// Create resolving an existing participant set must not hold the index lock
// while taking the conversation lock; participant rekeys take them in the
// opposite order and the two used to deadlock.
func TestCreateConcurrentWithParticipantRekey(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	conv := mustCreate(t, s, []string{"alice", "bob"}, ConversationGroup)

	const iterations = 2000
	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				if _, err := s.Create(ctx, []string{"alice", "bob"}, ConversationGroup); err != nil {
					t.Errorf("Create: %v", err)
					return
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			_ = s.AddParticipant(ctx, conv.ID, "carol")
			_ = s.RemoveParticipant(ctx, conv.ID, "carol")
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("concurrent Create and participant rekey did not complete")
	}
}

func TestSnapshotsAreIsolated(t *testing.T) {
	s, _ := newTestStore(t)
	conv := mustCreate(t, s, []string{"alice", "bob"}, ConversationDirect)

	addText(t, s, conv.ID, "alice", "original")

	snap, _ := s.Get(context.Background(), conv.ID)
	snap.Messages[0].Content = "mutated"
	snap.UnreadCount["bob"] = 99

	again, _ := s.Get(context.Background(), conv.ID)
	if again.Messages[0].Content != "original" {
		t.Fatalf("snapshot mutation leaked into store")
	}
	if again.UnreadFor("bob") != 1 {
		t.Fatalf("unread mutated through snapshot: %d", again.UnreadFor("bob"))
	}
}

package archive

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"courier/internal/chat"
)

func appendN(t *testing.T, st Store, convID string, n int) []Entry {
	t.Helper()
	ctx := context.Background()

	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		now := time.Now().UTC()
		msg := chat.Message{
			ID:             chat.NewID(now),
			ConversationID: convID,
			Sender:         "alice",
			Content:        fmt.Sprintf("msg-%d", i),
			CreatedAt:      now,
		}
		page, seq, err := st.Append(ctx, convID, msg)
		if err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
		out = append(out, Entry{Message: msg, Page: page, Seq: seq})
	}
	return out
}

func TestPlacementFor(t *testing.T) {
	cases := []struct {
		n         int64
		page, seq int
	}{
		{0, 0, 0},
		{19, 0, 19},
		{20, 1, 0},
		{39, 1, 19},
		{40, 2, 0},
	}
	for _, c := range cases {
		page, seq := placementFor(c.n)
		if page != c.page || seq != c.seq {
			t.Errorf("placementFor(%d) = (%d,%d), want (%d,%d)", c.n, page, seq, c.page, c.seq)
		}
	}
}

func TestMemoryStorePaging(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	const conv = "conv-1"

	entries := appendN(t, st, conv, 45)

	// Placements are dense and never reassigned.
	for i, e := range entries {
		wantPage, wantSeq := placementFor(int64(i))
		if e.Page != wantPage || e.Seq != wantSeq {
			t.Fatalf("entry %d placed at (%d,%d), want (%d,%d)", i, e.Page, e.Seq, wantPage, wantSeq)
		}
	}

	count, err := st.Count(ctx, conv)
	if err != nil || count != 45 {
		t.Fatalf("Count = %d, %v; want 45", count, err)
	}

	latest, err := st.LatestPage(ctx, conv)
	if err != nil || latest != 2 {
		t.Fatalf("LatestPage = %d, %v; want 2", latest, err)
	}

	full, err := st.Page(ctx, conv, 1)
	if err != nil {
		t.Fatalf("Page(1): %v", err)
	}
	if len(full) != PageCapacity {
		t.Fatalf("page 1 size = %d, want %d", len(full), PageCapacity)
	}
	for i, e := range full {
		if e.Seq != i {
			t.Fatalf("page 1 out of order at %d: seq=%d", i, e.Seq)
		}
	}

	partial, err := st.Page(ctx, conv, 2)
	if err != nil {
		t.Fatalf("Page(2): %v", err)
	}
	if len(partial) != 5 {
		t.Fatalf("partial page size = %d, want 5", len(partial))
	}

	if _, err := st.Page(ctx, conv, 9); !errors.Is(err, ErrPageNotFound) {
		t.Fatalf("missing page: got %v, want ErrPageNotFound", err)
	}
	if _, err := st.Page(ctx, "unknown-conv", 0); !errors.Is(err, ErrPageNotFound) {
		t.Fatalf("unknown conversation: got %v, want ErrPageNotFound", err)
	}
}

func TestMemoryStoreIsolatesConversations(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	appendN(t, st, "a", 3)
	appendN(t, st, "b", 25)

	ca, _ := st.Count(ctx, "a")
	cb, _ := st.Count(ctx, "b")
	if ca != 3 || cb != 25 {
		t.Fatalf("counts = (%d,%d), want (3,25)", ca, cb)
	}

	la, _ := st.LatestPage(ctx, "a")
	lb, _ := st.LatestPage(ctx, "b")
	if la != 0 || lb != 1 {
		t.Fatalf("latest pages = (%d,%d), want (0,1)", la, lb)
	}
}

func TestMemoryStoreRejectsInvalidAppend(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	if _, _, err := st.Append(ctx, "", chat.Message{ID: "m"}); !errors.Is(err, chat.ErrInvalidState) {
		t.Fatalf("empty conversation id: got %v", err)
	}
	if _, _, err := st.Append(ctx, "c", chat.Message{}); !errors.Is(err, chat.ErrInvalidState) {
		t.Fatalf("empty message id: got %v", err)
	}
}

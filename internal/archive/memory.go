package archive

import (
	"context"
	"sync"

	"courier/internal/chat"
)

// MemoryStore is the in-process Store used for dev and tests.
type MemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memArchive
}

type memArchive struct {
	count int64
	pages [][]Entry
}

// NewMemoryStore constructs an in-memory archive.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]*memArchive)}
}

// Close is a no-op for the in-memory archive.
func (s *MemoryStore) Close() error { return nil }

// Append stores the message at the next free placement.
func (s *MemoryStore) Append(ctx context.Context, conversationID string, msg chat.Message) (int, int, error) {
	if conversationID == "" || msg.ID == "" {
		return 0, 0, chat.ErrInvalidState
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.convs[conversationID]
	if a == nil {
		a = &memArchive{}
		s.convs[conversationID] = a
	}

	page, seq := placementFor(a.count)
	if seq == 0 {
		a.pages = append(a.pages, make([]Entry, 0, PageCapacity))
	}
	a.pages[page] = append(a.pages[page], Entry{Message: msg, Page: page, Seq: seq})
	a.count++

	return page, seq, nil
}

// Page returns one page, ordered by sequence number.
func (s *MemoryStore) Page(ctx context.Context, conversationID string, page int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.convs[conversationID]
	if a == nil || page < 0 || page >= len(a.pages) {
		return nil, ErrPageNotFound
	}

	out := make([]Entry, len(a.pages[page]))
	copy(out, a.pages[page])
	return out, nil
}

// LatestPage returns the index of the newest (possibly partial) page.
func (s *MemoryStore) LatestPage(ctx context.Context, conversationID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.convs[conversationID]
	if a == nil || a.count == 0 {
		return 0, nil
	}
	page, _ := placementFor(a.count - 1)
	return page, nil
}

// Count returns the total number of archived messages.
func (s *MemoryStore) Count(ctx context.Context, conversationID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.convs[conversationID]
	if a == nil {
		return 0, nil
	}
	return a.count, nil
}

package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cockroachdb/pebble"

	"courier/internal/chat"
)

// PebbleStore is a Store backed by an embedded Pebble database. It is the
// single-node durable backend; multi-node deployments use PostgresStore.
//
// Key layout (keys sort lexicographically, so zero-padding gives iteration in
// placement order):
//
//	conv:<id>:cursor                      -> {"count": <n>}
//	conv:<id>:page:%08d:seq:%02d          -> JSON message
type PebbleStore struct {
	log *slog.Logger
	db  *pebble.DB

	// Serializes cursor read-modify-write across conversations. Contention is
	// low because per-conversation serialization already happens above.
	mu sync.Mutex
}

type pebbleCursor struct {
	Count int64 `json:"count"`
}

// OpenPebbleStore opens (or creates) a Pebble archive at path.
func OpenPebbleStore(log *slog.Logger, path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("archive: open pebble: %w", err)
	}
	log.Info("archive.pebble.open", "path", path)
	return &PebbleStore{log: log, db: db}, nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func cursorKey(conversationID string) []byte {
	return []byte("conv:" + conversationID + ":cursor")
}

func entryKey(conversationID string, page, seq int) []byte {
	return []byte(fmt.Sprintf("conv:%s:page:%08d:seq:%02d", conversationID, page, seq))
}

func pagePrefix(conversationID string, page int) []byte {
	return []byte(fmt.Sprintf("conv:%s:page:%08d:seq:", conversationID, page))
}

// Append stores the message at the next free placement, durably (fsync).
func (s *PebbleStore) Append(ctx context.Context, conversationID string, msg chat.Message) (int, int, error) {
	if conversationID == "" || msg.ID == "" {
		return 0, 0, chat.ErrInvalidState
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.readCursor(conversationID)
	if err != nil {
		return 0, 0, err
	}

	page, seq := placementFor(cur.Count)

	val, err := json.Marshal(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("archive: marshal message: %w", err)
	}

	b := s.db.NewBatch()
	defer func() { _ = b.Close() }()

	if err := b.Set(entryKey(conversationID, page, seq), val, nil); err != nil {
		return 0, 0, err
	}
	cur.Count++
	cval, err := json.Marshal(cur)
	if err != nil {
		return 0, 0, err
	}
	if err := b.Set(cursorKey(conversationID), cval, nil); err != nil {
		return 0, 0, err
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return 0, 0, fmt.Errorf("archive: commit append: %w", err)
	}
	return page, seq, nil
}

// Page returns one page, ordered by sequence number.
func (s *PebbleStore) Page(ctx context.Context, conversationID string, page int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if page < 0 {
		return nil, ErrPageNotFound
	}

	prefix := pagePrefix(conversationID, page)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = iter.Close() }()

	out := make([]Entry, 0, PageCapacity)
	seq := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m chat.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("archive: corrupt entry %q: %w", iter.Key(), err)
		}
		out = append(out, Entry{Message: m, Page: page, Seq: seq})
		seq++
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrPageNotFound
	}
	return out, nil
}

// LatestPage returns the index of the newest (possibly partial) page.
func (s *PebbleStore) LatestPage(ctx context.Context, conversationID string) (int, error) {
	n, err := s.Count(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	page, _ := placementFor(n - 1)
	return page, nil
}

// Count returns the total number of archived messages.
func (s *PebbleStore) Count(ctx context.Context, conversationID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.readCursor(conversationID)
	if err != nil {
		return 0, err
	}
	return cur.Count, nil
}

// readCursor must be called with s.mu held (for Append) or is safe standalone
// for read-only callers because Pebble reads are atomic.
func (s *PebbleStore) readCursor(conversationID string) (pebbleCursor, error) {
	var cur pebbleCursor

	val, closer, err := s.db.Get(cursorKey(conversationID))
	if err != nil {
		if err == pebble.ErrNotFound {
			return cur, nil
		}
		return cur, err
	}
	defer func() { _ = closer.Close() }()

	if err := json.Unmarshal(val, &cur); err != nil {
		return cur, fmt.Errorf("archive: corrupt cursor for %s: %w", conversationID, err)
	}
	return cur, nil
}

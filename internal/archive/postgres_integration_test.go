package archive

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"courier/internal/chat"
)

// Integration tests are enabled when COURIER_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStorePaging(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	store, schema := mustNewPostgresStore(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conv := "it-paging-" + randomHexIT(8)

	entries := appendNPostgres(t, ctx, store, conv, 45)
	for i, e := range entries {
		wantPage, wantSeq := placementFor(int64(i))
		if e.Page != wantPage || e.Seq != wantSeq {
			t.Fatalf("entry %d placed at (%d,%d), want (%d,%d)", i, e.Page, e.Seq, wantPage, wantSeq)
		}
	}

	count, err := store.Count(ctx, conv)
	if err != nil || count != 45 {
		t.Fatalf("Count = %d, %v; want 45", count, err)
	}

	latest, err := store.LatestPage(ctx, conv)
	if err != nil || latest != 2 {
		t.Fatalf("LatestPage = %d, %v; want 2", latest, err)
	}

	full, err := store.Page(ctx, conv, 0)
	if err != nil {
		t.Fatalf("Page(0): %v", err)
	}
	if len(full) != PageCapacity {
		t.Fatalf("page 0 size = %d, want %d", len(full), PageCapacity)
	}
	for i, e := range full {
		if e.Message.ID != entries[i].Message.ID {
			t.Fatalf("page 0 order mismatch at %d", i)
		}
	}

	if _, err := store.Page(ctx, conv, 9); !errors.Is(err, ErrPageNotFound) {
		t.Fatalf("missing page: got %v, want ErrPageNotFound", err)
	}
}

func TestPostgresStorePlacementsNeverReassigned(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	store, schema := mustNewPostgresStore(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conv := "it-cursor-" + randomHexIT(8)

	appendNPostgres(t, ctx, store, conv, 25)

	// A second store over the same pool and schema resumes the cursor instead
	// of reusing placements.
	again, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	now := time.Now().UTC()
	page, seq, err := again.Append(ctx, conv, chat.Message{
		ID:             "resume-" + randomHexIT(6),
		ConversationID: conv,
		Sender:         "alice",
		Content:        "after resume",
		CreatedAt:      now,
	})
	if err != nil {
		t.Fatalf("Append after resume: %v", err)
	}
	if page != 1 || seq != 5 {
		t.Fatalf("placement after resume = (%d,%d), want (1,5)", page, seq)
	}

	count, err := again.Count(ctx, conv)
	if err != nil || count != 26 {
		t.Fatalf("Count = %d, %v; want 26", count, err)
	}
}

func TestPostgresStoreRejectsInvalidAppend(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	store, schema := mustNewPostgresStore(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, _, err := store.Append(ctx, "", chat.Message{ID: "m"}); !errors.Is(err, chat.ErrInvalidState) {
		t.Fatalf("empty conversation id: got %v, want ErrInvalidState", err)
	}
	if _, _, err := store.Append(ctx, "conv", chat.Message{}); !errors.Is(err, chat.ErrInvalidState) {
		t.Fatalf("empty message id: got %v, want ErrInvalidState", err)
	}
}

// ---- helpers ----

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("COURIER_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: COURIER_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse COURIER_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

// mustNewPostgresStore creates a throwaway schema, applies the store DDL via
// EnsureSchema, and returns a store bound to it.
func mustNewPostgresStore(t *testing.T, pool *pgxpool.Pool) (*PostgresStore, string) {
	t.Helper()

	schema := "courier_it_" + strings.ToLower(randomHexIT(8))

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return store, schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func appendNPostgres(t *testing.T, ctx context.Context, store *PostgresStore, conv string, n int) []Entry {
	t.Helper()

	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		now := time.Now().UTC()
		msg := chat.Message{
			ID:             fmt.Sprintf("msg-%03d-%s", i, randomHexIT(4)),
			ConversationID: conv,
			Sender:         "alice",
			Content:        fmt.Sprintf("message %d", i),
			DeliveryStatus: chat.DeliverySent,
			CreatedAt:      now,
		}
		page, seq, err := store.Append(ctx, conv, msg)
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		out = append(out, Entry{Message: msg, Page: page, Seq: seq})
	}
	return out
}

func randomHexIT(nBytes int) string {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"courier/internal/chat"
)

// PostgresStore is a Store backed by PostgreSQL, for deployments where the
// archive is shared across server instances.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// Concurrency model:
//   - Per-conversation transactional advisory locks guarantee that placements
//     are allocated strictly monotonically and never reassigned.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "courier").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("archive: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("archive: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed archive.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "courier",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("archive: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the store's schema and tables when absent. Idempotent;
// run at startup so a fresh database serves appends without manual setup.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("archive: nil store")
	}

	schema := pgx.Identifier{s.schema}.Sanitize()
	cursors := pgIdent(s.schema, "archive_cursors")
	messages := pgIdent(s.schema, "archive_messages")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  conversation_id TEXT PRIMARY KEY,
  next_index      BIGINT NOT NULL DEFAULT 0,
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  conversation_id TEXT NOT NULL,
  page            INT NOT NULL,
  seq             INT NOT NULL,
  message_id      TEXT NOT NULL,
  sender          TEXT NOT NULL,
  payload         JSONB NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL,
  inserted_at     TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (conversation_id, page, seq),
  CONSTRAINT uq_archive_messages_message_id UNIQUE (conversation_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_archive_messages_conversation_page
  ON %s (conversation_id, page, seq ASC);
`, schema, cursors, messages, messages)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("archive: ensure schema: %w", err)
	}
	return nil
}

// Append stores the message at the next free placement.
func (s *PostgresStore) Append(ctx context.Context, conversationID string, msg chat.Message) (int, int, error) {
	if s == nil || s.pool == nil {
		return 0, 0, errors.New("archive: nil store")
	}
	if conversationID == "" || msg.ID == "" {
		return 0, 0, chat.ErrInvalidState
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(s.schema, "archive_cursors")
	messages := pgIdent(s.schema, "archive_messages")

	// Serialize placement allocation per conversation so page/seq pairs are
	// strictly monotonic even when multiple instances share the archive.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, conversationID); err != nil {
		return 0, 0, fmt.Errorf("advisory lock: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (conversation_id, next_index)
		 VALUES ($1, 0)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		conversationID,
	); err != nil {
		return 0, 0, err
	}

	var n int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_index = next_index + 1,
		        updated_at = now()
		  WHERE conversation_id = $1
		RETURNING (next_index - 1)`,
		conversationID,
	).Scan(&n); err != nil {
		return 0, 0, err
	}

	page, seq := placementFor(n)

	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("archive: marshal message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     conversation_id, page, seq, message_id, sender, payload, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		conversationID, page, seq, msg.ID, msg.Sender, payload, msg.CreatedAt,
	); err != nil {
		return 0, 0, fmt.Errorf("insert archive entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, err
	}
	return page, seq, nil
}

// Page returns one page, ordered by sequence number.
func (s *PostgresStore) Page(ctx context.Context, conversationID string, page int) ([]Entry, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("archive: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if page < 0 {
		return nil, ErrPageNotFound
	}

	messages := pgIdent(s.schema, "archive_messages")

	rows, err := s.pool.Query(ctx,
		`SELECT seq, payload
		   FROM `+messages+`
		  WHERE conversation_id = $1 AND page = $2
		  ORDER BY seq ASC`,
		conversationID, page,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0, PageCapacity)
	for rows.Next() {
		var (
			seq     int
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, err
		}
		var m chat.Message
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("archive: corrupt entry page=%d seq=%d: %w", page, seq, err)
		}
		out = append(out, Entry{Message: m, Page: page, Seq: seq})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrPageNotFound
	}
	return out, nil
}

// LatestPage returns the index of the newest (possibly partial) page.
func (s *PostgresStore) LatestPage(ctx context.Context, conversationID string) (int, error) {
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
func (s *PostgresStore) Count(ctx context.Context, conversationID string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("archive: nil store")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	cursors := pgIdent(s.schema, "archive_cursors")

	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT next_index FROM `+cursors+` WHERE conversation_id = $1`,
		conversationID,
	).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

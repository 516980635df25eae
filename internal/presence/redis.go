package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	mirrorTimeout = 2 * time.Second
	mirrorTTL     = 90 * time.Second
)

// RedisMirror mirrors presence transitions into Redis so sibling instances and
// external services can observe them. It is strictly best-effort: the local
// registry stays authoritative for this process and mirror failures are logged
// and swallowed.
//
// Keys:
//
//	courier:presence:<userID> -> {"status": "...", "last_seen": <unix>} (TTL'd)
//
// Every transition is also published on the "courier:presence" channel.
type RedisMirror struct {
	log    *slog.Logger
	client *redis.Client
	prefix string
}

// NewRedisMirror constructs a mirror using the given client.
func NewRedisMirror(log *slog.Logger, client *redis.Client) *RedisMirror {
	return &RedisMirror{log: log, client: client, prefix: "courier:presence"}
}

// Watcher returns the registry watcher that feeds this mirror.
func (m *RedisMirror) Watcher() Watcher {
	return func(t Transition) {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()

		if err := m.apply(ctx, t); err != nil {
			m.log.Warn("presence.mirror.fail", "user_id", t.UserID, "online", t.Online, "err", err)
		}
	}
}

func (m *RedisMirror) apply(ctx context.Context, t Transition) error {
	status := "offline"
	ttl := time.Duration(0)
	if t.Online {
		status = "online"
		ttl = mirrorTTL
	}

	body, err := json.Marshal(map[string]any{
		"status":    status,
		"last_seen": t.At.Unix(),
	})
	if err != nil {
		return err
	}

	key := m.prefix + ":" + t.UserID
	if err := m.client.Set(ctx, key, body, ttl).Err(); err != nil {
		return err
	}
	return m.client.Publish(ctx, m.prefix, body).Err()
}

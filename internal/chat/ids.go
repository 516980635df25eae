package chat

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a ULID string (26 chars).
// ULIDs are lexicographically sortable, which keeps message and conversation
// ids ordered by creation time in logs and storage keys.
func NewID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		// rand.Reader failing is not recoverable at this layer; fall back to a
		// monotonic-entropy-free ULID rather than returning an empty id.
		return ulid.MustNew(ulid.Timestamp(now), zeroReader{}).String()
	}
	return id.String()
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

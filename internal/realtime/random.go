package realtime

import (
	"crypto/rand"
	"encoding/hex"
)

// NewRandomHex returns 2*nBytes hex chars of crypto randomness. Used for
// connection and envelope ids, which must be unguessable but carry no
// structure. nBytes <= 0 falls back to 16 bytes.
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		// rand failure is effectively fatal; an empty id shows up in logs as
		// the signal.
		return ""
	}

	return hex.EncodeToString(b)
}

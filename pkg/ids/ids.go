// Package ids generates the identifiers used across the store: capsule,
// memory and blob ids are uuids; session ids are random non-zero uint64
// values so no counter has to be persisted in either backend.
package ids

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

func NewCapsuleID() string { return "capsule-" + uuid.NewString() }

func NewMemoryID() string { return "memory-" + uuid.NewString() }

func NewBlobID() string { return "blob-" + uuid.NewString() }

// NewSessionID returns a random non-zero session id.
func NewSessionID() (uint64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("session id entropy: %w", err)
		}
		if id := binary.BigEndian.Uint64(buf[:]); id != 0 {
			return id, nil
		}
	}
}

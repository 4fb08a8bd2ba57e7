// Package chunks stores in-flight upload chunk bytes. Chunks are keyed
// by a deterministic scope derived from (provisional memory id, session
// id) so concurrent sessions can never collide, and the scope prefix is
// never reused once the session reaches a terminal state.
package chunks

import (
	"fmt"

	"capsuled/pkg/faults"
	"capsuled/pkg/keys"
	"capsuled/pkg/kv"
)

// Store holds chunk bytes in the keyed store under the chunk namespace.
type Store struct {
	kv kv.Store
}

// New returns a chunk store over the given keyed store.
func New(s kv.Store) *Store {
	return &Store{kv: s}
}

// Put writes one chunk. Writing the same index twice overwrites: a
// retried network call must be able to resend a chunk without error.
// chunkSize is the full-chunk size the owning session was begun with,
// not the current config: a session must stay self-consistent across a
// config change. Size rules: index < expected; all chunks fit within
// chunkSize; only the last index may be shorter.
func (s *Store) Put(scopeID string, idx, expected uint32, chunkSize uint64, data []byte) error {
	if idx >= expected {
		return faults.InvalidArgument("chunk index %d out of range (expected %d chunks)", idx, expected)
	}
	if len(data) == 0 {
		return faults.InvalidArgument("empty chunk")
	}
	if uint64(len(data)) > chunkSize {
		return faults.InvalidArgument("chunk of %d bytes exceeds chunk size %d", len(data), chunkSize)
	}
	if uint64(len(data)) < chunkSize && idx != expected-1 {
		return faults.InvalidArgument("short chunk %d of %d bytes: only the last chunk may be smaller than %d", idx, len(data), chunkSize)
	}
	return s.kv.Upsert(keys.Chunk(scopeID, idx), kv.Value{Data: data})
}

// Get returns the bytes of one chunk.
func (s *Store) Get(scopeID string, idx uint32) ([]byte, bool, error) {
	v, ok, err := s.kv.Get(keys.Chunk(scopeID, idx))
	if err != nil || !ok {
		return nil, false, err
	}
	return v.Data, true, nil
}

// Count returns how many distinct chunk indexes are present for a scope.
func (s *Store) Count(scopeID string) (uint32, error) {
	var n uint32
	err := s.kv.Scan(keys.ChunkScope(scopeID), func(string, kv.Value) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}

// HasAll reports whether every index in [0, expected) is present.
func (s *Store) HasAll(scopeID string, expected uint32) (bool, error) {
	n, err := s.Count(scopeID)
	if err != nil {
		return false, err
	}
	return n == expected, nil
}

// Drain visits the chunks of a scope in index order. The zero-padded
// index in the key makes store iteration order the index order.
func (s *Store) Drain(scopeID string, fn func(idx uint32, data []byte) error) error {
	next := uint32(0)
	return s.kv.Scan(keys.ChunkScope(scopeID), func(key string, v kv.Value) (bool, error) {
		var idx uint32
		if _, err := fmt.Sscanf(key[len(keys.ChunkScope(scopeID)):], "%d", &idx); err != nil {
			return false, fmt.Errorf("malformed chunk key %q: %w", key, err)
		}
		if idx != next {
			return false, faults.InvalidArgument("missing chunk %d", next)
		}
		next++
		if err := fn(idx, v.Data); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Purge removes every chunk of a scope. Called when the owning session
// reaches a terminal state.
func (s *Store) Purge(scopeID string) error {
	var toDelete []string
	err := s.kv.Scan(keys.ChunkScope(scopeID), func(key string, _ kv.Value) (bool, error) {
		toDelete = append(toDelete, key)
		return true, nil
	})
	if err != nil {
		return err
	}
	for _, k := range toDelete {
		if _, _, err := s.kv.Remove(k); err != nil {
			return err
		}
	}
	return nil
}

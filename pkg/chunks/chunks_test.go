package chunks

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"capsuled/pkg/faults"
	"capsuled/pkg/keys"
	"capsuled/pkg/kv"
)

const testChunkSize = 8

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(kv.NewMemory())
}

func full(b byte) []byte { return bytes.Repeat([]byte{b}, testChunkSize) }

func TestPutValidation(t *testing.T) {
	s := newStore(t)
	scope := keys.ChunkScopeID("memory-1", 1)

	// index out of range
	err := s.Put(scope, 3, 3, testChunkSize, full(0xAA))
	require.ErrorIs(t, err, faults.ErrInvalidArgument)

	// oversized chunk
	err = s.Put(scope, 0, 3, testChunkSize, bytes.Repeat([]byte{0xAA}, testChunkSize+1))
	require.ErrorIs(t, err, faults.ErrInvalidArgument)

	// short chunk in a non-final position
	err = s.Put(scope, 0, 3, testChunkSize, []byte{0xAA})
	require.ErrorIs(t, err, faults.ErrInvalidArgument)

	// empty chunk
	err = s.Put(scope, 2, 3, testChunkSize, nil)
	require.ErrorIs(t, err, faults.ErrInvalidArgument)

	// full chunks anywhere, short chunk at the end
	require.NoError(t, s.Put(scope, 0, 3, testChunkSize, full(0xAA)))
	require.NoError(t, s.Put(scope, 1, 3, testChunkSize, full(0xBB)))
	require.NoError(t, s.Put(scope, 2, 3, testChunkSize, []byte{0xCC, 0xDD}))
}

func TestPutValidatesAgainstCallerChunkSize(t *testing.T) {
	s := newStore(t)
	scope := keys.ChunkScopeID("memory-1", 8)

	// the same store serves sessions begun under different chunk sizes
	require.NoError(t, s.Put(scope, 0, 2, 4, bytes.Repeat([]byte{1}, 4)))
	err := s.Put(scope, 1, 2, 4, bytes.Repeat([]byte{1}, 8))
	require.ErrorIs(t, err, faults.ErrInvalidArgument)
	require.NoError(t, s.Put(scope, 1, 2, 8, bytes.Repeat([]byte{1}, 8)))
}

func TestOverwriteIsIdempotent(t *testing.T) {
	s := newStore(t)
	scope := keys.ChunkScopeID("memory-1", 2)
	require.NoError(t, s.Put(scope, 0, 1, testChunkSize, []byte{1, 2, 3}))
	require.NoError(t, s.Put(scope, 0, 1, testChunkSize, []byte{9, 9}))
	got, ok, err := s.Get(scope, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{9, 9}, got, "second write wins")
	n, err := s.Count(scope)
	require.NoError(t, err)
	require.Equal(t, uint32(1), n)
}

func TestHasAll(t *testing.T) {
	s := newStore(t)
	scope := keys.ChunkScopeID("memory-1", 3)
	require.NoError(t, s.Put(scope, 0, 3, testChunkSize, full(1)))
	require.NoError(t, s.Put(scope, 2, 3, testChunkSize, []byte{3}))
	ok, err := s.HasAll(scope, 3)
	require.NoError(t, err)
	require.False(t, ok, "chunk 1 missing")
	require.NoError(t, s.Put(scope, 1, 3, testChunkSize, full(2)))
	ok, err = s.HasAll(scope, 3)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDrainOrderedByIndex(t *testing.T) {
	s := newStore(t)
	scope := keys.ChunkScopeID("memory-1", 4)
	// write out of order
	require.NoError(t, s.Put(scope, 2, 3, testChunkSize, []byte{3}))
	require.NoError(t, s.Put(scope, 0, 3, testChunkSize, full(1)))
	require.NoError(t, s.Put(scope, 1, 3, testChunkSize, full(2)))

	var order []uint32
	var data []byte
	err := s.Drain(scope, func(idx uint32, b []byte) error {
		order = append(order, idx)
		data = append(data, b...)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint32{0, 1, 2}, order)
	want := append(append(full(1), full(2)...), 3)
	require.Equal(t, want, data)
}

func TestDrainDetectsGap(t *testing.T) {
	s := newStore(t)
	scope := keys.ChunkScopeID("memory-1", 5)
	require.NoError(t, s.Put(scope, 0, 3, testChunkSize, full(1)))
	require.NoError(t, s.Put(scope, 2, 3, testChunkSize, []byte{3}))
	err := s.Drain(scope, func(uint32, []byte) error { return nil })
	require.ErrorIs(t, err, faults.ErrInvalidArgument)
}

func TestPurgeRemovesOnlyOwnScope(t *testing.T) {
	s := newStore(t)
	a := keys.ChunkScopeID("memory-1", 6)
	b := keys.ChunkScopeID("memory-1", 7)
	require.NoError(t, s.Put(a, 0, 1, testChunkSize, []byte{1}))
	require.NoError(t, s.Put(b, 0, 1, testChunkSize, []byte{2}))
	require.NoError(t, s.Purge(a))

	n, err := s.Count(a)
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = s.Count(b)
	require.NoError(t, err)
	require.Equal(t, uint32(1), n)
}

func TestConcurrentScopesIsolated(t *testing.T) {
	s := newStore(t)
	a := keys.ChunkScopeID("memory-1", 10)
	b := keys.ChunkScopeID("memory-2", 11)
	require.NoError(t, s.Put(a, 0, 2, testChunkSize, full(0xAA)))
	require.NoError(t, s.Put(b, 0, 2, testChunkSize, full(0xBB)))
	got, ok, err := s.Get(a, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, full(0xAA), got)
}

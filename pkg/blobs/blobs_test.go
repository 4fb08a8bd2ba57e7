package blobs

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"capsuled/pkg/faults"
	"capsuled/pkg/kv"
)

func chunkSource(chunks ...[]byte) ChunkSource {
	return func(fn func(idx uint32, data []byte) error) error {
		for i, c := range chunks {
			if err := fn(uint32(i), c); err != nil {
				return err
			}
		}
		return nil
	}
}

func digest(chunks ...[]byte) (uint64, string) {
	h := sha256.New()
	var n uint64
	for _, c := range chunks {
		h.Write(c)
		n += uint64(len(c))
	}
	return n, hex.EncodeToString(h.Sum(nil))
}

func TestAssembleAndRead(t *testing.T) {
	s := New(kv.NewMemory())
	c0, c1 := []byte("hello "), []byte("world")
	size, sum := digest(c0, c1)

	meta, err := s.Assemble("blob-1", size, sum, chunkSource(c0, c1))
	require.NoError(t, err)
	require.Equal(t, size, meta.Size)
	require.Equal(t, sum, meta.SHA256)
	require.Equal(t, uint32(2), meta.Chunks)

	got, ok, err := s.ReadAll("blob-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello world"), got)
}

func TestAssembleLengthMismatch(t *testing.T) {
	store := kv.NewMemory()
	s := New(store)
	c := []byte("data")
	_, sum := digest(c)

	_, err := s.Assemble("blob-1", 99, sum, chunkSource(c))
	require.ErrorIs(t, err, faults.ErrIntegrity)

	// nothing persisted
	n, err := store.Len()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestAssembleHashMismatch(t *testing.T) {
	store := kv.NewMemory()
	s := New(store)
	c := []byte("data")
	wrong := sha256.Sum256([]byte("other"))

	_, err := s.Assemble("blob-1", uint64(len(c)), hex.EncodeToString(wrong[:]), chunkSource(c))
	require.ErrorIs(t, err, faults.ErrIntegrity)
	n, err := store.Len()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestAssembleRejectsBadDigestArgument(t *testing.T) {
	s := New(kv.NewMemory())
	_, err := s.Assemble("blob-1", 4, "nothex", chunkSource([]byte("data")))
	require.ErrorIs(t, err, faults.ErrInvalidArgument)
	_, err = s.Assemble("blob-1", 4, "zz00000000000000000000000000000000000000000000000000000000000000", chunkSource([]byte("data")))
	require.ErrorIs(t, err, faults.ErrInvalidArgument)
}

func TestAssembleAcceptsUppercaseDigest(t *testing.T) {
	s := New(kv.NewMemory())
	c := []byte("payload")
	size, sum := digest(c)
	var upper string
	for _, r := range sum {
		if r >= 'a' && r <= 'f' {
			upper += string(r - 32)
		} else {
			upper += string(r)
		}
	}
	meta, err := s.Assemble("blob-1", size, upper, chunkSource(c))
	require.NoError(t, err)
	require.Equal(t, sum, meta.SHA256, "stored digest is normalized lowercase")
}

func TestMetaAndDelete(t *testing.T) {
	store := kv.NewMemory()
	s := New(store)
	c := []byte("some bytes")
	size, sum := digest(c)
	_, err := s.Assemble("blob-1", size, sum, chunkSource(c))
	require.NoError(t, err)

	meta, ok, err := s.Meta("blob-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "blob-1", meta.ID)

	require.NoError(t, s.Delete("blob-1"))
	_, ok, err = s.Meta("blob-1")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = s.ReadAll("blob-1")
	require.NoError(t, err)
	require.False(t, ok)
	n, err := store.Len()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReadMissingBlob(t *testing.T) {
	s := New(kv.NewMemory())
	_, ok, err := s.ReadAll("nope")
	require.NoError(t, err)
	require.False(t, ok)
}

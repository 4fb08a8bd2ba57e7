package capsule

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"capsuled/pkg/blobs"
	"capsuled/pkg/faults"
	"capsuled/pkg/kv"
	"capsuled/pkg/models"
)

func newRegistry(t *testing.T) (*Registry, kv.Store, *blobs.Store) {
	t.Helper()
	store := kv.NewMemory()
	bs := blobs.New(store)
	return New(store, bs), store, bs
}

func TestRegisterFirstTouchIdempotent(t *testing.T) {
	r, _, _ := newRegistry(t)
	c1, err := r.Register("alice", "family")
	require.NoError(t, err)
	require.NotEmpty(t, c1.ID)
	require.Equal(t, "alice", c1.Owner)

	c2, err := r.Register("alice", "other")
	require.NoError(t, err)
	require.Equal(t, c1.ID, c2.ID, "second registration returns the existing capsule")

	ids, err := r.ListByOwner("alice")
	require.NoError(t, err)
	require.Equal(t, []string{c1.ID}, ids)
}

func TestAuthorizeWrite(t *testing.T) {
	r, _, _ := newRegistry(t)
	c, err := r.Register("alice", "")
	require.NoError(t, err)

	ok, err := r.AuthorizeWrite(c.ID, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = r.AuthorizeWrite(c.ID, "mallory")
	require.NoError(t, err)
	require.False(t, ok)

	// controllers gain write access; only the owner can add them
	err = r.AddController(c.ID, "mallory", "bob")
	require.ErrorIs(t, err, faults.ErrUnauthorized)
	require.NoError(t, r.AddController(c.ID, "alice", "bob"))
	ok, err = r.AuthorizeWrite(c.ID, "bob")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = r.AuthorizeWrite("capsule-missing", "alice")
	require.ErrorIs(t, err, faults.ErrNotFound)
}

func mem(id, capsuleID, owner string, data []byte) models.Memory {
	sum := sha256.Sum256(data)
	return models.Memory{
		ID:        id,
		CapsuleID: capsuleID,
		Owner:     owner,
		Inline:    data,
		Size:      uint64(len(data)),
		SHA256:    hex.EncodeToString(sum[:]),
	}
}

func TestAttachAndListMemories(t *testing.T) {
	r, _, _ := newRegistry(t)
	c, err := r.Register("alice", "")
	require.NoError(t, err)

	require.NoError(t, r.AttachMemory(c.ID, mem("memory-b", c.ID, "alice", []byte("2"))))
	require.NoError(t, r.AttachMemory(c.ID, mem("memory-a", c.ID, "alice", []byte("1"))))

	got, err := r.Get(c.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"memory-b", "memory-a"}, got.MemoryIDs, "attach order")

	listed, err := r.ListMemories(c.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"memory-a", "memory-b"}, listed)
}

func TestAttachValidation(t *testing.T) {
	r, _, _ := newRegistry(t)
	c, err := r.Register("alice", "")
	require.NoError(t, err)

	err = r.AttachMemory(c.ID, mem("", c.ID, "alice", []byte("x")))
	require.ErrorIs(t, err, faults.ErrInvalidArgument)

	err = r.AttachMemory(c.ID, mem("memory-1", "capsule-other", "alice", []byte("x")))
	require.ErrorIs(t, err, faults.ErrInvalidArgument)

	err = r.AttachMemory("capsule-missing", mem("memory-1", "capsule-missing", "alice", []byte("x")))
	require.ErrorIs(t, err, faults.ErrNotFound)

	// duplicate attach of the same memory id conflicts
	require.NoError(t, r.AttachMemory(c.ID, mem("memory-1", c.ID, "alice", []byte("x"))))
	err = r.AttachMemory(c.ID, mem("memory-1", c.ID, "alice", []byte("y")))
	require.ErrorIs(t, err, faults.ErrConflict)
}

func TestDeleteMemoryRemovesUnreferencedBlob(t *testing.T) {
	r, store, bs := newRegistry(t)
	c, err := r.Register("alice", "")
	require.NoError(t, err)

	data := []byte("blob content")
	sum := sha256.Sum256(data)
	_, err = bs.Assemble("blob-1", uint64(len(data)), hex.EncodeToString(sum[:]), func(fn func(uint32, []byte) error) error {
		return fn(0, data)
	})
	require.NoError(t, err)

	m := models.Memory{ID: "memory-1", CapsuleID: c.ID, Owner: "alice", BlobID: "blob-1", Size: uint64(len(data))}
	require.NoError(t, r.AttachMemory(c.ID, m))

	require.ErrorIs(t, r.DeleteMemory("mallory", "memory-1"), faults.ErrUnauthorized)
	require.NoError(t, r.DeleteMemory("alice", "memory-1"))

	_, err = r.GetMemory("memory-1")
	require.ErrorIs(t, err, faults.ErrNotFound)
	_, ok, err := bs.Meta("blob-1")
	require.NoError(t, err)
	require.False(t, ok, "unreferenced blob removed with its memory")

	got, err := r.Get(c.ID)
	require.NoError(t, err)
	require.Empty(t, got.MemoryIDs)

	// store holds only the capsule record now
	n, err := store.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDeleteMemoryKeepsSharedBlob(t *testing.T) {
	r, _, bs := newRegistry(t)
	c, err := r.Register("alice", "")
	require.NoError(t, err)

	data := []byte("shared")
	sum := sha256.Sum256(data)
	_, err = bs.Assemble("blob-1", uint64(len(data)), hex.EncodeToString(sum[:]), func(fn func(uint32, []byte) error) error {
		return fn(0, data)
	})
	require.NoError(t, err)

	require.NoError(t, r.AttachMemory(c.ID, models.Memory{ID: "memory-1", CapsuleID: c.ID, Owner: "alice", BlobID: "blob-1"}))
	require.NoError(t, r.AttachMemory(c.ID, models.Memory{ID: "memory-2", CapsuleID: c.ID, Owner: "alice", BlobID: "blob-1"}))

	require.NoError(t, r.DeleteMemory("alice", "memory-1"))
	_, ok, err := bs.Meta("blob-1")
	require.NoError(t, err)
	require.True(t, ok, "blob still referenced by memory-2")
}

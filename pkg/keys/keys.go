// Package keys builds the namespaced store keys. Sessions, chunks,
// blobs and capsule records share one logical keyed store but live in
// disjoint prefixes so the namespaces cannot collide.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Key namespaces. Every key in the store starts with one of these.
const (
	CapsulePrefix  = "capsule:"
	MemoryPrefix   = "memory:"
	SessionPrefix  = "session:"
	ChunkPrefix    = "chunk:"
	BlobMetaPrefix = "blobmeta:"
	BlobDataPrefix = "blobdata:"
)

func Capsule(id string) string { return CapsulePrefix + id }

func Memory(id string) string { return MemoryPrefix + id }

// Session keys zero-pad the id so lexicographic order matches numeric order.
func Session(id uint64) string { return fmt.Sprintf("%s%020d", SessionPrefix, id) }

func BlobMeta(id string) string { return BlobMetaPrefix + id }

// BlobData addresses one stored chunk of an assembled blob.
func BlobData(id string, idx uint32) string {
	return fmt.Sprintf("%s%s:%08d", BlobDataPrefix, id, idx)
}

// BlobDataScope is the prefix covering all data chunks of one blob.
func BlobDataScope(id string) string { return BlobDataPrefix + id + ":" }

// ChunkScopeID derives the deterministic per-session chunk namespace
// from the provisional memory id and the session id. Hashing the pair
// guarantees chunk keys from concurrent sessions never collide, even
// for the same caller and capsule, and that a scope is never reused
// across sessions.
func ChunkScopeID(provisionalMemoryID string, sessionID uint64) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", provisionalMemoryID, sessionID)))
	return hex.EncodeToString(h[:])
}

// Chunk addresses one uploaded chunk inside a session scope. The index
// is zero-padded so iteration over the scope prefix yields chunks in
// index order.
func Chunk(scopeID string, idx uint32) string {
	return fmt.Sprintf("%s%s:%08d", ChunkPrefix, scopeID, idx)
}

// ChunkScope is the prefix covering all chunks of one session scope.
func ChunkScope(scopeID string) string { return ChunkPrefix + scopeID + ":" }

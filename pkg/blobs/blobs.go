// Package blobs stores assembled, hash-verified binary payloads. A blob
// only comes into existence through Assemble, which verifies both the
// total length and the sha256 digest before anything is persisted; once
// written a blob is immutable.
package blobs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"capsuled/pkg/faults"
	"capsuled/pkg/keys"
	"capsuled/pkg/kv"
	"capsuled/pkg/logger"
	"capsuled/pkg/models"
)

// ChunkSource streams chunks in index order into the callback.
type ChunkSource func(fn func(idx uint32, data []byte) error) error

// Store persists blob metadata and data chunks in distinct namespaces
// of the keyed store.
type Store struct {
	kv kv.Store
}

func New(s kv.Store) *Store { return &Store{kv: s} }

// Assemble verifies the streamed chunks against the caller-supplied
// length and sha256 and, only if both match, persists the blob. The
// source is consumed twice: once to verify, once to copy, so a failed
// verification persists nothing.
func (s *Store) Assemble(id string, expectedLen uint64, expectedSHA256 string, src ChunkSource) (models.BlobMeta, error) {
	var meta models.BlobMeta
	want := strings.ToLower(strings.TrimSpace(expectedSHA256))
	if len(want) != hex.EncodedLen(sha256.Size) {
		return meta, faults.InvalidArgument("expected sha256 must be %d hex chars", hex.EncodedLen(sha256.Size))
	}
	if _, err := hex.DecodeString(want); err != nil {
		return meta, faults.InvalidArgument("expected sha256 is not hex")
	}

	h := sha256.New()
	var total uint64
	var count uint32
	err := src(func(idx uint32, data []byte) error {
		h.Write(data)
		total += uint64(len(data))
		count++
		return nil
	})
	if err != nil {
		return meta, err
	}
	if total != expectedLen {
		return meta, faults.Integrity("assembled length %d does not match expected %d", total, expectedLen)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != want {
		return meta, faults.Integrity("assembled sha256 %s does not match expected %s", got, want)
	}

	// verified; copy the chunks into the blob namespace
	err = src(func(idx uint32, data []byte) error {
		return s.kv.Upsert(keys.BlobData(id, idx), kv.Value{Data: data})
	})
	if err != nil {
		return meta, err
	}
	meta = models.BlobMeta{
		ID:        id,
		Size:      total,
		SHA256:    got,
		Chunks:    count,
		CreatedTS: time.Now().UTC().UnixNano(),
	}
	mb, err := json.Marshal(meta)
	if err != nil {
		return models.BlobMeta{}, fmt.Errorf("marshal blob meta: %w", err)
	}
	if err := s.kv.Upsert(keys.BlobMeta(id), kv.Value{Data: mb}); err != nil {
		return models.BlobMeta{}, err
	}
	logger.Info("blob_assembled", "blob", id, "size", total, "chunks", count)
	return meta, nil
}

// Meta returns the metadata for a blob.
func (s *Store) Meta(id string) (models.BlobMeta, bool, error) {
	var meta models.BlobMeta
	v, ok, err := s.kv.Get(keys.BlobMeta(id))
	if err != nil || !ok {
		return meta, false, err
	}
	if err := json.Unmarshal(v.Data, &meta); err != nil {
		return meta, false, fmt.Errorf("unmarshal blob meta %q: %w", id, err)
	}
	return meta, true, nil
}

// Read streams the blob's bytes in order into fn.
func (s *Store) Read(id string, fn func(data []byte) error) (bool, error) {
	_, ok, err := s.Meta(id)
	if err != nil || !ok {
		return false, err
	}
	err = s.kv.Scan(keys.BlobDataScope(id), func(_ string, v kv.Value) (bool, error) {
		if err := fn(v.Data); err != nil {
			return false, err
		}
		return true, nil
	})
	return true, err
}

// ReadAll materializes the whole blob. Intended for small blobs and
// tests; large reads should use Read.
func (s *Store) ReadAll(id string) ([]byte, bool, error) {
	var out []byte
	ok, err := s.Read(id, func(data []byte) error {
		out = append(out, data...)
		return nil
	})
	if err != nil || !ok {
		return nil, ok, err
	}
	return out, true, nil
}

// Delete removes the blob's metadata and data chunks.
func (s *Store) Delete(id string) error {
	var toDelete []string
	err := s.kv.Scan(keys.BlobDataScope(id), func(key string, _ kv.Value) (bool, error) {
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
	if _, _, err := s.kv.Remove(keys.BlobMeta(id)); err != nil {
		return err
	}
	logger.Info("blob_deleted", "blob", id)
	return nil
}

// Package upload orchestrates the chunked upload protocol:
// begin / put_chunk / finish / abort over the session registry, chunk
// store, blob store and capsule registry. All verification failures in
// finish leave the session Pending and its chunks intact so the caller
// can retry with corrected arguments without re-uploading.
package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"capsuled/pkg/blobs"
	"capsuled/pkg/chunks"
	"capsuled/pkg/config"
	"capsuled/pkg/faults"
	"capsuled/pkg/ids"
	"capsuled/pkg/keys"
	"capsuled/pkg/logger"
	"capsuled/pkg/models"
	"capsuled/pkg/sessions"
)

// Attacher attaches a finished memory to its capsule as one logical
// commit, and detaches it again when a later step of the commit fails.
// The capsule registry implements it.
type Attacher interface {
	AttachMemory(capsuleID string, m models.Memory) error
	DeleteMemory(caller, id string) error
}

// Service is the upload orchestrator.
type Service struct {
	sessions *sessions.Registry
	chunks   *chunks.Store
	blobs    *blobs.Store
	auth     sessions.Authorizer
	attach   Attacher
	cfg      config.UploadConfig
	now      func() time.Time
}

// New wires the orchestrator. auth and attach are usually both the
// capsule registry.
func New(sr *sessions.Registry, cs *chunks.Store, bs *blobs.Store, auth sessions.Authorizer, attach Attacher, cfg config.UploadConfig) *Service {
	return &Service{
		sessions: sr,
		chunks:   cs,
		blobs:    bs,
		auth:     auth,
		attach:   attach,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Begin admits a new upload session (or returns the live session for a
// retried idempotency key) and may opportunistically purge expired
// sessions as a side effect.
func (s *Service) Begin(capsuleID, caller string, expectedChunks uint32, meta models.AssetMetadata, idempotencyKey string) (uint64, error) {
	sess, err := s.sessions.Begin(capsuleID, caller, expectedChunks, meta, idempotencyKey)
	if err != nil {
		return 0, err
	}
	beginsTotal.Inc()
	return sess.ID, nil
}

// loadOwned fetches the session and checks caller ownership.
func (s *Service) loadOwned(sessionID uint64, caller string) (*models.UploadSession, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Caller != caller {
		return nil, faults.Unauthorized("session %d is not owned by caller %q", sessionID, caller)
	}
	return sess, nil
}

// PutChunk validates and stores one chunk, updating the session's
// received counters. Rewriting an index the session already holds is an
// accepted idempotent overwrite, not an error.
func (s *Service) PutChunk(sessionID uint64, caller string, idx uint32, data []byte) error {
	sess, err := s.loadOwned(sessionID, caller)
	if err != nil {
		return err
	}
	if sess.Status != models.SessionPending {
		return faults.InvalidState("session %d is %s", sessionID, sess.Status)
	}
	scope := keys.ChunkScopeID(sess.ProvisionalMemoryID, sess.ID)
	prev, existed, err := s.chunks.Get(scope, idx)
	if err != nil {
		return err
	}
	if err := s.chunks.Put(scope, idx, sess.ExpectedChunks, sess.ChunkSize, data); err != nil {
		return err
	}
	delta := int64(len(data))
	if existed {
		delta -= int64(len(prev))
	}
	if err := s.sessions.RecordChunk(sessionID, !existed, delta); err != nil {
		return err
	}
	chunksTotal.Inc()
	chunkBytesTotal.Add(float64(len(data)))
	return nil
}

// Finish verifies completeness and integrity, assembles the blob,
// creates the memory and attaches it to the capsule, then commits the
// session and purges its chunks. A finish retry after a successful
// commit returns the recorded result unchanged.
func (s *Service) Finish(sessionID uint64, caller string, expectedLen uint64, expectedSHA256 string) (*models.CommitResult, error) {
	sess, err := s.loadOwned(sessionID, caller)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case models.SessionCommitted:
		if sess.Commit == nil {
			return nil, faults.InvalidState("session %d committed without a recorded result", sessionID)
		}
		return sess.Commit, nil
	case models.SessionAborted:
		return nil, faults.InvalidState("session %d is aborted", sessionID)
	}

	scope := keys.ChunkScopeID(sess.ProvisionalMemoryID, sess.ID)
	complete, err := s.chunks.HasAll(scope, sess.ExpectedChunks)
	if err != nil {
		return nil, err
	}
	if !complete {
		return nil, faults.InvalidArgument("missing chunks: session %d expects %d", sessionID, sess.ExpectedChunks)
	}
	maxLen := uint64(sess.ExpectedChunks) * sess.ChunkSize
	if expectedLen == 0 || expectedLen > maxLen {
		return nil, faults.InvalidArgument("expected length %d outside 1..%d", expectedLen, maxLen)
	}

	blobID := ids.NewBlobID()
	meta, err := s.blobs.Assemble(blobID, expectedLen, expectedSHA256, func(fn func(idx uint32, data []byte) error) error {
		return s.chunks.Drain(scope, fn)
	})
	if err != nil {
		// session stays Pending, chunks stay intact: the caller may
		// retry finish with corrected arguments without re-uploading
		return nil, err
	}

	// assembly crossed component boundaries; re-validate the session is
	// still Pending before committing
	sess, err = s.sessions.Get(sessionID)
	if err != nil {
		_ = s.blobs.Delete(blobID)
		return nil, err
	}
	if sess.Status != models.SessionPending {
		_ = s.blobs.Delete(blobID)
		if sess.Status == models.SessionCommitted && sess.Commit != nil {
			return sess.Commit, nil
		}
		return nil, faults.InvalidState("session %d is %s", sessionID, sess.Status)
	}

	now := s.now().UTC().UnixNano()
	mem := models.Memory{
		ID:        sess.ProvisionalMemoryID,
		CapsuleID: sess.CapsuleID,
		Owner:     sess.Caller,
		BlobID:    blobID,
		Size:      meta.Size,
		SHA256:    meta.SHA256,
		Metadata:  sess.Metadata,
		CreatedTS: now,
		UpdatedTS: now,
	}
	if err := s.attach.AttachMemory(sess.CapsuleID, mem); err != nil {
		_ = s.blobs.Delete(blobID)
		return nil, err
	}

	commit := models.CommitResult{
		MemoryID:    mem.ID,
		BlobID:      blobID,
		Size:        meta.Size,
		SHA256:      meta.SHA256,
		CommittedTS: now,
	}
	if err := s.sessions.AdvanceToCommitted(sessionID, commit); err != nil {
		// unwind the attach so a failed commit leaves no memory behind;
		// DeleteMemory also removes the now-unreferenced blob
		if derr := s.attach.DeleteMemory(sess.Caller, mem.ID); derr != nil {
			logger.Warn("attach_rollback_failed", "session", sessionID, "memory", mem.ID, "error", derr)
		}
		return nil, err
	}
	if err := s.chunks.Purge(scope); err != nil {
		logger.Warn("chunk_purge_failed", "session", sessionID, "error", err)
	}
	commitsTotal.Inc()
	logger.Info("upload_finished", "session", sessionID, "memory", mem.ID, "blob", blobID, "size", meta.Size)
	return &commit, nil
}

// Abort moves a caller-owned Pending session to Aborted and purges its
// chunks.
func (s *Service) Abort(sessionID uint64, caller string) error {
	sess, err := s.loadOwned(sessionID, caller)
	if err != nil {
		return err
	}
	if err := s.sessions.AdvanceToAborted(sessionID); err != nil {
		return err
	}
	scope := keys.ChunkScopeID(sess.ProvisionalMemoryID, sess.ID)
	if err := s.chunks.Purge(scope); err != nil {
		return err
	}
	abortsTotal.Inc()
	return nil
}

// CreateInline stores a small payload as an inline memory, skipping
// the chunk protocol entirely.
func (s *Service) CreateInline(capsuleID, caller string, data []byte, meta models.AssetMetadata) (*models.Memory, error) {
	if len(data) == 0 {
		return nil, faults.InvalidArgument("empty payload")
	}
	if uint64(len(data)) > s.cfg.InlineMaxBytes.Uint64() {
		return nil, faults.InvalidArgument("inline payload of %d bytes exceeds limit %d; use the chunked protocol", len(data), s.cfg.InlineMaxBytes.Uint64())
	}
	ok, err := s.auth.AuthorizeWrite(capsuleID, caller)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, faults.Unauthorized("caller %q cannot write to capsule %q", caller, capsuleID)
	}
	sum := sha256.Sum256(data)
	now := s.now().UTC().UnixNano()
	mem := models.Memory{
		ID:        ids.NewMemoryID(),
		CapsuleID: capsuleID,
		Owner:     caller,
		Inline:    append([]byte(nil), data...),
		Size:      uint64(len(data)),
		SHA256:    hex.EncodeToString(sum[:]),
		Metadata:  meta,
		CreatedTS: now,
		UpdatedTS: now,
	}
	if err := s.attach.AttachMemory(capsuleID, mem); err != nil {
		return nil, err
	}
	return &mem, nil
}

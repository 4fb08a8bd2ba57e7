// Package sessions tracks the lifecycle of in-progress chunked uploads:
// one record per attempt, Pending until an explicit commit or abort,
// with per-(caller, capsule) admission control and opportunistic
// TTL-based expiry inside Begin.
package sessions

import (
	"encoding/json"
	"fmt"
	"time"

	"capsuled/pkg/chunks"
	"capsuled/pkg/config"
	"capsuled/pkg/faults"
	"capsuled/pkg/ids"
	"capsuled/pkg/keys"
	"capsuled/pkg/kv"
	"capsuled/pkg/logger"
	"capsuled/pkg/models"
)

// Authorizer answers whether a caller may write to a capsule. The
// capsule registry implements it; tests substitute fakes.
type Authorizer interface {
	AuthorizeWrite(capsuleID, caller string) (bool, error)
}

// Registry is the upload session store.
type Registry struct {
	kv     kv.Store
	chunks *chunks.Store
	auth   Authorizer
	cfg    config.UploadConfig
	now    func() time.Time
}

// New returns a session registry.
func New(s kv.Store, cs *chunks.Store, auth Authorizer, cfg config.UploadConfig) *Registry {
	return &Registry{kv: s, chunks: cs, auth: auth, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source, for tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

func (r *Registry) put(s *models.UploadSession) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	// owner index: caller; subject index: capsule, so per-capsule
	// session enumeration is an index scan
	return r.kv.Upsert(keys.Session(s.ID), kv.Value{Data: b, Owner: s.Caller, Subject: s.CapsuleID})
}

// Get loads a session by id.
func (r *Registry) Get(id uint64) (*models.UploadSession, error) {
	v, ok, err := r.kv.Get(keys.Session(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, faults.NotFound("session %d", id)
	}
	var s models.UploadSession
	if err := json.Unmarshal(v.Data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session %d: %w", id, err)
	}
	return &s, nil
}

// capsuleSessions loads every session attached to the capsule.
func (r *Registry) capsuleSessions(capsuleID string) ([]*models.UploadSession, error) {
	ks, err := r.kv.ListBySubject(capsuleID)
	if err != nil {
		return nil, err
	}
	out := []*models.UploadSession{}
	for _, k := range ks {
		if len(k) <= len(keys.SessionPrefix) || k[:len(keys.SessionPrefix)] != keys.SessionPrefix {
			continue
		}
		v, ok, err := r.kv.Get(k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var s models.UploadSession
		if err := json.Unmarshal(v.Data, &s); err != nil {
			return nil, fmt.Errorf("unmarshal session key %q: %w", k, err)
		}
		out = append(out, &s)
	}
	return out, nil
}

// sweepExpired purges Pending sessions of this caller/capsule whose TTL
// elapsed, freeing admission slots. Expiry only ever happens here;
// there is no background timer.
func (r *Registry) sweepExpired(capsuleID, caller string) error {
	ss, err := r.capsuleSessions(capsuleID)
	if err != nil {
		return err
	}
	cutoff := r.now().UTC().Add(-r.cfg.SessionTTL.Duration()).UnixNano()
	for _, s := range ss {
		if s.Caller != caller || s.Status != models.SessionPending || s.CreatedTS >= cutoff {
			continue
		}
		scope := keys.ChunkScopeID(s.ProvisionalMemoryID, s.ID)
		if err := r.chunks.Purge(scope); err != nil {
			return err
		}
		if _, _, err := r.kv.Remove(keys.Session(s.ID)); err != nil {
			return err
		}
		logger.Info("session_expired", "session", s.ID, "capsule", capsuleID, "caller", caller)
	}
	return nil
}

// Begin validates and admits a new upload session. A Pending session
// with the same (capsule, caller, idempotency key) is returned
// unchanged so a retried begin after a dropped response coalesces.
func (r *Registry) Begin(capsuleID, caller string, expectedChunks uint32, meta models.AssetMetadata, idempotencyKey string) (*models.UploadSession, error) {
	if expectedChunks == 0 || expectedChunks > r.cfg.MaxChunks {
		return nil, faults.InvalidArgument("expected chunk count %d outside 1..%d", expectedChunks, r.cfg.MaxChunks)
	}
	if caller == "" {
		return nil, faults.InvalidArgument("caller principal required")
	}
	ok, err := r.auth.AuthorizeWrite(capsuleID, caller)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, faults.Unauthorized("caller %q cannot write to capsule %q", caller, capsuleID)
	}

	if err := r.sweepExpired(capsuleID, caller); err != nil {
		return nil, err
	}

	ss, err := r.capsuleSessions(capsuleID)
	if err != nil {
		return nil, err
	}
	pending := 0
	for _, s := range ss {
		if s.Caller != caller || s.Status != models.SessionPending {
			continue
		}
		if idempotencyKey != "" && s.IdempotencyKey == idempotencyKey {
			logger.Info("session_begin_idempotent", "session", s.ID, "capsule", capsuleID)
			return s, nil
		}
		pending++
	}
	if pending >= r.cfg.MaxPendingPerKey {
		return nil, faults.ResourceExhausted("%d pending sessions for caller %q on capsule %q", pending, caller, capsuleID)
	}

	id, err := ids.NewSessionID()
	if err != nil {
		return nil, err
	}
	s := &models.UploadSession{
		ID:                  id,
		CapsuleID:           capsuleID,
		Caller:              caller,
		CreatedTS:           r.now().UTC().UnixNano(),
		ExpectedChunks:      expectedChunks,
		Status:              models.SessionPending,
		Metadata:            meta,
		ProvisionalMemoryID: ids.NewMemoryID(),
		ChunkSize:           r.cfg.ChunkSize.Uint64(),
		IdempotencyKey:      idempotencyKey,
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if err := r.kv.Insert(keys.Session(id), kv.Value{Data: b, Owner: caller, Subject: capsuleID}); err != nil {
		return nil, err
	}
	logger.Info("session_begun", "session", id, "capsule", capsuleID, "caller", caller, "chunks", expectedChunks)
	return s, nil
}

// RecordChunk bumps the session's received counters after a chunk
// write. Overwrites of an already-seen index pass newIndex=false and
// only adjust the byte accounting.
func (r *Registry) RecordChunk(id uint64, newIndex bool, deltaBytes int64) error {
	return r.update(id, func(s *models.UploadSession) error {
		if s.Status != models.SessionPending {
			return faults.InvalidState("session %d is %s", id, s.Status)
		}
		if newIndex {
			if s.ReceivedChunks >= s.ExpectedChunks {
				return faults.InvalidState("session %d already has %d chunks", id, s.ReceivedChunks)
			}
			s.ReceivedChunks++
		}
		if deltaBytes < 0 && uint64(-deltaBytes) > s.ReceivedBytes {
			s.ReceivedBytes = 0
		} else {
			s.ReceivedBytes = uint64(int64(s.ReceivedBytes) + deltaBytes)
		}
		return nil
	})
}

// AdvanceToCommitted moves a Pending session to the terminal Committed
// state, recording the commit result for idempotent finish retries.
func (r *Registry) AdvanceToCommitted(id uint64, commit models.CommitResult) error {
	err := r.update(id, func(s *models.UploadSession) error {
		if s.Status != models.SessionPending {
			return faults.InvalidState("session %d is %s, not pending", id, s.Status)
		}
		s.Status = models.SessionCommitted
		s.CommittedTS = commit.CommittedTS
		s.BlobID = commit.BlobID
		s.Commit = &commit
		return nil
	})
	if err == nil {
		logger.Info("session_committed", "session", id, "blob", commit.BlobID)
	}
	return err
}

// AdvanceToAborted moves a Pending session to the terminal Aborted state.
func (r *Registry) AdvanceToAborted(id uint64) error {
	err := r.update(id, func(s *models.UploadSession) error {
		if s.Status != models.SessionPending {
			return faults.InvalidState("session %d is %s, not pending", id, s.Status)
		}
		s.Status = models.SessionAborted
		s.AbortedTS = r.now().UTC().UnixNano()
		return nil
	})
	if err == nil {
		logger.Info("session_aborted", "session", id)
	}
	return err
}

// Delete removes a session record. Used by the retention sweep once a
// terminal record has outlived its retry window.
func (r *Registry) Delete(id uint64) error {
	_, _, err := r.kv.Remove(keys.Session(id))
	return err
}

func (r *Registry) update(id uint64, f func(*models.UploadSession) error) error {
	err := r.kv.Update(keys.Session(id), func(v kv.Value) (kv.Value, error) {
		var s models.UploadSession
		if err := json.Unmarshal(v.Data, &s); err != nil {
			return v, fmt.Errorf("unmarshal session %d: %w", id, err)
		}
		if err := f(&s); err != nil {
			return v, err
		}
		nb, err := json.Marshal(&s)
		if err != nil {
			return v, err
		}
		v.Data = nb
		return v, nil
	})
	if faults.KindOf(err) == faults.KindNotFound {
		return faults.NotFound("session %d", id)
	}
	return err
}

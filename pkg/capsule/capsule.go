// Package capsule manages the capsule aggregate: registration,
// write-access checks and the attach/detach of memories. Capsules are
// indexed by owner; memories are indexed by owner and by their capsule
// (the subject index), so listing a capsule's memories is an index scan.
package capsule

import (
	"encoding/json"
	"fmt"
	"time"

	"capsuled/pkg/blobs"
	"capsuled/pkg/faults"
	"capsuled/pkg/ids"
	"capsuled/pkg/keys"
	"capsuled/pkg/kv"
	"capsuled/pkg/logger"
	"capsuled/pkg/models"
)

// Registry is the capsule and memory store.
type Registry struct {
	kv    kv.Store
	blobs *blobs.Store
	now   func() time.Time
}

// New returns a registry over the given keyed store.
func New(s kv.Store, b *blobs.Store) *Registry {
	return &Registry{kv: s, blobs: b, now: time.Now}
}

// SetClock overrides the time source, for tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

func (r *Registry) putCapsule(c *models.Capsule) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal capsule: %w", err)
	}
	return r.kv.Upsert(keys.Capsule(c.ID), kv.Value{Data: b, Owner: c.Owner, Subject: c.Subject})
}

// Register returns the principal's existing capsule or creates one on
// first touch.
func (r *Registry) Register(owner, subject string) (*models.Capsule, error) {
	if owner == "" {
		return nil, faults.InvalidArgument("owner principal required")
	}
	capKeys, err := r.kv.ListByOwner(owner)
	if err != nil {
		return nil, err
	}
	for _, k := range capKeys {
		if len(k) > len(keys.CapsulePrefix) && k[:len(keys.CapsulePrefix)] == keys.CapsulePrefix {
			return r.Get(k[len(keys.CapsulePrefix):])
		}
	}
	now := r.now().UTC().UnixNano()
	c := &models.Capsule{
		ID:        ids.NewCapsuleID(),
		Owner:     owner,
		Subject:   subject,
		CreatedTS: now,
		UpdatedTS: now,
	}
	if err := r.putCapsule(c); err != nil {
		return nil, err
	}
	logger.Info("capsule_registered", "capsule", c.ID, "owner", owner)
	return c, nil
}

// Get loads a capsule by id.
func (r *Registry) Get(id string) (*models.Capsule, error) {
	v, ok, err := r.kv.Get(keys.Capsule(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, faults.NotFound("capsule %q", id)
	}
	var c models.Capsule
	if err := json.Unmarshal(v.Data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal capsule %q: %w", id, err)
	}
	return &c, nil
}

// ListByOwner returns the ids of all capsules owned by the principal.
func (r *Registry) ListByOwner(owner string) ([]string, error) {
	ks, err := r.kv.ListByOwner(owner)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, k := range ks {
		if len(k) > len(keys.CapsulePrefix) && k[:len(keys.CapsulePrefix)] == keys.CapsulePrefix {
			out = append(out, k[len(keys.CapsulePrefix):])
		}
	}
	return out, nil
}

// AddController grants write access to an additional principal.
// Only the owner may change controllers.
func (r *Registry) AddController(capsuleID, caller, principal string) error {
	c, err := r.Get(capsuleID)
	if err != nil {
		return err
	}
	if c.Owner != caller {
		return faults.Unauthorized("only the owner may change controllers of %q", capsuleID)
	}
	if principal == "" {
		return faults.InvalidArgument("controller principal required")
	}
	for _, p := range c.Controllers {
		if p == principal {
			return nil
		}
	}
	c.Controllers = append(c.Controllers, principal)
	c.UpdatedTS = r.now().UTC().UnixNano()
	return r.putCapsule(c)
}

// AuthorizeWrite reports whether caller has write access to the capsule.
func (r *Registry) AuthorizeWrite(capsuleID, caller string) (bool, error) {
	c, err := r.Get(capsuleID)
	if err != nil {
		return false, err
	}
	return c.HasWriteAccess(caller), nil
}

// AttachMemory inserts the memory record and attaches it to its
// capsule as one logical commit: if the capsule update fails the
// inserted record is removed again, so no orphan is ever left behind.
func (r *Registry) AttachMemory(capsuleID string, m models.Memory) error {
	if m.ID == "" {
		return faults.InvalidArgument("memory id required")
	}
	if m.CapsuleID != capsuleID {
		return faults.InvalidArgument("memory capsule %q does not match %q", m.CapsuleID, capsuleID)
	}
	if _, err := r.Get(capsuleID); err != nil {
		return err
	}
	mb, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal memory: %w", err)
	}
	// subject index = owning capsule, so ListBySubject(capsuleID)
	// enumerates the capsule's memories
	if err := r.kv.Insert(keys.Memory(m.ID), kv.Value{Data: mb, Owner: m.Owner, Subject: capsuleID}); err != nil {
		return err
	}
	err = r.kv.Update(keys.Capsule(capsuleID), func(v kv.Value) (kv.Value, error) {
		var c models.Capsule
		if err := json.Unmarshal(v.Data, &c); err != nil {
			return v, fmt.Errorf("unmarshal capsule %q: %w", capsuleID, err)
		}
		if !c.HasMemory(m.ID) {
			c.MemoryIDs = append(c.MemoryIDs, m.ID)
		}
		c.UpdatedTS = r.now().UTC().UnixNano()
		nb, err := json.Marshal(&c)
		if err != nil {
			return v, err
		}
		v.Data = nb
		return v, nil
	})
	if err != nil {
		// roll the record back so attach stays all-or-nothing
		_, _, _ = r.kv.Remove(keys.Memory(m.ID))
		return err
	}
	logger.Info("memory_attached", "capsule", capsuleID, "memory", m.ID)
	return nil
}

// GetMemory loads a memory by id.
func (r *Registry) GetMemory(id string) (*models.Memory, error) {
	v, ok, err := r.kv.Get(keys.Memory(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, faults.NotFound("memory %q", id)
	}
	var m models.Memory
	if err := json.Unmarshal(v.Data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal memory %q: %w", id, err)
	}
	return &m, nil
}

// ListMemories returns the ids of the capsule's memories via the
// subject index.
func (r *Registry) ListMemories(capsuleID string) ([]string, error) {
	ks, err := r.kv.ListBySubject(capsuleID)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, k := range ks {
		if len(k) > len(keys.MemoryPrefix) && k[:len(keys.MemoryPrefix)] == keys.MemoryPrefix {
			out = append(out, k[len(keys.MemoryPrefix):])
		}
	}
	return out, nil
}

// DeleteMemory detaches and removes a memory; if the memory referenced
// a blob no other memory references, the blob is deleted too.
func (r *Registry) DeleteMemory(caller, id string) error {
	m, err := r.GetMemory(id)
	if err != nil {
		return err
	}
	ok, err := r.AuthorizeWrite(m.CapsuleID, caller)
	if err != nil {
		return err
	}
	if !ok {
		return faults.Unauthorized("caller %q cannot modify capsule %q", caller, m.CapsuleID)
	}
	err = r.kv.Update(keys.Capsule(m.CapsuleID), func(v kv.Value) (kv.Value, error) {
		var c models.Capsule
		if err := json.Unmarshal(v.Data, &c); err != nil {
			return v, err
		}
		out := c.MemoryIDs[:0]
		for _, mid := range c.MemoryIDs {
			if mid != id {
				out = append(out, mid)
			}
		}
		c.MemoryIDs = out
		c.UpdatedTS = r.now().UTC().UnixNano()
		nb, err := json.Marshal(&c)
		if err != nil {
			return v, err
		}
		v.Data = nb
		return v, nil
	})
	if err != nil {
		return err
	}
	if _, _, err := r.kv.Remove(keys.Memory(id)); err != nil {
		return err
	}
	if m.BlobID != "" {
		referenced, err := r.blobReferenced(m.BlobID)
		if err != nil {
			return err
		}
		if !referenced {
			if err := r.blobs.Delete(m.BlobID); err != nil {
				return err
			}
		}
	}
	logger.Info("memory_deleted", "capsule", m.CapsuleID, "memory", id)
	return nil
}

// blobReferenced reports whether any remaining memory references the blob.
func (r *Registry) blobReferenced(blobID string) (bool, error) {
	found := false
	err := r.kv.Scan(keys.MemoryPrefix, func(_ string, v kv.Value) (bool, error) {
		var m models.Memory
		if err := json.Unmarshal(v.Data, &m); err != nil {
			return false, err
		}
		if m.BlobID == blobID {
			found = true
			return false, nil
		}
		return true, nil
	})
	return found, err
}

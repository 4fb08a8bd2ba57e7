package retention

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"capsuled/pkg/blobs"
	"capsuled/pkg/config"
	"capsuled/pkg/keys"
	"capsuled/pkg/kv"
	"capsuled/pkg/models"
)

func putSession(t *testing.T, store kv.Store, s models.UploadSession) {
	t.Helper()
	b, err := json.Marshal(&s)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(keys.Session(s.ID), kv.Value{Data: b, Owner: s.Caller, Subject: s.CapsuleID}))
}

func putBlob(t *testing.T, store kv.Store, bs *blobs.Store, id string, data []byte, ts int64) {
	t.Helper()
	sum := sha256.Sum256(data)
	_, err := bs.Assemble(id, uint64(len(data)), hex.EncodeToString(sum[:]), func(fn func(uint32, []byte) error) error {
		return fn(0, data)
	})
	require.NoError(t, err)
	// backdate the meta record so the sweep sees an old blob
	meta, ok, err := bs.Meta(id)
	require.NoError(t, err)
	require.True(t, ok)
	meta.CreatedTS = ts
	b, err := json.Marshal(&meta)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(keys.BlobMeta(id), kv.Value{Data: b}))
}

func TestRunOnceSweepsTerminalDebris(t *testing.T) {
	store := kv.NewMemory()
	bs := blobs.New(store)
	cfg := config.RetentionConfig{Enabled: true, TerminalAge: config.Duration(24 * time.Hour)}

	old := time.Now().UTC().Add(-48 * time.Hour).UnixNano()
	fresh := time.Now().UTC().UnixNano()

	putSession(t, store, models.UploadSession{ID: 1, CapsuleID: "capsule-1", Caller: "alice", Status: models.SessionCommitted, CommittedTS: old})
	putSession(t, store, models.UploadSession{ID: 2, CapsuleID: "capsule-1", Caller: "alice", Status: models.SessionAborted, AbortedTS: old})
	putSession(t, store, models.UploadSession{ID: 3, CapsuleID: "capsule-1", Caller: "alice", Status: models.SessionCommitted, CommittedTS: fresh})
	putSession(t, store, models.UploadSession{ID: 4, CapsuleID: "capsule-1", Caller: "alice", Status: models.SessionPending, CreatedTS: old})

	require.NoError(t, RunOnce(cfg, Deps{KV: store, Blobs: bs}))

	_, ok, err := store.Get(keys.Session(1))
	require.NoError(t, err)
	require.False(t, ok, "old committed record removed")
	_, ok, err = store.Get(keys.Session(2))
	require.NoError(t, err)
	require.False(t, ok, "old aborted record removed")
	_, ok, err = store.Get(keys.Session(3))
	require.NoError(t, err)
	require.True(t, ok, "fresh terminal record kept for idempotent retries")
	_, ok, err = store.Get(keys.Session(4))
	require.NoError(t, err)
	require.True(t, ok, "pending sessions are never retention's business")
}

func TestRunOnceSweepsOrphanBlobs(t *testing.T) {
	store := kv.NewMemory()
	bs := blobs.New(store)
	cfg := config.RetentionConfig{Enabled: true, TerminalAge: config.Duration(24 * time.Hour)}

	old := time.Now().UTC().Add(-48 * time.Hour).UnixNano()
	putBlob(t, store, bs, "blob-orphan", []byte("nobody points here"), old)
	putBlob(t, store, bs, "blob-used", []byte("referenced"), old)
	putBlob(t, store, bs, "blob-young", []byte("just assembled"), time.Now().UTC().UnixNano())

	m := models.Memory{ID: "memory-1", CapsuleID: "capsule-1", Owner: "alice", BlobID: "blob-used"}
	mb, err := json.Marshal(&m)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(keys.Memory(m.ID), kv.Value{Data: mb, Owner: m.Owner, Subject: m.CapsuleID}))

	require.NoError(t, RunOnce(cfg, Deps{KV: store, Blobs: bs}))

	_, ok, err := bs.Meta("blob-orphan")
	require.NoError(t, err)
	require.False(t, ok, "old unreferenced blob removed")
	_, ok, err = bs.Meta("blob-used")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = bs.Meta("blob-young")
	require.NoError(t, err)
	require.True(t, ok, "recent blob kept; commit may still be in flight")
}

func TestStartRejectsInvalidCron(t *testing.T) {
	cfg := config.RetentionConfig{Enabled: true, Cron: "not a cron"}
	_, err := Start(context.Background(), cfg, Deps{KV: kv.NewMemory()})
	require.Error(t, err)
}

func TestStartDisabledIsNoop(t *testing.T) {
	cancel, err := Start(context.Background(), config.RetentionConfig{Enabled: false}, Deps{})
	require.NoError(t, err)
	cancel()
}

// Package retention runs the scheduled durable-store sweep. Session TTL
// expiry stays opportunistic inside begin(); retention only compacts
// debris that idempotency windows no longer need: terminal session
// records past their retry age and blobs no memory references.
package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"capsuled/pkg/blobs"
	"capsuled/pkg/config"
	"capsuled/pkg/keys"
	"capsuled/pkg/kv"
	"capsuled/pkg/logger"
	"capsuled/pkg/models"
)

// Deps are the stores the sweep operates on.
type Deps struct {
	KV    kv.Store
	Blobs *blobs.Store
}

// Start launches the scheduler if retention is enabled. Returns a
// cancel func stopping it.
func Start(ctx context.Context, cfg config.RetentionConfig, deps Deps) (context.CancelFunc, error) {
	if !cfg.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}
	cronExpr := cfg.Cron
	if cronExpr == "" {
		cronExpr = "0 2 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", cronExpr)
		return nil, fmt.Errorf("invalid retention cron expression: %s", cronExpr)
	}
	logger.Info("retention_enabled", "cron", cronExpr, "terminal_age", cfg.TerminalAge.Duration().String())
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cfg, deps, cronExpr)
	return cancel, nil
}

// runScheduler sleeps until the next cron tick and triggers a run.
func runScheduler(ctx context.Context, cfg config.RetentionConfig, deps Deps, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case <-time.After(time.Until(next)):
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
		if err := RunOnce(cfg, deps); err != nil {
			logger.Error("retention_run_error", "error", err)
		}
	}
}

// RunOnce performs a single sweep. Exported so tests and admin triggers
// can invoke it directly.
func RunOnce(cfg config.RetentionConfig, deps Deps) error {
	cutoff := time.Now().UTC().Add(-cfg.TerminalAge.Duration()).UnixNano()

	removedSessions, err := sweepTerminalSessions(deps.KV, cutoff)
	if err != nil {
		return err
	}
	removedBlobs, err := sweepOrphanBlobs(deps, cutoff)
	if err != nil {
		return err
	}
	logger.Info("retention_run_done", "sessions_removed", removedSessions, "blobs_removed", removedBlobs)
	return nil
}

func sweepTerminalSessions(store kv.Store, cutoff int64) (int, error) {
	var stale []string
	err := store.Scan(keys.SessionPrefix, func(key string, v kv.Value) (bool, error) {
		var s models.UploadSession
		if err := json.Unmarshal(v.Data, &s); err != nil {
			return false, fmt.Errorf("unmarshal session key %q: %w", key, err)
		}
		switch s.Status {
		case models.SessionCommitted:
			if s.CommittedTS < cutoff {
				stale = append(stale, key)
			}
		case models.SessionAborted:
			if s.AbortedTS < cutoff {
				stale = append(stale, key)
			}
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	for _, k := range stale {
		if _, _, err := store.Remove(k); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// sweepOrphanBlobs removes blobs no memory references. Orphans cannot
// happen through the normal commit path; this is a guardrail against
// debris from crashes between assemble and attach.
func sweepOrphanBlobs(deps Deps, cutoff int64) (int, error) {
	referenced := map[string]struct{}{}
	err := deps.KV.Scan(keys.MemoryPrefix, func(_ string, v kv.Value) (bool, error) {
		var m models.Memory
		if err := json.Unmarshal(v.Data, &m); err != nil {
			return false, err
		}
		if m.BlobID != "" {
			referenced[m.BlobID] = struct{}{}
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	var orphans []string
	err = deps.KV.Scan(keys.BlobMetaPrefix, func(key string, v kv.Value) (bool, error) {
		var meta models.BlobMeta
		if err := json.Unmarshal(v.Data, &meta); err != nil {
			return false, err
		}
		if _, ok := referenced[meta.ID]; !ok && meta.CreatedTS < cutoff {
			orphans = append(orphans, meta.ID)
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	for _, id := range orphans {
		if err := deps.Blobs.Delete(id); err != nil {
			return 0, err
		}
	}
	return len(orphans), nil
}

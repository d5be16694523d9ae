package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/mtzyw/upimage-sub001/pkg/logger"
)

// ContextTTL bounds how long task context stays cached. Webhooks normally
// arrive within minutes; anything older is served from the store.
const ContextTTL = time.Hour

// TaskContext is the transient context stashed at submission time so the
// webhook handler can avoid store lookups on the hot path.
type TaskContext struct {
	Fingerprint string
	APIKeyID    string
	BatchID     string
}

// ContextIndex stores per-task context under well-known keys. Every error is
// logged and swallowed: the index is an optimization, the task store stays
// authoritative.
type ContextIndex struct {
	cache Cache
	log   *logger.Logger
}

// NewContextIndex wraps a Cache.
func NewContextIndex(cache Cache, log *logger.Logger) *ContextIndex {
	return &ContextIndex{cache: cache, log: log}
}

func taskKey(taskID, field string) string {
	return fmt.Sprintf("task:%s:%s", taskID, field)
}

// Put caches the context for a task. Failures degrade to later misses.
func (ci *ContextIndex) Put(ctx context.Context, taskID string, tc TaskContext) {
	pairs := map[string]string{
		"fingerprint": tc.Fingerprint,
		"key":         tc.APIKeyID,
		"batch":       tc.BatchID,
	}
	for field, value := range pairs {
		if value == "" {
			continue
		}
		if err := ci.cache.Set(ctx, taskKey(taskID, field), value, ContextTTL); err != nil {
			ci.log.WithError(err).WithField("task_id", taskID).Warn("cache task context failed")
		}
	}
}

// Get returns whatever context is still cached. Missing fields come back
// empty; the caller falls back to the store.
func (ci *ContextIndex) Get(ctx context.Context, taskID string) TaskContext {
	var tc TaskContext
	tc.Fingerprint = ci.getField(ctx, taskID, "fingerprint")
	tc.APIKeyID = ci.getField(ctx, taskID, "key")
	tc.BatchID = ci.getField(ctx, taskID, "batch")
	return tc
}

func (ci *ContextIndex) getField(ctx context.Context, taskID, field string) string {
	val, err := ci.cache.Get(ctx, taskKey(taskID, field))
	if err != nil {
		if err != ErrMiss {
			ci.log.WithError(err).WithField("task_id", taskID).Warn("cache read failed")
		}
		return ""
	}
	return val
}

// Drop removes the cached context after a task reaches a terminal state.
func (ci *ContextIndex) Drop(ctx context.Context, taskID string) {
	keys := []string{
		taskKey(taskID, "fingerprint"),
		taskKey(taskID, "key"),
		taskKey(taskID, "batch"),
	}
	if err := ci.cache.Del(ctx, keys...); err != nil {
		ci.log.WithError(err).WithField("task_id", taskID).Warn("cache cleanup failed")
	}
}

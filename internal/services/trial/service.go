// Package trial implements the anonymous trial gate: one batch of
// enhancements per browser fingerprint, no account or credits involved.
package trial

import (
	"context"
	"errors"
	"fmt"

	"github.com/mtzyw/upimage-sub001/internal/cache"
	"github.com/mtzyw/upimage-sub001/internal/domain/task"
	"github.com/mtzyw/upimage-sub001/internal/domain/trial"
	"github.com/mtzyw/upimage-sub001/internal/imageapi"
	"github.com/mtzyw/upimage-sub001/internal/metrics"
	"github.com/mtzyw/upimage-sub001/internal/services/credits"
	"github.com/mtzyw/upimage-sub001/internal/services/keypool"
	"github.com/mtzyw/upimage-sub001/internal/services/tasks"
	"github.com/mtzyw/upimage-sub001/internal/storage"
	"github.com/mtzyw/upimage-sub001/pkg/logger"
)

// Service runs the trial flow. Eligibility and consumption decisions are
// always made by the store's atomic operations; the service never reasons
// about eligibility from cached or previously read state.
type Service struct {
	trials   storage.TrialStore
	pool     *keypool.Service
	tasks    *tasks.Service
	upstream imageapi.Submitter
	ctxIndex *cache.ContextIndex
	log      *logger.Logger
}

// New wires the trial flow.
func New(trials storage.TrialStore, pool *keypool.Service, ts *tasks.Service,
	upstream imageapi.Submitter, ctxIndex *cache.ContextIndex, log *logger.Logger) *Service {
	return &Service{
		trials:   trials,
		pool:     pool,
		tasks:    ts,
		upstream: upstream,
		ctxIndex: ctxIndex,
		log:      log,
	}
}

// Check reports whether the fingerprint may still start its trial. Purely
// advisory for the UI; StartBatch re-checks atomically.
func (s *Service) Check(ctx context.Context, fingerprint string) (trial.Eligibility, error) {
	hash, err := trial.HashFingerprint(fingerprint)
	if err != nil {
		return trial.Eligibility{}, err
	}
	return s.trials.CheckTrialEligibility(ctx, hash)
}

// StartBatch consumes the fingerprint's trial and submits one task per
// supported scale factor. Individual submission failures are tolerated; the
// batch fails only when every submission fails, in which case the key lease
// is returned.
func (s *Service) StartBatch(ctx context.Context, fingerprint, imageURL string) (trial.Batch, error) {
	if imageURL == "" {
		return trial.Batch{}, fmt.Errorf("image url is required")
	}
	hash, err := trial.HashFingerprint(fingerprint)
	if err != nil {
		return trial.Batch{}, err
	}

	key, err := s.pool.Acquire(ctx)
	if err != nil {
		return trial.Batch{}, err
	}

	if err := s.trials.ConsumeTrial(ctx, hash); err != nil {
		s.pool.Release(ctx, key.ID)
		if errors.Is(err, trial.ErrTrialUsed) {
			return trial.Batch{}, err
		}
		return trial.Batch{}, fmt.Errorf("consume trial: %w", err)
	}

	batchID := task.NewBatchID()
	var taskIDs []string
	for _, scale := range credits.SupportedScales() {
		upstreamID, err := s.upstream.Submit(ctx, imageapi.SubmitRequest{
			APIKey:   key.Secret,
			Engine:   task.EngineUpscale,
			ImageURL: imageURL,
			Scale:    scale,
		})
		if err != nil {
			s.log.WithError(err).
				WithField("batch_id", batchID).
				WithField("scale", scale).
				Warn("trial submission failed")
			continue
		}

		if err := s.pool.ConfirmUsage(ctx, key.ID); err != nil {
			s.log.WithError(err).WithField("key_id", key.ID).Warn("confirm key usage failed")
		}

		created, err := s.tasks.Create(ctx, task.Task{
			ID:          upstreamID,
			Fingerprint: hash,
			BatchID:     batchID,
			Engine:      task.EngineUpscale,
			InputKey:    imageURL,
			Scale:       scale,
			APIKeyID:    key.ID,
		})
		if err != nil {
			s.log.WithError(err).
				WithField("task_id", upstreamID).
				Error("create trial task record failed")
			continue
		}

		s.ctxIndex.Put(ctx, created.ID, cache.TaskContext{
			Fingerprint: hash,
			APIKeyID:    key.ID,
			BatchID:     batchID,
		})
		metrics.RecordTaskStarted(string(task.EngineUpscale), true)
		taskIDs = append(taskIDs, created.ID)
	}

	if len(taskIDs) == 0 {
		s.pool.Release(ctx, key.ID)
		return trial.Batch{}, fmt.Errorf("all trial submissions failed")
	}

	s.log.WithField("batch_id", batchID).
		Infof("trial batch started with %d of %d tasks", len(taskIDs), len(credits.SupportedScales()))
	return trial.Batch{
		ID:        batchID,
		TaskIDs:   taskIDs,
		TaskCount: len(taskIDs),
		Status:    string(task.StatusProcessing),
	}, nil
}

// Package enhance implements the paid enhancement flow: lease a pool key,
// charge credits, submit upstream, and record the task.
package enhance

import (
	"context"
	"fmt"

	"github.com/mtzyw/upimage-sub001/internal/cache"
	"github.com/mtzyw/upimage-sub001/internal/domain/credit"
	"github.com/mtzyw/upimage-sub001/internal/domain/task"
	"github.com/mtzyw/upimage-sub001/internal/imageapi"
	"github.com/mtzyw/upimage-sub001/internal/metrics"
	"github.com/mtzyw/upimage-sub001/internal/services/credits"
	"github.com/mtzyw/upimage-sub001/internal/services/keypool"
	"github.com/mtzyw/upimage-sub001/internal/services/tasks"
	"github.com/mtzyw/upimage-sub001/pkg/logger"
)

// StartRequest carries one authenticated enhancement request.
type StartRequest struct {
	UserID     string
	ImageURL   string
	Scale      int
	Creativity float64
	Engine     task.Engine
}

// Service orchestrates the submission pipeline. Each step that fails after
// an earlier side effect compensates for it: leases are released and debits
// refunded, so an abandoned request leaves no residue.
type Service struct {
	pool     *keypool.Service
	credits  *credits.Service
	tasks    *tasks.Service
	upstream imageapi.Submitter
	ctxIndex *cache.ContextIndex
	log      *logger.Logger
}

// New wires the submission pipeline.
func New(pool *keypool.Service, cr *credits.Service, ts *tasks.Service,
	upstream imageapi.Submitter, ctxIndex *cache.ContextIndex, log *logger.Logger) *Service {
	return &Service{
		pool:     pool,
		credits:  cr,
		tasks:    ts,
		upstream: upstream,
		ctxIndex: ctxIndex,
		log:      log,
	}
}

// Start runs one authenticated submission end to end and returns the created
// task record. The record id is the upstream task id, so webhook deliveries
// address the record directly.
func (s *Service) Start(ctx context.Context, req StartRequest) (task.Task, error) {
	if req.UserID == "" {
		return task.Task{}, fmt.Errorf("user id is required")
	}
	if req.ImageURL == "" {
		return task.Task{}, fmt.Errorf("image url is required")
	}
	if req.Engine == "" {
		req.Engine = task.EngineUpscale
	}

	cost, err := credits.CostForScale(req.Scale)
	if err != nil {
		return task.Task{}, err
	}

	// Advisory pre-check keeps obviously unfunded requests off the
	// upstream API. The authoritative check is the atomic debit below.
	balance, err := s.credits.Balance(ctx, req.UserID)
	if err != nil {
		return task.Task{}, fmt.Errorf("check balance: %w", err)
	}
	if balance < cost {
		return task.Task{}, credit.ErrInsufficientCredits
	}

	key, err := s.pool.Acquire(ctx)
	if err != nil {
		return task.Task{}, err
	}

	upstreamID, err := s.upstream.Submit(ctx, imageapi.SubmitRequest{
		APIKey:     key.Secret,
		Engine:     req.Engine,
		ImageURL:   req.ImageURL,
		Scale:      req.Scale,
		Creativity: req.Creativity,
	})
	if err != nil {
		s.pool.Release(ctx, key.ID)
		return task.Task{}, fmt.Errorf("submit upstream: %w", err)
	}

	if _, err := s.credits.DebitForTask(ctx, req.UserID, upstreamID, cost); err != nil {
		s.pool.Release(ctx, key.ID)
		return task.Task{}, err
	}

	if err := s.pool.ConfirmUsage(ctx, key.ID); err != nil {
		// The upstream call already succeeded; quota bookkeeping must not
		// fail the request.
		s.log.WithError(err).WithField("key_id", key.ID).Warn("confirm key usage failed")
	}

	created, err := s.tasks.Create(ctx, task.Task{
		ID:          upstreamID,
		UserID:      req.UserID,
		Engine:      req.Engine,
		InputKey:    req.ImageURL,
		Scale:       req.Scale,
		Creativity:  req.Creativity,
		CreditsUsed: cost,
		APIKeyID:    key.ID,
	})
	if err != nil {
		if refundErr := s.credits.RefundForTask(ctx, req.UserID, upstreamID, cost); refundErr != nil {
			s.log.WithError(refundErr).WithField("task_id", upstreamID).Error("refund after create failure failed")
		}
		s.pool.Release(ctx, key.ID)
		return task.Task{}, fmt.Errorf("create task record: %w", err)
	}

	s.ctxIndex.Put(ctx, created.ID, cache.TaskContext{APIKeyID: key.ID})
	metrics.RecordTaskStarted(string(req.Engine), false)
	s.log.WithField("task_id", created.ID).
		WithField("user_id", req.UserID).
		WithField("key_id", key.ID).
		Info("enhancement task started")
	return created, nil
}

// Status returns the current record for a task, enforcing ownership.
func (s *Service) Status(ctx context.Context, taskID, requesterID string) (task.Task, error) {
	return s.tasks.Get(ctx, taskID, requesterID)
}

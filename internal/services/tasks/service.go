// Package tasks owns the task record lifecycle: creation in processing
// state, progress updates, and the single terminal transition.
package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/mtzyw/upimage-sub001/internal/domain/task"
	"github.com/mtzyw/upimage-sub001/internal/metrics"
	"github.com/mtzyw/upimage-sub001/internal/storage"
	"github.com/mtzyw/upimage-sub001/pkg/logger"
)

// Service wraps a TaskStore with lifecycle rules.
type Service struct {
	store storage.TaskStore
	log   *logger.Logger
}

// New creates a task service.
func New(store storage.TaskStore, log *logger.Logger) *Service {
	return &Service{store: store, log: log}
}

// Create inserts a new task record in processing state.
func (s *Service) Create(ctx context.Context, t task.Task) (task.Task, error) {
	t.Status = task.StatusProcessing
	return s.store.CreateTask(ctx, t)
}

// Complete moves a task to completed with its result. A repeat call for a
// task already terminal returns the stored record and task.ErrAlreadyTerminal.
func (s *Service) Complete(ctx context.Context, id string, res task.Result) (task.Task, error) {
	t, err := s.store.TransitionTask(ctx, id, task.StatusCompleted, res)
	if err != nil {
		return t, err
	}
	metrics.RecordTaskFinished(string(task.StatusCompleted), lifetime(t))
	s.log.WithField("task_id", id).Info("task completed")
	return t, nil
}

// Fail moves a task to failed with an error message.
func (s *Service) Fail(ctx context.Context, id, errMsg string) (task.Task, error) {
	t, err := s.store.TransitionTask(ctx, id, task.StatusFailed, task.Result{ErrorMsg: errMsg})
	if err != nil {
		return t, err
	}
	metrics.RecordTaskFinished(string(task.StatusFailed), lifetime(t))
	s.log.WithField("task_id", id).WithField("reason", errMsg).Info("task failed")
	return t, nil
}

// Progress records a progress update. Updates against terminal tasks are
// dropped silently; late progress webhooks are expected.
func (s *Service) Progress(ctx context.Context, id string, progress int) error {
	err := s.store.UpdateTaskProgress(ctx, id, progress)
	if errors.Is(err, task.ErrAlreadyTerminal) {
		return nil
	}
	return err
}

// Get returns a task, enforcing ownership: a requester may read their own
// tasks; anonymous trial tasks are readable by anyone holding the task id.
func (s *Service) Get(ctx context.Context, id, requesterID string) (task.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	if !t.Anonymous() && t.UserID != requesterID {
		return task.Task{}, task.ErrForbidden
	}
	return t, nil
}

// Lookup returns a task without an ownership check. For internal callers
// such as the webhook ingest path; HTTP handlers use Get.
func (s *Service) Lookup(ctx context.Context, id string) (task.Task, error) {
	return s.store.GetTask(ctx, id)
}

// List returns a page of the user's tasks, newest first.
func (s *Service) List(ctx context.Context, userID string, limit, offset int) ([]task.Task, error) {
	return s.store.ListTasksByUser(ctx, userID, limit, offset)
}

func lifetime(t task.Task) time.Duration {
	if t.CreatedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.CreatedAt)
}

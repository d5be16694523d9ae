package tasks

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/mtzyw/upimage-sub001/internal/domain/task"
	"github.com/mtzyw/upimage-sub001/internal/storage/memory"
	"github.com/mtzyw/upimage-sub001/pkg/logger"
)

func newService(t *testing.T) *Service {
	t.Helper()
	log := logger.NewDefault("tasks-test")
	log.SetOutput(io.Discard)
	return New(memory.New(), log)
}

func TestCompleteThenDuplicateFail(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, task.Task{ID: "t1", UserID: "u1", Engine: task.EngineUpscale})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != task.StatusProcessing {
		t.Fatalf("expected processing, got %s", created.Status)
	}

	done, err := svc.Complete(ctx, "t1", task.Result{OutputKey: "k", OutputURL: "https://cdn/k"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != task.StatusCompleted || done.OutputURL == "" {
		t.Fatalf("unexpected record after complete: %+v", done)
	}

	stored, err := svc.Fail(ctx, "t1", "late webhook")
	if !errors.Is(err, task.ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
	if stored.Status != task.StatusCompleted {
		t.Fatalf("late failure must not override completion, got %s", stored.Status)
	}
}

func TestGetEnforcesOwnership(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	if _, err := svc.Create(ctx, task.Task{ID: "owned", UserID: "u1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Create(ctx, task.Task{ID: "anon", Fingerprint: "fp-hash"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.Get(ctx, "owned", "u1"); err != nil {
		t.Fatalf("owner read: %v", err)
	}
	if _, err := svc.Get(ctx, "owned", "u2"); !errors.Is(err, task.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.Get(ctx, "anon", ""); err != nil {
		t.Fatalf("anonymous task must be readable by id, got %v", err)
	}
	if _, err := svc.Get(ctx, "missing", "u1"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProgressUpdates(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	if _, err := svc.Create(ctx, task.Task{ID: "t1", UserID: "u1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Progress(ctx, "t1", 40); err != nil {
		t.Fatalf("progress: %v", err)
	}
	got, _ := svc.Lookup(ctx, "t1")
	if got.Progress != 40 {
		t.Fatalf("expected progress 40, got %d", got.Progress)
	}

	if _, err := svc.Fail(ctx, "t1", "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := svc.Progress(ctx, "t1", 90); err != nil {
		t.Fatalf("progress on terminal task must not error, got %v", err)
	}
}

func TestListScopedToUser(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := svc.Create(ctx, task.Task{ID: id, UserID: "u1"}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := svc.Create(ctx, task.Task{ID: "other", UserID: "u2"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	list, err := svc.List(ctx, "u1", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 tasks for u1, got %d", len(list))
	}
}

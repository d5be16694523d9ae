package credits

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/mtzyw/upimage-sub001/internal/domain/credit"
	"github.com/mtzyw/upimage-sub001/internal/storage/memory"
	"github.com/mtzyw/upimage-sub001/pkg/logger"
)

func newService(t *testing.T) *Service {
	t.Helper()
	log := logger.NewDefault("credits-test")
	log.SetOutput(io.Discard)
	return New(memory.New(), log)
}

func TestCostForScale(t *testing.T) {
	cases := []struct {
		scale int
		cost  int
	}{
		{2, 1},
		{4, 2},
		{8, 4},
		{16, 8},
	}
	for _, tc := range cases {
		got, err := CostForScale(tc.scale)
		if err != nil {
			t.Fatalf("scale %d: %v", tc.scale, err)
		}
		if got != tc.cost {
			t.Fatalf("scale %d: expected cost %d, got %d", tc.scale, tc.cost, got)
		}
	}

	for _, bad := range []int{0, 1, 3, 32, -2} {
		if _, err := CostForScale(bad); err == nil {
			t.Fatalf("scale %d should be rejected", bad)
		}
	}
}

func TestDebitAndRefundRoundTrip(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	if err := svc.Grant(ctx, "u1", 10, credit.EntryOneTimePurchase, "purchase"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	balance, err := svc.DebitForTask(ctx, "u1", "task-1", 4)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if balance != 6 {
		t.Fatalf("expected balance 6, got %d", balance)
	}

	if err := svc.RefundForTask(ctx, "u1", "task-1", 4); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if err := svc.RefundForTask(ctx, "u1", "task-1", 4); err != nil {
		t.Fatalf("repeat refund: %v", err)
	}
	got, err := svc.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if got != 10 {
		t.Fatalf("refund must apply once, balance = %d", got)
	}
}

func TestDebitInsufficient(t *testing.T) {
	svc := newService(t)
	_, err := svc.DebitForTask(context.Background(), "broke", "task-1", 1)
	if !errors.Is(err, credit.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestRefundSkipsAnonymousAndZero(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	if err := svc.RefundForTask(ctx, "", "task-1", 5); err != nil {
		t.Fatalf("anonymous refund must be a no-op, got %v", err)
	}
	if err := svc.RefundForTask(ctx, "u1", "task-1", 0); err != nil {
		t.Fatalf("zero refund must be a no-op, got %v", err)
	}
	if got, _ := svc.Balance(ctx, "u1"); got != 0 {
		t.Fatalf("no-op refunds must not move the balance, got %d", got)
	}
}

func TestGrantValidation(t *testing.T) {
	svc := newService(t)
	if err := svc.Grant(context.Background(), "u1", 0, credit.EntryOneTimePurchase, ""); err == nil {
		t.Fatal("expected error for non-positive grant")
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	if err := svc.Grant(ctx, "u1", 5, credit.EntryOneTimePurchase, "first"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := svc.DebitForTask(ctx, "u1", "task-1", 2); err != nil {
		t.Fatalf("debit: %v", err)
	}

	entries, err := svc.History(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Type != credit.EntryTaskDebit {
		t.Fatalf("expected newest entry first, got %s", entries[0].Type)
	}
	if entries[0].Amount != -2 {
		t.Fatalf("debit entries must be negative, got %d", entries[0].Amount)
	}
}

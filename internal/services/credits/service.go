// Package credits applies the credit pricing rules on top of the ledger.
package credits

import (
	"context"
	"fmt"

	"github.com/mtzyw/upimage-sub001/internal/domain/credit"
	"github.com/mtzyw/upimage-sub001/internal/metrics"
	"github.com/mtzyw/upimage-sub001/internal/storage"
	"github.com/mtzyw/upimage-sub001/pkg/logger"
)

// costByScale is the credit price per upscale factor.
var costByScale = map[int]int{
	2:  1,
	4:  2,
	8:  4,
	16: 8,
}

// CostForScale returns the credit cost of an upscale, or an error for an
// unsupported factor.
func CostForScale(scale int) (int, error) {
	cost, ok := costByScale[scale]
	if !ok {
		return 0, fmt.Errorf("unsupported scale factor %d", scale)
	}
	return cost, nil
}

// SupportedScales lists the accepted upscale factors in ascending order.
func SupportedScales() []int { return []int{2, 4, 8, 16} }

// Service wraps the ledger with task-oriented debit and refund operations.
type Service struct {
	ledger storage.LedgerStore
	log    *logger.Logger
}

// New creates a credits service.
func New(ledger storage.LedgerStore, log *logger.Logger) *Service {
	return &Service{ledger: ledger, log: log}
}

// DebitForTask charges the user for a task before submission. Returns
// credit.ErrInsufficientCredits when the balance does not cover the cost.
func (s *Service) DebitForTask(ctx context.Context, userID, taskID string, cost int) (int, error) {
	balance, err := s.ledger.DebitCredits(ctx, userID, cost, credit.DebitNote(taskID))
	if err != nil {
		return 0, err
	}
	metrics.RecordCreditsMoved("debit", cost)
	s.log.WithField("user_id", userID).
		WithField("task_id", taskID).
		Infof("debited %d credits, balance now %d", cost, balance)
	return balance, nil
}

// RefundForTask returns the credits charged for a task that failed in
// processing. Safe to call more than once for the same task: the ledger
// keys refunds on the task note.
func (s *Service) RefundForTask(ctx context.Context, userID, taskID string, amount int) error {
	if userID == "" || amount <= 0 {
		return nil
	}
	if err := s.ledger.RefundCredits(ctx, userID, amount, credit.RefundNote(taskID)); err != nil {
		return err
	}
	metrics.RecordCreditsMoved("refund", amount)
	s.log.WithField("user_id", userID).
		WithField("task_id", taskID).
		Infof("refunded %d credits", amount)
	return nil
}

// Grant adds credits to a user's balance, typically after a purchase or a
// subscription renewal.
func (s *Service) Grant(ctx context.Context, userID string, amount int, typ credit.EntryType, note string) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive")
	}
	if err := s.ledger.GrantCredits(ctx, userID, amount, typ, note); err != nil {
		return err
	}
	metrics.RecordCreditsMoved("grant", amount)
	return nil
}

// Balance returns the user's current spendable balance.
func (s *Service) Balance(ctx context.Context, userID string) (int, error) {
	return s.ledger.Balance(ctx, userID)
}

// History returns the most recent ledger entries for a user.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]credit.LedgerEntry, error) {
	return s.ledger.ListEntries(ctx, userID, limit)
}

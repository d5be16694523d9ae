// Package credit defines the ledger model used for paid operations.
package credit

import (
	"errors"
	"time"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryOneTimePurchase   EntryType = "one_time_purchase"
	EntrySubscriptionGrant EntryType = "subscription_grant"
	EntryTaskDebit         EntryType = "task_debit"
	EntryProcessingRefund  EntryType = "processing_refund"
)

// LedgerEntry is one signed movement on a user's balance. The sum of valid
// entries determines the available balance; there is no separate balance row.
type LedgerEntry struct {
	ID        int64
	UserID    string
	Amount    int        // signed: debits negative, grants and refunds positive
	Type      EntryType
	Note      string     // debits and refunds reference the task id here
	ExpiresAt *time.Time // validity window for grants, nil = never expires
	CreatedAt time.Time
}

// ErrInsufficientCredits is returned when a debit would take the balance
// negative. The balance check and the debit happen in one atomic backend
// operation, never as separate steps in application code.
var ErrInsufficientCredits = errors.New("insufficient credits")

// DebitNote builds the audit note attached to a task debit.
func DebitNote(taskID string) string { return "task_debit:" + taskID }

// RefundNote builds the audit note attached to a failure refund.
func RefundNote(taskID string) string { return "processing_refund:" + taskID }

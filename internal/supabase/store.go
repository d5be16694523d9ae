package supabase

import (
	"context"
	"fmt"
	neturl "net/url"
	"strings"
	"time"

	"github.com/mtzyw/upimage-sub001/internal/domain/credit"
	"github.com/mtzyw/upimage-sub001/internal/domain/trial"
	"github.com/mtzyw/upimage-sub001/internal/storage"
)

// Store implements the trial and ledger contracts on top of backend RPC
// procedures. The procedures are the single writers for these tables, so the
// atomicity guarantees live in the database, not here.
type Store struct {
	client *Client
}

var _ storage.TrialStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)

// NewStore returns a Store using the given client.
func NewStore(client *Client) *Store {
	return &Store{client: client}
}

// === Trial gate ===

type eligibilityResult struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason"`
	Message  string `json:"message"`
}

func (s *Store) CheckTrialEligibility(ctx context.Context, fingerprintHash string) (trial.Eligibility, error) {
	var res eligibilityResult
	err := s.client.RPC(ctx, "check_anonymous_trial_eligibility", map[string]string{
		"p_fingerprint_hash": fingerprintHash,
	}, &res)
	if err != nil {
		return trial.Eligibility{}, err
	}
	return trial.Eligibility{Eligible: res.Eligible, Reason: res.Reason, Message: res.Message}, nil
}

func (s *Store) ConsumeTrial(ctx context.Context, fingerprintHash string) error {
	var consumed bool
	err := s.client.RPC(ctx, "consume_trial_for_batch", map[string]string{
		"p_fingerprint_hash": fingerprintHash,
	}, &consumed)
	if err != nil {
		return err
	}
	if !consumed {
		return trial.ErrTrialUsed
	}
	return nil
}

// === Credit ledger ===

type debitResult struct {
	Success      bool `json:"success"`
	BalanceAfter int  `json:"balance_after"`
}

func (s *Store) DebitCredits(ctx context.Context, userID string, amount int, note string) (int, error) {
	var res debitResult
	err := s.client.RPC(ctx, "deduct_credits_and_log", map[string]interface{}{
		"p_user_id": userID,
		"p_amount":  amount,
		"p_note":    note,
	}, &res)
	if err != nil {
		return 0, err
	}
	if !res.Success {
		return 0, credit.ErrInsufficientCredits
	}
	return res.BalanceAfter, nil
}

func (s *Store) RefundCredits(ctx context.Context, userID string, amount int, note string) error {
	// The procedure is keyed on the note and ignores repeats.
	return s.client.RPC(ctx, "refund_credits_for_task", map[string]interface{}{
		"p_user_id": userID,
		"p_amount":  amount,
		"p_note":    note,
	}, nil)
}

func (s *Store) GrantCredits(ctx context.Context, userID string, amount int, typ credit.EntryType, note string) error {
	return s.client.RPC(ctx, "grant_credits_and_log", map[string]interface{}{
		"p_user_id": userID,
		"p_amount":  amount,
		"p_type":    string(typ),
		"p_note":    note,
	}, nil)
}

func (s *Store) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := s.client.RPC(ctx, "get_user_credit_balance", map[string]string{
		"p_user_id": userID,
	}, &balance)
	if err != nil {
		return 0, err
	}
	return balance, nil
}

type ledgerRow struct {
	ID        int64      `json:"id"`
	UserID    string     `json:"user_id"`
	Amount    int        `json:"amount"`
	EntryType string     `json:"entry_type"`
	Note      string     `json:"note"`
	ExpiresAt *time.Time `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
}

func (s *Store) ListEntries(ctx context.Context, userID string, limit int) ([]credit.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := strings.Join([]string{
		"user_id=eq." + neturl.QueryEscape(userID),
		"order=id.desc",
		fmt.Sprintf("limit=%d", limit),
	}, "&")

	var rows []ledgerRow
	if err := s.client.Select(ctx, "credit_ledger", query, &rows); err != nil {
		return nil, err
	}

	entries := make([]credit.LedgerEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, credit.LedgerEntry{
			ID:        r.ID,
			UserID:    r.UserID,
			Amount:    r.Amount,
			Type:      credit.EntryType(r.EntryType),
			Note:      r.Note,
			ExpiresAt: r.ExpiresAt,
			CreatedAt: r.CreatedAt,
		})
	}
	return entries, nil
}

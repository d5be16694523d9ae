// Package storage defines the persistence contracts shared by the Postgres,
// Supabase and in-memory backends. Every mutating contract that guards an
// invariant (quota, balance, trial single-use, terminal transition) is
// specified as a single atomic operation; implementations must not realize
// them as separate read-then-write steps.
package storage

import (
	"context"

	"github.com/mtzyw/upimage-sub001/internal/domain/apikey"
	"github.com/mtzyw/upimage-sub001/internal/domain/credit"
	"github.com/mtzyw/upimage-sub001/internal/domain/task"
	"github.com/mtzyw/upimage-sub001/internal/domain/trial"
)

// KeyStore persists the API key pool.
type KeyStore interface {
	// AcquireKey selects one active key with remaining daily quota,
	// preferring the least-used key, stamps its last-used time and
	// increments the in-flight gauge. It performs the lazy daily reset as
	// part of the same operation. Returns apikey.ErrNoKeyAvailable when
	// every key is inactive or exhausted. Acquisition does not consume
	// quota; quota is consumed by ConfirmKeyUsage after a successful
	// upstream call.
	AcquireKey(ctx context.Context) (apikey.Key, error)

	// ConfirmKeyUsage atomically increments used_today for the key,
	// conditioned on the daily limit. Called exactly once per successful
	// upstream call.
	ConfirmKeyUsage(ctx context.Context, id string) (apikey.Key, error)

	// ReleaseKey decrements the in-flight gauge. Bookkeeping only; the
	// pool is not an exclusive lock.
	ReleaseKey(ctx context.Context, id string) error

	CreateKey(ctx context.Context, k apikey.Key) (apikey.Key, error)
	UpdateKey(ctx context.Context, k apikey.Key) (apikey.Key, error)
	GetKey(ctx context.Context, id string) (apikey.Key, error)
	ListKeys(ctx context.Context) ([]apikey.Key, error)

	// ResetDailyUsage zeroes used_today on every key whose last reset
	// predates the current UTC day. Returns the number of keys reset.
	ResetDailyUsage(ctx context.Context) (int64, error)
}

// TaskStore persists task records.
type TaskStore interface {
	// CreateTask inserts a record in processing state. Returns
	// task.ErrDuplicate if the identifier already exists.
	CreateTask(ctx context.Context, t task.Task) (task.Task, error)

	// TransitionTask moves a processing task to a terminal status,
	// attaching the result or the error message atomically. Returns
	// task.ErrAlreadyTerminal (with the stored record) when the task is
	// already terminal, and task.ErrNotFound when it does not exist.
	TransitionTask(ctx context.Context, id string, to task.Status, res task.Result) (task.Task, error)

	// UpdateTaskProgress updates the transient progress indicator. It is a
	// no-op on terminal tasks.
	UpdateTaskProgress(ctx context.Context, id string, progress int) error

	GetTask(ctx context.Context, id string) (task.Task, error)
	ListTasksByUser(ctx context.Context, userID string, limit, offset int) ([]task.Task, error)
}

// LedgerStore persists credit movements.
type LedgerStore interface {
	// DebitCredits atomically checks the balance and records a negative
	// entry, returning the new balance. Returns
	// credit.ErrInsufficientCredits when the balance is too low at the
	// moment of the debit.
	DebitCredits(ctx context.Context, userID string, amount int, note string) (int, error)

	// RefundCredits records a positive refund entry. A second refund with
	// the same note is a no-op, so webhook retries cannot double-refund.
	RefundCredits(ctx context.Context, userID string, amount int, note string) error

	// GrantCredits records a positive entry of the given type.
	GrantCredits(ctx context.Context, userID string, amount int, typ credit.EntryType, note string) error

	Balance(ctx context.Context, userID string) (int, error)
	ListEntries(ctx context.Context, userID string, limit int) ([]credit.LedgerEntry, error)
}

// TrialStore persists anonymous trial state. Eligibility and consumption are
// authoritative backend operations; application code never decides
// eligibility from cached state.
type TrialStore interface {
	CheckTrialEligibility(ctx context.Context, fingerprintHash string) (trial.Eligibility, error)

	// ConsumeTrial atomically marks the fingerprint's trial as used.
	// Returns trial.ErrTrialUsed when it was already consumed.
	ConsumeTrial(ctx context.Context, fingerprintHash string) error
}

// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development; it honors the same atomic contracts as the
// database-backed stores.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mtzyw/upimage-sub001/internal/domain/apikey"
	"github.com/mtzyw/upimage-sub001/internal/domain/credit"
	"github.com/mtzyw/upimage-sub001/internal/domain/task"
	"github.com/mtzyw/upimage-sub001/internal/domain/trial"
	"github.com/mtzyw/upimage-sub001/internal/storage"
)

// Store is an in-memory implementation of every storage interface.
type Store struct {
	mu          sync.Mutex
	nextKeyID   int64
	nextEntryID int64
	keys        map[string]apikey.Key
	tasks       map[string]task.Task
	ledger      map[string][]credit.LedgerEntry
	trials      map[string]trial.State
}

var _ storage.KeyStore = (*Store)(nil)
var _ storage.TaskStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.TrialStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextKeyID:   1,
		nextEntryID: 1,
		keys:        make(map[string]apikey.Key),
		tasks:       make(map[string]task.Task),
		ledger:      make(map[string][]credit.LedgerEntry),
		trials:      make(map[string]trial.State),
	}
}

// KeyStore implementation ----------------------------------------------------

func (s *Store) AcquireKey(_ context.Context) (apikey.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := apikey.Today()
	var best *apikey.Key
	for id, k := range s.keys {
		if k.LastResetDate != today {
			k.UsedToday = 0
			k.LastResetDate = today
			s.keys[id] = k
		}
		if !k.Available() {
			continue
		}
		if best == nil || k.UsedToday < best.UsedToday ||
			(k.UsedToday == best.UsedToday && k.LastUsedAt.Before(best.LastUsedAt)) {
			copied := k
			best = &copied
		}
	}
	if best == nil {
		return apikey.Key{}, apikey.ErrNoKeyAvailable
	}

	best.InFlight++
	best.LastUsedAt = time.Now().UTC()
	s.keys[best.ID] = *best
	return *best, nil
}

func (s *Store) ConfirmKeyUsage(_ context.Context, id string) (apikey.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return apikey.Key{}, apikey.ErrKeyNotFound
	}
	if k.UsedToday >= k.DailyLimit {
		return apikey.Key{}, fmt.Errorf("api key %s daily limit reached", id)
	}
	k.UsedToday++
	k.UpdatedAt = time.Now().UTC()
	s.keys[id] = k
	return k, nil
}

func (s *Store) ReleaseKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return apikey.ErrKeyNotFound
	}
	if k.InFlight > 0 {
		k.InFlight--
	}
	s.keys[id] = k
	return nil
}

func (s *Store) CreateKey(_ context.Context, k apikey.Key) (apikey.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k.ID == "" {
		k.ID = fmt.Sprintf("%d", s.nextKeyID)
		s.nextKeyID++
	} else if _, exists := s.keys[k.ID]; exists {
		return apikey.Key{}, fmt.Errorf("api key %s already exists", k.ID)
	}
	now := time.Now().UTC()
	k.CreatedAt = now
	k.UpdatedAt = now
	if k.LastResetDate == "" {
		k.LastResetDate = apikey.Today()
	}
	s.keys[k.ID] = k
	return k, nil
}

func (s *Store) UpdateKey(_ context.Context, k apikey.Key) (apikey.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.keys[k.ID]
	if !ok {
		return apikey.Key{}, apikey.ErrKeyNotFound
	}
	k.CreatedAt = existing.CreatedAt
	k.UsedToday = existing.UsedToday
	k.InFlight = existing.InFlight
	k.LastResetDate = existing.LastResetDate
	k.UpdatedAt = time.Now().UTC()
	s.keys[k.ID] = k
	return k, nil
}

func (s *Store) GetKey(_ context.Context, id string) (apikey.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return apikey.Key{}, apikey.ErrKeyNotFound
	}
	return k, nil
}

func (s *Store) ListKeys(_ context.Context) ([]apikey.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]apikey.Key, 0, len(s.keys))
	for _, k := range s.keys {
		result = append(result, k)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) ResetDailyUsage(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := apikey.Today()
	var reset int64
	for id, k := range s.keys {
		if k.LastResetDate != today {
			k.UsedToday = 0
			k.LastResetDate = today
			s.keys[id] = k
			reset++
		}
	}
	return reset, nil
}

// TaskStore implementation ---------------------------------------------------

func (s *Store) CreateTask(_ context.Context, t task.Task) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = task.NewID()
	}
	if _, exists := s.tasks[t.ID]; exists {
		return task.Task{}, task.ErrDuplicate
	}
	if t.Status == "" {
		t.Status = task.StatusProcessing
	}
	t.CreatedAt = time.Now().UTC()
	s.tasks[t.ID] = t
	return t, nil
}

func (s *Store) TransitionTask(_ context.Context, id string, to task.Status, res task.Result) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, task.ErrNotFound
	}
	if t.Status.Terminal() {
		return t, task.ErrAlreadyTerminal
	}
	if !to.Terminal() {
		return task.Task{}, fmt.Errorf("transition target %q is not terminal", to)
	}

	t.Status = to
	t.CompletedAt = time.Now().UTC()
	switch to {
	case task.StatusCompleted:
		t.OutputKey = res.OutputKey
		t.OutputURL = res.OutputURL
		t.Progress = 100
	case task.StatusFailed:
		t.ErrorMsg = res.ErrorMsg
	}
	s.tasks[id] = t
	return t, nil
}

func (s *Store) UpdateTaskProgress(_ context.Context, id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	if t.Status.Terminal() {
		return nil
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	t.Progress = progress
	s.tasks[id] = t
	return nil
}

func (s *Store) GetTask(_ context.Context, id string) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, task.ErrNotFound
	}
	return t, nil
}

func (s *Store) ListTasksByUser(_ context.Context, userID string, limit, offset int) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []task.Task
	for _, t := range s.tasks {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if offset > 0 {
		if offset >= len(result) {
			return nil, nil
		}
		result = result[offset:]
	}
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// LedgerStore implementation -------------------------------------------------

func (s *Store) DebitCredits(_ context.Context, userID string, amount int, note string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount < 0 {
		return 0, fmt.Errorf("debit amount must be non-negative")
	}
	balance := s.balanceLocked(userID)
	if balance < amount {
		return balance, credit.ErrInsufficientCredits
	}
	s.appendEntryLocked(credit.LedgerEntry{
		UserID: userID,
		Amount: -amount,
		Type:   credit.EntryTaskDebit,
		Note:   note,
	})
	return balance - amount, nil
}

func (s *Store) RefundCredits(_ context.Context, userID string, amount int, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.ledger[userID] {
		if e.Type == credit.EntryProcessingRefund && e.Note == note {
			return nil
		}
	}
	s.appendEntryLocked(credit.LedgerEntry{
		UserID: userID,
		Amount: amount,
		Type:   credit.EntryProcessingRefund,
		Note:   note,
	})
	return nil
}

func (s *Store) GrantCredits(_ context.Context, userID string, amount int, typ credit.EntryType, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendEntryLocked(credit.LedgerEntry{
		UserID: userID,
		Amount: amount,
		Type:   typ,
		Note:   note,
	})
	return nil
}

func (s *Store) Balance(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceLocked(userID), nil
}

func (s *Store) ListEntries(_ context.Context, userID string, limit int) ([]credit.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.ledger[userID]
	result := make([]credit.LedgerEntry, len(entries))
	copy(result, entries)
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) appendEntryLocked(e credit.LedgerEntry) {
	e.ID = s.nextEntryID
	s.nextEntryID++
	e.CreatedAt = time.Now().UTC()
	s.ledger[e.UserID] = append(s.ledger[e.UserID], e)
}

func (s *Store) balanceLocked(userID string) int {
	now := time.Now().UTC()
	var sum int
	for _, e := range s.ledger[userID] {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			continue
		}
		sum += e.Amount
	}
	return sum
}

// TrialStore implementation --------------------------------------------------

func (s *Store) CheckTrialEligibility(_ context.Context, fingerprintHash string) (trial.Eligibility, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(fingerprintHash) == "" {
		return trial.Eligibility{}, trial.ErrInvalidFingerprint
	}
	st, ok := s.trials[fingerprintHash]
	if ok && st.Consumed {
		return trial.Eligibility{Eligible: false, Reason: trial.ReasonAlreadyUsed}, nil
	}
	return trial.Eligibility{Eligible: true, Reason: trial.ReasonOK}, nil
}

func (s *Store) ConsumeTrial(_ context.Context, fingerprintHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.trials[fingerprintHash]
	if ok && st.Consumed {
		return trial.ErrTrialUsed
	}
	now := time.Now().UTC()
	if !ok {
		st = trial.State{FingerprintHash: fingerprintHash, CreatedAt: now}
	}
	st.Consumed = true
	st.UsageCount++
	st.ConsumedAt = now
	s.trials[fingerprintHash] = st
	return nil
}

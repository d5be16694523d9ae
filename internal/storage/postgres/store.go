// Package postgres implements the storage interfaces backed by PostgreSQL.
// Every invariant-guarding operation is a single conditional statement or a
// short transaction; the store never reads a counter into Go and writes it
// back.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mtzyw/upimage-sub001/internal/domain/apikey"
	"github.com/mtzyw/upimage-sub001/internal/domain/credit"
	"github.com/mtzyw/upimage-sub001/internal/domain/task"
	"github.com/mtzyw/upimage-sub001/internal/domain/trial"
	"github.com/mtzyw/upimage-sub001/internal/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.KeyStore = (*Store)(nil)
var _ storage.TaskStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.TrialStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the required tables if they do not exist. Managed
// deployments own the schema through the hosted backend; this covers local
// and test databases.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			secret TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			used_today INT NOT NULL DEFAULT 0,
			daily_limit INT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT true,
			in_flight INT NOT NULL DEFAULT 0,
			last_reset_date DATE NOT NULL DEFAULT CURRENT_DATE,
			last_used_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			fingerprint TEXT NOT NULL DEFAULT '',
			batch_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			engine TEXT NOT NULL,
			input_key TEXT NOT NULL DEFAULT '',
			output_key TEXT NOT NULL DEFAULT '',
			output_url TEXT NOT NULL DEFAULT '',
			scale INT NOT NULL DEFAULT 0,
			creativity DOUBLE PRECISION NOT NULL DEFAULT 0,
			progress INT NOT NULL DEFAULT 0,
			credits_used INT NOT NULL DEFAULT 0,
			api_key_id TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS credit_ledger (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount INT NOT NULL,
			entry_type TEXT NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS credit_ledger_user_idx ON credit_ledger (user_id);
		CREATE UNIQUE INDEX IF NOT EXISTS credit_ledger_refund_once_idx
			ON credit_ledger (user_id, entry_type, note)
			WHERE entry_type = 'processing_refund';
		CREATE TABLE IF NOT EXISTS anonymous_trials (
			fingerprint_hash TEXT PRIMARY KEY,
			consumed BOOLEAN NOT NULL DEFAULT false,
			usage_count INT NOT NULL DEFAULT 0,
			consumed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// --- KeyStore ---------------------------------------------------------------

func (s *Store) AcquireKey(ctx context.Context) (apikey.Key, error) {
	// Lazy daily reset first, then a single conditional update that both
	// selects and stamps the winning key. SKIP LOCKED keeps concurrent
	// acquirers from serializing on the same row.
	if _, err := s.db.ExecContext(ctx, `
		UPDATE api_keys
		SET used_today = 0, last_reset_date = CURRENT_DATE, updated_at = now()
		WHERE last_reset_date < CURRENT_DATE
	`); err != nil {
		return apikey.Key{}, fmt.Errorf("daily reset: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE api_keys
		SET in_flight = in_flight + 1, last_used_at = now(), updated_at = now()
		WHERE id = (
			SELECT id FROM api_keys
			WHERE is_active AND used_today < daily_limit
			ORDER BY used_today ASC, last_used_at ASC NULLS FIRST
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, secret, name, used_today, daily_limit, is_active, in_flight,
			to_char(last_reset_date, 'YYYY-MM-DD'), last_used_at, created_at, updated_at
	`)

	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return apikey.Key{}, apikey.ErrNoKeyAvailable
	}
	if err != nil {
		return apikey.Key{}, fmt.Errorf("acquire key: %w", err)
	}
	return k, nil
}

func (s *Store) ConfirmKeyUsage(ctx context.Context, id string) (apikey.Key, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE api_keys
		SET used_today = used_today + 1, updated_at = now()
		WHERE id = $1 AND used_today < daily_limit
		RETURNING id, secret, name, used_today, daily_limit, is_active, in_flight,
			to_char(last_reset_date, 'YYYY-MM-DD'), last_used_at, created_at, updated_at
	`, id)

	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return apikey.Key{}, fmt.Errorf("api key %s missing or daily limit reached", id)
	}
	if err != nil {
		return apikey.Key{}, fmt.Errorf("confirm key usage: %w", err)
	}
	return k, nil
}

func (s *Store) ReleaseKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_keys
		SET in_flight = GREATEST(in_flight - 1, 0), updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("release key: %w", err)
	}
	return nil
}

func (s *Store) CreateKey(ctx context.Context, k apikey.Key) (apikey.Key, error) {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if k.LastResetDate == "" {
		k.LastResetDate = apikey.Today()
	}
	now := time.Now().UTC()
	k.CreatedAt = now
	k.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, secret, name, used_today, daily_limit, is_active, last_reset_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::date, $8, $9)
	`, k.ID, k.Secret, k.Name, k.UsedToday, k.DailyLimit, k.IsActive, k.LastResetDate, k.CreatedAt, k.UpdatedAt)
	if err != nil {
		return apikey.Key{}, fmt.Errorf("create key: %w", err)
	}
	return k, nil
}

func (s *Store) UpdateKey(ctx context.Context, k apikey.Key) (apikey.Key, error) {
	k.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE api_keys
		SET secret = $2, name = $3, daily_limit = $4, is_active = $5, updated_at = $6
		WHERE id = $1
	`, k.ID, k.Secret, k.Name, k.DailyLimit, k.IsActive, k.UpdatedAt)
	if err != nil {
		return apikey.Key{}, fmt.Errorf("update key: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apikey.Key{}, apikey.ErrKeyNotFound
	}
	return s.GetKey(ctx, k.ID)
}

func (s *Store) GetKey(ctx context.Context, id string) (apikey.Key, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, secret, name, used_today, daily_limit, is_active, in_flight,
			to_char(last_reset_date, 'YYYY-MM-DD'), last_used_at, created_at, updated_at
		FROM api_keys
		WHERE id = $1
	`, id)
	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return apikey.Key{}, apikey.ErrKeyNotFound
	}
	if err != nil {
		return apikey.Key{}, err
	}
	return k, nil
}

func (s *Store) ListKeys(ctx context.Context) ([]apikey.Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, secret, name, used_today, daily_limit, is_active, in_flight,
			to_char(last_reset_date, 'YYYY-MM-DD'), last_used_at, created_at, updated_at
		FROM api_keys
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []apikey.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, k)
	}
	return result, rows.Err()
}

func (s *Store) ResetDailyUsage(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE api_keys
		SET used_today = 0, last_reset_date = CURRENT_DATE, updated_at = now()
		WHERE last_reset_date < CURRENT_DATE
	`)
	if err != nil {
		return 0, fmt.Errorf("reset daily usage: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(row rowScanner) (apikey.Key, error) {
	var (
		k          apikey.Key
		lastUsedAt sql.NullTime
	)
	err := row.Scan(&k.ID, &k.Secret, &k.Name, &k.UsedToday, &k.DailyLimit, &k.IsActive,
		&k.InFlight, &k.LastResetDate, &lastUsedAt, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return apikey.Key{}, err
	}
	if lastUsedAt.Valid {
		k.LastUsedAt = lastUsedAt.Time.UTC()
	}
	return k, nil
}

// --- TaskStore --------------------------------------------------------------

func (s *Store) CreateTask(ctx context.Context, t task.Task) (task.Task, error) {
	if t.ID == "" {
		t.ID = task.NewID()
	}
	if t.Status == "" {
		t.Status = task.StatusProcessing
	}
	t.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, user_id, fingerprint, batch_id, status, engine, input_key,
			output_key, output_url, scale, creativity, progress, credits_used, api_key_id,
			error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, t.ID, t.UserID, t.Fingerprint, t.BatchID, string(t.Status), string(t.Engine), t.InputKey,
		t.OutputKey, t.OutputURL, t.Scale, t.Creativity, t.Progress, t.CreditsUsed, t.APIKeyID,
		t.ErrorMsg, t.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return task.Task{}, task.ErrDuplicate
		}
		return task.Task{}, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

func (s *Store) TransitionTask(ctx context.Context, id string, to task.Status, res task.Result) (task.Task, error) {
	if !to.Terminal() {
		return task.Task{}, fmt.Errorf("transition target %q is not terminal", to)
	}

	// The status guard makes the terminal transition first-writer-wins;
	// retries and duplicate webhooks fall through to the read below.
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = $2, output_key = $3, output_url = $4, error_message = $5,
			progress = CASE WHEN $2 = 'completed' THEN 100 ELSE progress END,
			completed_at = now()
		WHERE id = $1 AND status = 'processing'
		RETURNING id, user_id, fingerprint, batch_id, status, engine, input_key, output_key,
			output_url, scale, creativity, progress, credits_used, api_key_id, error_message,
			created_at, completed_at
	`, id, string(to), res.OutputKey, res.OutputURL, res.ErrorMsg)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := s.GetTask(ctx, id)
		if getErr != nil {
			return task.Task{}, getErr
		}
		return existing, task.ErrAlreadyTerminal
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("transition task: %w", err)
	}
	return t, nil
}

func (s *Store) UpdateTaskProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET progress = $2 WHERE id = $1 AND status = 'processing'
	`, id, progress)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		// Either terminal (benign) or missing; only the latter is an error.
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (task.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, fingerprint, batch_id, status, engine, input_key, output_key,
			output_url, scale, creativity, progress, credits_used, api_key_id, error_message,
			created_at, completed_at
		FROM tasks
		WHERE id = $1
	`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, task.ErrNotFound
	}
	if err != nil {
		return task.Task{}, err
	}
	return t, nil
}

func (s *Store) ListTasksByUser(ctx context.Context, userID string, limit, offset int) ([]task.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, fingerprint, batch_id, status, engine, input_key, output_key,
			output_url, scale, creativity, progress, credits_used, api_key_id, error_message,
			created_at, completed_at
		FROM tasks
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func scanTask(row rowScanner) (task.Task, error) {
	var (
		t           task.Task
		status      string
		engine      string
		completedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Fingerprint, &t.BatchID, &status, &engine,
		&t.InputKey, &t.OutputKey, &t.OutputURL, &t.Scale, &t.Creativity, &t.Progress,
		&t.CreditsUsed, &t.APIKeyID, &t.ErrorMsg, &t.CreatedAt, &completedAt)
	if err != nil {
		return task.Task{}, err
	}
	t.Status = task.Status(status)
	t.Engine = task.Engine(engine)
	if completedAt.Valid {
		t.CompletedAt = completedAt.Time.UTC()
	}
	return t, nil
}

// --- LedgerStore ------------------------------------------------------------

func (s *Store) DebitCredits(ctx context.Context, userID string, amount int, note string) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("debit amount must be non-negative")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin debit tx: %w", err)
	}
	defer tx.Rollback()

	// Serialize debits per user. Under read committed two concurrent
	// transactions would otherwise both see the pre-insert balance.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return 0, fmt.Errorf("lock user ledger: %w", err)
	}

	// Conditional insert closes the balance-check/debit race: the entry is
	// written only if the balance covers it at commit time.
	var balanceAfter sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		WITH balance AS (
			SELECT COALESCE(SUM(amount), 0) AS total
			FROM credit_ledger
			WHERE user_id = $1 AND (expires_at IS NULL OR expires_at > now())
		), inserted AS (
			INSERT INTO credit_ledger (user_id, amount, entry_type, note)
			SELECT $1, -$2::int, $3, $4
			FROM balance
			WHERE balance.total >= $2
			RETURNING amount
		)
		SELECT balance.total + COALESCE((SELECT SUM(amount) FROM inserted), 0)
		FROM balance
		WHERE EXISTS (SELECT 1 FROM inserted)
	`, userID, amount, string(credit.EntryTaskDebit), note).Scan(&balanceAfter)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, credit.ErrInsufficientCredits
	}
	if err != nil {
		return 0, fmt.Errorf("debit credits: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit debit: %w", err)
	}
	return int(balanceAfter.Int64), nil
}

func (s *Store) RefundCredits(ctx context.Context, userID string, amount int, note string) error {
	// The note carries the task id; the partial unique index on refund
	// entries keeps concurrent webhook retries from refunding twice.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_ledger (user_id, amount, entry_type, note)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, entry_type, note)
			WHERE entry_type = 'processing_refund'
			DO NOTHING
	`, userID, amount, string(credit.EntryProcessingRefund), note)
	if err != nil {
		return fmt.Errorf("refund credits: %w", err)
	}
	return nil
}

func (s *Store) GrantCredits(ctx context.Context, userID string, amount int, typ credit.EntryType, note string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_ledger (user_id, amount, entry_type, note)
		VALUES ($1, $2, $3, $4)
	`, userID, amount, string(typ), note)
	if err != nil {
		return fmt.Errorf("grant credits: %w", err)
	}
	return nil
}

func (s *Store) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM credit_ledger
		WHERE user_id = $1 AND (expires_at IS NULL OR expires_at > now())
	`, userID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("balance: %w", err)
	}
	return balance, nil
}

func (s *Store) ListEntries(ctx context.Context, userID string, limit int) ([]credit.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, entry_type, note, expires_at, created_at
		FROM credit_ledger
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []credit.LedgerEntry
	for rows.Next() {
		var (
			e         credit.LedgerEntry
			typ       string
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &typ, &e.Note, &expiresAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = credit.EntryType(typ)
		if expiresAt.Valid {
			t := expiresAt.Time.UTC()
			e.ExpiresAt = &t
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// --- TrialStore -------------------------------------------------------------

func (s *Store) CheckTrialEligibility(ctx context.Context, fingerprintHash string) (trial.Eligibility, error) {
	var consumed bool
	err := s.db.QueryRowContext(ctx, `
		SELECT consumed FROM anonymous_trials WHERE fingerprint_hash = $1
	`, fingerprintHash).Scan(&consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return trial.Eligibility{Eligible: true, Reason: trial.ReasonOK}, nil
	}
	if err != nil {
		return trial.Eligibility{}, fmt.Errorf("check trial eligibility: %w", err)
	}
	if consumed {
		return trial.Eligibility{Eligible: false, Reason: trial.ReasonAlreadyUsed}, nil
	}
	return trial.Eligibility{Eligible: true, Reason: trial.ReasonOK}, nil
}

func (s *Store) ConsumeTrial(ctx context.Context, fingerprintHash string) error {
	// Upsert with a consumed guard: exactly one caller per fingerprint can
	// win, regardless of concurrent tabs hitting the endpoint.
	var consumed bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO anonymous_trials (fingerprint_hash, consumed, usage_count, consumed_at)
		VALUES ($1, true, 1, now())
		ON CONFLICT (fingerprint_hash) DO UPDATE
		SET consumed = true,
			usage_count = anonymous_trials.usage_count + 1,
			consumed_at = COALESCE(anonymous_trials.consumed_at, now())
		WHERE anonymous_trials.consumed = false
		RETURNING consumed
	`, fingerprintHash).Scan(&consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return trial.ErrTrialUsed
	}
	if err != nil {
		return fmt.Errorf("consume trial: %w", err)
	}
	return nil
}

// Package keypool manages the shared pool of third-party API keys and their
// daily quotas.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mtzyw/upimage-sub001/internal/domain/apikey"
	"github.com/mtzyw/upimage-sub001/internal/metrics"
	"github.com/mtzyw/upimage-sub001/internal/storage"
	"github.com/mtzyw/upimage-sub001/pkg/logger"
)

// Service coordinates key leasing and administration on top of a KeyStore.
// Leasing never consumes quota; quota is consumed by ConfirmUsage after the
// upstream call succeeds, so a failed submission costs nothing.
type Service struct {
	keys storage.KeyStore
	log  *logger.Logger
	cron *cron.Cron
}

// New creates a key pool service.
func New(keys storage.KeyStore, log *logger.Logger) *Service {
	return &Service{keys: keys, log: log}
}

// Acquire leases the least-used available key. The lease is bookkeeping, not
// an exclusive lock; many tasks may run on the same key concurrently.
func (s *Service) Acquire(ctx context.Context) (apikey.Key, error) {
	k, err := s.keys.AcquireKey(ctx)
	if err != nil {
		if errors.Is(err, apikey.ErrNoKeyAvailable) {
			metrics.RecordKeyPoolExhausted()
			s.log.Warn("api key pool exhausted")
		}
		return apikey.Key{}, err
	}
	metrics.KeyLeased()
	return k, nil
}

// ConfirmUsage burns one unit of the key's daily quota. Called exactly once
// per successful upstream submission.
func (s *Service) ConfirmUsage(ctx context.Context, id string) error {
	k, err := s.keys.ConfirmKeyUsage(ctx, id)
	if err != nil {
		return err
	}
	if k.Exhausted() {
		s.log.WithField("key_id", k.ID).Info("api key reached its daily limit")
	}
	return nil
}

// Release returns a lease. Errors are logged, not propagated: release runs
// on cleanup paths where the original error matters more.
func (s *Service) Release(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := s.keys.ReleaseKey(ctx, id); err != nil {
		s.log.WithError(err).WithField("key_id", id).Warn("release key failed")
		return
	}
	metrics.KeyReleased()
}

// === Administration ===

// Create registers a new pool key.
func (s *Service) Create(ctx context.Context, k apikey.Key) (apikey.Key, error) {
	if k.Secret == "" {
		return apikey.Key{}, fmt.Errorf("key secret is required")
	}
	if k.DailyLimit <= 0 {
		return apikey.Key{}, fmt.Errorf("daily limit must be positive")
	}
	k.UsedToday = 0
	k.InFlight = 0
	created, err := s.keys.CreateKey(ctx, k)
	if err != nil {
		return apikey.Key{}, err
	}
	s.log.WithField("key_id", created.ID).Info("api key added to pool")
	return created, nil
}

// Update changes a key's secret, name, limit or active flag.
func (s *Service) Update(ctx context.Context, k apikey.Key) (apikey.Key, error) {
	if k.ID == "" {
		return apikey.Key{}, fmt.Errorf("key id is required")
	}
	if k.DailyLimit <= 0 {
		return apikey.Key{}, fmt.Errorf("daily limit must be positive")
	}
	return s.keys.UpdateKey(ctx, k)
}

// Get returns one key.
func (s *Service) Get(ctx context.Context, id string) (apikey.Key, error) {
	return s.keys.GetKey(ctx, id)
}

// List returns every key in the pool.
func (s *Service) List(ctx context.Context) ([]apikey.Key, error) {
	return s.keys.ListKeys(ctx)
}

// === Daily reset ===

// StartResetCron schedules the daily usage sweep shortly after UTC midnight.
// Stores also reset lazily on acquisition, so the sweep only keeps the
// bookkeeping fresh for idle keys.
func (s *Service) StartResetCron() error {
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc("5 0 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		n, err := s.keys.ResetDailyUsage(ctx)
		if err != nil {
			s.log.WithError(err).Error("daily key usage reset failed")
			return
		}
		s.log.WithField("keys_reset", n).Info("daily key usage reset complete")
	})
	if err != nil {
		return fmt.Errorf("schedule daily reset: %w", err)
	}
	c.Start()
	s.cron = c
	return nil
}

// StopResetCron stops the scheduler if it was started.
func (s *Service) StopResetCron() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

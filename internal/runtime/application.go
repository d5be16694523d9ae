// Package runtime assembles the application: configuration in, wired
// services and a running HTTP server out.
package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	_ "github.com/lib/pq"

	"github.com/mtzyw/upimage-sub001/internal/cache"
	"github.com/mtzyw/upimage-sub001/internal/config"
	"github.com/mtzyw/upimage-sub001/internal/httpapi"
	"github.com/mtzyw/upimage-sub001/internal/imageapi"
	"github.com/mtzyw/upimage-sub001/internal/middleware"
	"github.com/mtzyw/upimage-sub001/internal/services/credits"
	"github.com/mtzyw/upimage-sub001/internal/services/enhance"
	"github.com/mtzyw/upimage-sub001/internal/services/keypool"
	"github.com/mtzyw/upimage-sub001/internal/services/tasks"
	"github.com/mtzyw/upimage-sub001/internal/services/trial"
	"github.com/mtzyw/upimage-sub001/internal/services/webhook"
	"github.com/mtzyw/upimage-sub001/internal/storage"
	"github.com/mtzyw/upimage-sub001/internal/storage/memory"
	"github.com/mtzyw/upimage-sub001/internal/storage/postgres"
	"github.com/mtzyw/upimage-sub001/internal/supabase"
	"github.com/mtzyw/upimage-sub001/pkg/logger"
)

// Application holds the wired services and the HTTP server.
type Application struct {
	cfg    *config.Config
	log    *logger.Logger
	server *http.Server

	Pool    *keypool.Service
	Credits *credits.Service
	Tasks   *tasks.Service
	Enhance *enhance.Service
	Trial   *trial.Service
	Ingest  *webhook.Ingestor

	db    *sql.DB
	redis *cache.Redis
}

// New wires the application. Postgres carries keys and tasks when a DSN is
// configured; the Supabase backend carries the trial gate, the ledger and
// result objects when configured. Missing backends fall back to in-memory
// implementations so the binary runs in development without external
// services.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Application, error) {
	app := &Application{cfg: cfg, log: log}

	mem := memory.New()
	var (
		keyStore    storage.KeyStore    = mem
		taskStore   storage.TaskStore   = mem
		ledgerStore storage.LedgerStore = mem
		trialStore  storage.TrialStore  = mem
	)

	if cfg.Database.DSN != "" {
		db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping database: %w", err)
		}

		pg := postgres.New(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		app.db = db
		keyStore, taskStore, ledgerStore, trialStore = pg, pg, pg, pg
		log.Info("postgres storage configured")
	}

	var objects webhook.ObjectStore = newLocalObjects()
	if cfg.Supabase.URL != "" {
		client, err := supabase.NewClient(supabase.Config{
			URL:        cfg.Supabase.URL,
			ServiceKey: cfg.Supabase.ServiceKey,
		})
		if err != nil {
			return nil, err
		}
		objects = supabase.NewStorageClient(client, cfg.Supabase.StorageBucket, cfg.Supabase.PublicBase)

		// The hosted procedures own trial and ledger writes when present;
		// they enforce the same atomic contracts server side.
		sb := supabase.NewStore(client)
		ledgerStore = sb
		trialStore = sb
		log.Info("supabase backend configured")
	}

	var kv cache.Cache = cache.NewMemory()
	if cfg.Redis.Addr != "" {
		rd, err := cache.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		app.redis = rd
		kv = rd
		log.Info("redis cache configured")
	}
	ctxIndex := cache.NewContextIndex(kv, log.WithField("component", "cache"))

	upstream, err := imageapi.New(cfg.ImageAPI, log.WithField("component", "imageapi"))
	if err != nil {
		return nil, err
	}

	app.Pool = keypool.New(keyStore, log.WithField("component", "keypool"))
	app.Credits = credits.New(ledgerStore, log.WithField("component", "credits"))
	app.Tasks = tasks.New(taskStore, log.WithField("component", "tasks"))
	app.Enhance = enhance.New(app.Pool, app.Credits, app.Tasks, upstream, ctxIndex,
		log.WithField("component", "enhance"))
	app.Trial = trial.New(trialStore, app.Pool, app.Tasks, upstream, ctxIndex,
		log.WithField("component", "trial"))
	app.Ingest = webhook.New(app.Tasks, app.Credits, app.Pool, upstream, objects, ctxIndex,
		cfg.ImageAPI.WebhookSecret, log.WithField("component", "webhook"))

	auth := middleware.NewAuthenticator(cfg.Supabase.JWTSecret, log.WithField("component", "auth"))
	handler := httpapi.New(app.Enhance, app.Trial, app.Credits, app.Tasks, app.Pool,
		app.Ingest, log.WithField("component", "httpapi"))

	app.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler.Router(auth, cfg.Auth),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}
	return app, nil
}

// Run starts the daily reset scheduler and serves HTTP until the context is
// canceled, then shuts down gracefully.
func (a *Application) Run(ctx context.Context) error {
	if err := a.Pool.StartResetCron(); err != nil {
		return err
	}
	defer a.Pool.StopResetCron()

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", a.server.Addr).Info("http server listening")
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	a.close()
	a.log.Info("shutdown complete")
	return nil
}

func (a *Application) close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("close database failed")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("close redis failed")
		}
	}
}

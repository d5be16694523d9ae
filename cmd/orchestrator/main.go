// Command orchestrator runs the image enhancement task orchestration server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mtzyw/upimage-sub001/internal/config"
	"github.com/mtzyw/upimage-sub001/internal/runtime"
	"github.com/mtzyw/upimage-sub001/pkg/logger"
)

func main() {
	// Local development loads a .env file; in deployment the environment
	// comes from the platform.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("orchestrator").WithError(err).Error("load configuration failed")
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		Name:   "orchestrator",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := runtime.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("application wiring failed")
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		log.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
}

// Command pipeline-api serves the HTTP API with configuration taken from
// ETL_CONFIG and the ETL_* environment.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go-etl-engine/internal/app"
	"go-etl-engine/internal/config"
	"go-etl-engine/internal/logging"

	"github.com/rs/zerolog/log"
)

func main() {
	path := os.Getenv("ETL_CONFIG")
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := logging.Setup(cfg.Logging)

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := a.Serve(ctx, path); err != nil {
		logger.Error().Err(err).Msg("server stopped")
	}
}

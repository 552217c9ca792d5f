// Command apmcentral is the central ingestion server: it authenticates and
// stores profiling records from every host daemon, serves the query API,
// and forwards accepted records to a log aggregator.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/crlsmrls/apmpipeline/central/config"
	"github.com/crlsmrls/apmpipeline/central/server"
	"github.com/crlsmrls/apmpipeline/central/store"
	"github.com/crlsmrls/apmpipeline/internal/logging"
	"github.com/crlsmrls/apmpipeline/internal/obsmetrics"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.New(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("apmcentral: invalid configuration")
	}

	logging.InitLogger(cfg.LogLevel, os.Stdout)
	log.Info().Int("port", cfg.Port).Str("db_path", cfg.DBPath).Int("known_projects", len(cfg.APIKeys)).Msg("apmcentral starting")

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("apmcentral: failed to open storage")
	}
	defer st.Close()

	reg := obsmetrics.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, st, reg)
	if err := srv.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("apmcentral: fatal error")
	}

	log.Info().Msg("apmcentral: shut down cleanly")
}

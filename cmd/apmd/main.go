// Command apmd is the host daemon: it accepts profiling records from local
// application agents and forwards them to the central ingest server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/crlsmrls/apmpipeline/daemon"
	"github.com/crlsmrls/apmpipeline/daemon/config"
	"github.com/crlsmrls/apmpipeline/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.New(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("apmd: invalid configuration")
	}

	logging.InitLogger(cfg.LogLevel, os.Stdout)
	log.Info().Str("socket_path", cfg.SocketPath).Str("central_url", cfg.CentralURL).Msg("apmd starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := daemon.New(cfg)
	if err := d.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("apmd: fatal error")
	}

	if restarting, reason := d.Restarting(); restarting {
		log.Info().Str("reason", reason).Msg("apmd: exiting for voluntary restart")
		os.Exit(daemon.RestartExitCode)
	}
	log.Info().Msg("apmd: shut down cleanly")
}

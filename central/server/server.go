// Package server assembles the central ingestion server's HTTP surface:
// authenticated ingest, the public query API, health/readiness, Prometheus
// metrics, and an internal storage diagnostics endpoint — spec.md §4.5,
// wired the way CrlsMrls-dummybox's server package wires its own router.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/crlsmrls/apmpipeline/central/auth"
	"github.com/crlsmrls/apmpipeline/central/config"
	"github.com/crlsmrls/apmpipeline/central/ingest"
	"github.com/crlsmrls/apmpipeline/central/ratelimit"
	"github.com/crlsmrls/apmpipeline/central/shipper"
	"github.com/crlsmrls/apmpipeline/central/store"
	"github.com/crlsmrls/apmpipeline/internal/obsmetrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// Server holds the assembled HTTP server and its subcomponents.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	cfg        *config.Config
	store      *store.Store
	authn      *auth.Authenticator
	limiter    *ratelimit.Limiter
	shipper    *shipper.Shipper
	sweeper    *store.Sweeper
	udp        *ingest.UDPListener

	start time.Time
}

// New wires every central subcomponent and its route table.
func New(cfg *config.Config, st *store.Store, reg *prometheus.Registry) *Server {
	authn := auth.New(cfg.APIKeys)
	limiter := ratelimit.New(cfg.RateLimit)

	var ship *shipper.Shipper
	if cfg.GraylogEnabled {
		ship = shipper.New(cfg.GraylogHost, cfg.GraylogPort, cfg.StatePath)
	}

	sweeper := store.NewSweeper(st)

	var udp *ingest.UDPListener
	if cfg.UDPPort != 0 {
		var forwarder ingest.Forwarder
		if ship != nil {
			forwarder = ship
		}
		var err error
		udp, err = ingest.NewUDPListener(fmt.Sprintf(":%d", cfg.UDPPort), st, forwarder)
		if err != nil {
			log.Error().Err(err).Msg("apm central: UDP listener failed to bind, UDP ingest disabled")
			udp = nil
		}
	}

	s := &Server{
		cfg:     cfg,
		store:   st,
		authn:   authn,
		limiter: limiter,
		shipper: ship,
		sweeper: sweeper,
		udp:     udp,
		start:   time.Now(),
	}

	r := chi.NewRouter()
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	r.Use(
		hlog.NewHandler(logger),
		obsmetrics.HTTPMetricsMiddleware,
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Str("url", r.URL.String()).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("request")
		}),
		hlog.RemoteAddrHandler("ip"),
		hlog.UserAgentHandler("user_agent"),
		middleware.RequestID,
		CorrelationIDMiddleware,
		middleware.Recoverer,
	)
	s.setupRoutes(r, reg)
	s.router = r

	s.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
	return s
}

// Run starts the HTTP server (and, if configured, the UDP listener,
// retention sweeper, and shipper replayer) and blocks until ctx is
// canceled, then shuts everything down gracefully.
func (s *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		if s.cfg.TLSEnabled() {
			log.Info().Msg("apm central: TLS enabled")
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("apm central: HTTP server failed")
		}
	}()

	if s.udp != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.udp.Serve()
		}()
	}

	if err := s.sweeper.Start(ctx); err != nil {
		log.Error().Err(err).Msg("apm central: retention sweeper failed to start")
	}

	if s.shipper != nil {
		replayer := shipper.NewReplayer(s.store, s.shipper)
		wg.Add(1)
		go func() {
			defer wg.Done()
			replayer.Run(ctx)
		}()
	}

	<-ctx.Done()
	log.Info().Msg("apm central: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("apm central: HTTP shutdown failed")
	}
	if s.udp != nil {
		s.udp.Close()
	}
	wg.Wait()
	log.Info().Msg("apm central: shut down cleanly")
	return nil
}

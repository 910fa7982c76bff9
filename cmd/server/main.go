package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/avolkov/huddle/internal/adapters/http"
	signaladapter "github.com/avolkov/huddle/internal/adapters/signal"
	"github.com/avolkov/huddle/internal/app"
	"github.com/avolkov/huddle/internal/app/orch"
	"github.com/avolkov/huddle/internal/config"
	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/engine/pion"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// A dead worker invalidates every media path through it and there is
	// no in-process recovery: clients must rejoin after a restart.
	pool, err := core.NewWorkerPool(ctx, pion.New(), core.PoolSettings{
		Size:        cfg.WorkerCount,
		RTCMinPort:  cfg.RTCMinPort,
		RTCMaxPort:  cfg.RTCMaxPort,
		AnnouncedIP: cfg.AnnouncedIP,
	}, func(err error) {
		log.Fatal().Err(err).Msg("media worker died")
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create worker pool")
	}
	defer pool.Close()

	registry := app.NewRegistry()
	rooms := app.NewRoomManager(pool, nil)
	orchestrator := orch.New(registry, rooms, cfg.MaxSpeakers)
	limiter := signaladapter.NewJoinRateLimiter(cfg.JoinRateLimit, cfg.JoinRateInterval)
	ctl := signaladapter.NewController(orchestrator, cfg, limiter)

	r := router.SetupRouter(ctx, cfg, orchestrator, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Int("workers", pool.Size()).Msg("Huddle server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

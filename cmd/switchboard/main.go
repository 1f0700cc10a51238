package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/antoniostano/switchboard/internal/config"
	"github.com/antoniostano/switchboard/internal/gateway"
	"github.com/antoniostano/switchboard/internal/httpapi"
	"github.com/antoniostano/switchboard/internal/observability"
	"github.com/antoniostano/switchboard/internal/registry"
	"github.com/antoniostano/switchboard/internal/router"
	"github.com/antoniostano/switchboard/internal/store"
	"github.com/antoniostano/switchboard/internal/trace"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.With().Str("service", "switchboard").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	kv, err := store.Open(ctx, cfg.RedisAddr, store.Options{
		Password:        cfg.RedisPassword,
		ConnectAttempts: cfg.StoreConnectAttempts,
		BackoffBase:     cfg.StoreBackoffBase,
		BackoffCap:      cfg.StoreBackoffCap,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("shared store init failed")
	}
	defer kv.Close()

	archive, err := trace.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("trace archive init failed")
	}
	defer archive.Close()

	agents := registry.New(kv, cfg.HeartbeatTimeout)
	sessions := router.New(kv, agents, cfg.DefaultAgent, cfg.SessionTTL)
	tracer := observability.NewTracer(archive)
	gw := gateway.New(cfg, sessions, metrics, tracer)

	api := httpapi.New(cfg, kv, agents, sessions, gw.HandleWS)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	if mem, ok := kv.(*store.MemoryKV); ok {
		mem.StartJanitor(runCtx, 5*time.Second)
	}

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	gw.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
}

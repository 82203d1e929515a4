package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ccfleet/internal/config"
	"ccfleet/internal/handler"
	"ccfleet/internal/metrics"
	"ccfleet/internal/orchestrator"
	"ccfleet/internal/proxypool"
	"ccfleet/internal/registry"
	"ccfleet/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config.json (default: ./config.json or ./config/config.json)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	setupLogging(cfg.Log)

	// Storage is optional: without it the proxy still routes, it just keeps
	// no durable request log.
	var db *store.Store
	if cfg.Storage.DBPath != "" {
		db, err = store.New(cfg.Storage.DBPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open database")
		}
		defer db.Close()

		if cfg.Storage.LogRetentionDays > 0 {
			go pruneRequestLogs(db, cfg.Storage.LogRetentionDays)
		}
	}

	proxyList, err := config.LoadProxyList(cfg.ProxyListPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.ProxyListPath).Msg("failed to read proxy list")
	}
	proxies, parseErrs := proxypool.ParseList(proxyList)
	for _, perr := range parseErrs {
		log.Warn().Err(perr).Msg("skipping malformed proxy line")
	}

	pool, err := proxypool.New(cfg.Proxy, proxies)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build proxy pool")
	}
	defer pool.Close()
	log.Info().
		Str("mode", string(cfg.Proxy.Mode)).
		Str("strategy", string(cfg.Proxy.Strategy)).
		Int("proxies", len(proxies)).
		Msg("initialized proxy pool")

	reg, err := registry.New(cfg.Accounts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load account registry")
	}
	reg.Start()
	defer reg.Close()
	log.Info().Int("accounts", len(reg.List())).Msg("initialized account registry")

	m := metrics.New()

	orch := orchestrator.New(cfg.Requests, cfg.Sessions, reg, pool, m)
	orch.Start()
	defer orch.Close()

	router := handler.NewRouter(handler.RouterDeps{
		Messages: handler.NewMessagesHandler(orch, db, m),
		Admin:    handler.NewAdminHandler(reg, pool, orch, db, m, cfg.ProxyListPath),
		AdminKey: cfg.Admin.Key,
	})
	if cfg.Admin.Key == "" {
		log.Warn().Msg("no admin key configured, admin API is disabled")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		// WriteTimeout bounds the whole response, SSE included.
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func pruneRequestLogs(db *store.Store, retentionDays int) {
	prune := func() {
		n, err := db.DeleteOldRequestLogs(retentionDays)
		if err != nil {
			log.Warn().Err(err).Msg("request log pruning failed")
			return
		}
		if n > 0 {
			log.Info().Int64("deleted", n).Int("retention_days", retentionDays).
				Msg("pruned old request logs")
		}
	}

	prune()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		prune()
	}
}

func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	if cfg.File == "" {
		log.Logger = log.Output(console)
		return
	}

	logFile, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Logger = log.Output(console)
		log.Warn().Err(err).Str("path", cfg.File).Msg("failed to open log file, logging to console only")
		return
	}
	log.Logger = log.Output(zerolog.MultiLevelWriter(console, logFile))
}

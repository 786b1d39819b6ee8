package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/scm-target-importer/pkg/cache"
	"github.com/Sternrassler/scm-target-importer/pkg/client"
	"github.com/Sternrassler/scm-target-importer/pkg/config"
	"github.com/Sternrassler/scm-target-importer/pkg/importer"
	"github.com/Sternrassler/scm-target-importer/pkg/journal"
	"github.com/Sternrassler/scm-target-importer/pkg/logging"
	"github.com/Sternrassler/scm-target-importer/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app is one fully wired import pipeline.
type app struct {
	orchestrator *importer.Orchestrator
}

// newApp wires gate, executor, journal, directory, submitter, poller and
// orchestrator from cfg. The returned cleanup closes the journal and redis.
func newApp(ctx context.Context, cfg *config.Config) (*app, func(), error) {
	logger := logging.NewLogger("app")

	gate := ratelimit.NewGate(cfg.GateConfig(), logging.NewLogger(logging.ComponentGate))
	exec, err := client.New(cfg.ClientConfig(), gate)
	if err != nil {
		return nil, nil, fmt.Errorf("create executor: %w", err)
	}

	j, err := journal.Open(ctx, cfg.JournalOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}

	cleanups := []func(){func() {
		if err := j.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close journal")
		}
	}}
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	var cacheManager *cache.Manager
	if cfg.RedisAddr != "" {
		rdb, err := dialRedis(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn().
				Err(err).
				Str("redis_addr", cfg.RedisAddr).
				Msg("Redis unavailable, integration lookups will not be cached")
		} else {
			cacheManager = cache.NewManager(rdb)
			cleanups = append(cleanups, func() { rdb.Close() })
		}
	}

	dir := importer.NewDirectory(exec, cfg.APIURL, cacheManager)
	orchestrator, err := importer.NewOrchestrator(
		importer.NewSubmitter(exec, cfg.APIURL, dir),
		importer.NewPoller(exec, cfg.PollInterval.Duration),
		j,
		cfg.OrchestratorConfig(),
	)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	logger.Debug().
		Str("api_url", cfg.APIURL).
		Str("journal_backend", cfg.JournalBackend).
		Bool("directory_cache", cacheManager != nil).
		Msg("Import pipeline ready")

	return &app{orchestrator: orchestrator}, cleanup, nil
}

func dialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return rdb, nil
}

func setupLogging(cfg *config.Config) zerolog.Logger {
	return logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
	})
}

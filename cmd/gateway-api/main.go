// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command gateway-api serves the public HTTP surface: authenticated LLM
// proxying with metering and quotas, the model catalogue, and the context
// memory endpoints. Metrics are exposed on a separate listener so the
// public port never serves operational data.
//
// Usage:
//
//	gateway-api [-addr host:port] [-metrics-addr host:port] [-env-file path]
//
// Configuration comes from the environment (see internal/gateway/config);
// flags override only the listen addresses.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cmg/internal/gateway/auth"
	"cmg/internal/gateway/breaker"
	"cmg/internal/gateway/catalog"
	"cmg/internal/gateway/config"
	"cmg/internal/gateway/events"
	"cmg/internal/gateway/httpapi"
	"cmg/internal/gateway/idempotency"
	"cmg/internal/gateway/jobs"
	"cmg/internal/gateway/kv"
	"cmg/internal/gateway/memory"
	"cmg/internal/gateway/ratelimit"
	"cmg/internal/gateway/store"
	"cmg/internal/gateway/telemetry"
	"cmg/internal/gateway/upstream"
	"cmg/internal/gateway/usage"
	"cmg/internal/gateway/vector"
	"cmg/pkg/tokens"
)

const shutdownGrace = 10 * time.Second

func main() {
	var (
		addr        = flag.String("addr", "", "listen address; overrides SERVER_HOST/SERVER_PORT")
		metricsAddr = flag.String("metrics-addr", ":9090", "metrics listen address")
		envFile     = flag.String("env-file", ".env", "env file loaded before configuration; a missing file is fine")
	)
	flag.Parse()

	_ = godotenv.Load(*envFile)

	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg, err := config.Load()
	if err != nil {
		boot.Fatal().Err(err).Msg("configuration invalid")
	}
	logger := newLogger(cfg.LogPretty)

	if err := vector.ValidateBackend(cfg.VectorBackend); err != nil {
		logger.Fatal().Err(err).Msg("vector backend unsupported")
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open postgres")
	}
	defer st.Close()

	kvc, err := kv.Open(cfg.KVURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open kv substrate")
	}
	defer kvc.Close()

	// The upstream guard shares its state through the kv substrate so every
	// instance sees the same open circuit. No CallTimeout: streamed chat
	// completions hold the call for minutes and carry their own deadline.
	guard := breaker.New("upstream", breaker.Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}, kv.NewBreakerStore(kvc), logger)

	up := upstream.NewClient(upstream.Config{
		BaseURL: cfg.OpenRouterAPIBase,
		APIKey:  cfg.OpenRouterAPIKey,
		AppName: "context-memory-gateway",
	}, guard, logger)

	embedder, err := vector.NewEmbedder(cfg.EmbeddingsProvider, up, cfg.DefaultEmbeddingModel)
	if err != nil {
		logger.Fatal().Err(err).Msg("build embedder")
	}

	var sinks []events.Sink
	if cfg.AuditLogPath != "" {
		fs, err := events.NewFileSink(cfg.AuditLogPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.AuditLogPath).Msg("open audit log")
		}
		defer fs.Close()
		sinks = append(sinks, fs)
	}
	auditor := events.NewRecorder(st, logger, sinks...)

	est := tokens.NewEstimator()
	queue := jobs.NewQueue(kvc, logger)
	mem := memory.NewService(memory.Deps{
		Store:              st,
		Embedder:           embedder,
		Estimator:          est,
		Queue:              queue,
		Events:             auditor,
		KV:                 kvc,
		Logger:             logger,
		DefaultTokenBudget: cfg.DefaultTokenBudget,
		MaxContextItems:    cfg.MaxContextItems,
	})

	srv := httpapi.NewServer(httpapi.Deps{
		Config:    cfg,
		Auth:      auth.NewAuthenticator(st, cfg.AuthAPIKeySalt),
		Limiter:   ratelimit.New(kvc, logger),
		Resolver:  catalog.NewResolver(st, cfg.DefaultModel, cfg.DefaultEmbeddingModel),
		Usage:     usage.NewRecorder(st, st, cfg.DefaultDailyQuotaTokens, logger),
		Idem:      idempotency.NewManager(st, time.Duration(cfg.IdempotencyRetentionDays)*24*time.Hour, logger),
		Upstream:  up,
		Memory:    mem,
		Queue:     queue,
		Queues:    []string{jobs.DefaultQueue, jobs.QueueSync, jobs.QueueEmbeddings, jobs.QueueCleanup, jobs.QueueAnalytics},
		Events:    auditor,
		Estimator: est,
		DBHealth:  st.Ping,
		KVHealth:  kvc.Healthy,
		Logger:    logger,
	})

	listen := cfg.Addr()
	if *addr != "" {
		listen = *addr
	}
	api := &http.Server{
		Addr:              listen,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		// No WriteTimeout: streaming responses stay open until the model
		// finishes or the client goes away.
	}
	metrics := &http.Server{
		Addr:              *metricsAddr,
		Handler:           metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", api.Addr).Msg("gateway listening")
		if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", metrics.Addr).Msg("metrics listening")
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := api.Shutdown(sctx); err != nil {
			logger.Error().Err(err).Msg("api shutdown")
		}
		if err := metrics.Shutdown(sctx); err != nil {
			logger.Error().Err(err).Msg("metrics shutdown")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("gateway failed")
	}
	logger.Info().Msg("stopped")
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	return mux
}

func newLogger(pretty bool) zerolog.Logger {
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

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

// Command gateway-worker runs the background half of the gateway: consuming
// job queues (embedding batches, catalogue sync, retention sweeps) and the
// cron schedule that feeds them. It serves no public traffic; a small
// listener exposes metrics and a liveness probe.
//
// Usage:
//
//	gateway-worker [-concurrency n] [-metrics-addr host:port] [-env-file path]
//
// Run one per deployment for correctness, more for throughput; the queue's
// claim semantics keep instances from double-running a job.
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

	"cmg/internal/gateway/breaker"
	"cmg/internal/gateway/config"
	"cmg/internal/gateway/events"
	"cmg/internal/gateway/jobs"
	"cmg/internal/gateway/kv"
	"cmg/internal/gateway/store"
	"cmg/internal/gateway/telemetry"
	"cmg/internal/gateway/upstream"
	"cmg/internal/gateway/vector"
)

const shutdownGrace = 10 * time.Second

func main() {
	var (
		concurrency = flag.Int("concurrency", 4, "jobs processed in parallel")
		metricsAddr = flag.String("metrics-addr", ":9091", "metrics and liveness listen address")
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

	// Same guard name as the API so a circuit opened by request traffic
	// also pauses background upstream calls.
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

	queue := jobs.NewQueue(kvc, logger)
	registry := jobs.NewRegistry()
	err = jobs.RegisterBuiltin(registry, jobs.BuiltinDeps{
		Store:            st,
		Models:           up,
		Embedder:         embedder,
		DeprecationAfter: time.Duration(cfg.ModelDeprecationDays) * 24 * time.Hour,
		Logger:           logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("register job handlers")
	}

	worker := jobs.NewWorker(queue, registry, *concurrency, auditor, logger)
	scheduler, err := jobs.NewScheduler(queue, cfg.ModelSyncInterval, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build scheduler")
	}

	metrics := &http.Server{
		Addr:              *metricsAddr,
		Handler:           metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	worker.Start()
	scheduler.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
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
		scheduler.Stop()
		worker.Stop()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := metrics.Shutdown(sctx); err != nil {
			logger.Error().Err(err).Msg("metrics shutdown")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("worker failed")
	}
	logger.Info().Msg("stopped")
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func newLogger(pretty bool) zerolog.Logger {
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

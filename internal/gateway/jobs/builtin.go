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

package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"cmg/internal/gateway/store"
	"cmg/internal/gateway/vector"
)

// Built-in job types. The scheduler fires the recurring ones; ingestion
// submits embedding batches directly.
const (
	TypeModelSync         = "model_sync"
	TypeModelDeprecation  = "model_deprecation"
	TypeEmbeddingBatch    = "embedding_batch"
	TypeEmbeddingBackfill = "embedding_backfill"
	TypeLedgerAggregation = "ledger_aggregation"
	TypeRetentionCleanup  = "retention_cleanup"
)

const (
	// retryAttempts bounds upstream calls from background jobs. Request
	// paths never retry; jobs may because nobody is waiting on them.
	retryAttempts = 3

	staleSalienceFloor = 0.1
	staleAfter         = 90 * 24 * time.Hour
	ledgerRetention    = 365 * 24 * time.Hour
	embedBatchLimit    = 50
)

// BuiltinStore is the slice of the store the built-in jobs touch.
type BuiltinStore interface {
	UpsertModels(ctx context.Context, models []store.ModelEntry, seenAt time.Time) error
	DeprecateUnseen(ctx context.Context, cutoff time.Time) (int64, error)
	ListEmbeddableByIDs(ctx context.Context, ids []string) ([]store.EmbeddableText, error)
	ListItemsMissingEmbeddings(ctx context.Context, limit int) ([]store.EmbeddableText, error)
	UpdateEmbedding(ctx context.Context, id string, vec []float32) error
	DeleteStaleItems(ctx context.Context, salienceFloor float64, cutoff time.Time) (int64, error)
	ArchiveLedger(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeExpiredIdempotency(ctx context.Context) (int64, error)
	AggregateDay(ctx context.Context, day time.Time) error
}

// ModelFetcher pulls the live model catalogue from upstream.
type ModelFetcher interface {
	FetchModels(ctx context.Context) ([]store.ModelEntry, error)
}

// BuiltinDeps carries what the built-in handlers need.
type BuiltinDeps struct {
	Store            BuiltinStore
	Models           ModelFetcher
	Embedder         vector.Embedder
	DeprecationAfter time.Duration
	Logger           zerolog.Logger
}

// RegisterBuiltin installs the built-in handlers on the registry.
func RegisterBuiltin(reg *Registry, deps BuiltinDeps) error {
	b := &builtins{deps: deps}
	for _, r := range []struct {
		jobType string
		queue   string
		timeout time.Duration
		handler Handler
	}{
		{TypeModelSync, QueueSync, 2 * time.Minute, b.modelSync},
		{TypeModelDeprecation, QueueSync, time.Minute, b.modelDeprecation},
		{TypeEmbeddingBatch, QueueEmbeddings, 2 * time.Minute, b.embeddingBatch},
		{TypeEmbeddingBackfill, QueueEmbeddings, 5 * time.Minute, b.embeddingBackfill},
		{TypeLedgerAggregation, QueueAnalytics, 5 * time.Minute, b.ledgerAggregation},
		{TypeRetentionCleanup, QueueCleanup, 10 * time.Minute, b.retentionCleanup},
	} {
		if err := reg.Register(r.jobType, r.queue, r.timeout, r.handler); err != nil {
			return err
		}
	}
	return nil
}

type builtins struct {
	deps BuiltinDeps
}

// modelSync refreshes the model catalogue from the upstream listing. Only
// the fetch retries; the upsert runs once.
func (b *builtins) modelSync(ctx context.Context, _ *Job) error {
	if b.deps.Models == nil {
		return errors.New("model sync has no upstream client")
	}
	var models []store.ModelEntry
	err := retry.Do(func() error {
		var err error
		models, err = b.deps.Models.FetchModels(ctx)
		return err
	}, retry.Context(ctx), retry.Attempts(retryAttempts), retry.LastErrorOnly(true))
	if err != nil {
		return fmt.Errorf("fetch models: %w", err)
	}
	// An empty listing is treated as an upstream fault, not a catalogue
	// wipe; the deprecation sweep retires models on its own clock.
	if len(models) == 0 {
		return errors.New("upstream returned an empty model list")
	}
	if err := b.deps.Store.UpsertModels(ctx, models, time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert models: %w", err)
	}
	b.deps.Logger.Info().Int("models", len(models)).Msg("model catalogue synced")
	return nil
}

// modelDeprecation retires models the upstream listing stopped naming.
func (b *builtins) modelDeprecation(ctx context.Context, _ *Job) error {
	after := b.deps.DeprecationAfter
	if after <= 0 {
		after = 30 * 24 * time.Hour
	}
	n, err := b.deps.Store.DeprecateUnseen(ctx, time.Now().UTC().Add(-after))
	if err != nil {
		return err
	}
	if n > 0 {
		b.deps.Logger.Info().Int64("models", n).Msg("stale models deprecated")
	}
	return nil
}

// embeddingBatch embeds the item ids named in the job params.
func (b *builtins) embeddingBatch(ctx context.Context, job *Job) error {
	ids := stringList(job.Params["ids"])
	if len(ids) == 0 {
		return errors.New("embedding batch has no ids")
	}
	items, err := b.deps.Store.ListEmbeddableByIDs(ctx, ids)
	if err != nil {
		return err
	}
	return b.embed(ctx, items)
}

// embeddingBackfill sweeps items whose embedding write was missed.
func (b *builtins) embeddingBackfill(ctx context.Context, _ *Job) error {
	items, err := b.deps.Store.ListItemsMissingEmbeddings(ctx, embedBatchLimit)
	if err != nil {
		return err
	}
	return b.embed(ctx, items)
}

func (b *builtins) embed(ctx context.Context, items []store.EmbeddableText) error {
	if len(items) == 0 {
		return nil
	}
	if b.deps.Embedder == nil {
		return errors.New("no embedder configured")
	}
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Text
	}
	var vecs [][]float32
	err := retry.Do(func() error {
		var err error
		vecs, err = b.deps.Embedder.Embed(ctx, texts)
		return err
	}, retry.Context(ctx), retry.Attempts(retryAttempts), retry.LastErrorOnly(true))
	if err != nil {
		return fmt.Errorf("embed %d items: %w", len(items), err)
	}
	if len(vecs) != len(items) {
		return fmt.Errorf("embedder returned %d vectors for %d items", len(vecs), len(items))
	}
	for i, it := range items {
		if err := b.deps.Store.UpdateEmbedding(ctx, it.ID, vecs[i]); err != nil {
			return fmt.Errorf("store embedding for %s: %w", it.ID, err)
		}
	}
	b.deps.Logger.Debug().Int("items", len(items)).Str("model", b.deps.Embedder.Model()).Msg("embeddings stored")
	return nil
}

// ledgerAggregation rolls a day's ledger into usage_stats. With no "day"
// param (YYYY-MM-DD) it aggregates yesterday.
func (b *builtins) ledgerAggregation(ctx context.Context, job *Job) error {
	day := time.Now().UTC().AddDate(0, 0, -1).Truncate(24 * time.Hour)
	if raw, ok := job.Params["day"].(string); ok && raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return fmt.Errorf("bad day param %q: %w", raw, err)
		}
		day = parsed
	}
	if err := b.deps.Store.AggregateDay(ctx, day); err != nil {
		return err
	}
	b.deps.Logger.Info().Str("day", day.Format("2006-01-02")).Msg("usage ledger aggregated")
	return nil
}

// retentionCleanup drops decayed memory items, archives old ledger rows and
// purges expired idempotency records.
func (b *builtins) retentionCleanup(ctx context.Context, _ *Job) error {
	now := time.Now().UTC()
	items, err := b.deps.Store.DeleteStaleItems(ctx, staleSalienceFloor, now.Add(-staleAfter))
	if err != nil {
		return fmt.Errorf("stale item sweep: %w", err)
	}
	archived, err := b.deps.Store.ArchiveLedger(ctx, now.Add(-ledgerRetention))
	if err != nil {
		return fmt.Errorf("ledger archive: %w", err)
	}
	purged, err := b.deps.Store.PurgeExpiredIdempotency(ctx)
	if err != nil {
		return fmt.Errorf("idempotency purge: %w", err)
	}
	b.deps.Logger.Info().
		Int64("items", items).
		Int64("ledger_rows", archived).
		Int64("idempotency_records", purged).
		Msg("retention cleanup done")
	return nil
}

// stringList converts a JSON-decoded params value into its string members.
func stringList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

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

// Package usage turns metered token counts into ledger rows and enforces
// daily quotas. Recording happens after the response is sent; a metering
// failure degrades billing, never availability.
package usage

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"cmg/internal/gateway/store"
	"cmg/internal/gateway/telemetry"
)

// ErrQuotaExceeded marks a request that would push the key past its daily
// token budget.
var ErrQuotaExceeded = errors.New("daily token quota exceeded")

// Store is the persistence slice the recorder needs.
type Store interface {
	RecordUsage(ctx context.Context, u store.UsageRecord) error
	TokensUsedToday(ctx context.Context, keyID string) (int64, error)
	UsageByDay(ctx context.Context, keyID string, since time.Time) ([]store.DailyUsage, error)
	UsageByModel(ctx context.Context, keyID string, since time.Time) ([]store.ModelUsage, error)
}

// Pricer resolves catalogue prices for cost attribution.
type Pricer interface {
	GetModel(ctx context.Context, id string) (*store.ModelEntry, error)
}

// Sample is one metered call before pricing.
type Sample struct {
	Key              *store.APIKey
	Model            string
	RequestID        string
	PromptTokens     int64
	CompletionTokens int64
	EmbeddingTokens  int64
}

// Recorder prices samples and appends them to the ledger.
type Recorder struct {
	store        Store
	prices       Pricer
	defaultQuota int64
	logger       zerolog.Logger
}

func NewRecorder(st Store, prices Pricer, defaultQuota int64, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:        st,
		prices:       prices,
		defaultQuota: defaultQuota,
		logger:       logger.With().Str("component", "usage").Logger(),
	}
}

// Record prices the sample from the catalogue and writes the ledger rows.
// An unknown model meters tokens at zero cost rather than dropping the row.
func (r *Recorder) Record(ctx context.Context, s Sample) error {
	var promptPrice, completionPrice float64
	entry, err := r.prices.GetModel(ctx, s.Model)
	switch {
	case errors.Is(err, store.ErrNotFound):
		r.logger.Warn().Str("model", s.Model).Msg("metering unpriced model")
	case err != nil:
		r.logger.Warn().Err(err).Str("model", s.Model).Msg("price lookup failed")
	default:
		promptPrice = entry.PromptPricePer1K
		completionPrice = entry.CompletionPricePer1K
	}

	rec := store.UsageRecord{
		KeyID:            s.Key.ID,
		Workspace:        s.Key.Workspace,
		Model:            s.Model,
		RequestID:        s.RequestID,
		PromptTokens:     s.PromptTokens,
		CompletionTokens: s.CompletionTokens,
		EmbeddingTokens:  s.EmbeddingTokens,
		PromptCost:       cost(s.PromptTokens, promptPrice),
		CompletionCost:   cost(s.CompletionTokens, completionPrice),
		// Embedding calls are billed at the model's prompt rate.
		EmbeddingCost: cost(s.EmbeddingTokens, promptPrice),
	}
	if err := r.store.RecordUsage(ctx, rec); err != nil {
		return err
	}
	telemetry.RecordTokens(store.DirectionPrompt, s.PromptTokens)
	telemetry.RecordTokens(store.DirectionCompletion, s.CompletionTokens)
	telemetry.RecordTokens(store.DirectionEmbedding, s.EmbeddingTokens)
	return nil
}

func cost(tokens int64, pricePer1K float64) float64 {
	if tokens == 0 {
		return 0
	}
	return float64(tokens) / 1000 * pricePer1K
}

// QuotaStatus is the key's standing against its daily budget.
type QuotaStatus struct {
	Limit     int64
	Used      int64
	Remaining int64
	ResetsAt  time.Time
}

// Quota reads the key's consumption for the current UTC day. A key without
// its own quota inherits the service default.
func (r *Recorder) Quota(ctx context.Context, key *store.APIKey) (QuotaStatus, error) {
	limit := key.DailyQuotaTokens
	if limit <= 0 {
		limit = r.defaultQuota
	}
	used, err := r.store.TokensUsedToday(ctx, key.ID)
	if err != nil {
		return QuotaStatus{}, err
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return QuotaStatus{
		Limit:     limit,
		Used:      used,
		Remaining: remaining,
		ResetsAt:  nextUTCMidnight(time.Now()),
	}, nil
}

// CheckQuota gates a request before the upstream call. The check reads
// committed ledger rows only, so a burst of in-flight requests can still
// overshoot; the ledger records the true total either way.
func (r *Recorder) CheckQuota(ctx context.Context, key *store.APIKey) (QuotaStatus, error) {
	q, err := r.Quota(ctx, key)
	if err != nil {
		return q, err
	}
	if q.Used >= q.Limit {
		return q, ErrQuotaExceeded
	}
	return q, nil
}

// Stats is the usage report for one key over a trailing window.
type Stats struct {
	Days   []store.DailyUsage
	Models []store.ModelUsage
}

// Report assembles per-day and per-model usage for the last n days.
func (r *Recorder) Report(ctx context.Context, key *store.APIKey, days int) (Stats, error) {
	if days <= 0 {
		days = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	byDay, err := r.store.UsageByDay(ctx, key.ID, since)
	if err != nil {
		return Stats{}, err
	}
	byModel, err := r.store.UsageByModel(ctx, key.ID, since)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Days: byDay, Models: byModel}, nil
}

func nextUTCMidnight(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
}

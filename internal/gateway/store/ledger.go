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

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Ledger directions. Each metered request writes one row per direction that
// carried tokens; rows are append-only and never mutated.
const (
	DirectionPrompt     = "prompt"
	DirectionCompletion = "completion"
	DirectionEmbedding  = "embedding"
)

// UsageRecord is one metered LLM call split by direction. Directions with
// zero tokens write no ledger row.
type UsageRecord struct {
	KeyID            string
	Workspace        string
	Model            string
	RequestID        string
	PromptTokens     int64
	CompletionTokens int64
	EmbeddingTokens  int64
	PromptCost       float64
	CompletionCost   float64
	EmbeddingCost    float64
}

// TotalTokens sums the record across directions.
func (u UsageRecord) TotalTokens() int64 {
	return u.PromptTokens + u.CompletionTokens + u.EmbeddingTokens
}

// TotalCost sums the record's cost across directions.
func (u UsageRecord) TotalCost() float64 {
	return u.PromptCost + u.CompletionCost + u.EmbeddingCost
}

// RecordUsage appends up to three ledger rows (one per non-zero direction),
// bumps the daily rollup and stamps the key, all in one transaction so the
// ledger and the rollup can never drift apart.
func (s *Store) RecordUsage(ctx context.Context, u UsageRecord) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows := []struct {
		direction string
		tokens    int64
		cost      float64
	}{
		{DirectionPrompt, u.PromptTokens, u.PromptCost},
		{DirectionCompletion, u.CompletionTokens, u.CompletionCost},
		{DirectionEmbedding, u.EmbeddingTokens, u.EmbeddingCost},
	}
	for _, r := range rows {
		if r.tokens == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO usage_ledger (key_id, workspace, model, direction, tokens, cost_usd, request_id)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			u.KeyID, u.Workspace, u.Model, r.direction, r.tokens, r.cost, u.RequestID); err != nil {
			return fmt.Errorf("ledger %s row: %w", r.direction, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_stats (key_id, day, requests, prompt_tokens, completion_tokens, embedding_tokens, cost_usd)
		 VALUES ($1, CURRENT_DATE, 1, $2, $3, $4, $5)
		 ON CONFLICT (key_id, day) DO UPDATE SET
		   requests = usage_stats.requests + 1,
		   prompt_tokens = usage_stats.prompt_tokens + EXCLUDED.prompt_tokens,
		   completion_tokens = usage_stats.completion_tokens + EXCLUDED.completion_tokens,
		   embedding_tokens = usage_stats.embedding_tokens + EXCLUDED.embedding_tokens,
		   cost_usd = usage_stats.cost_usd + EXCLUDED.cost_usd`,
		u.KeyID, u.PromptTokens, u.CompletionTokens, u.EmbeddingTokens, u.TotalCost()); err != nil {
		return fmt.Errorf("usage stats rollup: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, u.KeyID); err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return tx.Commit()
}

// TokensUsedToday sums the key's ledger tokens over the current UTC day.
// The quota check reads the ledger, not the rollup; the ledger is the
// source of truth.
func (s *Store) TokensUsedToday(ctx context.Context, keyID string) (int64, error) {
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(tokens), 0) FROM usage_ledger
		 WHERE key_id = $1 AND created_at >= $2`, keyID, dayStart).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

// DailyUsage is one day's rollup for a key.
type DailyUsage struct {
	Day              time.Time
	Requests         int64
	PromptTokens     int64
	CompletionTokens int64
	EmbeddingTokens  int64
	CostUSD          float64
}

// ModelUsage is the per-model breakdown over a window.
type ModelUsage struct {
	Model            string
	Requests         int64
	PromptTokens     int64
	CompletionTokens int64
	EmbeddingTokens  int64
	CostUSD          float64
}

// UsageByDay returns the key's rollups since the given day, newest first.
func (s *Store) UsageByDay(ctx context.Context, keyID string, since time.Time) ([]DailyUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT day, requests, prompt_tokens, completion_tokens, embedding_tokens, cost_usd
		 FROM usage_stats WHERE key_id = $1 AND day >= $2
		 ORDER BY day DESC`, keyID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailyUsage
	for rows.Next() {
		var d DailyUsage
		if err := rows.Scan(&d.Day, &d.Requests, &d.PromptTokens, &d.CompletionTokens, &d.EmbeddingTokens, &d.CostUSD); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UsageByModel aggregates the ledger per model since the cutoff.
func (s *Store) UsageByModel(ctx context.Context, keyID string, since time.Time) ([]ModelUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model,
		        COUNT(DISTINCT request_id),
		        COALESCE(SUM(tokens) FILTER (WHERE direction = 'prompt'), 0),
		        COALESCE(SUM(tokens) FILTER (WHERE direction = 'completion'), 0),
		        COALESCE(SUM(tokens) FILTER (WHERE direction = 'embedding'), 0),
		        COALESCE(SUM(cost_usd), 0)
		 FROM usage_ledger
		 WHERE key_id = $1 AND created_at >= $2
		 GROUP BY model ORDER BY model`, keyID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModelUsage
	for rows.Next() {
		var m ModelUsage
		if err := rows.Scan(&m.Model, &m.Requests, &m.PromptTokens, &m.CompletionTokens, &m.EmbeddingTokens, &m.CostUSD); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AggregateDay rebuilds the usage_stats rollups for one day from the ledger.
// The nightly job runs this for the previous day; re-running a day replaces
// its rollup rather than adding to it.
func (s *Store) AggregateDay(ctx context.Context, day time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_stats (key_id, day, requests, prompt_tokens, completion_tokens, embedding_tokens, cost_usd)
		 SELECT key_id, $1::date,
		        COUNT(DISTINCT request_id),
		        COALESCE(SUM(tokens) FILTER (WHERE direction = 'prompt'), 0),
		        COALESCE(SUM(tokens) FILTER (WHERE direction = 'completion'), 0),
		        COALESCE(SUM(tokens) FILTER (WHERE direction = 'embedding'), 0),
		        COALESCE(SUM(cost_usd), 0)
		 FROM usage_ledger
		 WHERE created_at >= $1::date AND created_at < $1::date + INTERVAL '1 day'
		 GROUP BY key_id
		 ON CONFLICT (key_id, day) DO UPDATE SET
		   requests = EXCLUDED.requests,
		   prompt_tokens = EXCLUDED.prompt_tokens,
		   completion_tokens = EXCLUDED.completion_tokens,
		   embedding_tokens = EXCLUDED.embedding_tokens,
		   cost_usd = EXCLUDED.cost_usd`,
		day.UTC().Format("2006-01-02"))
	return err
}

// ArchiveLedger moves ledger rows older than the cutoff into the archive
// table inside one transaction and returns how many rows moved.
func (s *Store) ArchiveLedger(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_ledger_archive
		 SELECT * FROM usage_ledger WHERE created_at < $1`, cutoff); err != nil {
		return 0, fmt.Errorf("copy to archive: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM usage_ledger WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("trim ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

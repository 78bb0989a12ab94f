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

// ModelEntry is one row of the synced model catalogue. Prices are per one
// thousand tokens, as published by the provider.
type ModelEntry struct {
	ID                   string
	Name                 string
	Description          string
	ContextLength        int
	PromptPricePer1K     float64
	CompletionPricePer1K float64
	Embeddings           bool
	Active               bool
	DeprecatedAt         *time.Time
	LastSeenAt           time.Time
	CreatedAt            time.Time
}

const modelColumns = `id, name, description, context_length, prompt_price_per_1k,
	completion_price_per_1k, embeddings, active, deprecated_at, last_seen_at, created_at`

func scanModel(row interface{ Scan(...interface{}) error }) (*ModelEntry, error) {
	var m ModelEntry
	err := row.Scan(&m.ID, &m.Name, &m.Description, &m.ContextLength,
		&m.PromptPricePer1K, &m.CompletionPricePer1K, &m.Embeddings,
		&m.Active, &m.DeprecatedAt, &m.LastSeenAt, &m.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// GetModel fetches one catalogue entry.
func (s *Store) GetModel(ctx context.Context, id string) (*ModelEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM models WHERE id = $1`, id)
	return scanModel(row)
}

// ListModels returns the catalogue, optionally restricted to active entries,
// ordered by id for stable listings.
func (s *Store) ListModels(ctx context.Context, activeOnly bool) ([]ModelEntry, error) {
	q := `SELECT ` + modelColumns + ` FROM models`
	if activeOnly {
		q += ` WHERE active`
	}
	q += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModelEntry
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// UpsertModels applies one catalogue sync in a single transaction. A model
// seen again after deprecation is reactivated; entries are never deleted.
func (s *Store) UpsertModels(ctx context.Context, models []ModelEntry, seenAt time.Time) error {
	if len(models) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, m := range models {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO models (id, name, description, context_length,
			   prompt_price_per_1k, completion_price_per_1k, embeddings, active,
			   deprecated_at, last_seen_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,TRUE,NULL,$8)
			 ON CONFLICT (id) DO UPDATE SET
			   name = EXCLUDED.name,
			   description = EXCLUDED.description,
			   context_length = EXCLUDED.context_length,
			   prompt_price_per_1k = EXCLUDED.prompt_price_per_1k,
			   completion_price_per_1k = EXCLUDED.completion_price_per_1k,
			   embeddings = EXCLUDED.embeddings,
			   active = TRUE,
			   deprecated_at = NULL,
			   last_seen_at = EXCLUDED.last_seen_at`,
			m.ID, m.Name, m.Description, m.ContextLength,
			m.PromptPricePer1K, m.CompletionPricePer1K, m.Embeddings, seenAt,
		); err != nil {
			return fmt.Errorf("upsert model %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// DeprecateUnseen marks active models not seen since the cutoff as
// deprecated and returns how many were affected.
func (s *Store) DeprecateUnseen(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE models SET active = FALSE, deprecated_at = now()
		 WHERE active AND last_seen_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetSetting reads one global setting value.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = $1`, key).Scan(&v)
	if err != nil {
		return "", notFound(err)
	}
	return v, nil
}

// SetSetting upserts one global setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	return err
}

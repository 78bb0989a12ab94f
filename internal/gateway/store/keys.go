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
	"fmt"
	"time"
)

// APIKey is a caller identity. Only the salted hash of the key material is
// stored; the raw key exists nowhere on the server side.
type APIKey struct {
	ID                    string
	KeyHash               string
	Name                  string
	Workspace             string
	Active                bool
	DefaultModel          string
	DefaultEmbeddingModel string
	DailyQuotaTokens      int64
	AllowModels           []string
	BlockModels           []string
	CreatedAt             time.Time
	LastUsedAt            *time.Time
}

const apiKeyColumns = `id, key_hash, name, workspace, active, default_model,
	default_embedding_model, daily_quota_tokens, allow_models, block_models,
	created_at, last_used_at`

func scanAPIKey(row interface{ Scan(...interface{}) error }) (*APIKey, error) {
	var k APIKey
	var allow, block []byte
	err := row.Scan(&k.ID, &k.KeyHash, &k.Name, &k.Workspace, &k.Active,
		&k.DefaultModel, &k.DefaultEmbeddingModel, &k.DailyQuotaTokens,
		&allow, &block, &k.CreatedAt, &k.LastUsedAt)
	if err != nil {
		return nil, notFound(err)
	}
	k.AllowModels = scanStrings(allow)
	k.BlockModels = scanStrings(block)
	return &k, nil
}

// GetAPIKeyByHash looks a key up by its salted hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, hash)
	return scanAPIKey(row)
}

// CreateAPIKey inserts a key and returns its generated id. The model lists
// must be disjoint; a key naming the same model in allow_models and
// block_models is rejected. Used by seeding tools and end-to-end tests; the
// admin surface lives elsewhere.
func (s *Store) CreateAPIKey(ctx context.Context, k *APIKey) (string, error) {
	if dup := firstOverlap(k.AllowModels, k.BlockModels); dup != "" {
		return "", fmt.Errorf("model %q is in both allow_models and block_models", dup)
	}
	allow, err := jsonbParam(k.AllowModels)
	if err != nil {
		return "", err
	}
	block, err := jsonbParam(k.BlockModels)
	if err != nil {
		return "", err
	}
	var id string
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO api_keys (key_hash, name, workspace, active, default_model,
		   default_embedding_model, daily_quota_tokens, allow_models, block_models)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 RETURNING id`,
		k.KeyHash, k.Name, k.Workspace, k.Active, k.DefaultModel,
		k.DefaultEmbeddingModel, k.DailyQuotaTokens, allow, block,
	).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

func firstOverlap(a, b []string) string {
	if len(a) == 0 || len(b) == 0 {
		return ""
	}
	set := make(map[string]struct{}, len(a))
	for _, m := range a {
		set[m] = struct{}{}
	}
	for _, m := range b {
		if _, ok := set[m]; ok {
			return m
		}
	}
	return ""
}

// TouchAPIKey stamps last_used_at; called from the usage transaction so a
// key's recency tracks metered traffic, not mere authentication.
func (s *Store) TouchAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id)
	return err
}

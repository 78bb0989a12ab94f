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

// Package store is the relational persistence layer: API keys, the model
// catalogue, settings, threads, memory items, the usage ledger, idempotency
// records and the event log. It speaks database/sql over the pgx driver so
// the pool, transactions and scanning stay in the standard shape.
//
// Expected schema (reference; migrations are owned by the deployment):
//
//	CREATE EXTENSION IF NOT EXISTS vector;
//
//	CREATE TABLE api_keys (
//	  id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
//	  key_hash TEXT NOT NULL UNIQUE,
//	  name TEXT NOT NULL,
//	  workspace TEXT NOT NULL DEFAULT 'default',
//	  active BOOLEAN NOT NULL DEFAULT TRUE,
//	  default_model TEXT NOT NULL DEFAULT '',
//	  default_embedding_model TEXT NOT NULL DEFAULT '',
//	  daily_quota_tokens BIGINT NOT NULL DEFAULT 0,
//	  allow_models JSONB NOT NULL DEFAULT '[]',
//	  block_models JSONB NOT NULL DEFAULT '[]',
//	  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	  last_used_at TIMESTAMPTZ
//	);
//
//	CREATE TABLE models (
//	  id TEXT PRIMARY KEY,
//	  name TEXT NOT NULL DEFAULT '',
//	  description TEXT NOT NULL DEFAULT '',
//	  context_length INT NOT NULL DEFAULT 0,
//	  prompt_price_per_1k DOUBLE PRECISION NOT NULL DEFAULT 0,
//	  completion_price_per_1k DOUBLE PRECISION NOT NULL DEFAULT 0,
//	  embeddings BOOLEAN NOT NULL DEFAULT FALSE,
//	  active BOOLEAN NOT NULL DEFAULT TRUE,
//	  deprecated_at TIMESTAMPTZ,
//	  last_seen_at TIMESTAMPTZ NOT NULL,
//	  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//
//	CREATE TABLE settings (
//	  key TEXT PRIMARY KEY,
//	  value TEXT NOT NULL,
//	  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//
//	CREATE TABLE threads (
//	  id TEXT PRIMARY KEY,
//	  workspace TEXT NOT NULL DEFAULT 'default',
//	  mission TEXT NOT NULL DEFAULT '',
//	  constraints JSONB NOT NULL DEFAULT '[]',
//	  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//
//	CREATE TABLE semantic_items (
//	  id TEXT PRIMARY KEY,
//	  thread_id TEXT NOT NULL REFERENCES threads(id),
//	  kind TEXT NOT NULL,
//	  title TEXT NOT NULL,
//	  norm_title TEXT NOT NULL,
//	  body TEXT NOT NULL DEFAULT '',
//	  status TEXT NOT NULL DEFAULT 'provisional',
//	  tags JSONB NOT NULL DEFAULT '[]',
//	  links JSONB NOT NULL DEFAULT '[]',
//	  salience DOUBLE PRECISION NOT NULL DEFAULT 0.5,
//	  clicks INT NOT NULL DEFAULT 0,
//	  refs INT NOT NULL DEFAULT 0,
//	  expansions INT NOT NULL DEFAULT 0,
//	  embedding vector,
//	  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	  last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	  UNIQUE (thread_id, kind, norm_title)
//	);
//	CREATE INDEX semantic_items_thread_status ON semantic_items (thread_id, status);
//	CREATE INDEX semantic_items_thread_created ON semantic_items (thread_id, created_at);
//
//	CREATE TABLE episodic_items (
//	  id TEXT PRIMARY KEY,
//	  thread_id TEXT NOT NULL REFERENCES threads(id),
//	  kind TEXT NOT NULL,
//	  title TEXT NOT NULL DEFAULT '',
//	  body TEXT NOT NULL,
//	  source TEXT NOT NULL DEFAULT '',
//	  content_hash TEXT NOT NULL,
//	  salience DOUBLE PRECISION NOT NULL DEFAULT 0.5,
//	  clicks INT NOT NULL DEFAULT 0,
//	  refs INT NOT NULL DEFAULT 0,
//	  expansions INT NOT NULL DEFAULT 0,
//	  embedding vector,
//	  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	  last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	  UNIQUE (thread_id, content_hash)
//	);
//
//	CREATE TABLE artifacts (
//	  id TEXT PRIMARY KEY,
//	  thread_id TEXT NOT NULL REFERENCES threads(id),
//	  ref TEXT NOT NULL,
//	  role TEXT NOT NULL DEFAULT '',
//	  neighbors JSONB NOT NULL DEFAULT '[]',
//	  refs INT NOT NULL DEFAULT 0,
//	  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	  UNIQUE (thread_id, ref)
//	);
//
//	CREATE TABLE edges (
//	  src_id TEXT NOT NULL,
//	  dst_id TEXT NOT NULL,
//	  relation TEXT NOT NULL DEFAULT 'related',
//	  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	  PRIMARY KEY (src_id, dst_id, relation)
//	);
//
//	CREATE TABLE usage_ledger (
//	  id BIGSERIAL PRIMARY KEY,
//	  key_id UUID NOT NULL,
//	  workspace TEXT NOT NULL DEFAULT 'default',
//	  model TEXT NOT NULL,
//	  direction TEXT NOT NULL,
//	  tokens BIGINT NOT NULL,
//	  cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
//	  request_id TEXT NOT NULL DEFAULT '',
//	  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE INDEX usage_ledger_key_created ON usage_ledger (key_id, created_at);
//	CREATE INDEX usage_ledger_workspace_created ON usage_ledger (workspace, created_at);
//	CREATE TABLE usage_ledger_archive (LIKE usage_ledger INCLUDING ALL);
//
//	CREATE TABLE usage_stats (
//	  key_id UUID NOT NULL,
//	  day DATE NOT NULL,
//	  requests BIGINT NOT NULL DEFAULT 0,
//	  prompt_tokens BIGINT NOT NULL DEFAULT 0,
//	  completion_tokens BIGINT NOT NULL DEFAULT 0,
//	  embedding_tokens BIGINT NOT NULL DEFAULT 0,
//	  cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
//	  PRIMARY KEY (key_id, day)
//	);
//
//	CREATE TABLE idempotency_records (
//	  idem_key TEXT PRIMARY KEY,
//	  key_id UUID NOT NULL,
//	  request_hash TEXT NOT NULL,
//	  status_code INT NOT NULL,
//	  response_body BYTEA NOT NULL,
//	  model_used TEXT NOT NULL DEFAULT '',
//	  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	  expires_at TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE events (
//	  id BIGSERIAL PRIMARY KEY,
//	  kind TEXT NOT NULL,
//	  workspace TEXT NOT NULL DEFAULT 'default',
//	  key_id UUID,
//	  request_id TEXT NOT NULL DEFAULT '',
//	  payload JSONB NOT NULL DEFAULT '{}',
//	  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
)

// Sentinel errors callers test with errors.Is.
var (
	ErrNotFound = errors.New("not found")
)

// Store wraps the SQL pool.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres. The pool is sized at twice the worker
// parallelism, matching the service's concurrency budget.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	workers := runtime.GOMAXPROCS(0)
	db.SetMaxOpenConns(workers * 2)
	db.SetMaxIdleConns(workers)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; tests use this with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// notFound translates the driver's no-rows sentinel.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// jsonbParam marshals v for a JSONB column; nil slices become empty arrays
// so NOT NULL defaults stay meaningful. The marshal output is checked rather
// than v itself because a typed nil slice does not compare equal to nil.
func jsonbParam(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte("[]"), nil
	}
	return b, nil
}

// scanStrings decodes a JSONB array column into a string slice.
func scanStrings(src []byte) []string {
	if len(src) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(src, &out); err != nil {
		return nil
	}
	return out
}

// placeholders renders "$start,$start+1,..." for n parameters, for IN lists.
func placeholders(start, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(start + i))
	}
	return b.String()
}

func stringArgs(vals []string) []interface{} {
	out := make([]interface{}, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

// prefixColumns qualifies a comma-separated column list with a table alias
// so the shared scan helpers work on joined queries.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

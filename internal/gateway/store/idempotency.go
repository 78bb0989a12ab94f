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
	"errors"
	"time"
)

// IdempotencyRecord is a cached completed response. The idempotency key is
// the primary key on its own: reusing a key with a different request body or
// from a different API key is a conflict decided by the caller, never a
// silent overwrite.
type IdempotencyRecord struct {
	IdemKey      string
	KeyID        string
	RequestHash  string
	StatusCode   int
	ResponseBody []byte
	ModelUsed    string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// GetIdempotencyRecord looks up a record by idempotency key alone. Expired
// records are treated as absent.
func (s *Store) GetIdempotencyRecord(ctx context.Context, idemKey string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT idem_key, key_id, request_hash, status_code, response_body, model_used, created_at, expires_at
		 FROM idempotency_records
		 WHERE idem_key = $1 AND expires_at > now()`, idemKey).Scan(
		&rec.IdemKey, &rec.KeyID, &rec.RequestHash, &rec.StatusCode,
		&rec.ResponseBody, &rec.ModelUsed, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutIdempotencyRecord stores a completed response under its idempotency
// key. A concurrent duplicate loses the race silently; first write wins.
func (s *Store) PutIdempotencyRecord(ctx context.Context, rec IdempotencyRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_records
		   (idem_key, key_id, request_hash, status_code, response_body, model_used, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (idem_key) DO NOTHING`,
		rec.IdemKey, rec.KeyID, rec.RequestHash, rec.StatusCode,
		rec.ResponseBody, rec.ModelUsed, rec.ExpiresAt)
	return err
}

// PurgeExpiredIdempotency deletes records past their expiry and returns the
// number removed. The cleanup job calls this on its nightly sweep.
func (s *Store) PurgeExpiredIdempotency(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

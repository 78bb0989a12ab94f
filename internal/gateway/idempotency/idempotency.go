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

// Package idempotency lets clients retry mutating calls safely. A completed
// response is cached under the client-chosen key; an identical retry replays
// it, a different request under the same key is a conflict.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"cmg/internal/gateway/store"
	"cmg/internal/gateway/telemetry"
)

// ErrConflict marks a key reused with a different request body or by a
// different API key.
var ErrConflict = errors.New("idempotency key was already used for a different request")

// MaxKeyLength bounds the client-supplied key.
const MaxKeyLength = 255

// ValidateKey rejects unusable idempotency keys before any storage work.
func ValidateKey(k string) error {
	if len(k) > MaxKeyLength {
		return fmt.Errorf("idempotency key exceeds %d characters", MaxKeyLength)
	}
	return nil
}

// RequestHash fingerprints a JSON request body. Object keys are sorted at
// every depth and the top-level metadata and stream fields are ignored, so
// retries differing only in those still replay.
func RequestHash(body []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload map[string]interface{}
	if err := dec.Decode(&payload); err != nil {
		return "", fmt.Errorf("request body is not a JSON object: %w", err)
	}
	delete(payload, "metadata")
	delete(payload, "stream")
	// encoding/json writes map keys in sorted order, which makes the
	// marshalled form canonical. UseNumber keeps numeric literals verbatim.
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Store is the persistence slice the manager needs.
type Store interface {
	GetIdempotencyRecord(ctx context.Context, idemKey string) (*store.IdempotencyRecord, error)
	PutIdempotencyRecord(ctx context.Context, rec store.IdempotencyRecord) error
}

// Manager checks and stores idempotency records.
type Manager struct {
	store     Store
	retention time.Duration
	logger    zerolog.Logger
}

func NewManager(st Store, retention time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		store:     st,
		retention: retention,
		logger:    logger.With().Str("component", "idempotency").Logger(),
	}
}

// Check looks the key up. It returns the stored record for an exact replay,
// nil for a first use, and ErrConflict when the key is already bound to a
// different request or caller. A storage failure counts as a first use.
func (m *Manager) Check(ctx context.Context, keyID, idemKey, requestHash string) (*store.IdempotencyRecord, error) {
	rec, err := m.store.GetIdempotencyRecord(ctx, idemKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		m.logger.Error().Err(err).Msg("idempotency lookup failed, proceeding without replay")
		return nil, nil
	}
	if rec.KeyID != keyID || rec.RequestHash != requestHash {
		return nil, ErrConflict
	}
	telemetry.RecordIdempotentReplay()
	return rec, nil
}

// Save caches a completed response under the key. Callers only pass 2xx
// outcomes; errors are never replayed.
func (m *Manager) Save(ctx context.Context, keyID, idemKey, requestHash string, statusCode int, body []byte, model string) error {
	return m.store.PutIdempotencyRecord(ctx, store.IdempotencyRecord{
		IdemKey:      idemKey,
		KeyID:        keyID,
		RequestHash:  requestHash,
		StatusCode:   statusCode,
		ResponseBody: body,
		ModelUsed:    model,
		ExpiresAt:    time.Now().Add(m.retention),
	})
}

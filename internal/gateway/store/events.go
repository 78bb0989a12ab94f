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
	"time"
)

// Event is one append-only audit row. Payloads are redacted before they
// reach this layer.
type Event struct {
	ID        int64
	Kind      string
	Workspace string
	KeyID     string
	RequestID string
	Payload   []byte
	CreatedAt time.Time
}

// InsertEvent appends to the event log.
func (s *Store) InsertEvent(ctx context.Context, ev *Event) error {
	var keyID interface{}
	if ev.KeyID != "" {
		keyID = ev.KeyID
	}
	payload := ev.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (kind, workspace, key_id, request_id, payload)
		 VALUES ($1,$2,$3,$4,$5)`,
		ev.Kind, ev.Workspace, keyID, ev.RequestID, payload)
	return err
}

// CountEventsSince reports event volume per kind since the cutoff; the
// aggregation job folds this into its daily summary.
func (s *Store) CountEventsSince(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM events WHERE created_at >= $1 GROUP BY kind`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[kind] = n
	}
	return out, rows.Err()
}

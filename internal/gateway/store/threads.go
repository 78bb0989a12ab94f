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

// Thread groups memory items and carries the per-thread globals (mission and
// constraints) that every working set opens with.
type Thread struct {
	ID          string
	Workspace   string
	Mission     string
	Constraints []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// GetThread fetches a thread.
func (s *Store) GetThread(ctx context.Context, id string) (*Thread, error) {
	var t Thread
	var constraints []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace, mission, constraints, created_at, updated_at
		 FROM threads WHERE id = $1`, id).
		Scan(&t.ID, &t.Workspace, &t.Mission, &constraints, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	t.Constraints = scanStrings(constraints)
	return &t, nil
}

// EnsureThread creates the thread row if it does not exist yet. Ingestion
// calls this first so item foreign keys always resolve.
func (s *Store) EnsureThread(ctx context.Context, id, workspace string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, workspace) VALUES ($1, $2)
		 ON CONFLICT (id) DO NOTHING`, id, workspace)
	return err
}

// SetThreadGlobals replaces the thread's mission and constraints.
func (s *Store) SetThreadGlobals(ctx context.Context, id, mission string, constraints []string) error {
	cs, err := jsonbParam(constraints)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE threads SET mission = $2, constraints = $3, updated_at = now()
		 WHERE id = $1`, id, mission, cs)
	return err
}

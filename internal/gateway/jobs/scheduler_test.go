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
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSchedulerWiresAllEntries(t *testing.T) {
	q := newTestQueue(t)
	s, err := NewScheduler(q, 6*time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if got := len(s.cron.Entries()); got != 5 {
		t.Fatalf("cron entries = %d, want 5", got)
	}
}

func TestSchedulerDefaultsSyncInterval(t *testing.T) {
	q := newTestQueue(t)
	if _, err := NewScheduler(q, 0, zerolog.Nop()); err != nil {
		t.Fatalf("NewScheduler with zero interval: %v", err)
	}
}

func TestSchedulerFireEnqueues(t *testing.T) {
	q := newTestQueue(t)
	s, err := NewScheduler(q, time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.fire(TypeModelSync, QueueSync)

	ctx := context.Background()
	id, lane, err := q.Pop(ctx, time.Second, QueueSync)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if lane != QueueSync {
		t.Fatalf("lane = %q, want %q", lane, QueueSync)
	}
	job, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Type != TypeModelSync {
		t.Fatalf("type = %q, want %q", job.Type, TypeModelSync)
	}
}

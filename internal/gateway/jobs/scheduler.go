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
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler turns recurring maintenance into queued jobs on a cron cadence.
// Firing only enqueues; the work itself runs on the worker pool, so a slow
// sweep never delays the next trigger.
type Scheduler struct {
	cron   *cron.Cron
	queue  *Queue
	logger zerolog.Logger
}

// NewScheduler wires the recurring entries. The catalogue sync runs every
// syncInterval; the daily sweeps are pinned to quiet UTC hours and the
// embedding backfill tops up missed writes once an hour.
func NewScheduler(queue *Queue, syncInterval time.Duration, logger zerolog.Logger) (*Scheduler, error) {
	if syncInterval <= 0 {
		syncInterval = 24 * time.Hour
	}
	s := &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		queue:  queue,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
	entries := []struct {
		spec    string
		jobType string
		queue   string
	}{
		{fmt.Sprintf("@every %s", syncInterval), TypeModelSync, QueueSync},
		{"0 1 * * *", TypeLedgerAggregation, QueueAnalytics},
		{"0 2 * * *", TypeRetentionCleanup, QueueCleanup},
		{"0 3 * * *", TypeModelDeprecation, QueueSync},
		{"30 * * * *", TypeEmbeddingBackfill, QueueEmbeddings},
	}
	for _, e := range entries {
		e := e
		if _, err := s.cron.AddFunc(e.spec, func() { s.fire(e.jobType, e.queue) }); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", e.jobType, err)
		}
	}
	return s, nil
}

// Start begins firing entries on their schedule.
func (s *Scheduler) Start() {
	s.logger.Info().Int("entries", len(s.cron.Entries())).Msg("scheduler starting")
	s.cron.Start()
}

// Stop waits for any in-flight trigger to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) fire(jobType, queue string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.queue.Enqueue(ctx, jobType, nil, queue, 0); err != nil {
		s.logger.Error().Err(err).Str("type", jobType).Msg("scheduled job not enqueued")
	}
}

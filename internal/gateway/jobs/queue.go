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

// Package jobs implements the background job system: a KV-backed queue,
// a handler registry, a worker pool and a cron scheduler.
//
// A job lives in two KV structures. The queue itself is a list per lane
// (jobs:queue:<name>, LPUSH to submit, BRPOP to consume) holding only job
// ids, and the job record is a hash (jobs:record:<id>) holding type, params
// and status. Cancellation is a separate flag key (jobs:cancel:<id>) checked
// at dequeue and again after the handler returns, so a cancel request always
// wins over a late handler outcome.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"cmg/internal/gateway/kv"
	"cmg/internal/gateway/telemetry"
)

// Job statuses. queued and running are transient; the rest are terminal.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// Queue lanes. Handlers declare their lane at registration; Enqueue falls
// back to DefaultQueue when the caller names none.
const (
	DefaultQueue    = "default"
	QueueSync       = "sync"
	QueueEmbeddings = "embeddings"
	QueueCleanup    = "cleanup"
	QueueAnalytics  = "analytics"
)

const (
	queueKeyPrefix  = "jobs:queue:"
	recordKeyPrefix = "jobs:record:"
	cancelKeyPrefix = "jobs:cancel:"
	statsKeyPrefix  = "jobs:stats:"

	recordTTL = 48 * time.Hour
	cancelTTL = 24 * time.Hour
)

var (
	// ErrNotFound is returned when no record exists for a job id.
	ErrNotFound = errors.New("job not found")
	// ErrFinished is returned when a cancel lands on a terminal job.
	ErrFinished = errors.New("job already finished")
)

// Job is one unit of background work with its lifecycle bookkeeping.
type Job struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Queue      string                 `json:"queue"`
	Params     map[string]interface{} `json:"params,omitempty"`
	Status     string                 `json:"status"`
	Error      string                 `json:"error,omitempty"`
	Timeout    time.Duration          `json:"-"`
	EnqueuedAt time.Time              `json:"enqueued_at"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
}

// QueueStats is the depth and outcome tally for one lane.
type QueueStats struct {
	Name      string `json:"name"`
	Depth     int64  `json:"depth"`
	Succeeded int64  `json:"succeeded"`
	Failed    int64  `json:"failed"`
	Canceled  int64  `json:"canceled"`
}

// Queue submits and tracks jobs on the KV substrate.
type Queue struct {
	kv     *kv.Client
	logger zerolog.Logger
}

// NewQueue wraps the KV client.
func NewQueue(kvc *kv.Client, logger zerolog.Logger) *Queue {
	return &Queue{kv: kvc, logger: logger.With().Str("component", "jobs").Logger()}
}

// Enqueue writes the job record and pushes the id onto its lane. A zero
// timeout defers to the handler registration's default. The returned ULID is
// time-sortable, so record listings follow submission order.
func (q *Queue) Enqueue(ctx context.Context, jobType string, params map[string]interface{}, queue string, timeout time.Duration) (string, error) {
	if jobType == "" {
		return "", errors.New("job type is empty")
	}
	if queue == "" {
		queue = DefaultQueue
	}
	raw := []byte("{}")
	if len(params) > 0 {
		b, err := json.Marshal(params)
		if err != nil {
			return "", fmt.Errorf("encode job params: %w", err)
		}
		raw = b
	}
	id := ulid.Make().String()
	fields := map[string]interface{}{
		"type":        jobType,
		"queue":       queue,
		"params":      string(raw),
		"status":      StatusQueued,
		"enqueued_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if timeout > 0 {
		fields["timeout"] = timeout.String()
	}
	key := recordKeyPrefix + id
	if err := q.kv.HSet(ctx, key, fields); err != nil {
		return "", err
	}
	if err := q.kv.Expire(ctx, key, recordTTL); err != nil {
		q.logger.Warn().Err(err).Str("job", id).Msg("job record TTL not set")
	}
	if err := q.kv.LPush(ctx, queueKeyPrefix+queue, id); err != nil {
		return "", err
	}
	q.logger.Debug().Str("job", id).Str("type", jobType).Str("queue", queue).Msg("job enqueued")
	return id, nil
}

// Get loads a job record, or ErrNotFound once the record has expired.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := q.kv.HGetAll(ctx, recordKeyPrefix+id)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return jobFromFields(id, fields), nil
}

// Cancel flags a job for cancellation. A still-queued job is marked canceled
// immediately; a running one finishes its current attempt and the worker
// applies the flag afterwards. Terminal jobs return ErrFinished.
func (q *Queue) Cancel(ctx context.Context, id string) (*Job, error) {
	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if terminal(job.Status) {
		return nil, ErrFinished
	}
	if err := q.kv.Set(ctx, cancelKeyPrefix+id, "1", cancelTTL); err != nil {
		return nil, err
	}
	if job.Status == StatusQueued {
		now := time.Now().UTC()
		if err := q.setFields(ctx, id, map[string]interface{}{
			"status":      StatusCanceled,
			"finished_at": now.Format(time.RFC3339Nano),
		}); err != nil {
			return nil, err
		}
		job.Status = StatusCanceled
		job.FinishedAt = &now
		q.bumpOutcome(ctx, job.Queue, StatusCanceled)
	}
	return job, nil
}

// Canceled reports whether a cancel flag is set for the job.
func (q *Queue) Canceled(ctx context.Context, id string) (bool, error) {
	return q.kv.Exists(ctx, cancelKeyPrefix+id)
}

// Clear drains every queued job from one lane, marking each drained record
// canceled so a later Get answers truthfully. Running jobs are untouched.
// Returns the number of jobs dropped.
func (q *Queue) Clear(ctx context.Context, name string) (int64, error) {
	var cleared int64
	for {
		id, err := q.kv.RPop(ctx, queueKeyPrefix+name)
		if errors.Is(err, kv.ErrNil) {
			return cleared, nil
		}
		if err != nil {
			return cleared, err
		}
		now := time.Now().UTC()
		if err := q.setFields(ctx, id, map[string]interface{}{
			"status":      StatusCanceled,
			"finished_at": now.Format(time.RFC3339Nano),
		}); err != nil {
			return cleared, err
		}
		q.bumpOutcome(ctx, name, StatusCanceled)
		cleared++
	}
}

// Pop blocks up to timeout for the next job on any of the lanes and returns
// its id and lane. kv.ErrNil means nothing arrived in time.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration, queues ...string) (string, string, error) {
	keys := make([]string, len(queues))
	for i, name := range queues {
		keys[i] = queueKeyPrefix + name
	}
	res, err := q.kv.BRPop(ctx, timeout, keys...)
	if err != nil {
		return "", "", err
	}
	if len(res) != 2 {
		return "", "", kv.ErrNil
	}
	return res[1], strings.TrimPrefix(res[0], queueKeyPrefix), nil
}

// Depth reports the number of jobs waiting on one lane.
func (q *Queue) Depth(ctx context.Context, name string) (int64, error) {
	return q.kv.LLen(ctx, queueKeyPrefix+name)
}

// Stats returns depth and outcome counters for the named lanes.
func (q *Queue) Stats(ctx context.Context, queues []string) ([]QueueStats, error) {
	out := make([]QueueStats, 0, len(queues))
	for _, name := range queues {
		depth, err := q.Depth(ctx, name)
		if err != nil {
			return nil, err
		}
		counters, err := q.kv.HGetAll(ctx, statsKeyPrefix+name)
		if err != nil {
			return nil, err
		}
		out = append(out, QueueStats{
			Name:      name,
			Depth:     depth,
			Succeeded: counterValue(counters, StatusSucceeded),
			Failed:    counterValue(counters, StatusFailed),
			Canceled:  counterValue(counters, StatusCanceled),
		})
	}
	return out, nil
}

func (q *Queue) setFields(ctx context.Context, id string, fields map[string]interface{}) error {
	return q.kv.HSet(ctx, recordKeyPrefix+id, fields)
}

func (q *Queue) markRunning(ctx context.Context, id string) error {
	return q.setFields(ctx, id, map[string]interface{}{
		"status":     StatusRunning,
		"started_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (q *Queue) markFinished(ctx context.Context, id, queue, status, errMsg string) {
	fields := map[string]interface{}{
		"status":      status,
		"finished_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	if err := q.setFields(ctx, id, fields); err != nil {
		q.logger.Error().Err(err).Str("job", id).Msg("job record not updated")
	}
	q.bumpOutcome(ctx, queue, status)
}

// bumpOutcome moves the KV tally and the Prometheus counter together.
func (q *Queue) bumpOutcome(ctx context.Context, queue, status string) {
	telemetry.RecordJob(queue, status)
	if _, err := q.kv.HIncrBy(ctx, statsKeyPrefix+queue, status, 1); err != nil {
		q.logger.Warn().Err(err).Str("queue", queue).Msg("queue outcome counter not bumped")
	}
}

func terminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

func jobFromFields(id string, fields map[string]string) *Job {
	job := &Job{
		ID:     id,
		Type:   fields["type"],
		Queue:  fields["queue"],
		Status: fields["status"],
		Error:  fields["error"],
	}
	if raw := fields["params"]; raw != "" && raw != "{}" {
		_ = json.Unmarshal([]byte(raw), &job.Params)
	}
	if d, err := time.ParseDuration(fields["timeout"]); err == nil {
		job.Timeout = d
	}
	job.EnqueuedAt = parseRecordTime(fields["enqueued_at"])
	if t := parseRecordTime(fields["started_at"]); !t.IsZero() {
		job.StartedAt = &t
	}
	if t := parseRecordTime(fields["finished_at"]); !t.IsZero() {
		job.FinishedAt = &t
	}
	return job
}

func parseRecordTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func counterValue(m map[string]string, k string) int64 {
	n, _ := strconv.ParseInt(m[k], 10, 64)
	return n
}

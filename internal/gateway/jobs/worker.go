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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"cmg/internal/gateway/kv"
	"cmg/internal/gateway/telemetry"
)

const (
	popTimeout        = 2 * time.Second
	defaultJobTimeout = 2 * time.Minute
	depthPollInterval = 15 * time.Second
)

// EventSink receives job audit events.
type EventSink interface {
	Record(ctx context.Context, kind, workspace string, payload map[string]interface{})
}

// Worker consumes the registry's lanes and runs handlers with a bounded
// goroutine pool. One worker handles all lanes; run more processes to scale.
type Worker struct {
	queue       *Queue
	registry    *Registry
	events      EventSink
	concurrency int
	logger      zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped uint32
}

// NewWorker builds a worker pool. events may be nil.
func NewWorker(queue *Queue, registry *Registry, concurrency int, events EventSink, logger zerolog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		queue:       queue,
		registry:    registry,
		events:      events,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "worker").Logger(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the consumer goroutines and the depth gauge loop.
func (w *Worker) Start() {
	queues := w.registry.Queues()
	w.logger.Info().Strs("queues", queues).Int("concurrency", w.concurrency).Msg("job worker starting")
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.consumeLoop(queues)
		}()
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.depthLoop(queues)
	}()
}

// Stop cancels in-flight handler contexts and waits for the pool to drain.
// A goroutine blocked in an empty pop returns within popTimeout.
func (w *Worker) Stop() {
	if !atomic.CompareAndSwapUint32(&w.stopped, 0, 1) {
		return
	}
	w.cancel()
	w.wg.Wait()
	w.logger.Info().Msg("job worker stopped")
}

func (w *Worker) consumeLoop(queues []string) {
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}
		id, lane, err := w.queue.Pop(w.ctx, popTimeout, queues...)
		if err != nil {
			if errors.Is(err, kv.ErrNil) || w.ctx.Err() != nil {
				continue
			}
			w.logger.Warn().Err(err).Msg("queue pop failed")
			// An open KV breaker fails the pop instantly; wait before the
			// next attempt so the loop does not spin.
			select {
			case <-time.After(popTimeout):
			case <-w.ctx.Done():
				return
			}
			continue
		}
		w.process(id, lane)
	}
}

// process runs one popped job. Record bookkeeping uses a background context
// so a final status still lands while the worker is shutting down.
func (w *Worker) process(id, lane string) {
	ctx := context.Background()
	job, err := w.queue.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			w.logger.Warn().Str("job", id).Str("queue", lane).Msg("popped job has no record")
			return
		}
		w.logger.Error().Err(err).Str("job", id).Msg("job record read failed")
		return
	}
	if canceled, cerr := w.queue.Canceled(ctx, id); cerr == nil && canceled {
		if job.Status != StatusCanceled {
			w.queue.markFinished(ctx, id, lane, StatusCanceled, "")
		}
		w.logger.Info().Str("job", id).Str("type", job.Type).Msg("job canceled before start")
		return
	}
	reg, ok := w.registry.Lookup(job.Type)
	if !ok {
		w.queue.markFinished(ctx, id, lane, StatusFailed, "no handler for job type "+job.Type)
		w.logger.Error().Str("job", id).Str("type", job.Type).Msg("no handler for job type")
		return
	}
	if err := w.queue.markRunning(ctx, id); err != nil {
		w.logger.Error().Err(err).Str("job", id).Msg("job record not marked running")
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = reg.Timeout
	}
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	jctx, cancelJob := context.WithTimeout(w.ctx, timeout)
	start := time.Now()
	err = runHandler(jctx, reg.Handler, job)
	cancelJob()
	elapsed := time.Since(start)

	// A cancel request that lands mid-run wins over the handler outcome.
	if canceled, cerr := w.queue.Canceled(ctx, id); cerr == nil && canceled {
		w.queue.markFinished(ctx, id, lane, StatusCanceled, "")
		w.logger.Info().Str("job", id).Str("type", job.Type).Dur("elapsed", elapsed).Msg("job canceled")
		return
	}
	if err != nil {
		w.queue.markFinished(ctx, id, lane, StatusFailed, err.Error())
		w.logger.Error().Err(err).Str("job", id).Str("type", job.Type).Str("queue", lane).Dur("elapsed", elapsed).Msg("job failed")
		if w.events != nil {
			w.events.Record(ctx, "job_failure", "", map[string]interface{}{
				"job_id": id,
				"type":   job.Type,
				"queue":  lane,
				"error":  err.Error(),
			})
		}
		return
	}
	w.queue.markFinished(ctx, id, lane, StatusSucceeded, "")
	w.logger.Info().Str("job", id).Str("type", job.Type).Str("queue", lane).Dur("elapsed", elapsed).Msg("job done")
}

// runHandler converts a handler panic into a failed outcome so one bad job
// cannot take down the consumer.
func runHandler(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (w *Worker) depthLoop(queues []string) {
	ticker := time.NewTicker(depthPollInterval)
	defer ticker.Stop()
	w.publishDepths(queues)
	for {
		select {
		case <-ticker.C:
			w.publishDepths(queues)
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Worker) publishDepths(queues []string) {
	for _, name := range queues {
		depth, err := w.queue.Depth(w.ctx, name)
		if err != nil {
			continue
		}
		telemetry.SetQueueDepth(name, depth)
	}
}

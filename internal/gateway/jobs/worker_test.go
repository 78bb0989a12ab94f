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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type captureEvents struct {
	mu       sync.Mutex
	kinds    []string
	payloads []map[string]interface{}
}

func (c *captureEvents) Record(_ context.Context, kind, _ string, payload map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, kind)
	c.payloads = append(c.payloads, payload)
}

// popAndProcess drives one job through the worker without starting the pool.
func popAndProcess(t *testing.T, w *Worker, q *Queue) string {
	t.Helper()
	id, lane, err := q.Pop(context.Background(), time.Second, w.registry.Queues()...)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	w.process(id, lane)
	return id
}

func TestWorkerRunsJobToSuccess(t *testing.T) {
	q := newTestQueue(t)
	reg := NewRegistry()
	var ran []string
	err := reg.Register("echo", QueueCleanup, 0, func(_ context.Context, job *Job) error {
		ran = append(ran, job.Params["word"].(string))
		return nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	w := NewWorker(q, reg, 1, nil, zerolog.Nop())

	id, err := q.Enqueue(context.Background(), "echo", map[string]interface{}{"word": "hi"}, QueueCleanup, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := popAndProcess(t, w, q); got != id {
		t.Fatalf("processed %q, want %q", got, id)
	}

	if len(ran) != 1 || ran[0] != "hi" {
		t.Fatalf("handler calls = %v", ran)
	}
	job, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != StatusSucceeded || job.StartedAt == nil || job.FinishedAt == nil {
		t.Fatalf("finished job = %+v", job)
	}
	stats, _ := q.Stats(context.Background(), []string{QueueCleanup})
	if stats[0].Succeeded != 1 {
		t.Fatalf("succeeded counter = %d, want 1", stats[0].Succeeded)
	}
}

func TestWorkerRecordsFailureAndEvent(t *testing.T) {
	q := newTestQueue(t)
	reg := NewRegistry()
	_ = reg.Register("boom", QueueCleanup, 0, func(context.Context, *Job) error {
		return errors.New("kaput")
	})
	events := &captureEvents{}
	w := NewWorker(q, reg, 1, events, zerolog.Nop())

	id, _ := q.Enqueue(context.Background(), "boom", nil, QueueCleanup, 0)
	popAndProcess(t, w, q)

	job, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != StatusFailed || job.Error != "kaput" {
		t.Fatalf("failed job = %+v", job)
	}
	if len(events.kinds) != 1 || events.kinds[0] != "job_failure" {
		t.Fatalf("event kinds = %v", events.kinds)
	}
	if events.payloads[0]["job_id"] != id || events.payloads[0]["error"] != "kaput" {
		t.Fatalf("event payload = %v", events.payloads[0])
	}
	stats, _ := q.Stats(context.Background(), []string{QueueCleanup})
	if stats[0].Failed != 1 {
		t.Fatalf("failed counter = %d, want 1", stats[0].Failed)
	}
}

func TestWorkerRecoversHandlerPanic(t *testing.T) {
	q := newTestQueue(t)
	reg := NewRegistry()
	_ = reg.Register("explode", QueueCleanup, 0, func(context.Context, *Job) error {
		panic("ouch")
	})
	w := NewWorker(q, reg, 1, nil, zerolog.Nop())

	id, _ := q.Enqueue(context.Background(), "explode", nil, QueueCleanup, 0)
	popAndProcess(t, w, q)

	job, _ := q.Get(context.Background(), id)
	if job.Status != StatusFailed || !strings.Contains(job.Error, "panic: ouch") {
		t.Fatalf("panicked job = %+v", job)
	}
}

func TestWorkerFailsUnregisteredType(t *testing.T) {
	q := newTestQueue(t)
	reg := NewRegistry()
	_ = reg.Register("known", QueueCleanup, 0, func(context.Context, *Job) error { return nil })
	w := NewWorker(q, reg, 1, nil, zerolog.Nop())

	id, _ := q.Enqueue(context.Background(), "mystery", nil, QueueCleanup, 0)
	popAndProcess(t, w, q)

	job, _ := q.Get(context.Background(), id)
	if job.Status != StatusFailed || !strings.Contains(job.Error, "no handler") {
		t.Fatalf("job = %+v", job)
	}
}

func TestWorkerSkipsCanceledAtDequeue(t *testing.T) {
	q := newTestQueue(t)
	reg := NewRegistry()
	calls := 0
	_ = reg.Register("skipme", QueueCleanup, 0, func(context.Context, *Job) error {
		calls++
		return nil
	})
	w := NewWorker(q, reg, 1, nil, zerolog.Nop())

	ctx := context.Background()
	id, _ := q.Enqueue(ctx, "skipme", nil, QueueCleanup, 0)
	if _, err := q.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	popAndProcess(t, w, q)

	if calls != 0 {
		t.Fatalf("handler ran %d times on a canceled job", calls)
	}
	job, _ := q.Get(ctx, id)
	if job.Status != StatusCanceled {
		t.Fatalf("status = %q, want canceled", job.Status)
	}
	// The API cancel already counted the outcome; the dequeue skip must not
	// count it again.
	stats, _ := q.Stats(ctx, []string{QueueCleanup})
	if stats[0].Canceled != 1 {
		t.Fatalf("canceled counter = %d, want 1", stats[0].Canceled)
	}
}

func TestWorkerCancelDuringRunWins(t *testing.T) {
	q := newTestQueue(t)
	reg := NewRegistry()
	_ = reg.Register("slow", QueueCleanup, 0, func(ctx context.Context, job *Job) error {
		// Cancel lands while the handler is running; its success must not
		// override the requested cancellation.
		if _, err := q.Cancel(ctx, job.ID); err != nil {
			t.Errorf("Cancel mid-run: %v", err)
		}
		return nil
	})
	w := NewWorker(q, reg, 1, nil, zerolog.Nop())

	id, _ := q.Enqueue(context.Background(), "slow", nil, QueueCleanup, 0)
	popAndProcess(t, w, q)

	job, _ := q.Get(context.Background(), id)
	if job.Status != StatusCanceled {
		t.Fatalf("status = %q, want canceled", job.Status)
	}
}

func TestWorkerEnforcesJobTimeout(t *testing.T) {
	q := newTestQueue(t)
	reg := NewRegistry()
	_ = reg.Register("sleepy", QueueCleanup, 20*time.Millisecond, func(ctx context.Context, _ *Job) error {
		<-ctx.Done()
		return ctx.Err()
	})
	w := NewWorker(q, reg, 1, nil, zerolog.Nop())

	id, _ := q.Enqueue(context.Background(), "sleepy", nil, QueueCleanup, 0)
	popAndProcess(t, w, q)

	job, _ := q.Get(context.Background(), id)
	if job.Status != StatusFailed || !strings.Contains(job.Error, "deadline") {
		t.Fatalf("timed-out job = %+v", job)
	}
}

func TestWorkerStartStop(t *testing.T) {
	q := newTestQueue(t)
	reg := NewRegistry()
	done := make(chan string, 1)
	_ = reg.Register("ping", QueueCleanup, 0, func(_ context.Context, job *Job) error {
		done <- job.ID
		return nil
	})
	w := NewWorker(q, reg, 2, nil, zerolog.Nop())

	id, err := q.Enqueue(context.Background(), "ping", nil, QueueCleanup, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	w.Start()
	defer w.Stop()

	select {
	case got := <-done:
		if got != id {
			t.Fatalf("worker ran %q, want %q", got, id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("worker never picked up the job")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		job, err := q.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if job.Status == StatusSucceeded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %q", job.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

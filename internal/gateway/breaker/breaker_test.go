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

package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var errBoom = errors.New("boom")

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		RecoveryTimeout:  50 * time.Millisecond,
		SuccessThreshold: 2,
		CallTimeout:      0,
	}
}

func failN(b *Breaker, n int, t *testing.T) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := b.Execute(context.Background(), func(context.Context) error { return errBoom })
		if !errors.Is(err, errBoom) {
			t.Fatalf("failure %d: expected errBoom, got %v", i, err)
		}
	}
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("test", testConfig(), nil, zerolog.Nop())

	failN(b, 3, t)
	if got := b.State(); got != Open {
		t.Fatalf("state after threshold failures = %s, want open", got)
	}

	calls := 0
	err := b.Execute(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen while open, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("protected call ran %d times while open", calls)
	}
}

func TestProbeAfterRecoveryThenClose(t *testing.T) {
	b := New("test", testConfig(), nil, zerolog.Nop())
	failN(b, 3, t)

	time.Sleep(60 * time.Millisecond) // past RecoveryTimeout

	// First probe must be let through.
	probed := false
	if err := b.Execute(context.Background(), func(context.Context) error {
		probed = true
		return nil
	}); err != nil {
		t.Fatalf("probe after recovery returned %v", err)
	}
	if !probed {
		t.Fatal("probe did not reach the protected call")
	}
	if got := b.State(); got != HalfOpen {
		t.Fatalf("state after one probe = %s, want half_open", got)
	}

	// Second success reaches SuccessThreshold and closes.
	if err := b.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("second probe returned %v", err)
	}
	if got := b.State(); got != Closed {
		t.Fatalf("state after success threshold = %s, want closed", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New("test", testConfig(), nil, zerolog.Nop())
	failN(b, 3, t)
	time.Sleep(60 * time.Millisecond)

	err := b.Execute(context.Background(), func(context.Context) error { return errBoom })
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom on half-open probe, got %v", err)
	}
	if got := b.State(); got != Open {
		t.Fatalf("state after failed probe = %s, want open", got)
	}
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 1
	cfg.CallTimeout = 10 * time.Millisecond
	b := New("test", cfg, nil, zerolog.Nop())

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if got := b.State(); got != Open {
		t.Fatalf("timeout should open the breaker, state = %s", got)
	}
}

func TestCanceledCallerDoesNotCount(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 1
	b := New("test", cfg, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if got := b.State(); got != Closed {
		t.Fatalf("caller cancellation opened the breaker, state = %s", got)
	}
}

// fakeStore records puts and serves a scripted remote state.
type fakeStore struct {
	mu         sync.Mutex
	remote     *SharedState
	getErr     error
	puts       []SharedState
	heartbeats int
}

func (f *fakeStore) GetState(_ context.Context, _ string) (*SharedState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.remote, nil
}

func (f *fakeStore) PutState(_ context.Context, _ string, st SharedState, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, st)
	return nil
}

func (f *fakeStore) Heartbeat(_ context.Context, _, _ string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func TestRemoteOpenShortCircuits(t *testing.T) {
	fs := &fakeStore{remote: &SharedState{
		State:    "open",
		Instance: "sibling",
		OpenedAt: time.Now(),
	}}
	b := New("shared", testConfig(), fs, zerolog.Nop())

	calls := 0
	err := b.Execute(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen from remote state, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("call ran despite remote open")
	}
}

func TestStaleRemoteOpenIgnored(t *testing.T) {
	fs := &fakeStore{remote: &SharedState{
		State:    "open",
		Instance: "sibling",
		OpenedAt: time.Now().Add(-time.Second), // older than RecoveryTimeout
	}}
	b := New("shared", testConfig(), fs, zerolog.Nop())

	if err := b.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("stale remote open should not block, got %v", err)
	}
}

func TestStoreErrorFallsBackToLocal(t *testing.T) {
	fs := &fakeStore{getErr: errors.New("kv down")}
	b := New("shared", testConfig(), fs, zerolog.Nop())

	if err := b.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("store error must fall back to local state, got %v", err)
	}
}

func TestOpenTransitionPublishesSharedState(t *testing.T) {
	fs := &fakeStore{}
	b := New("shared", testConfig(), fs, zerolog.Nop())
	failN(b, 3, t)

	// The publish happens off the transition path, so wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		fs.mu.Lock()
		done := len(fs.puts) > 0 && fs.heartbeats > 0
		fs.mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("opening the breaker published no shared state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	last := fs.puts[len(fs.puts)-1]
	if last.State != "open" || last.OpenedAt.IsZero() {
		t.Fatalf("published state = %+v, want open with OpenedAt set", last)
	}
}

func TestRegistrySharesAndResets(t *testing.T) {
	r := NewRegistry(testConfig(), nil, zerolog.Nop())
	a := r.Get("upstream")
	if r.Get("upstream") != a {
		t.Fatal("registry returned a different breaker for the same name")
	}

	failN(a, 3, t)
	if a.State() != Open {
		t.Fatal("setup: breaker should be open")
	}

	r.ResetAll(context.Background())
	if a.State() != Closed {
		t.Fatalf("ResetAll left state %s", a.State())
	}

	stats := r.Stats()
	if len(stats) != 1 || stats[0].Name != "upstream" || stats[0].State != "closed" {
		t.Fatalf("stats = %+v", stats)
	}
}

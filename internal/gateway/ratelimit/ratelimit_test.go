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

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"cmg/internal/gateway/kv"
)

func newTestLimiter(t *testing.T) (*Limiter, *kv.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := kv.NewWithClient(rdb, zerolog.Nop())
	return New(c, zerolog.Nop()), c, mr
}

func TestAllowConsumesUntilExhausted(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()
	lim := Limit{Capacity: 3, RefillRate: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		d := l.Allow(ctx, "rpm", "key-1", lim, false)
		if !d.Allowed {
			t.Fatalf("request %d denied, want allowed", i)
		}
		if want := int64(2 - i); d.Remaining != want {
			t.Fatalf("request %d remaining = %d, want %d", i, d.Remaining, want)
		}
	}
	d := l.Allow(ctx, "rpm", "key-1", lim, false)
	if d.Allowed {
		t.Fatal("request beyond capacity was allowed")
	}
	if d.Remaining != 0 {
		t.Fatalf("remaining after exhaustion = %d, want 0", d.Remaining)
	}
	if d.RetryAfter != time.Minute {
		t.Fatalf("retry after = %s, want 1m", d.RetryAfter)
	}
}

func TestBucketsAreIsolatedByScopeAndIdentity(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()
	lim := Limit{Capacity: 1, RefillRate: 1, Window: time.Minute}

	if d := l.Allow(ctx, "rpm", "key-1", lim, false); !d.Allowed {
		t.Fatal("first key-1 request denied")
	}
	if d := l.Allow(ctx, "rpm", "key-1", lim, false); d.Allowed {
		t.Fatal("second key-1 request should be denied")
	}
	if d := l.Allow(ctx, "rpm", "key-2", lim, false); !d.Allowed {
		t.Fatal("key-2 must have its own bucket")
	}
	if d := l.Allow(ctx, "rph", "key-1", lim, false); !d.Allowed {
		t.Fatal("rph scope must have its own bucket")
	}
}

func TestRefillIsProportionalToElapsedTime(t *testing.T) {
	_, c, _ := newTestLimiter(t)
	ctx := context.Background()
	key := "ratelimit:rpm:key-1"

	// Drain a 10-token bucket at t=1000, then re-check at t=1030: half the
	// window has passed, so floor(30/60*10) = 5 tokens are back.
	for i := 0; i < 10; i++ {
		if _, err := c.Eval(ctx, tokenBucketScript, []string{key}, 10, 10, 60, 1000, 1); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
	}
	res, err := c.Eval(ctx, tokenBucketScript, []string{key}, 10, 10, 60, 1030, 1)
	if err != nil {
		t.Fatalf("eval after refill window: %v", err)
	}
	allowed, remaining, err := parseBucketReply(res)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !allowed || remaining != 4 {
		t.Fatalf("after half-window refill: allowed=%v remaining=%d, want true 4", allowed, remaining)
	}
}

func TestRefillNeverExceedsCapacity(t *testing.T) {
	_, c, _ := newTestLimiter(t)
	ctx := context.Background()
	key := "ratelimit:rpm:key-1"

	if _, err := c.Eval(ctx, tokenBucketScript, []string{key}, 5, 5, 60, 1000, 1); err != nil {
		t.Fatalf("prime bucket: %v", err)
	}
	// Ten windows later the bucket holds capacity, not capacity plus refill.
	res, err := c.Eval(ctx, tokenBucketScript, []string{key}, 5, 5, 60, 1600, 1)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	_, remaining, err := parseBucketReply(res)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if remaining != 4 {
		t.Fatalf("remaining = %d, want 4 (capped at capacity before consume)", remaining)
	}
}

func TestStatusReadsWithoutConsuming(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	ctx := context.Background()
	lim := Limit{Capacity: 5, RefillRate: 5, Window: time.Minute}

	d, err := l.Status(ctx, "rpm", "key-1", lim)
	if err != nil {
		t.Fatalf("Status on untouched bucket: %v", err)
	}
	if !d.Allowed || d.Remaining != 5 {
		t.Fatalf("untouched bucket status = %+v, want full", d)
	}

	for i := 0; i < 2; i++ {
		if d := l.Allow(ctx, "rpm", "key-1", lim, false); !d.Allowed {
			t.Fatalf("request %d denied", i)
		}
	}
	for i := 0; i < 3; i++ {
		d, err = l.Status(ctx, "rpm", "key-1", lim)
		if err != nil {
			t.Fatalf("Status read %d: %v", i, err)
		}
		if d.Remaining != 3 {
			t.Fatalf("status read %d changed the bucket: remaining = %d, want 3", i, d.Remaining)
		}
	}
}

func TestSubstrateOutageFailurePolicy(t *testing.T) {
	l, _, mr := newTestLimiter(t)
	ctx := context.Background()
	lim := PerMinute(60)
	mr.Close()

	if d := l.Allow(ctx, "ip", "203.0.113.7", lim, true); !d.Allowed {
		t.Fatal("ip scope must fail open when the substrate is down")
	}
	if d := l.Allow(ctx, "rpm", "key-1", lim, false); d.Allowed {
		t.Fatal("key scope must fail closed when the substrate is down")
	}
}

func TestDerivedLimits(t *testing.T) {
	if l := PerHour(60); l.Capacity != 3600 || l.Window != time.Hour {
		t.Fatalf("PerHour(60) = %+v", l)
	}
	if l := PerIP(60); l.Capacity != 120 || l.Window != time.Minute {
		t.Fatalf("PerIP(60) = %+v", l)
	}
}

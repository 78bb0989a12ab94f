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

package benchmarks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cmg/internal/gateway/ratelimit"
)

// TestLimiterNeverOverAdmits hammers one bucket from many goroutines and
// checks the admit count equals the capacity. The hour-long window keeps
// refill out of the picture for the duration of the test.
func TestLimiterNeverOverAdmits(t *testing.T) {
	lim := ratelimit.New(newBenchKV(t), zerolog.Nop())
	bucket := ratelimit.Limit{Capacity: 100, RefillRate: 100, Window: time.Hour}

	const (
		goroutines = 8
		attempts   = 50
	)
	var admitted int64
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			ctx := context.Background()
			for i := 0; i < attempts; i++ {
				if d := lim.Allow(ctx, "rpm", "contended-key", bucket, false); d.Allowed {
					atomic.AddInt64(&admitted, 1)
				}
			}
		}()
	}
	wg.Wait()

	if admitted != bucket.Capacity {
		t.Fatalf("admitted %d of %d attempts, want exactly %d",
			admitted, goroutines*attempts, bucket.Capacity)
	}
}

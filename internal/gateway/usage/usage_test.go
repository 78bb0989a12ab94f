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

package usage

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cmg/internal/gateway/store"
)

type fakeUsageStore struct {
	recorded  []store.UsageRecord
	usedToday int64
	failWith  error
}

func (f *fakeUsageStore) RecordUsage(_ context.Context, u store.UsageRecord) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.recorded = append(f.recorded, u)
	return nil
}

func (f *fakeUsageStore) TokensUsedToday(_ context.Context, _ string) (int64, error) {
	return f.usedToday, f.failWith
}

func (f *fakeUsageStore) UsageByDay(_ context.Context, _ string, _ time.Time) ([]store.DailyUsage, error) {
	return []store.DailyUsage{{Requests: 3}}, nil
}

func (f *fakeUsageStore) UsageByModel(_ context.Context, _ string, _ time.Time) ([]store.ModelUsage, error) {
	return []store.ModelUsage{{Model: "openai/gpt-4o"}}, nil
}

type fakePricer struct {
	models map[string]*store.ModelEntry
}

func (f *fakePricer) GetModel(_ context.Context, id string) (*store.ModelEntry, error) {
	if m, ok := f.models[id]; ok {
		return m, nil
	}
	return nil, store.ErrNotFound
}

func testKey() *store.APIKey {
	return &store.APIKey{ID: "k1", Workspace: "default", DailyQuotaTokens: 1000}
}

func TestRecordPricesEachDirection(t *testing.T) {
	fs := &fakeUsageStore{}
	pricer := &fakePricer{models: map[string]*store.ModelEntry{
		"openai/gpt-4o": {ID: "openai/gpt-4o", PromptPricePer1K: 0.005, CompletionPricePer1K: 0.015},
	}}
	r := NewRecorder(fs, pricer, 200000, zerolog.Nop())

	err := r.Record(context.Background(), Sample{
		Key: testKey(), Model: "openai/gpt-4o", RequestID: "req-1",
		PromptTokens: 2000, CompletionTokens: 1000,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if len(fs.recorded) != 1 {
		t.Fatalf("recorded %d samples, want 1", len(fs.recorded))
	}
	got := fs.recorded[0]
	if math.Abs(got.PromptCost-0.010) > 1e-9 {
		t.Fatalf("prompt cost = %f, want 0.010", got.PromptCost)
	}
	if math.Abs(got.CompletionCost-0.015) > 1e-9 {
		t.Fatalf("completion cost = %f, want 0.015", got.CompletionCost)
	}
	if got.EmbeddingCost != 0 || got.EmbeddingTokens != 0 {
		t.Fatalf("phantom embedding direction: %+v", got)
	}
}

func TestRecordEmbeddingBilledAtPromptRate(t *testing.T) {
	fs := &fakeUsageStore{}
	pricer := &fakePricer{models: map[string]*store.ModelEntry{
		"openai/text-embedding-3-small": {ID: "openai/text-embedding-3-small", PromptPricePer1K: 0.00002},
	}}
	r := NewRecorder(fs, pricer, 200000, zerolog.Nop())

	err := r.Record(context.Background(), Sample{
		Key: testKey(), Model: "openai/text-embedding-3-small", RequestID: "req-2",
		EmbeddingTokens: 5000,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got := fs.recorded[0].EmbeddingCost; math.Abs(got-0.0001) > 1e-12 {
		t.Fatalf("embedding cost = %g, want 0.0001", got)
	}
}

func TestRecordUnknownModelMetersAtZeroCost(t *testing.T) {
	fs := &fakeUsageStore{}
	r := NewRecorder(fs, &fakePricer{}, 200000, zerolog.Nop())

	err := r.Record(context.Background(), Sample{
		Key: testKey(), Model: "mystery/model", RequestID: "req-3", PromptTokens: 100,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	got := fs.recorded[0]
	if got.PromptTokens != 100 || got.TotalCost() != 0 {
		t.Fatalf("unpriced sample = %+v, want tokens kept and zero cost", got)
	}
}

func TestCheckQuota(t *testing.T) {
	cases := []struct {
		name     string
		keyQuota int64
		used     int64
		wantErr  bool
		wantLim  int64
	}{
		{"under quota", 1000, 999, false, 1000},
		{"at quota", 1000, 1000, true, 1000},
		{"over quota", 1000, 5000, true, 1000},
		{"zero quota inherits default", 0, 10, false, 200000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs := &fakeUsageStore{usedToday: tc.used}
			r := NewRecorder(fs, &fakePricer{}, 200000, zerolog.Nop())
			key := testKey()
			key.DailyQuotaTokens = tc.keyQuota

			q, err := r.CheckQuota(context.Background(), key)
			if tc.wantErr && !errors.Is(err, ErrQuotaExceeded) {
				t.Fatalf("err = %v, want ErrQuotaExceeded", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if q.Limit != tc.wantLim {
				t.Fatalf("limit = %d, want %d", q.Limit, tc.wantLim)
			}
			if tc.used > tc.wantLim && q.Remaining != 0 {
				t.Fatalf("remaining = %d, want clamped to 0", q.Remaining)
			}
		})
	}
}

func TestQuotaResetIsNextUTCMidnight(t *testing.T) {
	at := time.Date(2025, 10, 7, 15, 30, 0, 0, time.UTC)
	got := nextUTCMidnight(at)
	want := time.Date(2025, 10, 8, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("nextUTCMidnight = %v, want %v", got, want)
	}
}

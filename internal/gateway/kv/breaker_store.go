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

package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cmg/internal/gateway/breaker"
)

// BreakerStore persists shared circuit-breaker state under
// circuit_breaker:<name>. Reads pass through the kv guard, so when the
// substrate is down lookups fail fast and breakers fall back to local state.
type BreakerStore struct {
	c *Client
}

// NewBreakerStore wraps the client.
func NewBreakerStore(c *Client) *BreakerStore { return &BreakerStore{c: c} }

func breakerStateKey(name string) string { return "circuit_breaker:" + name }

// GetState returns the shared state, or (nil, nil) when none is published.
func (s *BreakerStore) GetState(ctx context.Context, name string) (*breaker.SharedState, error) {
	raw, err := s.c.Get(ctx, breakerStateKey(name))
	if errors.Is(err, ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st breaker.SharedState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decode breaker state %q: %w", name, err)
	}
	return &st, nil
}

// PutState publishes the state document with the given TTL.
func (s *BreakerStore) PutState(ctx context.Context, name string, st breaker.SharedState, ttl time.Duration) error {
	buf, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.c.Set(ctx, breakerStateKey(name), buf, ttl)
}

// Heartbeat refreshes the liveness marker for this instance.
func (s *BreakerStore) Heartbeat(ctx context.Context, name, instance string, ttl time.Duration) error {
	return s.c.Set(ctx, breakerStateKey(name)+":heartbeat", instance, ttl)
}

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
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Registry hands out named breakers, creating them on first use so every
// component that guards the same dependency shares one state machine.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
	store    StateStore
	logger   zerolog.Logger
}

// NewRegistry builds a registry. store may be nil; defaults apply to
// breakers created through Get.
func NewRegistry(defaults Config, store StateStore, logger zerolog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults.withDefaults(),
		store:    store,
		logger:   logger,
	}
}

// Get returns the named breaker, creating it with the registry defaults.
func (r *Registry) Get(name string) *Breaker {
	return r.GetWithConfig(name, r.defaults)
}

// GetWithConfig returns the named breaker, creating it with cfg on first
// use. The first creation wins; later calls ignore cfg.
func (r *Registry) GetWithConfig(name string, cfg Config) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, cfg, r.store, r.logger)
	r.breakers[name] = b
	return b
}

// Stats snapshots every registered breaker, sorted by name.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResetAll forces every breaker closed.
func (r *Registry) ResetAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset(ctx)
	}
}

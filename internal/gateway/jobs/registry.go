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
	"sort"
	"sync"
	"time"
)

// Handler runs one job. The context carries the per-job deadline and is
// canceled on worker shutdown.
type Handler func(ctx context.Context, job *Job) error

// Registration binds a job type to its handler, lane and default timeout.
type Registration struct {
	Type    string
	Queue   string
	Timeout time.Duration
	Handler Handler
}

// Registry maps job types to registrations. Registration happens at wiring
// time; lookups run concurrently from the worker pool.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Registration)}
}

// Register installs a handler for jobType. Registering a type twice is a
// wiring bug and fails.
func (r *Registry) Register(jobType, queue string, timeout time.Duration, h Handler) error {
	if jobType == "" || h == nil {
		return errors.New("job registration needs a type and a handler")
	}
	if queue == "" {
		queue = DefaultQueue
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byType[jobType]; dup {
		return fmt.Errorf("job type %q already registered", jobType)
	}
	r.byType[jobType] = Registration{Type: jobType, Queue: queue, Timeout: timeout, Handler: h}
	return nil
}

// Lookup returns the registration for jobType.
func (r *Registry) Lookup(jobType string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byType[jobType]
	return reg, ok
}

// Queues returns the sorted set of lanes with registered handlers.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.byType))
	out := make([]string, 0, len(r.byType))
	for _, reg := range r.byType {
		if _, ok := seen[reg.Queue]; ok {
			continue
		}
		seen[reg.Queue] = struct{}{}
		out = append(out, reg.Queue)
	}
	sort.Strings(out)
	return out
}

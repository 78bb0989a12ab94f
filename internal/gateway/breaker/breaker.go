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

// Package breaker wraps sony/gobreaker with the gateway's three-state policy
// and an optional shared-state layer so that multiple instances converge on
// the same open/closed view of a dependency. When the shared store is
// unreachable each instance falls back to its local state; the store is an
// optimization, never a requirement.
package breaker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"cmg/internal/gateway/telemetry"
)

// ErrOpen is returned without invoking the protected call while the breaker
// is open (or while the half-open probe budget is exhausted).
var ErrOpen = errors.New("circuit open")

// State is the breaker's externally visible state.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

// String reports the wire spelling used in stats payloads and shared state.
func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func fromGoBreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

// Config carries the breaker policy. Zero fields take the defaults below.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker from closed.
	FailureThreshold uint32
	// RecoveryTimeout is how long the breaker stays open before allowing a
	// half-open probe.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of consecutive half-open successes that
	// close the breaker again.
	SuccessThreshold uint32
	// CallTimeout bounds each protected call via context deadline. Zero
	// disables the per-call bound (callers then own their own ceiling).
	CallTimeout time.Duration
}

// DefaultConfig matches the service's production policy.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 3,
		CallTimeout:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	// CallTimeout zero is meaningful (no per-call bound), so it is kept as-is.
	return c
}

// SharedState is the JSON document published to the shared store under
// circuit_breaker:<name>.
type SharedState struct {
	State               string    `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
	Instance            string    `json:"instance"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// StateStore abstracts the shared-state backend. The KV package provides the
// Redis-backed implementation; tests provide fakes. Implementations must
// treat a missing document as (nil, nil).
type StateStore interface {
	GetState(ctx context.Context, name string) (*SharedState, error)
	PutState(ctx context.Context, name string, st SharedState, ttl time.Duration) error
	Heartbeat(ctx context.Context, name, instance string, ttl time.Duration) error
}

// Stats is a point-in-time snapshot for the live stats surface.
type Stats struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	Requests            uint32    `json:"requests"`
	Successes           uint32    `json:"successes"`
	Failures            uint32    `json:"failures"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	LastTransition      time.Time `json:"last_transition,omitzero"`
}

// Breaker protects one named dependency.
type Breaker struct {
	name     string
	cfg      Config
	store    StateStore
	instance string
	logger   zerolog.Logger

	mu         sync.Mutex
	cb         *gobreaker.CircuitBreaker
	lastChange time.Time
}

// New builds a breaker. store may be nil for purely local operation (the
// breaker guarding the KV client itself must be local, for obvious reasons).
func New(name string, cfg Config, store StateStore, logger zerolog.Logger) *Breaker {
	b := &Breaker{
		name:     name,
		cfg:      cfg.withDefaults(),
		store:    store,
		instance: instanceID(),
		logger:   logger.With().Str("breaker", name).Logger(),
	}
	b.cb = b.newCircuitBreaker()
	telemetry.SetBreakerState(name, float64(Closed))
	return b
}

func (b *Breaker) newCircuitBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.name,
		MaxRequests: b.cfg.SuccessThreshold,
		Timeout:     b.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// A caller hanging up is not a dependency failure.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			b.onTransition(fromGoBreaker(to))
		},
	})
}

func (b *Breaker) onTransition(to State) {
	b.mu.Lock()
	b.lastChange = time.Now().UTC()
	b.mu.Unlock()

	telemetry.SetBreakerState(b.name, float64(to))
	telemetry.RecordBreakerTransition(b.name, to.String())
	evt := b.logger.Info()
	if to == Open {
		evt = b.logger.Warn()
	}
	evt.Str("state", to.String()).Msg("circuit_breaker_transition")
	// Publish off the transition path: gobreaker invokes this callback with
	// its own mutex held, so no call back into the state machine and no
	// network round trip may happen here.
	go b.publish(to)
}

// Execute runs fn through the breaker. While open it returns ErrOpen without
// invoking fn; a CallTimeout, when configured, bounds fn via its context.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if b.remoteOpen(ctx) {
		return fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
	_, err := b.current().Execute(func() (interface{}, error) {
		callCtx := ctx
		if b.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
			defer cancel()
		}
		return nil, fn(callCtx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		return err
	}
	return nil
}

// State reports the local state.
func (b *Breaker) State() State {
	return fromGoBreaker(b.current().State())
}

// Stats snapshots the live counters.
func (b *Breaker) Stats() Stats {
	cb := b.current()
	counts := cb.Counts()
	b.mu.Lock()
	last := b.lastChange
	b.mu.Unlock()
	return Stats{
		Name:                b.name,
		State:               fromGoBreaker(cb.State()).String(),
		Requests:            counts.Requests,
		Successes:           counts.TotalSuccesses,
		Failures:            counts.TotalFailures,
		ConsecutiveFailures: counts.ConsecutiveFailures,
		LastTransition:      last,
	}
}

// Reset forces the breaker closed by swapping in a fresh state machine and
// overwriting any shared open record.
func (b *Breaker) Reset(ctx context.Context) {
	b.mu.Lock()
	b.cb = b.newCircuitBreaker()
	b.lastChange = time.Now().UTC()
	b.mu.Unlock()

	telemetry.SetBreakerState(b.name, float64(Closed))
	if b.store != nil {
		st := SharedState{State: Closed.String(), Instance: b.instance, UpdatedAt: time.Now().UTC()}
		if err := b.store.PutState(ctx, b.name, st, b.stateTTL()); err != nil {
			b.logger.Debug().Err(err).Msg("breaker_reset_publish_failed")
		}
	}
	b.logger.Info().Msg("circuit_breaker_reset")
}

func (b *Breaker) current() *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cb
}

// remoteOpen consults the shared store: a fresh open record written by a
// sibling instance short-circuits the call. Store errors mean local fallback.
func (b *Breaker) remoteOpen(ctx context.Context) bool {
	if b.store == nil {
		return false
	}
	st, err := b.store.GetState(ctx, b.name)
	if err != nil || st == nil {
		return false
	}
	if st.Instance == b.instance || st.State != Open.String() {
		return false
	}
	return time.Since(st.OpenedAt) < b.cfg.RecoveryTimeout
}

// publish is best-effort; shared state lags local state by at most one write.
func (b *Breaker) publish(to State) {
	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Counts reset on every generation change, so the failure tally that
	// tripped the breaker is gone by the time a transition is observable.
	// An open record therefore carries the threshold that tripped it.
	st := SharedState{
		State:     to.String(),
		Instance:  b.instance,
		UpdatedAt: time.Now().UTC(),
	}
	if to == Open {
		st.OpenedAt = time.Now().UTC()
		st.ConsecutiveFailures = b.cfg.FailureThreshold
	}
	if err := b.store.PutState(ctx, b.name, st, b.stateTTL()); err != nil {
		b.logger.Debug().Err(err).Msg("breaker_state_publish_failed")
		return
	}
	if err := b.store.Heartbeat(ctx, b.name, b.instance, time.Minute); err != nil {
		b.logger.Debug().Err(err).Msg("breaker_heartbeat_failed")
	}
}

// stateTTL is ten call timeouts, floored at a minute so that records from a
// crashed instance always expire even with no call timeout configured.
func (b *Breaker) stateTTL() time.Duration {
	ttl := 10 * b.cfg.CallTimeout
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

func instanceID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("pid-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

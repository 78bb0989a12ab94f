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

// Package ratelimit implements a distributed token bucket on the shared KV
// substrate. Refill and consume happen in one Lua script so concurrent
// gateway instances can never double-spend a token.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// tokenBucketScript refills lazily from elapsed time, then consumes. State
// is a hash {tokens, last_refill}; the key expires at twice the window so
// idle identities cost nothing.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local requested = tonumber(ARGV[5])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])

if tokens == nil then
  tokens = capacity
  last_refill = now
end

local elapsed = math.max(0, now - last_refill)
local refill = math.floor(elapsed / window * refill_rate)
if refill > 0 then
  tokens = math.min(capacity, tokens + refill)
  last_refill = now
end

local allowed = 0
if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_refill', last_refill)
redis.call('EXPIRE', key, window * 2)

return {allowed, tokens}
`

// bucketStatusScript applies the refill arithmetic read-only and returns the
// current token count. A missing key reports a full bucket.
const bucketStatusScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])

if tokens == nil then
  return capacity
end

local elapsed = math.max(0, now - last_refill)
local refill = math.floor(elapsed / window * refill_rate)
if refill > 0 then
  tokens = math.min(capacity, tokens + refill)
end

return tokens
`

// Evaler is the KV capability the limiter needs; kv.Client satisfies it.
type Evaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// Limit parameterises one bucket. Capacity and RefillRate are equal for
// plain request-per-window limits.
type Limit struct {
	Capacity   int64
	RefillRate int64
	Window     time.Duration
}

// PerMinute is the per-key requests-per-minute limit.
func PerMinute(rpm int64) Limit {
	return Limit{Capacity: rpm, RefillRate: rpm, Window: time.Minute}
}

// PerHour derives the hourly ceiling from the per-minute rate.
func PerHour(rpm int64) Limit {
	return Limit{Capacity: rpm * 60, RefillRate: rpm * 60, Window: time.Hour}
}

// PerIP is the pre-auth limit, twice the per-key rate over a minute.
func PerIP(rpm int64) Limit {
	return Limit{Capacity: rpm * 2, RefillRate: rpm * 2, Window: time.Minute}
}

// Decision is the outcome of one bucket check, carrying everything the HTTP
// layer needs for the X-RateLimit response headers.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	Reset      time.Time
	RetryAfter time.Duration
}

// Limiter evaluates buckets against the shared substrate.
type Limiter struct {
	kv     Evaler
	logger zerolog.Logger
}

func New(kv Evaler, logger zerolog.Logger) *Limiter {
	return &Limiter{kv: kv, logger: logger.With().Str("component", "ratelimit").Logger()}
}

// Allow consumes one token from ratelimit:<scope>:<identity>. When the
// substrate is unreachable the decision follows failOpen: open for the IP
// prefilter, closed for authenticated scopes.
func (l *Limiter) Allow(ctx context.Context, scope, identity string, lim Limit, failOpen bool) Decision {
	now := time.Now()
	d := Decision{
		Limit:      lim.Capacity,
		Reset:      now.Add(lim.Window),
		RetryAfter: lim.Window,
	}
	key := fmt.Sprintf("ratelimit:%s:%s", scope, identity)
	res, err := l.kv.Eval(ctx, tokenBucketScript, []string{key},
		lim.Capacity, lim.RefillRate, int64(lim.Window.Seconds()), now.Unix(), 1)
	if err != nil {
		l.logger.Error().Err(err).Str("scope", scope).Bool("fail_open", failOpen).
			Msg("bucket check failed")
		d.Allowed = failOpen
		if failOpen {
			d.Remaining = lim.Capacity
		}
		return d
	}
	allowed, remaining, err := parseBucketReply(res)
	if err != nil {
		l.logger.Error().Err(err).Str("scope", scope).Msg("bad bucket reply")
		d.Allowed = failOpen
		return d
	}
	d.Allowed = allowed
	d.Remaining = remaining
	return d
}

// Status reads the bucket as Allow would see it, without consuming a token.
// Unlike Allow it has no admission to decide, so substrate errors surface.
func (l *Limiter) Status(ctx context.Context, scope, identity string, lim Limit) (Decision, error) {
	now := time.Now()
	d := Decision{
		Limit:      lim.Capacity,
		Reset:      now.Add(lim.Window),
		RetryAfter: lim.Window,
	}
	key := fmt.Sprintf("ratelimit:%s:%s", scope, identity)
	res, err := l.kv.Eval(ctx, bucketStatusScript, []string{key},
		lim.Capacity, lim.RefillRate, int64(lim.Window.Seconds()), now.Unix())
	if err != nil {
		return d, err
	}
	remaining, ok := res.(int64)
	if !ok {
		return d, fmt.Errorf("status reply is %T, want integer", res)
	}
	d.Allowed = remaining > 0
	d.Remaining = remaining
	return d, nil
}

// parseBucketReply decodes the {allowed, remaining} Lua table.
func parseBucketReply(res interface{}) (bool, int64, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return false, 0, fmt.Errorf("reply is %T, want 2-element array", res)
	}
	allowed, ok := arr[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("allowed flag is %T", arr[0])
	}
	remaining, ok := arr[1].(int64)
	if !ok {
		return false, 0, fmt.Errorf("remaining is %T", arr[1])
	}
	return allowed == 1, remaining, nil
}

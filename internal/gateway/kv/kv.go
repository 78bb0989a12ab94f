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

// Package kv wraps the Redis client behind the narrow command surface the
// gateway actually uses. Every round trip runs through a local circuit
// breaker named "kv" so that a dead substrate degrades into fast ErrOpen
// failures instead of piled-up timeouts. A key miss (ErrNil) is a healthy
// reply and never counts against the breaker.
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"cmg/internal/gateway/breaker"
)

// ErrNil is returned when a key or member does not exist. It aliases the
// driver's sentinel so callers never import the driver directly.
var ErrNil = redis.Nil

// poolSize is the connection pool target for a gateway instance.
const poolSize = 50

// Client is the gateway's KV substrate handle.
type Client struct {
	rdb    *redis.Client
	guard  *breaker.Breaker
	logger zerolog.Logger
}

// Open parses a redis:// or rediss:// URL and connects.
func Open(url string, logger zerolog.Logger) (*Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	opt.PoolSize = poolSize
	return NewWithClient(redis.NewClient(opt), logger), nil
}

// NewWithClient wraps an existing driver client; tests use this with a
// miniredis-backed client.
func NewWithClient(rdb *redis.Client, logger zerolog.Logger) *Client {
	guard := breaker.New("kv", breaker.Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
		CallTimeout:      5 * time.Second,
	}, nil, logger)
	return &Client{rdb: rdb, guard: guard, logger: logger}
}

// Close releases the connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// Healthy pings the substrate through the guard.
func (c *Client) Healthy(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.Ping(ctx).Err()
	})
}

// Guard exposes the breaker for the stats surface.
func (c *Client) Guard() *breaker.Breaker { return c.guard }

// do funnels one operation through the breaker, keeping ErrNil out of the
// failure accounting.
func (c *Client) do(ctx context.Context, op func(context.Context) error) error {
	var opErr error
	err := c.guard.Execute(ctx, func(ctx context.Context) error {
		opErr = op(ctx)
		if errors.Is(opErr, redis.Nil) {
			return nil
		}
		return opErr
	})
	if opErr != nil {
		return opErr
	}
	return err
}

// Eval runs a Lua script.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	var out interface{}
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.Eval(ctx, script, keys, args...).Result()
		out = v
		return err
	})
	return out, err
}

// Get returns the string value of key, or ErrNil.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	var out string
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.Get(ctx, key).Result()
		out = v
		return err
	})
	return out, err
}

// Set stores value under key with a TTL (0 means no expiry).
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// SetNX stores value only if key is absent; reports whether it was set.
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	var set bool
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
		set = v
		return err
	})
	return set, err
}

// Del removes keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.Del(ctx, keys...).Err()
	})
}

// Expire sets the TTL on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.Expire(ctx, key, ttl).Err()
	})
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.Exists(ctx, key).Result()
		n = v
		return err
	})
	return n > 0, err
}

// HSet writes hash fields.
func (c *Client) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.HSet(ctx, key, fields).Err()
	})
}

// HGetAll reads all hash fields; an empty map means the key is absent.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.HGetAll(ctx, key).Result()
		out = v
		return err
	})
	return out, err
}

// HIncrBy increments an integer hash field.
func (c *Client) HIncrBy(ctx context.Context, key, field string, n int64) (int64, error) {
	var out int64
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.HIncrBy(ctx, key, field, n).Result()
		out = v
		return err
	})
	return out, err
}

// LPush prepends values to a list.
func (c *Client) LPush(ctx context.Context, key string, values ...interface{}) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.LPush(ctx, key, values...).Err()
	})
}

// BRPop pops from the first non-empty list, blocking up to timeout. The
// result is [key, value]; ErrNil means nothing arrived in time.
func (c *Client) BRPop(ctx context.Context, timeout time.Duration, keys ...string) ([]string, error) {
	var out []string
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.BRPop(ctx, timeout, keys...).Result()
		out = v
		return err
	})
	return out, err
}

// RPop pops one value from the tail of a list without blocking; ErrNil means
// the list is empty.
func (c *Client) RPop(ctx context.Context, key string) (string, error) {
	var out string
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.RPop(ctx, key).Result()
		out = v
		return err
	})
	return out, err
}

// LLen reports the list length.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	var out int64
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.LLen(ctx, key).Result()
		out = v
		return err
	})
	return out, err
}

// ZAdd inserts a scored member.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

// ZRangeByScore returns members whose scores fall in [min, max]; bounds use
// Redis syntax ("-inf", "+inf", "(5").
func (c *Client) ZRangeByScore(ctx context.Context, key, min, max string) ([]string, error) {
	var out []string
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
		out = v
		return err
	})
	return out, err
}

// TTL reports the remaining lifetime of key.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	var out time.Duration
	err := c.do(ctx, func(ctx context.Context) error {
		v, err := c.rdb.TTL(ctx, key).Result()
		out = v
		return err
	})
	return out, err
}

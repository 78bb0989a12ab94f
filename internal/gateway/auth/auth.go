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

// Package auth resolves caller identity from request credentials. Raw key
// material never persists and never appears in logs; everything downstream
// of this package works with the salted hash and the key row.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"cmg/internal/gateway/store"
)

// Sentinel failures; the HTTP layer maps all of them to one 401 so probing
// cannot distinguish a missing key from a revoked one.
var (
	ErrNoCredentials = errors.New("no API key provided")
	ErrUnknownKey    = errors.New("unknown API key")
	ErrKeyDisabled   = errors.New("API key is disabled")
)

// HashKey derives the stored form of an API key. Salting keeps a leaked
// table from being a usable credential list.
func HashKey(raw, salt string) string {
	sum := sha256.Sum256([]byte(raw + salt))
	return hex.EncodeToString(sum[:])
}

// KeyFromRequest pulls the raw credential from X-API-Key or, failing that,
// an Authorization bearer token.
func KeyFromRequest(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return k
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// KeyStore is the slice of the persistence layer authentication needs.
type KeyStore interface {
	GetAPIKeyByHash(ctx context.Context, hash string) (*store.APIKey, error)
}

// Authenticator validates request credentials against stored key hashes.
type Authenticator struct {
	keys KeyStore
	salt string
}

func NewAuthenticator(keys KeyStore, salt string) *Authenticator {
	return &Authenticator{keys: keys, salt: salt}
}

// Authenticate resolves the request's API key row. Inactive keys fail
// exactly like absent ones apart from the sentinel.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*store.APIKey, error) {
	raw := KeyFromRequest(r)
	if raw == "" {
		return nil, ErrNoCredentials
	}
	key, err := a.keys.GetAPIKeyByHash(ctx, HashKey(raw, a.salt))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownKey
	}
	if err != nil {
		return nil, err
	}
	if !key.Active {
		return nil, ErrKeyDisabled
	}
	return key, nil
}

type ctxKey struct{}

// WithKey stamps the authenticated key row into the request context.
func WithKey(ctx context.Context, key *store.APIKey) context.Context {
	return context.WithValue(ctx, ctxKey{}, key)
}

// KeyFrom returns the authenticated key row, or nil on paths that never
// passed authentication.
func KeyFrom(ctx context.Context) *store.APIKey {
	key, _ := ctx.Value(ctxKey{}).(*store.APIKey)
	return key
}

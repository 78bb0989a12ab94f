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

package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"cmg/internal/gateway/store"
)

type fakeKeyStore struct {
	keys map[string]*store.APIKey
}

func (f *fakeKeyStore) GetAPIKeyByHash(_ context.Context, hash string) (*store.APIKey, error) {
	if k, ok := f.keys[hash]; ok {
		return k, nil
	}
	return nil, store.ErrNotFound
}

func TestHashKeyIsSaltedAndStable(t *testing.T) {
	a := HashKey("sk-test-1", "pepper-0123456789")
	b := HashKey("sk-test-1", "pepper-0123456789")
	if a != b {
		t.Fatalf("same input hashed differently: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(a))
	}
	if HashKey("sk-test-1", "other-salt-000000") == a {
		t.Fatal("different salts must produce different hashes")
	}
}

func TestKeyFromRequestHeaderPrecedence(t *testing.T) {
	cases := []struct {
		name   string
		apiKey string
		bearer string
		want   string
	}{
		{"x-api-key only", "sk-a", "", "sk-a"},
		{"bearer only", "", "sk-b", "sk-b"},
		{"x-api-key wins over bearer", "sk-a", "sk-b", "sk-a"},
		{"neither", "", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/llm/chat", nil)
			if tc.apiKey != "" {
				r.Header.Set("X-API-Key", tc.apiKey)
			}
			if tc.bearer != "" {
				r.Header.Set("Authorization", "Bearer "+tc.bearer)
			}
			if got := KeyFromRequest(r); got != tc.want {
				t.Fatalf("KeyFromRequest = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAuthenticateLifecycle(t *testing.T) {
	const salt = "pepper-0123456789"
	fs := &fakeKeyStore{keys: map[string]*store.APIKey{
		HashKey("sk-live", salt):    {ID: "k1", Active: true},
		HashKey("sk-revoked", salt): {ID: "k2", Active: false},
	}}
	a := NewAuthenticator(fs, salt)
	ctx := context.Background()

	r := httptest.NewRequest("GET", "/models", nil)
	if _, err := a.Authenticate(ctx, r); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("missing credentials: got %v", err)
	}

	r.Header.Set("X-API-Key", "sk-live")
	key, err := a.Authenticate(ctx, r)
	if err != nil || key.ID != "k1" {
		t.Fatalf("live key: got %v, %v", key, err)
	}

	r.Header.Set("X-API-Key", "sk-revoked")
	if _, err := a.Authenticate(ctx, r); !errors.Is(err, ErrKeyDisabled) {
		t.Fatalf("revoked key: got %v", err)
	}

	r.Header.Set("X-API-Key", "sk-nope")
	if _, err := a.Authenticate(ctx, r); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("unknown key: got %v", err)
	}
}

func TestModelPermittedOrdering(t *testing.T) {
	cases := []struct {
		name   string
		key    store.APIKey
		global Policy
		model  string
		want   bool
	}{
		{"default allow", store.APIKey{}, Policy{}, "openai/gpt-4o", true},
		{"key blocklist wins over key allowlist",
			store.APIKey{AllowModels: []string{"m"}, BlockModels: []string{"m"}}, Policy{}, "m", false},
		{"global blocklist denies", store.APIKey{}, Policy{BlockModels: []string{"m"}}, "m", false},
		{"key allowlist admits member",
			store.APIKey{AllowModels: []string{"m"}}, Policy{}, "m", true},
		{"key allowlist denies non-member",
			store.APIKey{AllowModels: []string{"other"}}, Policy{}, "m", false},
		{"key allowlist shadows global allowlist",
			store.APIKey{AllowModels: []string{"m"}}, Policy{AllowModels: []string{"other"}}, "m", true},
		{"global allowlist consulted when key list empty",
			store.APIKey{}, Policy{AllowModels: []string{"other"}}, "m", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ModelPermitted(&tc.key, tc.global, tc.model); got != tc.want {
				t.Fatalf("ModelPermitted = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRedactMapReplacesSensitiveFields(t *testing.T) {
	in := map[string]interface{}{
		"model": "openai/gpt-4o",
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "hello"},
		},
		"nested": map[string]interface{}{
			"api_key": "sk-secret",
			"depth":   3,
		},
	}
	out := RedactMap(in)

	if out["model"] != "openai/gpt-4o" {
		t.Fatalf("non-sensitive field changed: %v", out["model"])
	}
	if out["messages"] != "[REDACTED:1 items]" {
		t.Fatalf("messages = %v", out["messages"])
	}
	nested := out["nested"].(map[string]interface{})
	if nested["api_key"] != "[REDACTED:9 chars]" {
		t.Fatalf("api_key = %v", nested["api_key"])
	}
	if nested["depth"] != 3 {
		t.Fatalf("sibling field changed: %v", nested["depth"])
	}
	// Input must be untouched.
	if in["messages"].([]interface{}) == nil {
		t.Fatal("input mutated")
	}
}

func TestRedactMapIsIdempotent(t *testing.T) {
	in := map[string]interface{}{
		"prompt": "write me a poem",
		"token":  "tok-123",
	}
	once := RedactMap(in)
	twice := RedactMap(once)
	for k, v := range once {
		if twice[k] != v {
			t.Fatalf("field %s changed on second pass: %v -> %v", k, v, twice[k])
		}
	}
}

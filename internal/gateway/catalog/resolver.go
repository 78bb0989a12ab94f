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

// Package catalog resolves which model a request actually runs on and what
// the caller is allowed to see of the catalogue.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cmg/internal/gateway/auth"
	"cmg/internal/gateway/store"
)

// Settings keys for workspace-wide model policy.
const (
	SettingDefaultModel      = "default_model"
	SettingDefaultEmbedModel = "default_embedding_model"
	SettingGlobalAllowlist   = "global_model_allowlist"
	SettingGlobalBlocklist   = "global_model_blocklist"
)

// Purpose selects the capability a resolved model must have.
type Purpose string

const (
	PurposeChat      Purpose = "chat"
	PurposeEmbedding Purpose = "embedding"
)

// ResolveError is any model resolution failure. The message is safe to show
// to callers verbatim.
type ResolveError struct {
	Model  string
	Reason string
}

func (e *ResolveError) Error() string {
	if e.Model == "" {
		return e.Reason
	}
	return fmt.Sprintf("model %q %s", e.Model, e.Reason)
}

// Store is the persistence slice the resolver needs.
type Store interface {
	GetModel(ctx context.Context, id string) (*store.ModelEntry, error)
	ListModels(ctx context.Context, activeOnly bool) ([]store.ModelEntry, error)
	GetSetting(ctx context.Context, key string) (string, error)
}

// Resolver picks and validates models. Env fallbacks are the last resort
// when neither the key nor the settings table names a default.
type Resolver struct {
	store         Store
	fallbackChat  string
	fallbackEmbed string
}

func NewResolver(st Store, fallbackChat, fallbackEmbed string) *Resolver {
	return &Resolver{store: st, fallbackChat: fallbackChat, fallbackEmbed: fallbackEmbed}
}

// Resolve walks the default chain (request, key default, workspace setting,
// env fallback) and validates the winner: it must exist, be active, carry
// the right capability and pass the key's model policy.
func (r *Resolver) Resolve(ctx context.Context, key *store.APIKey, requested string, purpose Purpose) (string, error) {
	id, err := r.pick(ctx, key, requested, purpose)
	if err != nil {
		return "", err
	}
	entry, err := r.store.GetModel(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return "", &ResolveError{Model: id, Reason: "is not in the model catalogue"}
	}
	if err != nil {
		return "", err
	}
	if !entry.Active {
		reason := "is inactive"
		if entry.DeprecatedAt != nil {
			reason = "has been deprecated"
		}
		return "", &ResolveError{Model: id, Reason: reason}
	}
	if purpose == PurposeEmbedding && !entry.Embeddings {
		return "", &ResolveError{Model: id, Reason: "does not support embeddings"}
	}
	if purpose == PurposeChat && entry.Embeddings {
		return "", &ResolveError{Model: id, Reason: "is an embedding model and cannot chat"}
	}
	policy, err := r.GlobalPolicy(ctx)
	if err != nil {
		return "", err
	}
	if !auth.ModelPermitted(key, policy, id) {
		return "", &ResolveError{Model: id, Reason: "is not permitted for this API key"}
	}
	return id, nil
}

// pick returns the first non-empty candidate in precedence order.
func (r *Resolver) pick(ctx context.Context, key *store.APIKey, requested string, purpose Purpose) (string, error) {
	if requested != "" {
		return requested, nil
	}
	settingKey, keyDefault, fallback := SettingDefaultModel, key.DefaultModel, r.fallbackChat
	if purpose == PurposeEmbedding {
		settingKey, keyDefault, fallback = SettingDefaultEmbedModel, key.DefaultEmbeddingModel, r.fallbackEmbed
	}
	if keyDefault != "" {
		return keyDefault, nil
	}
	global, err := r.store.GetSetting(ctx, settingKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if global != "" {
		return global, nil
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", &ResolveError{Reason: "no model requested and no default is configured"}
}

// GlobalPolicy reads the workspace-wide allow and block lists. Absent
// settings mean an empty policy, not an error.
func (r *Resolver) GlobalPolicy(ctx context.Context) (auth.Policy, error) {
	var p auth.Policy
	for _, s := range []struct {
		key  string
		dest *[]string
	}{
		{SettingGlobalAllowlist, &p.AllowModels},
		{SettingGlobalBlocklist, &p.BlockModels},
	} {
		raw, err := r.store.GetSetting(ctx, s.key)
		if errors.Is(err, store.ErrNotFound) || raw == "" {
			continue
		}
		if err != nil {
			return auth.Policy{}, err
		}
		if err := json.Unmarshal([]byte(raw), s.dest); err != nil {
			return auth.Policy{}, fmt.Errorf("setting %s is not a JSON list: %w", s.key, err)
		}
	}
	return p, nil
}

// ListVisible returns the active catalogue filtered by the key's policy.
func (r *Resolver) ListVisible(ctx context.Context, key *store.APIKey) ([]store.ModelEntry, error) {
	entries, err := r.store.ListModels(ctx, true)
	if err != nil {
		return nil, err
	}
	policy, err := r.GlobalPolicy(ctx)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if auth.ModelPermitted(key, policy, e.ID) {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetVisible returns one catalogue entry if the key may see it. A model
// hidden by policy is indistinguishable from a missing one.
func (r *Resolver) GetVisible(ctx context.Context, key *store.APIKey, id string) (*store.ModelEntry, error) {
	entry, err := r.store.GetModel(ctx, id)
	if err != nil {
		return nil, err
	}
	policy, err := r.GlobalPolicy(ctx)
	if err != nil {
		return nil, err
	}
	if !auth.ModelPermitted(key, policy, id) {
		return nil, store.ErrNotFound
	}
	return entry, nil
}

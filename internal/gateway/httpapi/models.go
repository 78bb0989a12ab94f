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

package httpapi

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"cmg/internal/gateway/auth"
	"cmg/internal/gateway/store"
)

type modelPricing struct {
	PromptPer1K     float64 `json:"prompt_per_1k"`
	CompletionPer1K float64 `json:"completion_per_1k"`
}

type modelCapabilities struct {
	ContextLength int  `json:"context_length"`
	Embeddings    bool `json:"embeddings"`
}

type modelPayload struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Description  string            `json:"description,omitempty"`
	Pricing      modelPricing      `json:"pricing"`
	Capabilities modelCapabilities `json:"capabilities"`
	Deprecated   bool              `json:"deprecated"`
	DeprecatedAt *time.Time        `json:"deprecated_at,omitempty"`
}

func modelFromEntry(e store.ModelEntry) modelPayload {
	return modelPayload{
		ID:          e.ID,
		Name:        e.Name,
		Description: e.Description,
		Pricing: modelPricing{
			PromptPer1K:     e.PromptPricePer1K,
			CompletionPer1K: e.CompletionPricePer1K,
		},
		Capabilities: modelCapabilities{
			ContextLength: e.ContextLength,
			Embeddings:    e.Embeddings,
		},
		Deprecated:   e.DeprecatedAt != nil,
		DeprecatedAt: e.DeprecatedAt,
	}
}

// handleListModels returns the catalog filtered by the key's allow and
// block lists.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	key := auth.KeyFrom(r.Context())
	if key == nil {
		s.fail(w, r, auth.ErrNoCredentials)
		return
	}
	entries, err := s.resolver.ListVisible(r.Context(), key)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	models := make([]modelPayload, 0, len(entries))
	for _, e := range entries {
		models = append(models, modelFromEntry(e))
	}
	s.respondPage(w, r, http.StatusOK, map[string]interface{}{"models": models}, &pagination{Total: len(models)})
}

// handleGetModel returns one catalog entry. Model ids contain slashes, so
// the route captures the rest of the path as a wildcard. Entries the key
// cannot see answer 404, same as entries that do not exist.
func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	key := auth.KeyFrom(r.Context())
	if key == nil {
		s.fail(w, r, auth.ErrNoCredentials)
		return
	}
	raw := chi.URLParam(r, "*")
	id, err := url.PathUnescape(raw)
	if err != nil || id == "" {
		s.fail(w, r, badRequestErr("model id is required"))
		return
	}
	entry, err := s.resolver.GetVisible(r.Context(), key, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, modelFromEntry(*entry))
}

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

// Package vector produces and validates item embeddings. Vectors themselves
// live in Postgres through the store package's pgvector columns.
package vector

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"cmg/internal/gateway/upstream"
)

// Embedder turns item text into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// ValidateBackend checks the configured vector backend at startup. Only the
// Postgres backend is linked into this build.
func ValidateBackend(name string) error {
	switch name {
	case "", "pg":
		return nil
	case "qdrant":
		return errors.New("vector backend qdrant is configured but not linked into this build; use pg")
	default:
		return fmt.Errorf("unknown vector backend %q", name)
	}
}

// EmbedClient is the upstream capability the provider-backed embedder needs.
type EmbedClient interface {
	EmbedVectors(ctx context.Context, model string, inputs []string) ([][]float32, upstream.Usage, error)
}

// NewEmbedder builds the configured embedder. The local embedder needs no
// network and exists so the memory engine works without a provider key.
func NewEmbedder(provider string, client EmbedClient, model string) (Embedder, error) {
	switch provider {
	case "", "local":
		return NewLocal(), nil
	case "upstream":
		if client == nil {
			return nil, errors.New("upstream embeddings provider configured without an upstream client")
		}
		if model == "" {
			return nil, errors.New("upstream embeddings provider configured without an embedding model")
		}
		return &Upstream{client: client, model: model}, nil
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", provider)
	}
}

// Upstream delegates to the provider's embeddings endpoint.
type Upstream struct {
	client EmbedClient
	model  string
}

func (u *Upstream) Model() string { return u.model }

func (u *Upstream) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, _, err := u.client.EmbedVectors(ctx, u.model, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("provider returned %d vectors for %d inputs", len(vecs), len(texts))
	}
	return vecs, nil
}

// localDims is the feature-hash width. Small on purpose: the local embedder
// trades recall quality for zero dependencies and full determinism.
const localDims = 64

// Local is a deterministic feature-hashing embedder. The same text always
// produces the same unit vector, on any instance, with no model download.
type Local struct{}

func NewLocal() *Local { return &Local{} }

func (*Local) Model() string { return "local/feature-hash-64" }

func (*Local) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashEmbed(t)
	}
	return out, nil
}

func hashEmbed(text string) []float32 {
	vec := make([]float32, localDims)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		bucket := sum % localDims
		// Top bit picks the sign so collisions partially cancel instead of
		// always accumulating.
		if sum&0x80000000 != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
}

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

package vector

import (
	"context"
	"errors"
	"math"
	"testing"

	"cmg/internal/gateway/upstream"
)

func TestLocalEmbedderIsDeterministic(t *testing.T) {
	l := NewLocal()
	a, err := l.Embed(context.Background(), []string{"switch the cache to Redis"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, _ := l.Embed(context.Background(), []string{"switch the cache to Redis"})
	for i := range a[0] {
		if a[0][i] != b[0][i] {
			t.Fatalf("dim %d differs between runs", i)
		}
	}
}

func TestLocalEmbedderUnitNormAndDims(t *testing.T) {
	l := NewLocal()
	vecs, err := l.Embed(context.Background(), []string{"postgres connection pool exhausted"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	v := vecs[0]
	if len(v) != localDims {
		t.Fatalf("dims = %d, want %d", len(v), localDims)
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Fatalf("norm^2 = %f, want 1", norm)
	}
}

func TestLocalEmbedderEmptyTextIsZeroVector(t *testing.T) {
	l := NewLocal()
	vecs, _ := l.Embed(context.Background(), []string{""})
	for _, x := range vecs[0] {
		if x != 0 {
			t.Fatal("empty text should embed to the zero vector")
		}
	}
}

func TestLocalEmbedderSimilarTextsAreCloser(t *testing.T) {
	l := NewLocal()
	vecs, _ := l.Embed(context.Background(), []string{
		"use postgres for the primary store",
		"postgres is the primary store",
		"the cat sat on the mat",
	})
	near := dot(vecs[0], vecs[1])
	far := dot(vecs[0], vecs[2])
	if near <= far {
		t.Fatalf("related texts scored %f, unrelated %f; want related higher", near, far)
	}
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

type fakeEmbedClient struct {
	vecs [][]float32
	err  error
}

func (f *fakeEmbedClient) EmbedVectors(_ context.Context, _ string, inputs []string) ([][]float32, upstream.Usage, error) {
	if f.err != nil {
		return nil, upstream.Usage{}, f.err
	}
	return f.vecs, upstream.Usage{}, nil
}

func TestUpstreamEmbedderChecksCardinality(t *testing.T) {
	u := &Upstream{client: &fakeEmbedClient{vecs: [][]float32{{1}}}, model: "m"}
	if _, err := u.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("short provider reply must error")
	}
}

func TestUpstreamEmbedderPropagatesFailure(t *testing.T) {
	boom := errors.New("provider down")
	u := &Upstream{client: &fakeEmbedClient{err: boom}, model: "m"}
	if _, err := u.Embed(context.Background(), []string{"a"}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want provider error", err)
	}
}

func TestNewEmbedderSelection(t *testing.T) {
	if e, err := NewEmbedder("local", nil, ""); err != nil || e.Model() != "local/feature-hash-64" {
		t.Fatalf("local = %v, %v", e, err)
	}
	if _, err := NewEmbedder("upstream", nil, "m"); err == nil {
		t.Fatal("upstream without client must fail")
	}
	if e, err := NewEmbedder("upstream", &fakeEmbedClient{}, "openai/text-embedding-3-small"); err != nil || e.Model() != "openai/text-embedding-3-small" {
		t.Fatalf("upstream = %v, %v", e, err)
	}
	if _, err := NewEmbedder("quantum", nil, ""); err == nil {
		t.Fatal("unknown provider must fail")
	}
}

func TestValidateBackend(t *testing.T) {
	if err := ValidateBackend("pg"); err != nil {
		t.Fatalf("pg: %v", err)
	}
	if err := ValidateBackend(""); err != nil {
		t.Fatalf("default: %v", err)
	}
	if err := ValidateBackend("qdrant"); err == nil {
		t.Fatal("qdrant must be a named startup error")
	}
	if err := ValidateBackend("weaviate"); err == nil {
		t.Fatal("unknown backend must fail")
	}
}

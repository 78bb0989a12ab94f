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

// Package tokens estimates token counts for LLM payloads. It prefers a real
// BPE tokenizer (cl100k_base) and degrades to a conservative character
// heuristic when the encoding cannot be loaded, so callers never fail just
// because tokenization is unavailable. Estimates feed budget accounting and
// metering fallback and round up rather than down.
package tokens

import (
	"github.com/pkoukk/tiktoken-go"
)

// Encoder is the minimal tokenizer surface we need. *tiktoken.Tiktoken
// satisfies it; tests may inject a fake.
type Encoder interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
}

// Estimator counts tokens with an optional real encoder.
// The zero value is usable and always takes the heuristic path.
type Estimator struct {
	enc Encoder
}

// NewEstimator returns an estimator backed by the cl100k_base encoding when
// it is loadable, and the heuristic otherwise. Loading can fail in offline
// environments where the encoding files are not cached; that is not an error
// for callers.
func NewEstimator() *Estimator {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &Estimator{}
	}
	return &Estimator{enc: enc}
}

// NewEstimatorWithEncoder builds an estimator around a caller-supplied encoder.
func NewEstimatorWithEncoder(enc Encoder) *Estimator {
	return &Estimator{enc: enc}
}

// Count returns the estimated token count for text. An empty string costs
// zero. With no encoder available the heuristic is max(10, ceil(len/4)):
// roughly four characters per token, floored at ten so that short payloads
// are never metered as free.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if e != nil && e.enc != nil {
		return len(e.enc.Encode(text, nil, nil))
	}
	n := (len(text) + 3) / 4
	if n < 10 {
		n = 10
	}
	return n
}

// CountAll sums Count over every text.
func (e *Estimator) CountAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += e.Count(t)
	}
	return total
}

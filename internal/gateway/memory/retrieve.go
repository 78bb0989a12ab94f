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

package memory

import (
	"math"
	"strings"
	"time"

	"cmg/internal/gateway/store"
	"cmg/pkg/tokens"
)

// Selection defaults. MaxItems tracks MAX_CONTEXT_ITEMS; Budget tracks
// DEFAULT_TOKEN_BUDGET.
const (
	DefaultTokenBudget = 8000
	DefaultMaxItems    = 50

	recencyTau    = 14.0
	minItemTokens = 10
)

// Item is a tagged variant over the three stored families. Exactly one
// field is set.
type Item struct {
	Semantic *store.SemanticItem
	Episodic *store.EpisodicItem
	Artifact *store.Artifact
}

// SemanticItemOf wraps a semantic item as a retrieval candidate.
func SemanticItemOf(it *store.SemanticItem) Item { return Item{Semantic: it} }

// EpisodicItemOf wraps an episodic item as a retrieval candidate.
func EpisodicItemOf(it *store.EpisodicItem) Item { return Item{Episodic: it} }

// ArtifactOf wraps an artifact as a retrieval candidate.
func ArtifactOf(a *store.Artifact) Item { return Item{Artifact: a} }

// Scored is the uniform projection scoring reads, regardless of which
// family produced it. Degree starts from the item's own link or neighbor
// count; Select adds the edge-table degree supplied by the caller.
type Scored struct {
	ID         string
	Kind       string
	Status     string
	Title      string
	Body       string
	Ref        string
	Salience   float64
	Clicks     int
	Refs       int
	Expansions int
	Degree     int
	Embedding  []float32
	CreatedAt  time.Time
}

// View projects the variant onto the fields scoring needs.
func (it Item) View() Scored {
	switch {
	case it.Semantic != nil:
		s := it.Semantic
		return Scored{
			ID: s.ID, Kind: s.Kind, Status: s.Status, Title: s.Title, Body: s.Body,
			Salience: s.Salience, Clicks: s.Clicks, Refs: s.Refs, Expansions: s.Expansions,
			Degree: len(s.Links), Embedding: s.Embedding, CreatedAt: s.CreatedAt,
		}
	case it.Episodic != nil:
		e := it.Episodic
		return Scored{
			ID: e.ID, Kind: e.Kind, Title: e.Title, Body: e.Body,
			Salience: e.Salience, Clicks: e.Clicks, Refs: e.Refs, Expansions: e.Expansions,
			Embedding: e.Embedding, CreatedAt: e.CreatedAt,
		}
	case it.Artifact != nil:
		a := it.Artifact
		return Scored{
			ID: a.ID, Kind: "artifact", Title: a.Ref, Body: a.Ref, Ref: a.Ref,
			Salience: 0.4, Refs: a.Refs, Degree: len(a.Neighbors), CreatedAt: a.CreatedAt,
		}
	}
	return Scored{}
}

// Purpose is the retrieval query: free text plus an optional embedding.
type Purpose struct {
	Text      string
	Embedding []float32
	terms     map[string]struct{}
}

// NewPurpose precomputes the term set used by the overlap fallback.
func NewPurpose(text string, embedding []float32) Purpose {
	return Purpose{Text: text, Embedding: embedding, terms: wordSet(text)}
}

func (p Purpose) blank() bool {
	return strings.TrimSpace(p.Text) == "" && len(p.Embedding) == 0
}

// Signals are the normalised scoring inputs for one candidate.
type Signals struct {
	TaskRel       float64
	Decision      float64
	Recency       float64
	GraphDegree   float64
	FailureImpact float64
	UsageFreq     float64
	Redundancy    float64
}

// Weights mix the signals into a score; Redundancy subtracts.
type Weights struct {
	TaskRel       float64
	Decision      float64
	Recency       float64
	GraphDegree   float64
	FailureImpact float64
	UsageFreq     float64
	Redundancy    float64
}

// DefaultWeights is the production scoring mix.
var DefaultWeights = Weights{
	TaskRel:       0.28,
	Decision:      0.22,
	Recency:       0.16,
	GraphDegree:   0.12,
	FailureImpact: 0.12,
	UsageFreq:     0.08,
	Redundancy:    0.06,
}

func (w Weights) score(sig Signals) float64 {
	return w.TaskRel*sig.TaskRel +
		w.Decision*sig.Decision +
		w.Recency*sig.Recency +
		w.GraphDegree*sig.GraphDegree +
		w.FailureImpact*sig.FailureImpact +
		w.UsageFreq*sig.UsageFreq -
		w.Redundancy*sig.Redundancy
}

// Options tune one selection pass. Zero values fall back to defaults.
type Options struct {
	Budget    int
	MaxItems  int
	Now       time.Time
	Estimator *tokens.Estimator
	Weights   *Weights
}

// Picked is one selected candidate with its final score breakdown.
type Picked struct {
	View    Scored
	Score   float64
	Signals Signals
	Tokens  int
}

// Selection is an ordered pick list and its summed token estimate.
type Selection struct {
	Picked        []Picked
	TokenEstimate int
}

type candidate struct {
	view   Scored
	terms  map[string]struct{}
	sig    Signals
	static float64
	tokens int
}

// Select greedily picks the highest-scoring candidates, recomputing the
// redundancy penalty against the picks so far on every round. The summed
// token estimate never exceeds the budget: a too-large best candidate is
// passed over so smaller ones can still fill the gap, and selection stops
// once even an item under a tenth of the budget no longer fits. With a
// blank purpose the score collapses to recency, leaving order to
// (recency, salience).
func Select(items []Item, degrees map[string]int, purpose Purpose, opts Options) Selection {
	budget := opts.Budget
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	weights := DefaultWeights
	if opts.Weights != nil {
		weights = *opts.Weights
	}
	recencyOnly := purpose.blank()

	pool := make([]*candidate, 0, len(items))
	maxDegree := 0
	maxUsage := 0.0
	for _, it := range items {
		v := it.View()
		v.Degree += degrees[v.ID]
		if v.Degree > maxDegree {
			maxDegree = v.Degree
		}
		if u := usageRaw(v); u > maxUsage {
			maxUsage = u
		}
		pool = append(pool, &candidate{view: v, terms: wordSet(v.Title + " " + v.Body)})
	}
	for _, c := range pool {
		c.sig = staticSignals(c.view, c.terms, purpose, now, maxDegree, maxUsage)
		if recencyOnly {
			c.static = c.sig.Recency
		} else {
			c.static = weights.score(c.sig)
		}
		c.tokens = itemTokens(opts.Estimator, c.view)
	}

	var picked []Picked
	var chosen []*candidate
	total := 0
	smallLimit := budget / 10

	for len(pool) > 0 && len(picked) < maxItems {
		best := -1
		var bestScore float64
		var bestSig Signals
		for i, c := range pool {
			sig := c.sig
			score := c.static
			if !recencyOnly && len(chosen) > 0 {
				sig.Redundancy = redundancyAgainst(c, chosen)
				score = c.static - weights.Redundancy*sig.Redundancy
			}
			if best < 0 || betterPick(score, c, bestScore, pool[best]) {
				best, bestScore, bestSig = i, score, sig
			}
		}
		c := pool[best]
		if c.tokens > budget-total {
			if c.tokens >= smallLimit && smallLimit > 0 {
				pool = append(pool[:best], pool[best+1:]...)
				continue
			}
			break
		}
		picked = append(picked, Picked{View: c.view, Score: bestScore, Signals: bestSig, Tokens: c.tokens})
		chosen = append(chosen, c)
		total += c.tokens
		pool = append(pool[:best], pool[best+1:]...)
	}
	return Selection{Picked: picked, TokenEstimate: total}
}

func betterPick(score float64, c *candidate, bestScore float64, best *candidate) bool {
	if score != bestScore {
		return score > bestScore
	}
	if c.view.Salience != best.view.Salience {
		return c.view.Salience > best.view.Salience
	}
	if !c.view.CreatedAt.Equal(best.view.CreatedAt) {
		return c.view.CreatedAt.After(best.view.CreatedAt)
	}
	return c.view.ID < best.view.ID
}

func staticSignals(v Scored, terms map[string]struct{}, p Purpose, now time.Time, maxDegree int, maxUsage float64) Signals {
	var sig Signals
	sig.TaskRel = taskRelevance(p, v, terms)
	if v.Kind == KindDecision && (v.Status == StatusAccepted || v.Status == StatusActive) {
		sig.Decision = 1
	}
	ageDays := now.Sub(v.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	sig.Recency = math.Exp(-ageDays / recencyTau)
	if maxDegree > 0 {
		sig.GraphDegree = float64(v.Degree) / float64(maxDegree)
	}
	if v.Kind == KindIncident || v.Kind == KindTestFailure {
		sig.FailureImpact = 1
	}
	if maxUsage > 0 {
		sig.UsageFreq = math.Log1p(usageRaw(v)) / math.Log1p(maxUsage)
	}
	return sig
}

func usageRaw(v Scored) float64 {
	return float64(v.Clicks + 2*v.Refs + v.Expansions)
}

func taskRelevance(p Purpose, v Scored, terms map[string]struct{}) float64 {
	if len(p.Embedding) > 0 && len(v.Embedding) > 0 {
		return clampUnit(cosine(p.Embedding, v.Embedding))
	}
	return jaccard(p.terms, terms)
}

// redundancyAgainst is the max pairwise similarity to anything selected.
func redundancyAgainst(c *candidate, chosen []*candidate) float64 {
	redundancy := 0.0
	for _, sel := range chosen {
		if sim := pairSimilarity(c, sel); sim > redundancy {
			redundancy = sim
		}
	}
	return redundancy
}

func pairSimilarity(a, b *candidate) float64 {
	if len(a.view.Embedding) > 0 && len(b.view.Embedding) > 0 {
		return clampUnit(cosine(a.view.Embedding, b.view.Embedding))
	}
	return jaccard(a.terms, b.terms)
}

func itemTokens(est *tokens.Estimator, v Scored) int {
	text := v.Title
	if v.Body != "" && v.Body != v.Title {
		text = v.Title + "\n" + v.Body
	}
	n := est.Count(text)
	if n < minItemTokens {
		n = minItemTokens
	}
	return n
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	if inter == 0 {
		return 0
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / math.Sqrt(na*nb)
}

func clampUnit(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

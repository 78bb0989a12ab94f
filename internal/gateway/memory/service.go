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

// Package memory is the context-memory engine: it extracts semantic and
// episodic items plus code artifacts from raw materials, consolidates them
// into per-thread graphs, and selects budgeted working sets for a stated
// purpose. All identifiers are content-derived, so ingesting the same
// materials twice converges instead of duplicating.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cmg/internal/gateway/store"
	"cmg/internal/gateway/telemetry"
	"cmg/internal/gateway/vector"
	"cmg/pkg/tokens"
)

// Typed failures the HTTP layer maps onto envelope codes.
var (
	ErrBadItemID = errors.New("memory: item id must be S<hex>, E<hex> or CODE:<path>#L<start>-L<end>")
	ErrBadSignal = errors.New("memory: feedback signal must be useful, not_useful, click or reference")
)

// Feedback signals and the salience deltas they apply. The useful pair
// scales with the caller-supplied value multiplier; click and reference
// also bump the matching usage counter.
const (
	SignalUseful    = "useful"
	SignalNotUseful = "not_useful"
	SignalClick     = "click"
	SignalReference = "reference"
)

const embeddingBatchSize = 50

// Store is the persistence surface the engine needs.
type Store interface {
	EnsureThread(ctx context.Context, id, workspace string) error
	GetThread(ctx context.Context, id string) (*store.Thread, error)

	ListSemanticByThread(ctx context.Context, threadID string) ([]store.SemanticItem, error)
	ListEpisodicByThread(ctx context.Context, threadID string) ([]store.EpisodicItem, error)
	ListArtifactsByThread(ctx context.Context, threadID string) ([]store.Artifact, error)

	InsertSemanticItem(ctx context.Context, it *store.SemanticItem) error
	UpdateSemanticItem(ctx context.Context, it *store.SemanticItem) error
	InsertEpisodicItem(ctx context.Context, it *store.EpisodicItem) (bool, error)
	InsertArtifact(ctx context.Context, a *store.Artifact) error
	UpdateArtifact(ctx context.Context, a *store.Artifact) error
	InsertEdges(ctx context.Context, edges []store.Edge) error
	EdgesTouching(ctx context.Context, ids []string) ([]store.Edge, error)

	GetSemanticScoped(ctx context.Context, workspace, id string) (*store.SemanticItem, error)
	GetEpisodicScoped(ctx context.Context, workspace, id string) (*store.EpisodicItem, error)
	FindArtifactScoped(ctx context.Context, workspace, ref string) (*store.Artifact, error)

	TouchItems(ctx context.Context, ids []string) error
	ApplyFeedback(ctx context.Context, id string, salienceDelta float64, counter string) error
	IncrementArtifactRefs(ctx context.Context, ids []string) error
}

// JobQueue enqueues background work; the jobs package provides it.
type JobQueue interface {
	Enqueue(ctx context.Context, jobType string, params map[string]interface{}, queue string, timeout time.Duration) (string, error)
}

// EventSink appends audit events; the events package provides it. Key and
// request identity travel in the context.
type EventSink interface {
	Record(ctx context.Context, kind, workspace string, payload map[string]interface{})
}

// RehearsalKV records rehearsal intent; the kv client provides it.
type RehearsalKV interface {
	ZAdd(ctx context.Context, key string, score float64, member string) error
}

// Deps wires the engine at startup. Queue, Events and KV may be nil; the
// engine degrades to synchronous-only operation without them.
type Deps struct {
	Store     Store
	Embedder  vector.Embedder
	Estimator *tokens.Estimator
	Queue     JobQueue
	Events    EventSink
	KV        RehearsalKV
	Logger    zerolog.Logger

	DefaultTokenBudget int
	MaxContextItems    int
}

// Service orchestrates ingestion, recall, working sets, expansion and
// feedback over one relational store.
type Service struct {
	store    Store
	embedder vector.Embedder
	est      *tokens.Estimator
	queue    JobQueue
	events   EventSink
	kv       RehearsalKV
	logger   zerolog.Logger
	budget   int
	maxItems int
}

// NewService builds the engine from its wired dependencies.
func NewService(d Deps) *Service {
	budget := d.DefaultTokenBudget
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	maxItems := d.MaxContextItems
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	return &Service{
		store:    d.Store,
		embedder: d.Embedder,
		est:      d.Estimator,
		queue:    d.Queue,
		events:   d.Events,
		kv:       d.KV,
		logger:   d.Logger,
		budget:   budget,
		maxItems: maxItems,
	}
}

// IngestResult reports what one batch of materials changed.
type IngestResult struct {
	ThreadID   string   `json:"thread_id"`
	AddedIDs   []string `json:"added_ids"`
	UpdatedIDs []string `json:"updated_ids"`
	Summary    string   `json:"summary"`
}

// Ingest extracts, consolidates and persists one batch of materials into
// the thread. Persistence is per-item: a failed write is logged and skipped
// so the result reflects only what actually landed.
func (s *Service) Ingest(ctx context.Context, workspace, threadID string, mats Materials) (*IngestResult, error) {
	res := &IngestResult{ThreadID: threadID, AddedIDs: []string{}, UpdatedIDs: []string{}}
	if mats.Empty() {
		res.Summary = "nothing to ingest"
		return res, nil
	}

	if err := s.store.EnsureThread(ctx, threadID, workspace); err != nil {
		return nil, err
	}
	if _, err := s.thread(ctx, workspace, threadID); err != nil {
		return nil, err
	}

	ext := Extract(threadID, mats)
	snap, err := s.snapshot(ctx, threadID)
	if err != nil {
		return nil, err
	}
	plan := Consolidate(snap, ext)

	var embedIDs []string
	for i := range plan.AddSemantic {
		it := plan.AddSemantic[i]
		if err := s.store.InsertSemanticItem(ctx, &it); err != nil {
			s.logger.Error().Err(err).Str("item", it.ID).Msg("ingest: semantic insert failed")
			continue
		}
		res.AddedIDs = append(res.AddedIDs, it.ID)
		embedIDs = append(embedIDs, it.ID)
		telemetry.RecordItem(it.Kind, "added")
	}
	for i := range plan.UpdateSemantic {
		it := plan.UpdateSemantic[i]
		if err := s.store.UpdateSemanticItem(ctx, &it); err != nil {
			s.logger.Error().Err(err).Str("item", it.ID).Msg("ingest: semantic update failed")
			continue
		}
		res.UpdatedIDs = append(res.UpdatedIDs, it.ID)
		telemetry.RecordItem(it.Kind, "updated")
	}
	for i := range plan.AddEpisodic {
		it := plan.AddEpisodic[i]
		inserted, err := s.store.InsertEpisodicItem(ctx, &it)
		if err != nil {
			s.logger.Error().Err(err).Str("item", it.ID).Msg("ingest: episodic insert failed")
			continue
		}
		if !inserted {
			telemetry.RecordItem(it.Kind, "skipped")
			continue
		}
		res.AddedIDs = append(res.AddedIDs, it.ID)
		embedIDs = append(embedIDs, it.ID)
		telemetry.RecordItem(it.Kind, "added")
	}
	for i := range plan.AddArtifacts {
		a := plan.AddArtifacts[i]
		if err := s.store.InsertArtifact(ctx, &a); err != nil {
			s.logger.Error().Err(err).Str("artifact", a.Ref).Msg("ingest: artifact insert failed")
			continue
		}
		res.AddedIDs = append(res.AddedIDs, a.ID)
		telemetry.RecordItem("artifact", "added")
	}
	for i := range plan.UpdateArtifacts {
		a := plan.UpdateArtifacts[i]
		if err := s.store.UpdateArtifact(ctx, &a); err != nil {
			s.logger.Error().Err(err).Str("artifact", a.Ref).Msg("ingest: artifact update failed")
			continue
		}
		res.UpdatedIDs = append(res.UpdatedIDs, a.ID)
		telemetry.RecordItem("artifact", "updated")
	}
	if err := s.store.InsertEdges(ctx, plan.Edges); err != nil {
		s.logger.Error().Err(err).Int("edges", len(plan.Edges)).Msg("ingest: edge insert failed")
	}

	s.enqueueEmbeddings(ctx, embedIDs)
	res.Summary = summaryLine(len(res.AddedIDs), len(res.UpdatedIDs))
	s.event(ctx, "ingest", workspace, map[string]interface{}{
		"thread_id": threadID,
		"added":     len(res.AddedIDs),
		"updated":   len(res.UpdatedIDs),
	})
	return res, nil
}

// RecallResult is the selection for one purpose: focus items with bodies,
// their ids, artifact refs and the summed token estimate.
type RecallResult struct {
	ThreadID      string      `json:"thread_id"`
	Globals       Globals     `json:"globals"`
	Focus         []FocusItem `json:"focus"`
	FocusIDs      []string    `json:"focus_ids"`
	ArtifactRefs  []string    `json:"artifact_refs"`
	TokenEstimate int         `json:"token_estimate"`

	picks []Picked
}

// FocusItem is one selected context item.
type FocusItem struct {
	ID    string  `json:"id"`
	Kind  string  `json:"kind"`
	Title string  `json:"title"`
	Body  string  `json:"body"`
	Score float64 `json:"score"`
}

// Recall scores the thread's items against the purpose and selects within
// the token budget. Selected items get their access time touched.
func (s *Service) Recall(ctx context.Context, workspace, threadID, purpose string, budget int) (*RecallResult, error) {
	start := time.Now()
	th, err := s.thread(ctx, workspace, threadID)
	if err != nil {
		return nil, err
	}

	items, degrees, err := s.candidates(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if budget <= 0 {
		budget = s.budget
	}
	sel := Select(items, degrees, s.purposeOf(ctx, purpose), Options{
		Budget:    budget,
		MaxItems:  s.maxItems,
		Estimator: s.est,
	})

	res := &RecallResult{
		ThreadID:      threadID,
		Globals:       Globals{Mission: th.Mission, Constraints: th.Constraints},
		Focus:         []FocusItem{},
		FocusIDs:      []string{},
		ArtifactRefs:  []string{},
		TokenEstimate: sel.TokenEstimate,
		picks:         sel.Picked,
	}
	var touched []string
	for _, p := range sel.Picked {
		if p.View.Ref != "" {
			res.ArtifactRefs = append(res.ArtifactRefs, p.View.Ref)
			continue
		}
		res.Focus = append(res.Focus, FocusItem{
			ID: p.View.ID, Kind: p.View.Kind, Title: p.View.Title, Body: p.View.Body, Score: p.Score,
		})
		res.FocusIDs = append(res.FocusIDs, p.View.ID)
		touched = append(touched, p.View.ID)
	}
	if err := s.store.TouchItems(ctx, touched); err != nil {
		s.logger.Warn().Err(err).Msg("recall: access touch failed")
	}
	s.event(ctx, "retrieval", workspace, map[string]interface{}{
		"thread_id": threadID,
		"selected":  len(sel.Picked),
		"tokens":    sel.TokenEstimate,
	})
	telemetry.ObserveRetrieval(time.Since(start))
	return res, nil
}

// WorkingSet assembles the structured context object. With explicit focus
// ids it shapes exactly those items; otherwise it runs a recall for the
// purpose first.
func (s *Service) WorkingSet(ctx context.Context, workspace, threadID, purpose string, focusIDs []string, budget int) (*WorkingSet, error) {
	th, err := s.thread(ctx, workspace, threadID)
	if err != nil {
		return nil, err
	}
	globals := Globals{Mission: th.Mission, Constraints: th.Constraints}

	var picks []Picked
	if len(focusIDs) > 0 {
		picks, err = s.picksFor(ctx, workspace, threadID, purpose, focusIDs)
	} else {
		var rec *RecallResult
		rec, err = s.Recall(ctx, workspace, threadID, purpose, s.budget)
		if rec != nil {
			picks = rec.picks
		}
	}
	if err != nil {
		return nil, err
	}
	// The recall branch records its own event; the explicit-focus read
	// needs one of its own.
	if len(focusIDs) > 0 {
		s.event(ctx, "retrieval", workspace, map[string]interface{}{
			"thread_id": threadID,
			"selected":  len(picks),
		})
	}
	ws := BuildWorkingSet(globals, picks, budget)
	return &ws, nil
}

// Expansion is the full form of one item.
type Expansion struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Status    string    `json:"status,omitempty"`
	Source    string    `json:"source,omitempty"`
	Ref       string    `json:"ref,omitempty"`
	Role      string    `json:"role,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Links     []string  `json:"links,omitempty"`
	Neighbors []string  `json:"neighbors,omitempty"`
	Salience  float64   `json:"salience,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RawText is the plain-text form served by the raw expand variant.
func (e *Expansion) RawText() string {
	if e.Type == "artifact" {
		return e.Ref
	}
	if e.Body != "" {
		return e.Body
	}
	return e.Title
}

// Expand resolves one id to its full item. S and E ids must be well formed;
// CODE refs must parse. A hit counts as an expansion for usage scoring.
func (s *Service) Expand(ctx context.Context, workspace, id string) (*Expansion, error) {
	var exp *Expansion
	switch {
	case strings.HasPrefix(id, ArtifactRefPrefix):
		if _, _, _, err := ParseArtifactRef(id); err != nil {
			return nil, ErrBadItemID
		}
		a, err := s.store.FindArtifactScoped(ctx, workspace, id)
		if err != nil {
			return nil, err
		}
		if err := s.store.IncrementArtifactRefs(ctx, []string{a.ID}); err != nil {
			s.logger.Warn().Err(err).Str("artifact", a.Ref).Msg("expand: ref count not bumped")
		}
		exp = &Expansion{
			ID: a.Ref, Type: "artifact", Kind: "artifact", Title: a.Ref,
			Ref: a.Ref, Role: a.Role, Neighbors: a.Neighbors, CreatedAt: a.CreatedAt,
		}
	case ValidItemID(id) && id[0] == 'S':
		it, err := s.store.GetSemanticScoped(ctx, workspace, id)
		if err != nil {
			return nil, err
		}
		s.bumpExpansions(ctx, id)
		exp = &Expansion{
			ID: it.ID, Type: "semantic", Kind: it.Kind, Title: it.Title, Body: it.Body,
			Status: it.Status, Tags: it.Tags, Links: it.Links, Salience: it.Salience,
			CreatedAt: it.CreatedAt,
		}
	case ValidItemID(id) && id[0] == 'E':
		it, err := s.store.GetEpisodicScoped(ctx, workspace, id)
		if err != nil {
			return nil, err
		}
		s.bumpExpansions(ctx, id)
		exp = &Expansion{
			ID: it.ID, Type: "episodic", Kind: it.Kind, Title: it.Title, Body: it.Body,
			Source: it.Source, Salience: it.Salience, CreatedAt: it.CreatedAt,
		}
	default:
		return nil, ErrBadItemID
	}
	s.event(ctx, "retrieval", workspace, map[string]interface{}{"item_id": id})
	return exp, nil
}

// FeedbackRequest applies one signal to one item. Value scales the useful
// and not_useful deltas and defaults to 1.
type FeedbackRequest struct {
	ItemID string
	Signal string
	Value  float64
}

// Feedback adjusts salience and usage counters. A useful signal also
// records rehearsal intent for the item's thread.
func (s *Service) Feedback(ctx context.Context, workspace string, req FeedbackRequest) error {
	delta, counter, err := feedbackEffect(req.Signal, req.Value)
	if err != nil {
		return err
	}

	switch {
	case strings.HasPrefix(req.ItemID, ArtifactRefPrefix):
		a, err := s.store.FindArtifactScoped(ctx, workspace, req.ItemID)
		if err != nil {
			return err
		}
		if counter != "" {
			if err := s.store.IncrementArtifactRefs(ctx, []string{a.ID}); err != nil {
				return err
			}
		}
	case ValidItemID(req.ItemID):
		threadID, err := s.itemThread(ctx, workspace, req.ItemID)
		if err != nil {
			return err
		}
		if err := s.store.ApplyFeedback(ctx, req.ItemID, delta, counter); err != nil {
			return err
		}
		if req.Signal == SignalUseful {
			s.scheduleRehearsal(ctx, threadID, req.ItemID)
		}
	default:
		return ErrBadItemID
	}

	s.event(ctx, "feedback", workspace, map[string]interface{}{
		"item_id": req.ItemID,
		"signal":  req.Signal,
		"delta":   delta,
	})
	return nil
}

func feedbackEffect(signal string, value float64) (delta float64, counter string, err error) {
	if value <= 0 {
		value = 1
	}
	switch signal {
	case SignalUseful:
		return 0.10 * value, "", nil
	case SignalNotUseful:
		return -0.10 * value, "", nil
	case SignalClick:
		return 0.02, "clicks", nil
	case SignalReference:
		return 0.05, "refs", nil
	}
	return 0, "", ErrBadSignal
}

// scheduleRehearsal records that the item deserves a future rehearsal pass.
// Nothing consumes the set yet; the rehearsal algorithm is undecided, so
// only the intent is durable.
func (s *Service) scheduleRehearsal(ctx context.Context, threadID, itemID string) {
	if s.kv == nil {
		return
	}
	if err := s.kv.ZAdd(ctx, "rehearsal:"+threadID, float64(time.Now().Unix()), itemID); err != nil {
		s.logger.Warn().Err(err).Str("item", itemID).Msg("rehearsal intent not recorded")
	}
}

func (s *Service) bumpExpansions(ctx context.Context, id string) {
	if err := s.store.ApplyFeedback(ctx, id, 0, "expansions"); err != nil {
		s.logger.Warn().Err(err).Str("item", id).Msg("expand: expansion count not bumped")
	}
}

func (s *Service) thread(ctx context.Context, workspace, threadID string) (*store.Thread, error) {
	th, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if th.Workspace != workspace {
		return nil, store.ErrNotFound
	}
	return th, nil
}

func (s *Service) itemThread(ctx context.Context, workspace, id string) (string, error) {
	if id[0] == 'S' {
		it, err := s.store.GetSemanticScoped(ctx, workspace, id)
		if err != nil {
			return "", err
		}
		return it.ThreadID, nil
	}
	it, err := s.store.GetEpisodicScoped(ctx, workspace, id)
	if err != nil {
		return "", err
	}
	return it.ThreadID, nil
}

func (s *Service) snapshot(ctx context.Context, threadID string) (Snapshot, error) {
	sem, err := s.store.ListSemanticByThread(ctx, threadID)
	if err != nil {
		return Snapshot{}, err
	}
	epi, err := s.store.ListEpisodicByThread(ctx, threadID)
	if err != nil {
		return Snapshot{}, err
	}
	arts, err := s.store.ListArtifactsByThread(ctx, threadID)
	if err != nil {
		return Snapshot{}, err
	}
	return SnapshotOf(sem, epi, arts), nil
}

func (s *Service) candidates(ctx context.Context, threadID string) ([]Item, map[string]int, error) {
	sem, err := s.store.ListSemanticByThread(ctx, threadID)
	if err != nil {
		return nil, nil, err
	}
	epi, err := s.store.ListEpisodicByThread(ctx, threadID)
	if err != nil {
		return nil, nil, err
	}
	arts, err := s.store.ListArtifactsByThread(ctx, threadID)
	if err != nil {
		return nil, nil, err
	}

	items := make([]Item, 0, len(sem)+len(epi)+len(arts))
	ids := make([]string, 0, len(sem)+len(epi)+len(arts))
	for i := range sem {
		items = append(items, SemanticItemOf(&sem[i]))
		ids = append(ids, sem[i].ID)
	}
	for i := range epi {
		items = append(items, EpisodicItemOf(&epi[i]))
		ids = append(ids, epi[i].ID)
	}
	for i := range arts {
		items = append(items, ArtifactOf(&arts[i]))
		ids = append(ids, arts[i].ID)
	}
	return items, s.degreesOf(ctx, ids), nil
}

// degreesOf folds edge rows into a per-id degree count. Edge lookup
// failures degrade to link-count-only scoring instead of failing recall.
func (s *Service) degreesOf(ctx context.Context, ids []string) map[string]int {
	degrees := make(map[string]int)
	edges, err := s.store.EdgesTouching(ctx, ids)
	if err != nil {
		s.logger.Warn().Err(err).Msg("recall: edge degrees unavailable")
		return degrees
	}
	for _, e := range edges {
		degrees[e.SrcID]++
		degrees[e.DstID]++
	}
	return degrees
}

// picksFor scores an explicit focus list for ordering. Ids that are
// missing, foreign or malformed are skipped rather than failing the build.
func (s *Service) picksFor(ctx context.Context, workspace, threadID, purpose string, focusIDs []string) ([]Picked, error) {
	var items []Item
	var ids []string
	for _, id := range focusIDs {
		switch {
		case strings.HasPrefix(id, ArtifactRefPrefix):
			a, err := s.store.FindArtifactScoped(ctx, workspace, id)
			if err != nil || a.ThreadID != threadID {
				continue
			}
			items = append(items, ArtifactOf(a))
			ids = append(ids, a.ID)
		case ValidItemID(id) && id[0] == 'S':
			it, err := s.store.GetSemanticScoped(ctx, workspace, id)
			if err != nil || it.ThreadID != threadID {
				continue
			}
			items = append(items, SemanticItemOf(it))
			ids = append(ids, it.ID)
		case ValidItemID(id) && id[0] == 'E':
			it, err := s.store.GetEpisodicScoped(ctx, workspace, id)
			if err != nil || it.ThreadID != threadID {
				continue
			}
			items = append(items, EpisodicItemOf(it))
			ids = append(ids, it.ID)
		}
	}
	sel := Select(items, s.degreesOf(ctx, ids), s.purposeOf(ctx, purpose), Options{
		Budget:    s.budget,
		MaxItems:  len(items),
		Estimator: s.est,
	})
	return sel.Picked, nil
}

// purposeOf embeds the purpose text when an embedder is wired; an embed
// failure falls back to term overlap rather than failing recall.
func (s *Service) purposeOf(ctx context.Context, text string) Purpose {
	if strings.TrimSpace(text) == "" {
		return NewPurpose("", nil)
	}
	if s.embedder != nil {
		vecs, err := s.embedder.Embed(ctx, []string{text})
		if err == nil && len(vecs) == 1 {
			return NewPurpose(text, vecs[0])
		}
		if err != nil {
			s.logger.Warn().Err(err).Msg("recall: purpose embedding failed, using term overlap")
		}
	}
	return NewPurpose(text, nil)
}

func (s *Service) enqueueEmbeddings(ctx context.Context, ids []string) {
	if s.queue == nil || len(ids) == 0 {
		return
	}
	for start := 0; start < len(ids); start += embeddingBatchSize {
		end := start + embeddingBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		params := map[string]interface{}{"ids": batch}
		if _, err := s.queue.Enqueue(ctx, "embedding_batch", params, "embeddings", 0); err != nil {
			s.logger.Warn().Err(err).Int("items", len(batch)).Msg("embedding batch not enqueued")
		}
	}
}

func (s *Service) event(ctx context.Context, kind, workspace string, payload map[string]interface{}) {
	if s.events != nil {
		s.events.Record(ctx, kind, workspace, payload)
	}
}

func summaryLine(added, updated int) string {
	switch {
	case added == 0 && updated == 0:
		return "no changes"
	case updated == 0:
		return fmt.Sprintf("%d added", added)
	case added == 0:
		return fmt.Sprintf("%d updated", updated)
	default:
		return fmt.Sprintf("%d added, %d updated", added, updated)
	}
}

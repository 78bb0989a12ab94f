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
	"reflect"
	"testing"

	"cmg/internal/gateway/store"
)

func TestConsolidateAddsIntoEmptyThread(t *testing.T) {
	ext := Extract("th-1", Materials{Chat: []ChatTurn{
		{Role: "user", Content: "We decided to use Postgres for the ledger. See store/ledger.go#L10-L20."},
	}})
	plan := Consolidate(SnapshotOf(nil, nil, nil), ext)

	if len(plan.AddSemantic) != 1 || len(plan.AddEpisodic) != 1 || len(plan.AddArtifacts) != 1 {
		t.Fatalf("plan = %+v", plan)
	}
	if len(plan.UpdateSemantic) != 0 || len(plan.UpdateArtifacts) != 0 {
		t.Fatalf("nothing should be updated on first contact: %+v", plan)
	}
	if len(plan.AddedIDs) != 3 || len(plan.UpdatedIDs) != 0 {
		t.Fatalf("added=%v updated=%v", plan.AddedIDs, plan.UpdatedIDs)
	}
	if len(plan.Edges) == 0 {
		t.Fatalf("extraction edges should pass through")
	}
}

func TestConsolidateMergesSemanticByIdentity(t *testing.T) {
	cur := store.SemanticItem{
		ID: "S0123456789ab", ThreadID: "th", Kind: KindDecision,
		Title: "Use Postgres", NormTitle: "use postgres",
		Body: "Use Postgres", Status: StatusProvisional,
		Tags: []string{"postgres"}, Salience: 0.6,
	}
	cand := cur
	cand.Body = "Use Postgres because pgvector covers similarity search"
	cand.Status = StatusAccepted
	cand.Tags = []string{"postgres", "sql"}
	cand.Salience = 0.8

	plan := Consolidate(
		SnapshotOf([]store.SemanticItem{cur}, nil, nil),
		Extraction{Semantic: []store.SemanticItem{cand}},
	)
	if len(plan.AddSemantic) != 0 || len(plan.UpdateSemantic) != 1 {
		t.Fatalf("plan = %+v", plan)
	}
	merged := plan.UpdateSemantic[0]
	if merged.Body != cand.Body {
		t.Fatalf("body = %q, want the longer superset", merged.Body)
	}
	if !reflect.DeepEqual(merged.Tags, []string{"postgres", "sql"}) {
		t.Fatalf("tags = %v", merged.Tags)
	}
	if merged.Salience != 0.8 || merged.Status != StatusAccepted {
		t.Fatalf("salience=%v status=%s", merged.Salience, merged.Status)
	}
	if !reflect.DeepEqual(plan.UpdatedIDs, []string{cur.ID}) {
		t.Fatalf("updated ids = %v", plan.UpdatedIDs)
	}
}

func TestConsolidateNeverDemotes(t *testing.T) {
	cur := store.SemanticItem{
		ID: "S0123456789ab", Kind: KindDecision,
		Title: "Use Postgres", NormTitle: "use postgres",
		Body: "Use Postgres", Status: StatusActive, Salience: 0.9,
	}
	cand := cur
	cand.Status = StatusProvisional
	cand.Salience = 0.5

	plan := Consolidate(
		SnapshotOf([]store.SemanticItem{cur}, nil, nil),
		Extraction{Semantic: []store.SemanticItem{cand}},
	)
	if len(plan.UpdateSemantic) != 0 || len(plan.UpdatedIDs) != 0 {
		t.Fatalf("weaker candidate should not change the stored item: %+v", plan)
	}
}

func TestConsolidateEpisodicStoredChunkWins(t *testing.T) {
	cur := store.EpisodicItem{ID: "Eaaaaaaaaaaaa", Kind: KindChat, ContentHash: "h1", Body: "original"}
	cand := store.EpisodicItem{ID: "Eaaaaaaaaaaaa", Kind: KindChat, ContentHash: "h1", Body: "different casing"}

	plan := Consolidate(
		SnapshotOf(nil, []store.EpisodicItem{cur}, nil),
		Extraction{Episodic: []store.EpisodicItem{cand}},
	)
	if len(plan.AddEpisodic) != 0 || len(plan.AddedIDs) != 0 {
		t.Fatalf("duplicate hash should be skipped: %+v", plan)
	}
}

func TestConsolidateArtifactRolePromotesOnly(t *testing.T) {
	ref := "CODE:svc/worker.go#L10-L15"
	cur := store.Artifact{ID: "A0123456789ab", Ref: ref, Role: RoleMentioned, Neighbors: []string{"E1"}}

	cand := cur
	cand.Role = RoleModified
	cand.Neighbors = []string{"E2"}
	plan := Consolidate(
		SnapshotOf(nil, nil, []store.Artifact{cur}),
		Extraction{Artifacts: []store.Artifact{cand}},
	)
	if len(plan.UpdateArtifacts) != 1 {
		t.Fatalf("plan = %+v", plan)
	}
	up := plan.UpdateArtifacts[0]
	if up.Role != RoleModified {
		t.Fatalf("role = %s, want modified", up.Role)
	}
	if !reflect.DeepEqual(up.Neighbors, []string{"E1", "E2"}) {
		t.Fatalf("neighbors = %v", up.Neighbors)
	}

	modified := cur
	modified.Role = RoleModified
	back := cur
	back.Role = RoleMentioned
	plan = Consolidate(
		SnapshotOf(nil, nil, []store.Artifact{modified}),
		Extraction{Artifacts: []store.Artifact{back}},
	)
	if len(plan.UpdateArtifacts) != 0 {
		t.Fatalf("a mention must not demote a modified artifact: %+v", plan)
	}
}

func TestConsolidateSameMaterialsTwiceYieldsEmptyPlan(t *testing.T) {
	mats := Materials{
		Chat: []ChatTurn{
			{Role: "user", Content: "We decided to use Postgres for the ledger. The p99 must stay under 200ms."},
			{Role: "assistant", Content: "Noted, see store/ledger.go#L42-L80."},
		},
		Logs: []string{"--- FAIL: TestLedger (0.01s)\n    expected 2 rows got 0"},
	}

	first := Consolidate(SnapshotOf(nil, nil, nil), Extract("th-9", mats))
	if len(first.AddedIDs) == 0 {
		t.Fatalf("first pass should add items")
	}

	snap := SnapshotOf(first.AddSemantic, first.AddEpisodic, first.AddArtifacts)
	second := Consolidate(snap, Extract("th-9", mats))
	if len(second.AddedIDs) != 0 || len(second.UpdatedIDs) != 0 {
		t.Fatalf("second pass should change nothing: added=%v updated=%v", second.AddedIDs, second.UpdatedIDs)
	}
}

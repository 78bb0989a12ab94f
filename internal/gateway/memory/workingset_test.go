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
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func pick(view Scored, score float64) Picked {
	return Picked{View: view, Score: score}
}

func TestBuildWorkingSetShapesSections(t *testing.T) {
	picks := []Picked{
		pick(Scored{ID: "Sd1aaaaaaaaaa", Kind: KindDecision, Title: "Use Postgres", Body: "Use Postgres for the ledger"}, 0.9),
		pick(Scored{ID: "Sd2aaaaaaaaaa", Kind: KindDecision, Title: "Adopt chi", Body: "Adopt chi for routing"}, 0.7),
		pick(Scored{ID: "St1aaaaaaaaaa", Kind: KindTask, Title: "TODO deploy the gateway"}, 0.6),
		pick(Scored{ID: "St2aaaaaaaaaa", Kind: KindTask, Title: "blocker: fix auth regression"}, 0.3),
		pick(Scored{ID: "Sq1aaaaaaaaaa", Kind: KindQuestion, Title: "Should we shard by workspace?"}, 0.5),
		pick(Scored{ID: "Sc1aaaaaaaaaa", Kind: KindConstraint, Title: "The p99 must stay under 200ms."}, 0.4),
		pick(Scored{ID: "Ee1aaaaaaaaaa", Kind: KindChat, Title: "standup notes", Body: "standup notes body"}, 0.2),
		pick(Scored{ID: "Aa1aaaaaaaaaa", Kind: "artifact", Ref: "CODE:a.go#L1-L2", Title: "CODE:a.go#L1-L2", Refs: 1}, 0.3),
		pick(Scored{ID: "Aa2aaaaaaaaaa", Kind: "artifact", Ref: "CODE:b.go#L3-L9", Title: "CODE:b.go#L3-L9", Refs: 5}, 0.3),
	}
	globals := Globals{Mission: "ship the gateway", Constraints: []string{"two week deadline"}}

	ws := BuildWorkingSet(globals, picks, 0)

	if ws.Mission != "ship the gateway" {
		t.Fatalf("mission = %q", ws.Mission)
	}
	if !reflect.DeepEqual(ws.Constraints, []string{"two week deadline", "The p99 must stay under 200ms."}) {
		t.Fatalf("constraints = %v", ws.Constraints)
	}
	if len(ws.FocusDecisions) != 2 || ws.FocusDecisions[0].ID != "Sd1aaaaaaaaaa" {
		t.Fatalf("decisions = %+v, want score order", ws.FocusDecisions)
	}
	if len(ws.FocusTasks) != 2 || ws.FocusTasks[0].ID != "St2aaaaaaaaaa" {
		t.Fatalf("tasks = %+v, want the blocker first despite its lower score", ws.FocusTasks)
	}
	if !reflect.DeepEqual(ws.Artifacts, []string{"CODE:b.go#L3-L9", "CODE:a.go#L1-L2"}) {
		t.Fatalf("artifacts = %v, want reference-count order", ws.Artifacts)
	}
	if len(ws.Citations) != 1 || ws.Citations[0].ID != "Ee1aaaaaaaaaa" {
		t.Fatalf("citations = %+v", ws.Citations)
	}
	if !reflect.DeepEqual(ws.OpenQuestions, []string{"Should we shard by workspace?"}) {
		t.Fatalf("open questions = %v", ws.OpenQuestions)
	}
	wantSteps := []string{"blocker: fix auth regression", "TODO deploy the gateway"}
	if !reflect.DeepEqual(ws.Runbook.Steps, wantSteps) {
		t.Fatalf("runbook steps = %v, want %v", ws.Runbook.Steps, wantSteps)
	}
	if ws.Runbook.Summary != "ship the gateway" {
		t.Fatalf("runbook summary = %q", ws.Runbook.Summary)
	}
	if ws.TokenEstimate < minWorkingSetTokens {
		t.Fatalf("token estimate = %d", ws.TokenEstimate)
	}
}

func TestBuildWorkingSetTrimsToBudget(t *testing.T) {
	longQ := strings.Repeat("q", 200)
	picks := []Picked{
		pick(Scored{ID: "Sd1aaaaaaaaaa", Kind: KindDecision, Title: "use redis!", Body: strings.Repeat("d", 400)}, 0.9),
		pick(Scored{ID: "Sq1aaaaaaaaaa", Kind: KindQuestion, Title: longQ}, 0.5),
		pick(Scored{ID: "Sq2aaaaaaaaaa", Kind: KindQuestion, Title: longQ + "2"}, 0.4),
	}

	ws := BuildWorkingSet(Globals{}, picks, 120)

	if ws.TokenEstimate > 120 {
		t.Fatalf("token estimate %d exceeds the budget", ws.TokenEstimate)
	}
	if len(ws.OpenQuestions) != 0 {
		t.Fatalf("questions should be dropped first, still have %v", ws.OpenQuestions)
	}
	if len(ws.FocusDecisions) != 1 {
		t.Fatalf("decisions should survive question trimming: %+v", ws.FocusDecisions)
	}
	if !strings.HasSuffix(ws.FocusDecisions[0].Body, "...") {
		t.Fatalf("long body should be trimmed, got %q", ws.FocusDecisions[0].Body)
	}
}

func TestBuildWorkingSetSummaryFallsBackToTopDecision(t *testing.T) {
	picks := []Picked{
		pick(Scored{ID: "Sd1aaaaaaaaaa", Kind: KindDecision, Title: "Use Postgres", Body: "short"}, 0.9),
	}
	ws := BuildWorkingSet(Globals{}, picks, 0)
	if ws.Runbook.Summary != "Use Postgres" {
		t.Fatalf("summary = %q, want the top decision title", ws.Runbook.Summary)
	}
}

func TestBuildWorkingSetSectionCaps(t *testing.T) {
	var picks []Picked
	for i := 0; i < 12; i++ {
		picks = append(picks, pick(Scored{
			ID: fmt.Sprintf("Sd%011d", i), Kind: KindDecision, Title: fmt.Sprintf("decision %d", i),
		}, 1.0-float64(i)/100))
	}
	for i := 0; i < 7; i++ {
		picks = append(picks, pick(Scored{
			ID: fmt.Sprintf("Sq%011d", i), Kind: KindQuestion, Title: fmt.Sprintf("question %d?", i),
		}, 0.5))
	}
	ws := BuildWorkingSet(Globals{}, picks, 0)
	if len(ws.FocusDecisions) != maxFocusDecisions {
		t.Fatalf("decisions capped at %d, got %d", maxFocusDecisions, len(ws.FocusDecisions))
	}
	if len(ws.OpenQuestions) != maxOpenQuestions {
		t.Fatalf("questions capped at %d, got %d", maxOpenQuestions, len(ws.OpenQuestions))
	}
}

func TestTaskPriorityBuckets(t *testing.T) {
	cases := []struct {
		title string
		want  int
	}{
		{"blocker: fix the build", 0},
		{"critical data loss on restart", 0},
		{"urgent follow-up with the vendor", 1},
		{"tidy the docs", 2},
	}
	for _, tc := range cases {
		if got := taskPriority(Scored{Title: tc.title}); got != tc.want {
			t.Fatalf("taskPriority(%q) = %d, want %d", tc.title, got, tc.want)
		}
	}
}

func TestEstimateWorkingSetFloor(t *testing.T) {
	ws := BuildWorkingSet(Globals{}, nil, 0)
	if ws.TokenEstimate != minWorkingSetTokens {
		t.Fatalf("empty set estimate = %d, want the floor %d", ws.TokenEstimate, minWorkingSetTokens)
	}
}

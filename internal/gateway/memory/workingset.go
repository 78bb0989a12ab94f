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
	"sort"
	"strings"
)

// Section caps and the default working-set budget. Estimation is the cheap
// chars/4 heuristic floored at 100; the builder trims bodies first and only
// then starts dropping whole entries, questions before artifacts before
// tasks before constraints before decisions, with runbook steps cut to
// five as the last resort.
const (
	DefaultWorkingSetBudget = 4000

	maxFocusDecisions = 10
	maxFocusTasks     = 10
	maxArtifactRefs   = 15
	maxCitations      = 20
	maxOpenQuestions  = 5
	runbookTrimSteps  = 5

	minWorkingSetTokens = 100
	bodyTrimRunes       = 280
)

// WorkingSet is the compact context object assembled for a purpose.
type WorkingSet struct {
	Mission        string        `json:"mission"`
	Constraints    []string      `json:"constraints"`
	FocusDecisions []WorkingItem `json:"focus_decisions"`
	FocusTasks     []WorkingItem `json:"focus_tasks"`
	Runbook        Runbook       `json:"runbook"`
	Artifacts      []string      `json:"artifacts"`
	Citations      []Citation    `json:"citations"`
	OpenQuestions  []string      `json:"open_questions"`
	TokenEstimate  int           `json:"token_estimate"`
}

// WorkingItem is one focus entry with its retrieval score.
type WorkingItem struct {
	ID    string  `json:"id"`
	Title string  `json:"title"`
	Body  string  `json:"body"`
	Score float64 `json:"score"`
}

// Runbook is the ordered step list distilled from task items.
type Runbook struct {
	Steps   []string `json:"steps"`
	Summary string   `json:"summary"`
}

// Citation points at one piece of episodic evidence.
type Citation struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Globals are the thread-level framing for a working set.
type Globals struct {
	Mission     string   `json:"mission"`
	Constraints []string `json:"constraints"`
}

// BuildWorkingSet shapes a selection into sections. Decisions order by
// score, tasks by (priority, score), artifacts by stored reference count.
func BuildWorkingSet(globals Globals, picks []Picked, budget int) WorkingSet {
	if budget <= 0 {
		budget = DefaultWorkingSetBudget
	}

	ws := WorkingSet{
		Mission:     globals.Mission,
		Constraints: append([]string(nil), globals.Constraints...),
	}

	var decisions, tasks []Picked
	var artifacts []Picked
	for _, p := range picks {
		v := p.View
		switch {
		case v.Ref != "":
			artifacts = append(artifacts, p)
		case v.Kind == KindDecision:
			decisions = append(decisions, p)
		case v.Kind == KindTask:
			tasks = append(tasks, p)
		case v.Kind == KindQuestion:
			if len(ws.OpenQuestions) < maxOpenQuestions {
				ws.OpenQuestions = append(ws.OpenQuestions, v.Title)
			}
		case v.Kind == KindConstraint || v.Kind == KindRequirement:
			ws.Constraints = appendUnique(ws.Constraints, v.Title)
		default:
			if len(ws.Citations) < maxCitations {
				ws.Citations = append(ws.Citations, Citation{ID: v.ID, Title: v.Title})
			}
		}
	}

	sort.SliceStable(decisions, func(i, j int) bool {
		if decisions[i].Score != decisions[j].Score {
			return decisions[i].Score > decisions[j].Score
		}
		return decisions[i].View.ID < decisions[j].View.ID
	})
	sort.SliceStable(tasks, func(i, j int) bool {
		pi, pj := taskPriority(tasks[i].View), taskPriority(tasks[j].View)
		if pi != pj {
			return pi < pj
		}
		if tasks[i].Score != tasks[j].Score {
			return tasks[i].Score > tasks[j].Score
		}
		return tasks[i].View.ID < tasks[j].View.ID
	})
	sort.SliceStable(artifacts, func(i, j int) bool {
		if artifacts[i].View.Refs != artifacts[j].View.Refs {
			return artifacts[i].View.Refs > artifacts[j].View.Refs
		}
		return artifacts[i].View.Ref < artifacts[j].View.Ref
	})

	ws.FocusDecisions = workingItems(decisions, maxFocusDecisions)
	ws.FocusTasks = workingItems(tasks, maxFocusTasks)
	for _, a := range artifacts {
		if len(ws.Artifacts) == maxArtifactRefs {
			break
		}
		ws.Artifacts = append(ws.Artifacts, a.View.Ref)
	}

	for _, t := range ws.FocusTasks {
		ws.Runbook.Steps = append(ws.Runbook.Steps, t.Title)
	}
	ws.Runbook.Summary = globals.Mission
	if ws.Runbook.Summary == "" && len(ws.FocusDecisions) > 0 {
		ws.Runbook.Summary = ws.FocusDecisions[0].Title
	}

	ws.TokenEstimate = estimateWorkingSet(&ws)
	if ws.TokenEstimate > budget {
		for i := range ws.FocusDecisions {
			ws.FocusDecisions[i].Body = trimBody(ws.FocusDecisions[i].Body)
		}
		for i := range ws.FocusTasks {
			ws.FocusTasks[i].Body = trimBody(ws.FocusTasks[i].Body)
		}
		ws.TokenEstimate = estimateWorkingSet(&ws)
	}

	trims := []func() bool{
		func() bool { return dropLast(&ws.OpenQuestions) },
		func() bool { return dropLast(&ws.Artifacts) },
		func() bool { return dropLast(&ws.FocusTasks) },
		func() bool { return dropLast(&ws.Constraints) },
		func() bool { return dropLast(&ws.FocusDecisions) },
		func() bool {
			if len(ws.Runbook.Steps) <= runbookTrimSteps {
				return false
			}
			ws.Runbook.Steps = ws.Runbook.Steps[:runbookTrimSteps]
			return true
		},
	}
	for _, trim := range trims {
		for ws.TokenEstimate > budget && trim() {
			ws.TokenEstimate = estimateWorkingSet(&ws)
		}
	}
	return ws
}

func workingItems(picks []Picked, limit int) []WorkingItem {
	if len(picks) > limit {
		picks = picks[:limit]
	}
	out := make([]WorkingItem, 0, len(picks))
	for _, p := range picks {
		out = append(out, WorkingItem{ID: p.View.ID, Title: p.View.Title, Body: p.View.Body, Score: p.Score})
	}
	return out
}

// taskPriority buckets tasks by urgency wording: 0 blocks, 1 presses,
// 2 waits.
func taskPriority(v Scored) int {
	words := wordSet(v.Title + " " + v.Body)
	if hasAny(words, "blocker", "critical") {
		return 0
	}
	if hasAny(words, "urgent", "important") {
		return 1
	}
	return 2
}

func hasAny(words map[string]struct{}, terms ...string) bool {
	for _, t := range terms {
		if _, ok := words[t]; ok {
			return true
		}
	}
	return false
}

func estimateWorkingSet(ws *WorkingSet) int {
	chars := len(ws.Mission) + len(ws.Runbook.Summary)
	for _, c := range ws.Constraints {
		chars += len(c)
	}
	for _, d := range ws.FocusDecisions {
		chars += len(d.Title) + len(d.Body)
	}
	for _, t := range ws.FocusTasks {
		chars += len(t.Title) + len(t.Body)
	}
	for _, s := range ws.Runbook.Steps {
		chars += len(s)
	}
	for _, a := range ws.Artifacts {
		chars += len(a)
	}
	for _, c := range ws.Citations {
		chars += len(c.ID) + len(c.Title)
	}
	for _, q := range ws.OpenQuestions {
		chars += len(q)
	}
	n := chars / 4
	if n < minWorkingSetTokens {
		n = minWorkingSetTokens
	}
	return n
}

func trimBody(body string) string {
	r := []rune(body)
	if len(r) <= bodyTrimRunes {
		return body
	}
	return strings.TrimSpace(string(r[:bodyTrimRunes])) + "..."
}

func dropLast[T any](s *[]T) bool {
	if len(*s) == 0 {
		return false
	}
	*s = (*s)[:len(*s)-1]
	return true
}

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

	"cmg/internal/gateway/store"
)

// Snapshot is the thread's current memory, indexed by the identity each
// family deduplicates on.
type Snapshot struct {
	SemanticByKey  map[string]*store.SemanticItem
	EpisodicHashes map[string]bool
	ArtifactByRef  map[string]*store.Artifact
}

// SnapshotOf indexes the thread's stored items for consolidation.
func SnapshotOf(sem []store.SemanticItem, epi []store.EpisodicItem, arts []store.Artifact) Snapshot {
	snap := Snapshot{
		SemanticByKey:  make(map[string]*store.SemanticItem, len(sem)),
		EpisodicHashes: make(map[string]bool, len(epi)),
		ArtifactByRef:  make(map[string]*store.Artifact, len(arts)),
	}
	for i := range sem {
		snap.SemanticByKey[semanticKey(sem[i].Kind, sem[i].NormTitle)] = &sem[i]
	}
	for i := range epi {
		snap.EpisodicHashes[epi[i].ContentHash] = true
	}
	for i := range arts {
		snap.ArtifactByRef[arts[i].Ref] = &arts[i]
	}
	return snap
}

func semanticKey(kind, normTitle string) string {
	return kind + "\x00" + normTitle
}

// Consolidation is the persistence plan produced by merging candidates into
// the existing thread state.
type Consolidation struct {
	AddSemantic     []store.SemanticItem
	UpdateSemantic  []store.SemanticItem
	AddEpisodic     []store.EpisodicItem
	AddArtifacts    []store.Artifact
	UpdateArtifacts []store.Artifact
	Edges           []store.Edge

	AddedIDs   []string
	UpdatedIDs []string
}

// statusRank orders semantic statuses; a merge never demotes.
var statusRank = map[string]int{
	StatusRejected:    0,
	StatusProvisional: 1,
	StatusAccepted:    2,
	StatusActive:      3,
}

// Consolidate merges extraction candidates into the snapshot. Semantic
// items merge on (kind, normalised title); episodic evidence deduplicates
// by content hash with the stored chunk winning; artifacts merge by ref.
// An item counts as updated only when the merge changed something, so
// consolidating the same materials twice adds and updates nothing.
func Consolidate(snap Snapshot, ext Extraction) Consolidation {
	var out Consolidation

	for _, cand := range ext.Semantic {
		cur, ok := snap.SemanticByKey[semanticKey(cand.Kind, cand.NormTitle)]
		if !ok {
			out.AddSemantic = append(out.AddSemantic, cand)
			out.AddedIDs = append(out.AddedIDs, cand.ID)
			continue
		}
		if merged, changed := mergeSemantic(*cur, cand); changed {
			out.UpdateSemantic = append(out.UpdateSemantic, merged)
			out.UpdatedIDs = append(out.UpdatedIDs, merged.ID)
		}
	}

	for _, cand := range ext.Episodic {
		if snap.EpisodicHashes[cand.ContentHash] {
			continue
		}
		out.AddEpisodic = append(out.AddEpisodic, cand)
		out.AddedIDs = append(out.AddedIDs, cand.ID)
	}

	for _, cand := range ext.Artifacts {
		cur, ok := snap.ArtifactByRef[cand.Ref]
		if !ok {
			out.AddArtifacts = append(out.AddArtifacts, cand)
			out.AddedIDs = append(out.AddedIDs, cand.ID)
			continue
		}
		if merged, changed := mergeArtifact(*cur, cand); changed {
			out.UpdateArtifacts = append(out.UpdateArtifacts, merged)
			out.UpdatedIDs = append(out.UpdatedIDs, merged.ID)
		}
	}

	// Edge identifiers are content-derived, so they stay valid whether the
	// endpoint was added, merged or deduplicated away.
	out.Edges = ext.Edges
	return out
}

func mergeSemantic(cur, cand store.SemanticItem) (store.SemanticItem, bool) {
	merged := cur
	changed := false
	if len(cand.Body) > len(cur.Body) && strings.Contains(cand.Body, cur.Body) {
		merged.Body = cand.Body
		changed = true
	}
	if tags := unionSorted(cur.Tags, cand.Tags); len(tags) != len(cur.Tags) {
		merged.Tags = tags
		changed = true
	}
	if links := unionSorted(cur.Links, cand.Links); len(links) != len(cur.Links) {
		merged.Links = links
		changed = true
	}
	if cand.Salience > cur.Salience {
		merged.Salience = cand.Salience
		changed = true
	}
	if statusRank[cand.Status] > statusRank[cur.Status] {
		merged.Status = cand.Status
		changed = true
	}
	return merged, changed
}

func mergeArtifact(cur, cand store.Artifact) (store.Artifact, bool) {
	merged := cur
	changed := false
	if cand.Role == RoleModified && cur.Role != RoleModified {
		merged.Role = cand.Role
		changed = true
	}
	if nb := unionSorted(cur.Neighbors, cand.Neighbors); len(nb) != len(cur.Neighbors) {
		merged.Neighbors = nb
		changed = true
	}
	return merged, changed
}

func unionSorted(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

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
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"cmg/internal/gateway/store"
)

// Semantic item kinds distilled from chat, and episodic kinds assigned to
// raw evidence chunks.
const (
	KindDecision    = "decision"
	KindConstraint  = "constraint"
	KindRequirement = "requirement"
	KindQuestion    = "question"
	KindTask        = "task"

	KindChat        = "chat"
	KindDiff        = "diff"
	KindLog         = "log"
	KindTestFailure = "test_failure"
	KindIncident    = "incident"
)

// Semantic item statuses. Decisions enter as accepted; everything else is
// provisional until feedback or a later merge promotes it.
const (
	StatusRejected    = "rejected"
	StatusProvisional = "provisional"
	StatusAccepted    = "accepted"
	StatusActive      = "active"
)

// Artifact roles. A diff upgrades a mention to modified, never the reverse.
const (
	RoleMentioned = "mentioned"
	RoleModified  = "modified"
)

// ChatTurn is one message of conversational material.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Materials is the raw input to ingestion.
type Materials struct {
	Chat  []ChatTurn `json:"chat,omitempty"`
	Diffs []string   `json:"diffs,omitempty"`
	Logs  []string   `json:"logs,omitempty"`
}

// Empty reports whether there is nothing to extract.
func (m Materials) Empty() bool {
	return len(m.Chat) == 0 && len(m.Diffs) == 0 && len(m.Logs) == 0
}

// Extraction holds the candidate items produced from one batch of
// materials, identifiers already derived from content.
type Extraction struct {
	Semantic  []store.SemanticItem
	Episodic  []store.EpisodicItem
	Artifacts []store.Artifact
	Edges     []store.Edge
}

const (
	maxTitleLen   = 100
	maxTags       = 5
	maxBlockLines = 40
)

var salienceBase = map[string]float64{
	KindDecision:    0.8,
	KindRequirement: 0.7,
	KindConstraint:  0.6,
	KindTask:        0.5,
	KindQuestion:    0.5,
	KindTestFailure: 0.9,
	KindIncident:    0.8,
	KindChat:        0.5,
	KindDiff:        0.4,
	KindLog:         0.3,
}

var salienceBoosts = []struct {
	delta float64
	terms []string
}{
	{0.2, []string{"critical", "urgent", "important", "blocker"}},
	{0.1, []string{"error", "failed", "broken", "issue"}},
	{-0.1, []string{"routine", "minor", "cleanup", "refactor"}},
}

var semanticPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{KindDecision, regexp.MustCompile(`(?i)(\bdecision:|\bdecided\b|\bwe(?: will|'ll| should) (?:use|adopt|go with)\b|\blet'?s (?:use|go with|adopt)\b|\bgoing with\b|\bswitch(?:ed|ing)? to\b|\badopt(?:ed|ing)?\b|\binstead of\b)`)},
	{KindConstraint, regexp.MustCompile(`(?i)(\bconstraint:|\bmust(?: not)?\b|\bcannot\b|\bcan'?t\b|\bnever\b|\bno more than\b|\bat most\b|\bat least\b)`)},
	{KindRequirement, regexp.MustCompile(`(?i)(\brequirement:|\brequires?\b|\brequired\b|\bneeds? to support\b|\bhas to\b)`)},
	{KindTask, regexp.MustCompile(`(?i)(\btodo\b|\btask:|\bneeds? to\b|\bnext step\b|\bshould (?:add|fix|write|implement|update)\b)`)},
}

var questionMarkers = regexp.MustCompile(`(?i)(\bopen question\b|\bunclear\b|\btbd\b|\bundecided\b)`)

var (
	itemRefPattern     = regexp.MustCompile(`\b[SE][0-9a-f]{12}\b`)
	codeRefPattern     = regexp.MustCompile(`\b([A-Za-z0-9_][A-Za-z0-9_./-]*\.[A-Za-z0-9]+)#L(\d+)(?:-L?(\d+))?\b`)
	diffFilePattern    = regexp.MustCompile(`(?m)^\+\+\+ b/(\S+)`)
	diffHunkPattern    = regexp.MustCompile(`(?m)^@@ -\d+(?:,\d+)? \+(\d+)(?:,(\d+))? @@`)
	testFailurePattern = regexp.MustCompile(`(?im)(^--- FAIL|^FAIL\b|\btests? failed\b|assertionerror|expected .* got )`)
	incidentPattern    = regexp.MustCompile(`(?im)(panic:|fatal error|traceback \(most recent call last\)|goroutine \d+ \[|segmentation fault|oom-?killed?)`)
)

var techTerms = []string{
	"postgres", "postgresql", "mysql", "sqlite", "redis", "kafka", "rabbitmq",
	"docker", "kubernetes", "k8s", "terraform", "nginx", "linux",
	"aws", "gcp", "azure", "s3",
	"http", "grpc", "graphql", "sql", "api", "dns", "tls",
	"auth", "jwt", "oauth", "cache", "queue", "migration", "index", "schema",
	"go", "python", "rust", "react", "prometheus",
}

// Extract redacts the materials and turns them into candidate items. Chat
// yields semantic statements plus one episodic chunk per turn; diffs and
// logs yield episodic chunks only. File references become artifacts linked
// to the chunk they were seen in. Running Extract twice over the same
// materials produces identical output.
func Extract(threadID string, mats Materials) Extraction {
	b := &batch{
		threadID: threadID,
		semIndex: make(map[string]int),
		epiSeen:  make(map[string]bool),
		artIndex: make(map[string]int),
	}

	for _, turn := range mats.Chat {
		text := Redact(turn.Content)
		epiID := b.addEpisodic(KindChat, chatSource(turn.Role), text)
		for _, sent := range splitSentences(text) {
			if kind, ok := classifySentence(sent); ok {
				b.addSemantic(kind, sent, epiID)
			}
		}
	}
	for _, diff := range mats.Diffs {
		for _, hunk := range splitDiff(Redact(diff)) {
			epiID := b.addEpisodic(KindDiff, "diff", hunk)
			for _, ref := range diffArtifacts(hunk) {
				b.addArtifact(ref, RoleModified, epiID)
			}
		}
	}
	for _, log := range mats.Logs {
		for _, block := range splitBlocks(Redact(log)) {
			b.addEpisodic(KindLog, "log", block)
		}
	}
	return b.ext
}

type batch struct {
	threadID string
	ext      Extraction
	semIndex map[string]int
	epiSeen  map[string]bool
	artIndex map[string]int
}

func (b *batch) addSemantic(kind, sentence, evidenceID string) {
	title := titleFor(sentence)
	norm := NormalizeTitle(title)
	if norm == "" {
		return
	}
	id := SemanticID(b.threadID, kind, norm)
	if i, dup := b.semIndex[id]; dup {
		if len(sentence) > len(b.ext.Semantic[i].Body) {
			b.ext.Semantic[i].Body = sentence
		}
		return
	}
	status := StatusProvisional
	if kind == KindDecision {
		status = StatusAccepted
	}
	item := store.SemanticItem{
		ID:        id,
		ThreadID:  b.threadID,
		Kind:      kind,
		Title:     title,
		NormTitle: norm,
		Body:      sentence,
		Status:    status,
		Tags:      tagsFor(sentence),
		Links:     linksFor(sentence),
		Salience:  salienceFor(kind, sentence),
	}
	b.semIndex[id] = len(b.ext.Semantic)
	b.ext.Semantic = append(b.ext.Semantic, item)
	for _, l := range item.Links {
		b.ext.Edges = append(b.ext.Edges, store.Edge{SrcID: id, DstID: l, Relation: "references"})
	}
	if evidenceID != "" {
		b.ext.Edges = append(b.ext.Edges, store.Edge{SrcID: id, DstID: evidenceID, Relation: "derived_from"})
	}
	for _, ref := range textArtifacts(sentence) {
		b.addArtifact(ref, RoleMentioned, id)
	}
}

func (b *batch) addEpisodic(kind, source, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	hash := ContentHash(text)
	id := EpisodicID(b.threadID, hash)
	if b.epiSeen[id] {
		return id
	}
	b.epiSeen[id] = true
	if kind == KindLog {
		kind = logKind(text)
	}
	b.ext.Episodic = append(b.ext.Episodic, store.EpisodicItem{
		ID:          id,
		ThreadID:    b.threadID,
		Kind:        kind,
		Title:       titleFor(text),
		Body:        text,
		Source:      source,
		ContentHash: hash,
		Salience:    salienceFor(kind, text),
	})
	for _, ref := range textArtifacts(text) {
		b.addArtifact(ref, RoleMentioned, id)
	}
	return id
}

func (b *batch) addArtifact(ref, role, ownerID string) {
	idx, ok := b.artIndex[ref]
	if !ok {
		b.ext.Artifacts = append(b.ext.Artifacts, store.Artifact{
			ID:       ArtifactID(b.threadID, ref),
			ThreadID: b.threadID,
			Ref:      ref,
			Role:     role,
		})
		idx = len(b.ext.Artifacts) - 1
		b.artIndex[ref] = idx
	} else if role == RoleModified {
		b.ext.Artifacts[idx].Role = role
	}
	if ownerID == "" {
		return
	}
	a := &b.ext.Artifacts[idx]
	before := len(a.Neighbors)
	a.Neighbors = appendUnique(a.Neighbors, ownerID)
	if len(a.Neighbors) > before {
		b.ext.Edges = append(b.ext.Edges, store.Edge{SrcID: ownerID, DstID: a.ID, Relation: "mentions"})
	}
}

func classifySentence(sentence string) (string, bool) {
	if strings.HasSuffix(sentence, "?") {
		return KindQuestion, true
	}
	for _, p := range semanticPatterns {
		if p.re.MatchString(sentence) {
			return p.kind, true
		}
	}
	if questionMarkers.MatchString(sentence) {
		return KindQuestion, true
	}
	return "", false
}

func salienceFor(kind, text string) float64 {
	s, ok := salienceBase[kind]
	if !ok {
		s = 0.5
	}
	words := wordSet(text)
	for _, boost := range salienceBoosts {
		for _, term := range boost.terms {
			if _, hit := words[term]; hit {
				s += boost.delta
				break
			}
		}
	}
	return clampSalience(s)
}

func clampSalience(s float64) float64 {
	if s < 0.1 {
		return 0.1
	}
	if s > 1.0 {
		return 1.0
	}
	return s
}

// titleFor takes the first sentence, capped at maxTitleLen runes.
func titleFor(text string) string {
	t := strings.TrimSpace(text)
	if sents := splitSentences(text); len(sents) > 0 {
		t = sents[0]
	}
	r := []rune(t)
	if len(r) > maxTitleLen {
		t = strings.TrimSpace(string(r[:maxTitleLen-3])) + "..."
	}
	return t
}

func tagsFor(text string) []string {
	words := wordSet(text)
	var tags []string
	for _, term := range techTerms {
		if len(tags) == maxTags {
			break
		}
		if _, ok := words[term]; ok {
			tags = append(tags, term)
		}
	}
	return tags
}

func linksFor(text string) []string {
	matches := itemRefPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

func logKind(text string) string {
	switch {
	case testFailurePattern.MatchString(text):
		return KindTestFailure
	case incidentPattern.MatchString(text):
		return KindIncident
	default:
		return KindLog
	}
}

func chatSource(role string) string {
	if role == "" {
		return "chat"
	}
	return "chat:" + role
}

// splitSentences breaks on newline and on terminal punctuation followed by
// whitespace, so "v1.2" and "file.go" never split mid token.
func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			out = append(out, s)
		}
		b.Reset()
	}
	runes := []rune(text)
	for i, r := range runes {
		b.WriteRune(r)
		if r == '\n' {
			flush()
			continue
		}
		if (r == '.' || r == '!' || r == '?') && (i+1 == len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n') {
			flush()
		}
	}
	flush()
	return out
}

// splitDiff chunks a unified diff at file boundaries; a diff without file
// markers is one chunk.
func splitDiff(text string) []string {
	var chunks []string
	var cur []string
	flush := func() {
		if len(cur) == 0 {
			return
		}
		if chunk := strings.TrimSpace(strings.Join(cur, "\n")); chunk != "" {
			chunks = append(chunks, chunk)
		}
		cur = nil
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "diff --git ") {
			flush()
		}
		cur = append(cur, line)
	}
	flush()
	return chunks
}

// splitBlocks groups log lines at blank-line boundaries, further capped at
// maxBlockLines so a single unbroken dump does not become one giant item.
func splitBlocks(text string) []string {
	var blocks []string
	for _, part := range strings.Split(text, "\n\n") {
		lines := strings.Split(strings.TrimSpace(part), "\n")
		for start := 0; start < len(lines); start += maxBlockLines {
			end := start + maxBlockLines
			if end > len(lines) {
				end = len(lines)
			}
			if block := strings.TrimSpace(strings.Join(lines[start:end], "\n")); block != "" {
				blocks = append(blocks, block)
			}
		}
	}
	return blocks
}

// textArtifacts finds path#Lstart-Lend references in prose and normalises
// them to CODE refs. A bare path#L10 covers the single line.
func textArtifacts(text string) []string {
	var refs []string
	for _, m := range codeRefPattern.FindAllStringSubmatch(text, -1) {
		path := m[1]
		if !validArtifactPath(path) {
			continue
		}
		start, _ := strconv.Atoi(m[2])
		end := start
		if m[3] != "" {
			end, _ = strconv.Atoi(m[3])
		}
		if end < start {
			continue
		}
		refs = append(refs, fmt.Sprintf("CODE:%s#L%d-L%d", path, start, end))
	}
	return refs
}

// diffArtifacts derives CODE refs from the +++ target and hunk headers of
// one diff chunk.
func diffArtifacts(chunk string) []string {
	m := diffFilePattern.FindStringSubmatch(chunk)
	if m == nil || !validArtifactPath(m[1]) {
		return nil
	}
	file := m[1]
	var refs []string
	for _, h := range diffHunkPattern.FindAllStringSubmatch(chunk, -1) {
		start, _ := strconv.Atoi(h[1])
		count := 1
		if h[2] != "" {
			count, _ = strconv.Atoi(h[2])
		}
		if count < 1 {
			count = 1
		}
		refs = append(refs, fmt.Sprintf("CODE:%s#L%d-L%d", file, start, start+count-1))
	}
	return refs
}

func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		set[w] = struct{}{}
	}
	return set
}

func appendUnique(ss []string, s string) []string {
	for _, have := range ss {
		if have == s {
			return ss
		}
	}
	return append(ss, s)
}

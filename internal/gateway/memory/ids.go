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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Identifier shapes: semantic S<12-hex>, episodic E<12-hex>, artifact rows
// A<12-hex> addressed externally by their CODE:<path>#L<start>-L<end> ref.
const idHexLen = 12

// ArtifactRefPrefix marks an artifact reference in expand and feedback ids.
const ArtifactRefPrefix = "CODE:"

var (
	itemIDPattern     = regexp.MustCompile(`^[SE][0-9a-f]{12}$`)
	artifactRefFormat = regexp.MustCompile(`^CODE:([^#\s]+)#L(\d+)-L(\d+)$`)
)

func shortHash(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:idHexLen]
}

// SemanticID derives the stable identifier for a semantic item. Identity is
// the (thread, kind, normalised title) key the consolidator merges on, so
// re-extracting the same statement converges on one row.
func SemanticID(threadID, kind, normTitle string) string {
	return "S" + shortHash(threadID, kind, normTitle)
}

// EpisodicID derives the stable identifier for an episodic chunk from its
// content hash.
func EpisodicID(threadID, contentHash string) string {
	return "E" + shortHash(threadID, contentHash)
}

// ArtifactID derives the row identifier for a code reference.
func ArtifactID(threadID, ref string) string {
	return "A" + shortHash(threadID, ref)
}

// ContentHash fingerprints an episodic chunk for deduplication.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

// ValidItemID reports whether id is a well-formed semantic or episodic id.
func ValidItemID(id string) bool {
	return itemIDPattern.MatchString(id)
}

// NormalizeTitle lowercases, strips punctuation and collapses whitespace so
// near-identical phrasings consolidate onto the same item.
func NormalizeTitle(title string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case !lastSpace:
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// ParseArtifactRef splits CODE:<path>#L<start>-L<end>. The path must be
// POSIX-like with no parent traversal and the line range must not be
// inverted.
func ParseArtifactRef(ref string) (path string, start, end int, err error) {
	m := artifactRefFormat.FindStringSubmatch(ref)
	if m == nil {
		return "", 0, 0, fmt.Errorf("memory: malformed artifact ref %q", ref)
	}
	if !validArtifactPath(m[1]) {
		return "", 0, 0, fmt.Errorf("memory: artifact path %q not allowed", m[1])
	}
	start, _ = strconv.Atoi(m[2])
	end, _ = strconv.Atoi(m[3])
	if end < start {
		return "", 0, 0, fmt.Errorf("memory: artifact ref %q has an inverted line range", ref)
	}
	return m[1], start, end, nil
}

func validArtifactPath(path string) bool {
	if path == "" || strings.Contains(path, "\\") {
		return false
	}
	for _, seg := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		if seg == "" || seg == ".." {
			return false
		}
	}
	return true
}

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

import "regexp"

// Scrub rules applied to raw material text before anything is extracted or
// stored. Replacement markers are chosen so that no pattern matches its own
// output, which makes Redact a fixed point under repeated application. Order
// matters: key blocks and bearer tokens must go before the generic hex and
// base64 sweeps or their bodies would be rewritten first and the framing
// left behind.
var scrubRules = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`), "[PRIVATE-KEY]"},
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/=-]{8,}`), "${1}[TOKEN]"},
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret|token|password|passwd|credentials?)(\s*[:=]\s*)["']?[^\s"']{4,}["']?`), "${1}${2}[SECRET]"},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`), "[KEY]"},
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), "[KEY]"},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[EMAIL]"},
	{regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`), "[HEX]"},
	{regexp.MustCompile(`\b[A-Za-z0-9+/]{40,}={0,2}`), "[B64]"},
}

// Redact scrubs secrets, credentials, email addresses and long opaque blobs
// from material text. Redact(Redact(s)) == Redact(s) for every s.
func Redact(text string) string {
	for _, rule := range scrubRules {
		text = rule.re.ReplaceAllString(text, rule.repl)
	}
	return text
}

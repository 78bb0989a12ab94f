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

package auth

import (
	"fmt"
	"strings"
)

// sensitiveFields is matched case-insensitively against map keys anywhere in
// the payload tree. Values under these keys are replaced by a length marker
// before anything reaches a log line or the event stream.
var sensitiveFields = map[string]struct{}{
	"messages":      {},
	"prompt":        {},
	"input":         {},
	"content":       {},
	"text":          {},
	"api_key":       {},
	"authorization": {},
	"x-api-key":     {},
	"password":      {},
	"secret":        {},
	"token":         {},
	"key":           {},
}

const redactedPrefix = "[REDACTED:"

// RedactMap returns a deep copy of payload with sensitive values replaced by
// size markers. Applying it twice yields the same result as applying it once.
func RedactMap(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return nil
	}
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if _, sensitive := sensitiveFields[strings.ToLower(k)]; sensitive {
			out[k] = redactValue(v)
			continue
		}
		out[k] = redactAny(v)
	}
	return out
}

// redactAny recurses into nested containers without touching scalars.
func redactAny(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return RedactMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = redactAny(e)
		}
		return out
	default:
		return v
	}
}

// redactValue replaces a sensitive value with a marker describing only its
// size. Already-redacted markers pass through unchanged.
func redactValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		if strings.HasPrefix(t, redactedPrefix) {
			return t
		}
		return fmt.Sprintf("[REDACTED:%d chars]", len(t))
	case []interface{}:
		return fmt.Sprintf("[REDACTED:%d items]", len(t))
	case map[string]interface{}:
		return fmt.Sprintf("[REDACTED:%d items]", len(t))
	case nil:
		return nil
	default:
		return "[REDACTED]"
	}
}

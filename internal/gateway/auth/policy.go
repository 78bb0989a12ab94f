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

import "cmg/internal/gateway/store"

// Policy holds the workspace-wide model lists kept in settings.
type Policy struct {
	AllowModels []string
	BlockModels []string
}

// ModelPermitted decides whether a key may call a model. Evaluation order is
// fixed: key blocklist, global blocklist, key allowlist, global allowlist,
// then default allow. A non-empty key allowlist is authoritative and the
// global allowlist is not consulted after it.
func ModelPermitted(key *store.APIKey, global Policy, model string) bool {
	if contains(key.BlockModels, model) {
		return false
	}
	if contains(global.BlockModels, model) {
		return false
	}
	if len(key.AllowModels) > 0 {
		return contains(key.AllowModels, model)
	}
	if len(global.AllowModels) > 0 {
		return contains(global.AllowModels, model)
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

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

package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"cmg/internal/gateway/auth"
)

type usageDay struct {
	Day              string  `json:"day"`
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	EmbeddingTokens  int64   `json:"embedding_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

type usageModel struct {
	Model            string  `json:"model"`
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	EmbeddingTokens  int64   `json:"embedding_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

type quotaPayload struct {
	Limit     int64     `json:"limit"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
}

// handleGetJob reports one background job by id.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, job)
}

// handleCancelJob cancels a queued job. Running or finished jobs answer
// 409.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, job)
}

// handleQueues reports depth and outcome counters per queue.
func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context(), s.queues)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondPage(w, r, http.StatusOK, map[string]interface{}{"queues": stats}, &pagination{Total: len(stats)})
}

// handleUsageStats returns per-day and per-model rollups for the caller's
// key over a trailing window.
func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	key := auth.KeyFrom(r.Context())
	if key == nil {
		s.fail(w, r, auth.ErrNoCredentials)
		return
	}
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 365 {
			s.fail(w, r, validationErr("days must be an integer between 1 and 365"))
			return
		}
		days = n
	}
	rep, err := s.usage.Report(r.Context(), key, days)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	byDay := make([]usageDay, 0, len(rep.Days))
	for _, d := range rep.Days {
		byDay = append(byDay, usageDay{
			Day:              d.Day.Format("2006-01-02"),
			Requests:         d.Requests,
			PromptTokens:     d.PromptTokens,
			CompletionTokens: d.CompletionTokens,
			EmbeddingTokens:  d.EmbeddingTokens,
			CostUSD:          d.CostUSD,
		})
	}
	byModel := make([]usageModel, 0, len(rep.Models))
	for _, m := range rep.Models {
		byModel = append(byModel, usageModel{
			Model:            m.Model,
			Requests:         m.Requests,
			PromptTokens:     m.PromptTokens,
			CompletionTokens: m.CompletionTokens,
			EmbeddingTokens:  m.EmbeddingTokens,
			CostUSD:          m.CostUSD,
		})
	}
	s.respond(w, r, http.StatusOK, map[string]interface{}{
		"window_days": days,
		"days":        byDay,
		"models":      byModel,
	})
}

// handleUsageQuota reports the caller's daily quota position, mirrored in
// the X-Quota headers.
func (s *Server) handleUsageQuota(w http.ResponseWriter, r *http.Request) {
	key := auth.KeyFrom(r.Context())
	if key == nil {
		s.fail(w, r, auth.ErrNoCredentials)
		return
	}
	q, err := s.usage.Quota(r.Context(), key)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	setQuotaHeaders(w, q)
	s.respond(w, r, http.StatusOK, quotaPayload{
		Limit:     q.Limit,
		Used:      q.Used,
		Remaining: q.Remaining,
		ResetsAt:  q.ResetsAt,
	})
}

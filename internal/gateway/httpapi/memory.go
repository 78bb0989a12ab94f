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
	"net/url"

	"github.com/go-chi/chi/v5"

	"cmg/internal/gateway/auth"
	"cmg/internal/gateway/memory"
	"cmg/internal/gateway/store"
)

type ingestRequest struct {
	ThreadID  string           `json:"thread_id" validate:"required"`
	Materials memory.Materials `json:"materials"`
}

type recallRequest struct {
	ThreadID    string `json:"thread_id" validate:"required"`
	Purpose     string `json:"purpose"`
	TokenBudget int    `json:"token_budget" validate:"min=0"`
}

type workingSetRequest struct {
	ThreadID    string   `json:"thread_id" validate:"required"`
	Purpose     string   `json:"purpose"`
	FocusIDs    []string `json:"focus_ids"`
	TokenBudget int      `json:"token_budget" validate:"min=0"`
}

type feedbackRequest struct {
	ItemID string  `json:"item_id" validate:"required"`
	Signal string  `json:"signal" validate:"required"`
	Value  float64 `json:"value"`
}

// handleIngest feeds one batch of materials into the caller's workspace.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	key, raw := s.authedBody(w, r, &ingestRequest{})
	if key == nil {
		return
	}
	req := raw.(*ingestRequest)
	res, err := s.memory.Ingest(r.Context(), key.Workspace, req.ThreadID, req.Materials)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, res)
}

// handleRecall assembles a budgeted context pack for a thread.
func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	key, raw := s.authedBody(w, r, &recallRequest{})
	if key == nil {
		return
	}
	req := raw.(*recallRequest)
	res, err := s.memory.Recall(r.Context(), key.Workspace, req.ThreadID, req.Purpose, req.TokenBudget)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, res)
}

// handleWorkingSet builds the structured working set view.
func (s *Server) handleWorkingSet(w http.ResponseWriter, r *http.Request) {
	key, raw := s.authedBody(w, r, &workingSetRequest{})
	if key == nil {
		return
	}
	req := raw.(*workingSetRequest)
	ws, err := s.memory.WorkingSet(r.Context(), key.Workspace, req.ThreadID, req.Purpose, req.FocusIDs, req.TokenBudget)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, ws)
}

// handleExpand returns the full stored item for an id from a context pack.
func (s *Server) handleExpand(w http.ResponseWriter, r *http.Request) {
	key := auth.KeyFrom(r.Context())
	if key == nil {
		s.fail(w, r, auth.ErrNoCredentials)
		return
	}
	id, err := itemID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	exp, err := s.memory.Expand(r.Context(), key.Workspace, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, exp)
}

// handleExpandRaw returns just the item's text, outside the envelope, for
// piping into a prompt.
func (s *Server) handleExpandRaw(w http.ResponseWriter, r *http.Request) {
	key := auth.KeyFrom(r.Context())
	if key == nil {
		s.fail(w, r, auth.ErrNoCredentials)
		return
	}
	id, err := itemID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	exp, err := s.memory.Expand(r.Context(), key.Workspace, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Item-Type", exp.Type)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(exp.RawText()))
}

// handleFeedback applies a relevance signal to one item.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	key, raw := s.authedBody(w, r, &feedbackRequest{})
	if key == nil {
		return
	}
	req := raw.(*feedbackRequest)
	err := s.memory.Feedback(r.Context(), key.Workspace, memory.FeedbackRequest{
		ItemID: req.ItemID,
		Signal: req.Signal,
		Value:  req.Value,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, map[string]string{"status": "recorded"})
}

// authedBody resolves the caller and decodes the body in one step; a nil
// key means the response was already written.
func (s *Server) authedBody(w http.ResponseWriter, r *http.Request, dst interface{}) (*store.APIKey, interface{}) {
	key := auth.KeyFrom(r.Context())
	if key == nil {
		s.fail(w, r, auth.ErrNoCredentials)
		return nil, nil
	}
	if err := s.decodeInto(r, dst); err != nil {
		s.fail(w, r, err)
		return nil, nil
	}
	return key, dst
}

// itemID unescapes the {id} segment; artifact ids carry slashes and hash
// marks, so callers must percent-encode them.
func itemID(r *http.Request) (string, error) {
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil || id == "" {
		return "", badRequestErr("item id is required")
	}
	return id, nil
}

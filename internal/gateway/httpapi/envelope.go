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
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// defaultAPIVersion is stamped into meta.version when the caller sends no
// API-Version header.
const defaultAPIVersion = "2025-10-01"

// envelope is the uniform wrapper on every non-streaming response.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    meta        `json:"meta"`
}

type meta struct {
	Timestamp  string      `json:"timestamp"`
	RequestID  string      `json:"request_id"`
	Version    string      `json:"version"`
	Pagination *pagination `json:"pagination,omitempty"`
}

// pagination reports collection sizes on list responses.
type pagination struct {
	Total int `json:"total"`
}

// metaFor builds the envelope metadata from the request context.
func metaFor(r *http.Request) meta {
	version := r.Header.Get("API-Version")
	if version == "" {
		version = defaultAPIVersion
	}
	return meta{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: middleware.GetReqID(r.Context()),
		Version:   version,
	}
}

// render marshals a success envelope without writing it, for handlers that
// need the exact bytes (the idempotency store replays them verbatim).
func (s *Server) render(r *http.Request, status int, data interface{}) ([]byte, error) {
	env := envelope{Success: status < 400, Data: data, Meta: metaFor(r)}
	return json.Marshal(env)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	s.respondPage(w, r, status, data, nil)
}

func (s *Server) respondPage(w http.ResponseWriter, r *http.Request, status int, data interface{}, pg *pagination) {
	env := envelope{Success: status < 400, Data: data, Meta: metaFor(r)}
	env.Meta.Pagination = pg
	s.writeEnvelope(w, r, status, env)
}

// fail converts any error to its wire form and writes it. Unexpected faults
// are logged with the real cause; the caller only ever sees the closed code.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	ae := fromErr(err)
	if ae.Status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	s.writeEnvelope(w, r, ae.Status, envelope{Success: false, Error: ae, Meta: metaFor(r)})
}

func (s *Server) writeEnvelope(w http.ResponseWriter, r *http.Request, status int, env envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		s.logger.Error().Err(err).Msg("envelope marshal failed")
		http.Error(w, `{"success":false,"error":{"code":"SYSTEM_ERROR","message":"internal error"}}`, http.StatusInternalServerError)
		return
	}
	writeRawJSON(w, status, body)
}

// writeRawJSON writes pre-marshalled payload bytes; the replay path uses it
// so stored responses stay byte-identical.
func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"cmg/internal/gateway/auth"
	"cmg/internal/gateway/catalog"
	"cmg/internal/gateway/idempotency"
	"cmg/internal/gateway/store"
	"cmg/internal/gateway/telemetry"
	"cmg/internal/gateway/upstream"
	"cmg/internal/gateway/usage"
)

// chatMessage is validated for shape only; content may be a string or a
// structured block list and is forwarded as received.
type chatMessage struct {
	Role    string          `json:"role" validate:"required"`
	Content json.RawMessage `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Stream      bool          `json:"stream"`
	Messages    []chatMessage `json:"messages" validate:"required,min=1,dive"`
	MaxTokens   *int          `json:"max_tokens"`
	Temperature *float64      `json:"temperature"`
}

type embeddingsRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input" validate:"required"`
}

// handleChat proxies a chat completion. The body is forwarded with only the
// model field rewritten so provider-specific fields pass through untouched.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := auth.KeyFrom(ctx)
	if key == nil {
		s.fail(w, r, auth.ErrNoCredentials)
		return
	}
	body, err := readBody(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req chatRequest
	if err := s.parseJSON(body, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.checkCaps(&req); err != nil {
		s.fail(w, r, err)
		return
	}
	model, err := s.resolver.Resolve(ctx, key, req.Model, catalog.PurposeChat)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.checkQuota(w, r, key) {
		return
	}
	idem, replayed, err := s.beginIdempotent(w, r, key.ID, body, req.Stream)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if replayed {
		return
	}
	out, err := rewriteModel(body, model)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	fwd := upstream.ForwardedFromRequest(r)
	if req.Stream {
		s.streamChat(w, r, key, model, out, &req, fwd)
		return
	}

	resp, err := s.upstream.ChatCompletion(ctx, out, fwd)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	used := resp.Model
	if used == "" {
		used = model
	}
	w.Header().Set("X-Model-Used", used)

	// The upstream call happened; metering and the replay record must land
	// even if the caller disconnects before reading the reply.
	mctx := context.WithoutCancel(ctx)
	prompt, completion := s.chatTokens(resp, &req)
	s.meter(mctx, key, used, prompt, completion, 0)
	s.event(mctx, "llm_call", key.Workspace, map[string]interface{}{
		"key_id":            key.ID,
		"model":             used,
		"status":            resp.StatusCode,
		"prompt_tokens":     prompt,
		"completion_tokens": completion,
		"stream":            false,
	})

	payload, err := s.render(r, resp.StatusCode, json.RawMessage(resp.Body))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.saveIdempotent(mctx, key.ID, idem, resp.StatusCode, payload, used)
	writeRawJSON(w, resp.StatusCode, payload)
}

// streamChat relays upstream SSE frames as they arrive. Once the stream is
// open, upstream trouble can only surface as truncation; the status line has
// already been sent.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, key *store.APIKey, model string, body []byte, req *chatRequest, fwd upstream.Forwarded) {
	st, err := s.upstream.StreamChat(r.Context(), body, fwd)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.fail(w, r, &apiError{Status: http.StatusInternalServerError, Code: CodeSystem, Message: "streaming is not supported by this connection"})
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Model-Used", model)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	writeFailed := false
	for frame := range st.Frames() {
		if writeFailed {
			continue // keep draining so the usage accessors become valid
		}
		if _, werr := w.Write(frame); werr != nil {
			writeFailed = true
			continue
		}
		flusher.Flush()
	}

	// The client may have disconnected; meter against a context that
	// survives cancellation but keeps the request identity values.
	mctx := context.WithoutCancel(r.Context())

	used := st.Model()
	if used == "" {
		used = model
	}
	var prompt, completion int64
	if u, ok := st.Usage(); ok {
		prompt, completion = u.PromptTokens, u.CompletionTokens
	} else {
		prompt = int64(s.est.CountAll(messageTexts(req.Messages)...))
		completion = int64(s.est.Count(st.CompletionText()))
	}
	s.meter(mctx, key, used, prompt, completion, 0)
	s.event(mctx, "llm_call", key.Workspace, map[string]interface{}{
		"key_id":            key.ID,
		"model":             used,
		"status":            http.StatusOK,
		"prompt_tokens":     prompt,
		"completion_tokens": completion,
		"stream":            true,
		"done":              st.Done(),
	})

	if serr := st.Err(); serr != nil && !errors.Is(serr, context.Canceled) {
		s.logger.Warn().Err(serr).Str("model", used).Msg("stream ended with error")
	}
}

// handleEmbeddings proxies an embeddings request. Embedding tokens are
// metered from upstream usage, falling back to the estimator.
func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := auth.KeyFrom(ctx)
	if key == nil {
		s.fail(w, r, auth.ErrNoCredentials)
		return
	}
	body, err := readBody(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req embeddingsRequest
	if err := s.parseJSON(body, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	model, err := s.resolver.Resolve(ctx, key, req.Model, catalog.PurposeEmbedding)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.checkQuota(w, r, key) {
		return
	}
	idem, replayed, err := s.beginIdempotent(w, r, key.ID, body, false)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if replayed {
		return
	}
	out, err := rewriteModel(body, model)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp, err := s.upstream.Embeddings(ctx, out, upstream.ForwardedFromRequest(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	used := resp.Model
	if used == "" {
		used = model
	}
	w.Header().Set("X-Model-Used", used)

	mctx := context.WithoutCancel(ctx)
	var embTokens int64
	if resp.HasUsage {
		embTokens = resp.Usage.PromptTokens
	} else {
		embTokens = int64(s.est.CountAll(inputTexts(req.Input)...))
	}
	s.meter(mctx, key, used, 0, 0, embTokens)
	s.event(mctx, "llm_call", key.Workspace, map[string]interface{}{
		"key_id":           key.ID,
		"model":            used,
		"status":           resp.StatusCode,
		"embedding_tokens": embTokens,
		"op":               "embeddings",
	})

	payload, err := s.render(r, resp.StatusCode, json.RawMessage(resp.Body))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.saveIdempotent(mctx, key.ID, idem, resp.StatusCode, payload, used)
	writeRawJSON(w, resp.StatusCode, payload)
}

// checkCaps enforces the configured output and sampling ceilings.
func (s *Server) checkCaps(req *chatRequest) error {
	if req.MaxTokens != nil && *req.MaxTokens > s.cfg.MaxOutputTokens {
		return validationErr(fmt.Sprintf("max_tokens exceeds the allowed maximum of %d", s.cfg.MaxOutputTokens))
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > s.cfg.MaxTemperature) {
		return validationErr(fmt.Sprintf("temperature must be between 0 and %g", s.cfg.MaxTemperature))
	}
	return nil
}

// checkQuota sets the quota headers and rejects when the daily budget is
// spent. The check reads the committed ledger; a storage fault fails the
// request.
func (s *Server) checkQuota(w http.ResponseWriter, r *http.Request, key *store.APIKey) bool {
	q, err := s.usage.CheckQuota(r.Context(), key)
	if err != nil && !errors.Is(err, usage.ErrQuotaExceeded) {
		s.fail(w, r, err)
		return false
	}
	setQuotaHeaders(w, q)
	if err != nil {
		retry := int64(time.Until(q.ResetsAt).Seconds())
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
		telemetry.RecordRateLimitDenial("quota")
		s.fail(w, r, err)
		return false
	}
	return true
}

func setQuotaHeaders(w http.ResponseWriter, q usage.QuotaStatus) {
	h := w.Header()
	h.Set("X-Quota-Limit", strconv.FormatInt(q.Limit, 10))
	h.Set("X-Quota-Used", strconv.FormatInt(q.Used, 10))
	h.Set("X-Quota-Remaining", strconv.FormatInt(q.Remaining, 10))
	h.Set("X-Quota-Reset", strconv.FormatInt(q.ResetsAt.Unix(), 10))
}

// idemState carries the validated key and body hash between the pre-flight
// check and the post-response save.
type idemState struct {
	key  string
	hash string
}

// beginIdempotent replays a stored response when the Idempotency-Key header
// names a completed identical request. A nil state with no error means the
// request is not idempotent. replayed reports the response was already
// written.
func (s *Server) beginIdempotent(w http.ResponseWriter, r *http.Request, keyID string, body []byte, streaming bool) (*idemState, bool, error) {
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" || streaming {
		return nil, false, nil
	}
	if err := idempotency.ValidateKey(idemKey); err != nil {
		return nil, false, validationErr(err.Error())
	}
	hash, err := idempotency.RequestHash(body)
	if err != nil {
		return nil, false, validationErr("request body must be a JSON object to use an idempotency key")
	}
	rec, err := s.idem.Check(r.Context(), keyID, idemKey, hash)
	if err != nil {
		return nil, false, err
	}
	if rec != nil {
		if rec.ModelUsed != "" {
			w.Header().Set("X-Model-Used", rec.ModelUsed)
		}
		writeRawJSON(w, rec.StatusCode, rec.ResponseBody)
		return nil, true, nil
	}
	return &idemState{key: idemKey, hash: hash}, false, nil
}

// saveIdempotent stores the response for replay. Losing the write only
// costs a duplicate upstream call on a retry, so failures are logged and
// swallowed.
func (s *Server) saveIdempotent(ctx context.Context, keyID string, st *idemState, status int, body []byte, model string) {
	if st == nil {
		return
	}
	if err := s.idem.Save(ctx, keyID, st.key, st.hash, status, body, model); err != nil {
		s.logger.Warn().Err(err).Msg("idempotency save failed")
	}
}

// rewriteModel swaps the model field while leaving every other request
// field exactly as the caller sent it.
func rewriteModel(body []byte, model string) ([]byte, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, badRequestErr("request body is not valid JSON")
	}
	m["model"] = model
	return json.Marshal(m)
}

// chatTokens prefers upstream usage and falls back to the estimator so a
// provider that omits usage still lands in the ledger.
func (s *Server) chatTokens(resp *upstream.Response, req *chatRequest) (int64, int64) {
	if resp.HasUsage {
		return resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	}
	prompt := int64(s.est.CountAll(messageTexts(req.Messages)...))
	completion := int64(s.est.Count(completionText(resp.Body)))
	return prompt, completion
}

// meter records telemetry and the durable usage ledger row. The request
// already succeeded; a lost row must not fail it.
func (s *Server) meter(ctx context.Context, key *store.APIKey, model string, prompt, completion, embedding int64) {
	if prompt > 0 {
		telemetry.RecordTokens("prompt", prompt)
	}
	if completion > 0 {
		telemetry.RecordTokens("completion", completion)
	}
	if embedding > 0 {
		telemetry.RecordTokens("embedding", embedding)
	}
	err := s.usage.Record(ctx, usage.Sample{
		Key:              key,
		Model:            model,
		RequestID:        middleware.GetReqID(ctx),
		PromptTokens:     prompt,
		CompletionTokens: completion,
		EmbeddingTokens:  embedding,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("model", model).Msg("usage record failed")
	}
}

// event records an audit event when a recorder is wired.
func (s *Server) event(ctx context.Context, kind, workspace string, payload map[string]interface{}) {
	if s.events == nil {
		return
	}
	s.events.Record(ctx, kind, workspace, payload)
}

// messageTexts flattens chat content for estimation. Structured block lists
// contribute their text parts.
func messageTexts(msgs []chatMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, contentText(m.Content))
	}
	return out
}

func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var b strings.Builder
		for _, p := range parts {
			b.WriteString(p.Text)
			b.WriteByte('\n')
		}
		return b.String()
	}
	return string(raw)
}

// completionText pulls assistant text out of a completion body for the
// estimator fallback.
func completionText(body []byte) string {
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	var b strings.Builder
	for _, c := range resp.Choices {
		b.WriteString(c.Message.Content)
	}
	return b.String()
}

// inputTexts accepts the string and string-list input shapes.
func inputTexts(raw json.RawMessage) []string {
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return []string{string(raw)}
}

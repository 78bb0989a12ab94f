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
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
)

const chatBody = `{"model":"openai/gpt-4o-mini","messages":[{"role":"user","content":"hello"}]}`

func TestChatProxiesAndMeters(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/llm/chat", chatBody, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("chat = %d; body %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Model-Used"); got != "openai/gpt-4o-mini" {
		t.Fatalf("X-Model-Used = %q", got)
	}
	if got := w.Header().Get("X-Quota-Limit"); got != "1000000" {
		t.Fatalf("X-Quota-Limit = %q", got)
	}

	env := decodeEnvelope(t, w)
	if !env.Success || !strings.Contains(string(env.Data), "hi there") {
		t.Fatalf("envelope does not carry the completion: %s", w.Body.String())
	}

	recs := ts.usage.recorded()
	if len(recs) != 1 {
		t.Fatalf("usage records = %d, want 1", len(recs))
	}
	if recs[0].PromptTokens != 12 || recs[0].CompletionTokens != 4 {
		t.Fatalf("metered %d/%d, want upstream usage 12/4", recs[0].PromptTokens, recs[0].CompletionTokens)
	}
	if recs[0].Model != "openai/gpt-4o-mini" || recs[0].Workspace != "ws-1" {
		t.Fatalf("record attribution wrong: %+v", recs[0])
	}

	kinds := ts.events.kinds()
	if len(kinds) != 1 || kinds[0] != "llm_call" {
		t.Fatalf("events = %v, want one llm_call", kinds)
	}
	if ts.stub.hitCount() != 1 {
		t.Fatalf("upstream hits = %d, want 1", ts.stub.hitCount())
	}
}

func TestChatForwardsBodyWithModelRewritten(t *testing.T) {
	ts := newTestServer(t)

	var mu sync.Mutex
	var forwarded map[string]interface{}
	var gotAuth string
	ts.stub.set(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		json.Unmarshal(b, &forwarded)
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, chatSuccessBody)
	})

	body := `{"messages":[{"role":"user","content":"hi"}],"provider":{"order":["openai"]}}`
	w := ts.do(t, http.MethodPost, "/llm/chat", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("chat = %d; body %s", w.Code, w.Body.String())
	}

	mu.Lock()
	defer mu.Unlock()
	if forwarded["model"] != "openai/gpt-4o-mini" {
		t.Fatalf("forwarded model = %v, want resolver default", forwarded["model"])
	}
	if _, ok := forwarded["provider"]; !ok {
		t.Fatal("unknown passthrough fields must survive the rewrite")
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("upstream auth = %q, want service key", gotAuth)
	}
}

func TestChatIdempotentReplay(t *testing.T) {
	ts := newTestServer(t)
	hdr := map[string]string{"Idempotency-Key": "retry-abc"}

	first := ts.do(t, http.MethodPost, "/llm/chat", chatBody, hdr)
	if first.Code != http.StatusOK {
		t.Fatalf("first = %d", first.Code)
	}
	second := ts.do(t, http.MethodPost, "/llm/chat", chatBody, hdr)
	if second.Code != http.StatusOK {
		t.Fatalf("replay = %d", second.Code)
	}

	if first.Body.String() != second.Body.String() {
		t.Fatalf("replay must be byte identical:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	if got := second.Header().Get("X-Model-Used"); got != "openai/gpt-4o-mini" {
		t.Fatalf("replay X-Model-Used = %q", got)
	}
	if ts.stub.hitCount() != 1 {
		t.Fatalf("upstream hits = %d, want 1", ts.stub.hitCount())
	}
}

func TestChatIdempotencyIgnoresVolatileFields(t *testing.T) {
	ts := newTestServer(t)
	hdr := map[string]string{"Idempotency-Key": "retry-meta"}

	ts.do(t, http.MethodPost, "/llm/chat", chatBody, hdr)
	withMeta := `{"model":"openai/gpt-4o-mini","messages":[{"role":"user","content":"hello"}],"metadata":{"attempt":2}}`
	w := ts.do(t, http.MethodPost, "/llm/chat", withMeta, hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("metadata-only change = %d, want replay", w.Code)
	}
	if ts.stub.hitCount() != 1 {
		t.Fatalf("upstream hits = %d, want 1", ts.stub.hitCount())
	}
}

func TestChatIdempotencyConflict(t *testing.T) {
	ts := newTestServer(t)
	hdr := map[string]string{"Idempotency-Key": "retry-xyz"}

	ts.do(t, http.MethodPost, "/llm/chat", chatBody, hdr)
	other := `{"model":"openai/gpt-4o-mini","messages":[{"role":"user","content":"something else"}]}`
	w := ts.do(t, http.MethodPost, "/llm/chat", other, hdr)
	wantErrorCode(t, w, http.StatusConflict, CodeConflict)
	if ts.stub.hitCount() != 1 {
		t.Fatalf("conflicting request must not reach upstream, hits = %d", ts.stub.hitCount())
	}
}

func TestChatQuotaExceeded(t *testing.T) {
	ts := newTestServer(t)
	ts.key.DailyQuotaTokens = 50
	ts.usage.setToday("key-1", 60)

	w := ts.do(t, http.MethodPost, "/llm/chat", chatBody, nil)
	env := wantErrorCode(t, w, http.StatusTooManyRequests, CodeRateLimited)
	if env.Error.Message != "daily token quota exceeded" {
		t.Fatalf("message = %q", env.Error.Message)
	}
	if got := w.Header().Get("X-Quota-Remaining"); got != "0" {
		t.Fatalf("X-Quota-Remaining = %q, want 0", got)
	}
	if got := w.Header().Get("X-Quota-Used"); got != "60" {
		t.Fatalf("X-Quota-Used = %q, want 60", got)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("quota denial must carry Retry-After")
	}
	if ts.stub.hitCount() != 0 {
		t.Fatal("denied request must not reach upstream")
	}
}

func TestChatBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ts := newTestServer(t)
	ts.stub.set(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	})

	for i := 0; i < 5; i++ {
		w := ts.do(t, http.MethodPost, "/llm/chat", chatBody, nil)
		env := wantErrorCode(t, w, http.StatusBadGateway, CodeIntegration)
		if strings.Contains(env.Error.Message, "boom") {
			t.Fatalf("provider internals leaked: %q", env.Error.Message)
		}
	}
	if ts.stub.hitCount() != 5 {
		t.Fatalf("upstream hits = %d, want 5", ts.stub.hitCount())
	}

	w := ts.do(t, http.MethodPost, "/llm/chat", chatBody, nil)
	env := wantErrorCode(t, w, http.StatusServiceUnavailable, CodeIntegration)
	if env.Error.Message != "model provider temporarily unavailable" {
		t.Fatalf("open-breaker message = %q", env.Error.Message)
	}
	if ts.stub.hitCount() != 5 {
		t.Fatalf("open breaker must short-circuit, hits = %d", ts.stub.hitCount())
	}
}

func TestChatUpstreamRateLimitPassesThrough(t *testing.T) {
	ts := newTestServer(t)
	ts.stub.set(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"slow down"}}`, http.StatusTooManyRequests)
	})
	w := ts.do(t, http.MethodPost, "/llm/chat", chatBody, nil)
	wantErrorCode(t, w, http.StatusTooManyRequests, CodeRateLimited)
}

func TestChatValidation(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name   string
		body   string
		status int
	}{
		{"empty body", "", http.StatusBadRequest},
		{"broken json", "{nope", http.StatusBadRequest},
		{"no messages", `{"model":"openai/gpt-4o-mini"}`, http.StatusUnprocessableEntity},
		{"empty messages", `{"model":"openai/gpt-4o-mini","messages":[]}`, http.StatusUnprocessableEntity},
		{"message without role", `{"messages":[{"content":"hi"}]}`, http.StatusUnprocessableEntity},
		{"max_tokens over cap", `{"messages":[{"role":"user","content":"hi"}],"max_tokens":999999}`, http.StatusUnprocessableEntity},
		{"temperature over cap", `{"messages":[{"role":"user","content":"hi"}],"temperature":3.5}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/llm/chat", tc.body, nil)
			wantErrorCode(t, w, tc.status, CodeValidation)
		})
	}
	if ts.stub.hitCount() != 0 {
		t.Fatal("invalid requests must not reach upstream")
	}
}

func TestChatUnknownModelRejected(t *testing.T) {
	ts := newTestServer(t)
	body := `{"model":"no/such-model","messages":[{"role":"user","content":"hi"}]}`
	w := ts.do(t, http.MethodPost, "/llm/chat", body, nil)
	env := wantErrorCode(t, w, http.StatusBadRequest, CodeValidation)
	if !strings.Contains(env.Error.Message, "no/such-model") {
		t.Fatalf("message %q must name the model", env.Error.Message)
	}
	if ts.stub.hitCount() != 0 {
		t.Fatal("unresolvable model must not reach upstream")
	}
}

func TestChatStreamRelaysFrames(t *testing.T) {
	ts := newTestServer(t)
	ts.stub.set(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, frame := range []string{
			`data: {"id":"gen-1","model":"openai/gpt-4o-mini","choices":[{"delta":{"content":"hel"}}]}`,
			`data: {"choices":[{"delta":{"content":"lo"}}]}`,
			`data: [DONE]`,
		} {
			io.WriteString(w, frame+"\n\n")
			fl.Flush()
		}
	})

	body := `{"model":"openai/gpt-4o-mini","stream":true,"messages":[{"role":"user","content":"hello"}]}`
	w := ts.do(t, http.MethodPost, "/llm/chat", body, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("stream = %d; body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if got := w.Header().Get("X-Model-Used"); got != "openai/gpt-4o-mini" {
		t.Fatalf("X-Model-Used = %q", got)
	}
	out := w.Body.String()
	if !strings.Contains(out, "hel") || !strings.Contains(out, "[DONE]") {
		t.Fatalf("frames not relayed:\n%s", out)
	}
	if strings.Contains(out, `"success"`) {
		t.Fatal("streams must bypass the envelope")
	}

	// No usage frame arrived, so the estimator fallback meters the stream.
	recs := ts.usage.recorded()
	if len(recs) != 1 {
		t.Fatalf("usage records = %d, want 1", len(recs))
	}
	if recs[0].PromptTokens <= 0 || recs[0].CompletionTokens <= 0 {
		t.Fatalf("estimator fallback missing: %+v", recs[0])
	}
}

func TestChatStreamUsesUpstreamUsageWhenPresent(t *testing.T) {
	ts := newTestServer(t)
	ts.stub.set(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, frame := range []string{
			`data: {"model":"openai/gpt-4o-mini","choices":[{"delta":{"content":"hi"}}]}`,
			`data: {"choices":[],"usage":{"prompt_tokens":33,"completion_tokens":7,"total_tokens":40}}`,
			`data: [DONE]`,
		} {
			io.WriteString(w, frame+"\n\n")
			fl.Flush()
		}
	})

	body := `{"stream":true,"messages":[{"role":"user","content":"hello"}]}`
	w := ts.do(t, http.MethodPost, "/llm/chat", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stream = %d", w.Code)
	}
	recs := ts.usage.recorded()
	if len(recs) != 1 || recs[0].PromptTokens != 33 || recs[0].CompletionTokens != 7 {
		t.Fatalf("stream usage not metered from provider: %+v", recs)
	}
}

func TestChatStreamConnectFailureStaysEnveloped(t *testing.T) {
	ts := newTestServer(t)
	ts.stub.set(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusInternalServerError)
	})
	body := `{"stream":true,"messages":[{"role":"user","content":"hello"}]}`
	w := ts.do(t, http.MethodPost, "/llm/chat", body, nil)
	wantErrorCode(t, w, http.StatusBadGateway, CodeIntegration)
}

func TestChatStreamSkipsIdempotency(t *testing.T) {
	ts := newTestServer(t)
	ts.stub.set(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: [DONE]\n\n")
	})
	body := `{"stream":true,"messages":[{"role":"user","content":"hello"}]}`
	hdr := map[string]string{"Idempotency-Key": "stream-1"}

	ts.do(t, http.MethodPost, "/llm/chat", body, hdr)
	ts.do(t, http.MethodPost, "/llm/chat", body, hdr)
	if ts.stub.hitCount() != 2 {
		t.Fatalf("streams must not be replayed from cache, hits = %d", ts.stub.hitCount())
	}
}

func TestEmbeddingsProxiesAndMeters(t *testing.T) {
	ts := newTestServer(t)
	ts.stub.set(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"object":"list","model":"openai/text-embedding-3-small","data":[{"embedding":[0.1,0.2]}],"usage":{"prompt_tokens":8,"total_tokens":8}}`)
	})

	w := ts.do(t, http.MethodPost, "/embeddings", `{"input":"hello world"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("embeddings = %d; body %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Model-Used"); got != "openai/text-embedding-3-small" {
		t.Fatalf("X-Model-Used = %q", got)
	}
	recs := ts.usage.recorded()
	if len(recs) != 1 || recs[0].EmbeddingTokens != 8 {
		t.Fatalf("embedding tokens not metered: %+v", recs)
	}
	if recs[0].PromptTokens != 0 || recs[0].CompletionTokens != 0 {
		t.Fatalf("embeddings must not meter chat directions: %+v", recs[0])
	}
}

func TestEmbeddingsRejectsChatModel(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/embeddings", `{"model":"openai/gpt-4o-mini","input":"hi"}`, nil)
	wantErrorCode(t, w, http.StatusBadRequest, CodeValidation)
	if ts.stub.hitCount() != 0 {
		t.Fatal("rejected request must not reach upstream")
	}
}

func TestKeyModelBlocklistEnforced(t *testing.T) {
	ts := newTestServer(t)
	ts.key.BlockModels = []string{"openai/gpt-4o-mini"}

	w := ts.do(t, http.MethodPost, "/llm/chat", chatBody, nil)
	wantErrorCode(t, w, http.StatusBadRequest, CodeValidation)
	if ts.stub.hitCount() != 0 {
		t.Fatal("blocked model must not reach upstream")
	}
}

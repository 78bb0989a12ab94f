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

// Package upstream talks to the OpenRouter provider. The caller's credential
// never leaves the gateway; every outbound request carries the service key
// and rides the shared circuit breaker.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cmg/internal/gateway/breaker"
	"cmg/internal/gateway/store"
	"cmg/internal/gateway/telemetry"
)

// DefaultBaseURL is the OpenRouter API root.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// Usage is the provider's token accounting block.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Error is an upstream failure already mapped to the status the gateway
// should surface. Provider auth failures and 5xx become 502 so the
// service key and provider internals never leak to callers.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream: %s (status %d)", e.Message, e.Status)
}

// Forwarded carries end-client address context to the provider for its own
// abuse detection.
type Forwarded struct {
	For          string
	RealIP       string
	CFConnecting string
}

// ForwardedFromRequest lifts the relevant headers off an inbound request.
func ForwardedFromRequest(r *http.Request) Forwarded {
	return Forwarded{
		For:          r.Header.Get("X-Forwarded-For"),
		RealIP:       r.Header.Get("X-Real-Ip"),
		CFConnecting: r.Header.Get("Cf-Connecting-Ip"),
	}
}

// Response is a complete (non-streaming) upstream reply.
type Response struct {
	StatusCode int
	Body       []byte
	Model      string
	Usage      Usage
	HasUsage   bool
}

// Executor is the circuit breaker seam.
type Executor interface {
	Execute(ctx context.Context, fn func(context.Context) error) error
}

// Config parameterises the client.
type Config struct {
	BaseURL string
	APIKey  string
	// AppURL and AppName populate OpenRouter's attribution headers.
	AppURL  string
	AppName string
	// Timeout bounds a single unary call; streams ride the caller's context.
	Timeout time.Duration
}

// Client is the OpenRouter HTTP client.
type Client struct {
	cfg    Config
	http   *http.Client
	guard  Executor
	logger zerolog.Logger
}

func NewClient(cfg Config, guard Executor, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	return &Client{
		cfg: cfg,
		// No client-level timeout: unary calls bound themselves via context
		// and streams must be allowed to run long.
		http:   &http.Client{},
		guard:  guard,
		logger: logger.With().Str("component", "upstream").Logger(),
	}
}

// ChatCompletion proxies a chat body and returns the provider's reply.
func (c *Client) ChatCompletion(ctx context.Context, body []byte, fwd Forwarded) (*Response, error) {
	return c.post(ctx, "/chat/completions", body, fwd)
}

// Embeddings proxies an embeddings body and returns the provider's reply.
func (c *Client) Embeddings(ctx context.Context, body []byte, fwd Forwarded) (*Response, error) {
	return c.post(ctx, "/embeddings", body, fwd)
}

func (c *Client) post(ctx context.Context, path string, body []byte, fwd Forwarded) (*Response, error) {
	var (
		status   int
		respBody []byte
	)
	start := time.Now()
	err := c.guard.Execute(ctx, func(callCtx context.Context) error {
		reqCtx, cancel := context.WithTimeout(callCtx, c.cfg.Timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		c.setHeaders(req, fwd)
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("upstream request: %w", err)
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("upstream read: %w", err)
		}
		status, respBody = resp.StatusCode, b
		if resp.StatusCode >= 500 {
			// Provider errors count against the breaker; caller 4xx do not.
			return &Error{Status: http.StatusBadGateway, Message: "Upstream provider error"}
		}
		return nil
	})
	telemetry.ObserveUpstream(path, time.Since(start))
	if err != nil {
		return nil, c.mapTransportError(err)
	}
	if mapped := mapStatus(status, respBody); mapped != nil {
		return nil, mapped
	}
	resp := &Response{StatusCode: status, Body: respBody}
	var meta struct {
		Model string `json:"model"`
		Usage *Usage `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &meta); err == nil {
		resp.Model = meta.Model
		if meta.Usage != nil {
			resp.Usage = *meta.Usage
			resp.HasUsage = true
		}
	}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request, fwd Forwarded) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AppURL != "" {
		req.Header.Set("HTTP-Referer", c.cfg.AppURL)
	}
	if c.cfg.AppName != "" {
		req.Header.Set("X-Title", c.cfg.AppName)
	}
	if fwd.For != "" {
		req.Header.Set("X-Forwarded-For", fwd.For)
	}
	if fwd.RealIP != "" {
		req.Header.Set("X-Real-Ip", fwd.RealIP)
	}
	if fwd.CFConnecting != "" {
		req.Header.Set("Cf-Connecting-Ip", fwd.CFConnecting)
	}
}

// mapTransportError normalises everything the guard can hand back.
func (c *Client) mapTransportError(err error) error {
	var ue *Error
	if errors.As(err, &ue) {
		return ue
	}
	if errors.Is(err, breaker.ErrOpen) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Status: http.StatusBadGateway, Message: "Upstream request timed out"}
	}
	c.logger.Error().Err(err).Msg("upstream transport failure")
	return &Error{Status: http.StatusBadGateway, Message: "Upstream provider unreachable"}
}

// mapStatus converts non-2xx provider replies. 401 means the service key is
// bad, which is the gateway's fault from the caller's perspective; 429
// passes through; remaining 4xx keep the provider's status and message.
func mapStatus(status int, body []byte) *Error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusUnauthorized:
		return &Error{Status: http.StatusBadGateway, Message: "Authentication failed with upstream provider"}
	case status == http.StatusTooManyRequests:
		return &Error{Status: http.StatusTooManyRequests, Message: "Upstream rate limit exceeded, retry later"}
	default:
		return &Error{Status: status, Message: upstreamMessage(body)}
	}
}

// upstreamMessage extracts the provider's error text.
func upstreamMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = "Upstream provider error"
	}
	return msg
}

// EmbedVectors requests embeddings and returns the parsed vectors in input
// order. Used by the embedding jobs rather than the passthrough route.
func (c *Client) EmbedVectors(ctx context.Context, model string, inputs []string) ([][]float32, Usage, error) {
	body, err := json.Marshal(map[string]interface{}{"model": model, "input": inputs})
	if err != nil {
		return nil, Usage{}, err
	}
	resp, err := c.Embeddings(ctx, body, Forwarded{})
	if err != nil {
		return nil, Usage{}, err
	}
	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, Usage{}, fmt.Errorf("decode embeddings: %w", err)
	}
	vecs := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		vecs[i] = d.Embedding
	}
	return vecs, resp.Usage, nil
}

// FetchModels pulls the provider catalogue. Prices arrive per token and are
// stored per thousand tokens.
func (c *Client) FetchModels(ctx context.Context) ([]store.ModelEntry, error) {
	var raw []byte
	err := c.guard.Execute(ctx, func(callCtx context.Context) error {
		reqCtx, cancel := context.WithTimeout(callCtx, c.cfg.Timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
		if err != nil {
			return err
		}
		c.setHeaders(req, Forwarded{})
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("upstream request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return &Error{Status: http.StatusBadGateway,
				Message: fmt.Sprintf("model catalogue fetch returned %d", resp.StatusCode)}
		}
		raw, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, c.mapTransportError(err)
	}
	var parsed struct {
		Data []struct {
			ID            string `json:"id"`
			Name          string `json:"name"`
			Description   string `json:"description"`
			ContextLength int    `json:"context_length"`
			Pricing       struct {
				Prompt     string `json:"prompt"`
				Completion string `json:"completion"`
			} `json:"pricing"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode model catalogue: %w", err)
	}
	entries := make([]store.ModelEntry, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		entries = append(entries, store.ModelEntry{
			ID:                   m.ID,
			Name:                 m.Name,
			Description:          m.Description,
			ContextLength:        m.ContextLength,
			PromptPricePer1K:     perThousand(m.Pricing.Prompt),
			CompletionPricePer1K: perThousand(m.Pricing.Completion),
			Embeddings:           strings.Contains(m.ID, "embed"),
		})
	}
	return entries, nil
}

func perThousand(perToken string) float64 {
	f, err := strconv.ParseFloat(perToken, 64)
	if err != nil {
		return 0
	}
	return f * 1000
}

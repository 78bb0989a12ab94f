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
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"cmg/internal/gateway/auth"
	"cmg/internal/gateway/ratelimit"
	"cmg/internal/gateway/telemetry"
)

// requestID stamps every request with a correlation id. An inbound
// X-Request-Id survives so ids follow a call across proxy hops; chi's
// context key keeps the id visible to middleware.GetReqID everywhere.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// securityHeaders sets the baseline hardening headers on every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// instrument reports request metrics against the chi route pattern so
// /models/{id} stays one series instead of one per model.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		telemetry.ObserveRequest(route, r.Method, status, time.Since(start))
	})
}

// maxBody caps request bodies at the configured size; oversize reads
// surface as 413 through readBody.
func (s *Server) maxBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}

// ipLimit is the pre-auth bucket keyed by client address. It fails open: an
// unreachable substrate must not take the whole edge down before auth can
// even run.
func (s *Server) ipLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := s.limiter.Allow(r.Context(), "ip", clientIP(r), s.ipBucket, true)
		if !d.Allowed {
			telemetry.RecordRateLimitDenial("ip")
			setRateHeaders(w, d)
			s.fail(w, r, &apiError{Status: http.StatusTooManyRequests, Code: CodeRateLimited, Message: "too many requests from this address"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the API key and stamps it into the context for
// auth.KeyFrom.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := s.auth.Authenticate(r.Context(), r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithKey(r.Context(), key)))
	})
}

// keyLimits enforces the per-key minute and hour buckets. Key buckets fail
// closed: a key we cannot account for is a key we do not serve.
func (s *Server) keyLimits(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := auth.KeyFrom(r.Context())
		d := s.limiter.Allow(r.Context(), "rpm", key.ID, s.keyBucket, false)
		setRateHeaders(w, d)
		if !d.Allowed {
			telemetry.RecordRateLimitDenial("rpm")
			s.fail(w, r, &apiError{Status: http.StatusTooManyRequests, Code: CodeRateLimited, Message: "rate limit exceeded, retry later"})
			return
		}
		if hd := s.limiter.Allow(r.Context(), "rph", key.ID, s.hourBucket, false); !hd.Allowed {
			telemetry.RecordRateLimitDenial("rph")
			setRateHeaders(w, hd)
			s.fail(w, r, &apiError{Status: http.StatusTooManyRequests, Code: CodeRateLimited, Message: "hourly rate limit exceeded, retry later"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// setRateHeaders exposes the bucket outcome. Reset is a unix timestamp per
// the de facto X-RateLimit convention.
func setRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		h.Set("Retry-After", strconv.FormatInt(int64(d.RetryAfter/time.Second), 10))
	}
}

// clientIP picks the best client address: edge proxy headers first, then
// the socket peer.
func clientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-Ip")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		if ip := strings.TrimSpace(fwd); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

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

// Package httpapi is the gateway's public HTTP surface: the chi router, the
// middleware stack (correlation id, security headers, rate limits, auth,
// idempotency) and the uniform response envelope with its closed error-code
// set. Handlers translate between wire shapes and the domain packages; no
// scoring, metering or policy logic lives here.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"cmg/internal/gateway/auth"
	"cmg/internal/gateway/catalog"
	"cmg/internal/gateway/config"
	"cmg/internal/gateway/events"
	"cmg/internal/gateway/idempotency"
	"cmg/internal/gateway/jobs"
	"cmg/internal/gateway/memory"
	"cmg/internal/gateway/ratelimit"
	"cmg/internal/gateway/upstream"
	"cmg/internal/gateway/usage"
	"cmg/pkg/tokens"
)

// readyProbeTimeout bounds each dependency check on /readyz.
const readyProbeTimeout = 2 * time.Second

// MemoryService is the slice of the memory engine the handlers call.
// *memory.Service satisfies it.
type MemoryService interface {
	Ingest(ctx context.Context, workspace, threadID string, mats memory.Materials) (*memory.IngestResult, error)
	Recall(ctx context.Context, workspace, threadID, purpose string, budget int) (*memory.RecallResult, error)
	WorkingSet(ctx context.Context, workspace, threadID, purpose string, focusIDs []string, budget int) (*memory.WorkingSet, error)
	Expand(ctx context.Context, workspace, id string) (*memory.Expansion, error)
	Feedback(ctx context.Context, workspace string, req memory.FeedbackRequest) error
}

// HealthFunc probes one dependency for readiness.
type HealthFunc func(ctx context.Context) error

// Deps wires the server at startup. Events may be nil; everything else is
// required.
type Deps struct {
	Config    *config.Config
	Auth      *auth.Authenticator
	Limiter   *ratelimit.Limiter
	Resolver  *catalog.Resolver
	Usage     *usage.Recorder
	Idem      *idempotency.Manager
	Upstream  *upstream.Client
	Memory    MemoryService
	Queue     *jobs.Queue
	Queues    []string
	Events    *events.Recorder
	Estimator *tokens.Estimator
	DBHealth  HealthFunc
	KVHealth  HealthFunc
	Logger    zerolog.Logger
}

// Server is the public HTTP surface.
type Server struct {
	cfg      *config.Config
	auth     *auth.Authenticator
	limiter  *ratelimit.Limiter
	resolver *catalog.Resolver
	usage    *usage.Recorder
	idem     *idempotency.Manager
	upstream *upstream.Client
	memory   MemoryService
	queue    *jobs.Queue
	queues   []string
	events   *events.Recorder
	est      *tokens.Estimator
	dbHealth HealthFunc
	kvHealth HealthFunc
	validate *validator.Validate
	logger   zerolog.Logger

	keyBucket  ratelimit.Limit
	hourBucket ratelimit.Limit
	ipBucket   ratelimit.Limit
}

// NewServer assembles the surface from its wired dependencies.
func NewServer(d Deps) *Server {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json field names in validation details, not Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	n := d.Config.RateLimitRequests
	return &Server{
		cfg:      d.Config,
		auth:     d.Auth,
		limiter:  d.Limiter,
		resolver: d.Resolver,
		usage:    d.Usage,
		idem:     d.Idem,
		upstream: d.Upstream,
		memory:   d.Memory,
		queue:    d.Queue,
		queues:   d.Queues,
		events:   d.Events,
		est:      d.Estimator,
		dbHealth: d.DBHealth,
		kvHealth: d.KVHealth,
		validate: v,
		logger:   d.Logger.With().Str("component", "httpapi").Logger(),

		keyBucket:  ratelimit.Limit{Capacity: n, RefillRate: n, Window: d.Config.RateLimitWindow},
		hourBucket: ratelimit.PerHour(n),
		ipBucket:   ratelimit.PerIP(n),
	}
}

// Routes assembles the middleware chain and route table. Health endpoints
// sit outside the limited group so load balancer probes can never be rate
// limited or asked for credentials.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key", "Authorization", "Idempotency-Key", "API-Version", "X-Request-Id"},
		ExposedHeaders: []string{
			"X-Request-Id", "X-Model-Used", "Retry-After",
			"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset",
			"X-Quota-Limit", "X-Quota-Used", "X-Quota-Remaining", "X-Quota-Reset",
		},
		MaxAge: 300,
	}))
	r.Use(securityHeaders)
	r.Use(instrument)
	r.Use(s.maxBody)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Group(func(r chi.Router) {
		r.Use(s.ipLimit)
		r.Use(s.authenticate)
		r.Use(s.keyLimits)

		r.Post("/llm/chat", s.handleChat)
		r.Post("/embeddings", s.handleEmbeddings)
		r.Get("/models", s.handleListModels)
		r.Get("/models/*", s.handleGetModel)

		r.Post("/ingest", s.handleIngest)
		r.Post("/recall", s.handleRecall)
		r.Post("/workingset", s.handleWorkingSet)
		r.Get("/expand/{id}", s.handleExpand)
		r.Get("/expand/{id}/raw", s.handleExpandRaw)
		r.Post("/feedback", s.handleFeedback)

		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleCancelJob)
		r.Get("/queues", s.handleQueues)
		r.Get("/usage/stats", s.handleUsageStats)
		r.Get("/usage/quota", s.handleUsageQuota)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.fail(w, r, notFoundErr("no such route"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.fail(w, r, &apiError{Status: http.StatusMethodNotAllowed, Code: CodeValidation, Message: "method not allowed"})
	})
	return r
}

// handleHealthz is liveness: the process is up and serving.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz is readiness: both stores must answer before the instance
// advertises itself. Probe errors are logged but the reply only says
// unreachable so connection strings never leak.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyProbeTimeout)
	defer cancel()

	checks := map[string]string{}
	ready := true
	probe := func(name string, fn HealthFunc) {
		if err := fn(ctx); err != nil {
			s.logger.Warn().Err(err).Str("dependency", name).Msg("readiness probe failed")
			checks[name] = "unreachable"
			ready = false
			return
		}
		checks[name] = "ok"
	}
	probe("database", s.dbHealth)
	probe("kv", s.kvHealth)

	if !ready {
		s.fail(w, r, &apiError{
			Status:  http.StatusServiceUnavailable,
			Code:    CodeIntegration,
			Message: "a dependency is unavailable",
			Details: checks,
		})
		return
	}
	s.respond(w, r, http.StatusOK, checks)
}

// readBody drains the capped request body; oversize bodies map to 413.
func readBody(r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, &apiError{
				Status:  http.StatusRequestEntityTooLarge,
				Code:    CodeValidation,
				Message: fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit),
			}
		}
		return nil, err
	}
	return b, nil
}

// decodeInto reads, parses and validates a JSON request body.
func (s *Server) decodeInto(r *http.Request, dst interface{}) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	return s.parseJSON(body, dst)
}

// parseJSON parses and validates an already-read body.
func (s *Server) parseJSON(body []byte, dst interface{}) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return badRequestErr("request body is required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return badRequestErr("request body is not valid JSON")
	}
	return s.validate.Struct(dst)
}

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

// Package events appends audit records for ingestion, retrieval, feedback
// and administrative actions. Payloads are redacted before they leave the
// process; caller identity and request correlation ride in on the context.
package events

import (
	"context"
	"encoding/json"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"cmg/internal/gateway/auth"
	"cmg/internal/gateway/store"
)

// EventStore is the slice of the persistence layer the recorder needs.
type EventStore interface {
	InsertEvent(ctx context.Context, ev *store.Event) error
}

// Sink receives a copy of every recorded event, already redacted. Sinks
// must not block; the recorder calls them inline on the request path.
type Sink interface {
	Write(ev *store.Event)
}

// Recorder writes audit events to the store and mirrors them to any
// configured sinks. Recording is best effort: a failed append is logged,
// never surfaced to the caller.
type Recorder struct {
	store  EventStore
	sinks  []Sink
	logger zerolog.Logger
}

// NewRecorder wires the audit trail. Extra sinks are optional.
func NewRecorder(st EventStore, logger zerolog.Logger, sinks ...Sink) *Recorder {
	return &Recorder{store: st, sinks: sinks, logger: logger}
}

// Record appends one audit event. The payload is redacted first; key and
// request identifiers are taken from the context when present.
func (r *Recorder) Record(ctx context.Context, kind, workspace string, payload map[string]interface{}) {
	red := auth.RedactMap(payload)
	raw, err := json.Marshal(red)
	if err != nil || red == nil {
		raw = []byte("{}")
	}
	ev := &store.Event{
		Kind:      kind,
		Workspace: workspace,
		RequestID: middleware.GetReqID(ctx),
		Payload:   raw,
	}
	if key := auth.KeyFrom(ctx); key != nil {
		ev.KeyID = key.ID
	}
	if err := r.store.InsertEvent(ctx, ev); err != nil {
		r.logger.Error().Err(err).Str("kind", kind).Str("workspace", workspace).Msg("audit event not stored")
	}
	for _, s := range r.sinks {
		s.Write(ev)
	}
}

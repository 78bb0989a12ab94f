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

package events

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"cmg/internal/gateway/store"
)

const flushEvery = 100 * time.Millisecond

// auditLine is the JSONL shape of one mirrored event.
type auditLine struct {
	Time      time.Time       `json:"time"`
	Kind      string          `json:"kind"`
	Workspace string          `json:"workspace"`
	KeyID     string          `json:"key_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// FileSink mirrors audit events to an append-only JSONL file. It is safe
// for concurrent use. Writes are buffered; a write that lands more than
// flushEvery after the last flush triggers the next one, so a crash loses
// at most the buffered tail.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string

	lastFlush time.Time
}

// NewFileSink opens (or creates) the audit file at path in append mode.
// Call Close when done.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f, w: bufio.NewWriterSize(f, 1<<20), path: path, lastFlush: time.Now()}, nil
}

// Write appends one event as a JSON line. Mirroring is best effort; an
// encode or write failure drops the line.
func (s *FileSink) Write(ev *store.Event) {
	line := auditLine{
		Time:      time.Now().UTC(),
		Kind:      ev.Kind,
		Workspace: ev.Workspace,
		KeyID:     ev.KeyID,
		RequestID: ev.RequestID,
		Payload:   json.RawMessage(ev.Payload),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = json.NewEncoder(s.w).Encode(&line)
	if time.Since(s.lastFlush) > flushEvery {
		_ = s.w.Flush()
		s.lastFlush = time.Now()
	}
}

// Flush forces buffered lines to disk.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFlush = time.Now()
	return s.w.Flush()
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.w.Flush()
	return s.f.Close()
}

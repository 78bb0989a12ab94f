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

package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// streamBuffer is the relay channel depth. A slow client blocks the
// producer once this many frames are queued, which stalls the upstream
// read and lets TCP push the backpressure all the way back.
const streamBuffer = 16

// Stream relays server-sent events from the provider. Frames pass through
// byte-for-byte; the relay only peeks at data payloads for usage accounting
// and the terminal [DONE] marker.
//
// The accounting accessors (Usage, Model, CompletionText, Err, Done) are
// valid only after Frames is closed; the channel close is the happens-before
// edge that makes them safe to read.
type Stream struct {
	frames chan []byte

	body     io.ReadCloser
	usage    Usage
	hasUsage bool
	model    string
	text     strings.Builder
	sawDone  bool
	err      error
}

// StreamChat opens a streaming chat completion. The breaker admits and
// scores the connection phase only; the stream itself rides the caller's
// context so a long generation is not a breaker failure.
func (c *Client) StreamChat(ctx context.Context, body []byte, fwd Forwarded) (*Stream, error) {
	var resp *http.Response
	err := c.guard.Execute(ctx, func(context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return err
		}
		c.setHeaders(req, fwd)
		req.Header.Set("Accept", "text/event-stream")
		r, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("upstream request: %w", err)
		}
		if r.StatusCode >= 500 {
			r.Body.Close()
			return &Error{Status: http.StatusBadGateway, Message: "Upstream provider error"}
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, c.mapTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		if mapped := mapStatus(resp.StatusCode, errBody); mapped != nil {
			return nil, mapped
		}
		return nil, &Error{Status: http.StatusBadGateway, Message: "Unexpected upstream status"}
	}

	s := &Stream{
		frames: make(chan []byte, streamBuffer),
		body:   resp.Body,
	}
	go s.relay(ctx)
	return s, nil
}

// Frames is the relay channel. The caller must drain it until close.
func (s *Stream) Frames() <-chan []byte { return s.frames }

// Usage reports the provider's accounting block, if one arrived.
func (s *Stream) Usage() (Usage, bool) { return s.usage, s.hasUsage }

// Model is the model id observed in the stream, if any.
func (s *Stream) Model() string { return s.model }

// CompletionText is the accumulated assistant text, kept for token
// estimation when the provider sends no usage block.
func (s *Stream) CompletionText() string { return s.text.String() }

// Done reports whether the provider sent the terminal [DONE] marker.
func (s *Stream) Done() bool { return s.sawDone }

// Err is the terminal relay error; nil on a clean end of stream.
func (s *Stream) Err() error { return s.err }

// relay pumps SSE frames from the provider body into the channel. A frame
// is the raw event text up to and including its blank-line terminator.
func (s *Stream) relay(ctx context.Context) {
	defer close(s.frames)
	defer s.body.Close()

	send := func(frame []byte) bool {
		select {
		case s.frames <- frame:
			return true
		case <-ctx.Done():
			s.err = ctx.Err()
			return false
		}
	}

	sc := bufio.NewScanner(s.body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var frame bytes.Buffer
	for sc.Scan() {
		line := sc.Text()
		frame.WriteString(line)
		frame.WriteByte('\n')
		if line == "" {
			if !send(copyBytes(frame.Bytes())) {
				return
			}
			frame.Reset()
			continue
		}
		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			s.inspect(strings.TrimSpace(payload))
		}
	}
	if frame.Len() > 0 {
		if !send(copyBytes(frame.Bytes())) {
			return
		}
	}
	if err := sc.Err(); err != nil && s.err == nil {
		s.err = err
	}
}

// inspect peeks at one data payload. Payloads that fail to parse are
// relayed untouched; only accounting is lost.
func (s *Stream) inspect(payload string) {
	if payload == "[DONE]" {
		s.sawDone = true
		return
	}
	var chunk struct {
		Model   string `json:"model"`
		Usage   *Usage `json:"usage"`
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return
	}
	if chunk.Model != "" {
		s.model = chunk.Model
	}
	if chunk.Usage != nil {
		s.usage = *chunk.Usage
		s.hasUsage = true
	}
	for _, ch := range chunk.Choices {
		s.text.WriteString(ch.Delta.Content)
	}
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

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
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func sseHandler(frames []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			fl.Flush()
		}
	}
}

func TestStreamRelaysFramesVerbatim(t *testing.T) {
	c, _ := newTestClient(t, sseHandler([]string{
		`{"model":"openai/gpt-4o","choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`[DONE]`,
	}))

	s, err := c.StreamChat(context.Background(), []byte(`{"stream":true}`), Forwarded{})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	var got []string
	for f := range s.Frames() {
		got = append(got, string(f))
	}
	if s.Err() != nil {
		t.Fatalf("relay error: %v", s.Err())
	}
	if len(got) != 3 {
		t.Fatalf("frames = %d, want 3: %q", len(got), got)
	}
	if !strings.HasPrefix(got[0], "data: {") || !strings.HasSuffix(got[0], "\n\n") {
		t.Fatalf("frame not verbatim SSE: %q", got[0])
	}
	if got[2] != "data: [DONE]\n\n" {
		t.Fatalf("terminal frame = %q", got[2])
	}
	if !s.Done() {
		t.Fatal("terminal marker not observed")
	}
	if s.CompletionText() != "Hello" {
		t.Fatalf("accumulated text = %q, want Hello", s.CompletionText())
	}
	if s.Model() != "openai/gpt-4o" {
		t.Fatalf("model = %q", s.Model())
	}
}

func TestStreamExtractsUsageBlock(t *testing.T) {
	c, _ := newTestClient(t, sseHandler([]string{
		`{"choices":[{"delta":{"content":"hi"}}]}`,
		`{"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
		`[DONE]`,
	}))

	s, err := c.StreamChat(context.Background(), []byte(`{}`), Forwarded{})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	for range s.Frames() {
	}
	u, ok := s.Usage()
	if !ok || u.PromptTokens != 5 || u.CompletionTokens != 2 {
		t.Fatalf("usage = %+v ok=%v", u, ok)
	}
}

func TestStreamWithoutUsageKeepsTextForEstimation(t *testing.T) {
	c, _ := newTestClient(t, sseHandler([]string{
		`{"choices":[{"delta":{"content":"no accounting here"}}]}`,
		`[DONE]`,
	}))

	s, err := c.StreamChat(context.Background(), []byte(`{}`), Forwarded{})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	for range s.Frames() {
	}
	if _, ok := s.Usage(); ok {
		t.Fatal("phantom usage block")
	}
	if s.CompletionText() != "no accounting here" {
		t.Fatalf("text = %q", s.CompletionText())
	}
}

func TestStreamMalformedPayloadStillRelayed(t *testing.T) {
	c, _ := newTestClient(t, sseHandler([]string{
		`this is not json`,
		`[DONE]`,
	}))

	s, err := c.StreamChat(context.Background(), []byte(`{}`), Forwarded{})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	var n int
	for range s.Frames() {
		n++
	}
	if n != 2 {
		t.Fatalf("frames = %d, want 2 (malformed payload must pass through)", n)
	}
}

func TestStreamUpstreamErrorBeforeStart(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(429)
		fmt.Fprint(w, `{}`)
	})

	_, err := c.StreamChat(context.Background(), []byte(`{}`), Forwarded{})
	var ue *Error
	if !errors.As(err, &ue) || ue.Status != 429 {
		t.Fatalf("err = %v, want mapped 429", err)
	}
}

func TestStreamConsumerCancelStopsRelay(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		fl.Flush()
		// Hold the stream open until the client goes away.
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	s, err := c.StreamChat(ctx, []byte(`{}`), Forwarded{})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	<-s.Frames()
	cancel()

	drained := make(chan struct{})
	go func() {
		for range s.Frames() {
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop after consumer cancel")
	}
	if s.Done() {
		t.Fatal("cancelled stream must not read as completed")
	}
}

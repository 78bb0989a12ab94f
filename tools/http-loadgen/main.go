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

// http-loadgen is a small HTTP load generator for the gateway. It sends
// authenticated traffic with connection reuse and reports throughput plus
// latency percentiles, so limiter and proxy behavior can be observed under
// concurrency without external tooling.
//
// Modes:
//   - chat:   POST /llm/chat with a one-message body (exercises the proxy path)
//   - recall: POST /recall against one thread (exercises the memory path)
//   - models: GET /models (cheap authenticated reads, good for limiter sweeps)
//
// Usage examples:
//
//	http-loadgen -base=http://127.0.0.1:8080 -keys=demo-key -mode=models -n=2000 -c=16
//	http-loadgen -base=http://127.0.0.1:8080 -keys=a,b,c -mode=chat -model=openai/gpt-4o-mini -n=500 -c=8
//
// 429s are counted, not treated as failures; driving a key past its limit is
// a legitimate use of this tool.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		base    = flag.String("base", "http://127.0.0.1:8080", "Base URL including scheme and host")
		modeS   = flag.String("mode", "models", "Mode: chat|recall|models")
		keysS   = flag.String("keys", "demo-key", "Comma-separated API keys, assigned round-robin")
		model   = flag.String("model", "", "Model for chat mode; empty lets the gateway resolve the default")
		thread  = flag.String("thread", "loadgen-thread", "Thread id for recall mode")
		N       = flag.Int("n", 2000, "Total requests to send")
		conc    = flag.Int("c", 8, "Concurrent workers")
		timeout = flag.Duration("timeout", 60*time.Second, "Overall run timeout")

		connIdle   = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdle    = flag.Int("max_idle", 256, "Max idle connections total")
		maxIdlePer = flag.Int("max_idle_per_host", 256, "Max idle connections per host")
	)
	flag.Parse()

	mode := strings.ToLower(*modeS)
	if mode != "chat" && mode != "recall" && mode != "models" {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want chat|recall|models)\n", *modeS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	keys := strings.Split(*keysS, ",")

	method, path, payload := buildRequest(mode, *model, *thread)
	target := strings.TrimRight(*base, "/") + path

	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        *maxIdle,
		MaxIdleConnsPerHost: *maxIdlePer,
		IdleConnTimeout:     *connIdle,
	}
	client := &http.Client{Transport: tr, Timeout: 30 * time.Second}

	runCtx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	lat := make([]time.Duration, *N)
	var seq, ok, limited, failed, netErr int64

	start := time.Now()
	g, ctx := errgroup.WithContext(runCtx)
	per := *N / *conc
	rem := *N - per**conc
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		id := w
		g.Go(func() error {
			for i := 0; i < count; i++ {
				if ctx.Err() != nil {
					return nil
				}
				key := keys[(id+i)%len(keys)]
				var body io.Reader
				if payload != nil {
					body = bytes.NewReader(payload)
				}
				req, err := http.NewRequestWithContext(ctx, method, target, body)
				if err != nil {
					return err
				}
				req.Header.Set("X-API-Key", key)
				if payload != nil {
					req.Header.Set("Content-Type", "application/json")
				}

				sent := time.Now()
				resp, err := client.Do(req)
				if err != nil {
					atomic.AddInt64(&netErr, 1)
					time.Sleep(200 * time.Microsecond)
					continue
				}
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
				idx := atomic.AddInt64(&seq, 1) - 1
				lat[idx] = time.Since(sent)
				switch {
				case resp.StatusCode < 300:
					atomic.AddInt64(&ok, 1)
				case resp.StatusCode == http.StatusTooManyRequests:
					atomic.AddInt64(&limited, 1)
				default:
					atomic.AddInt64(&failed, 1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "loadgen aborted: %v\n", err)
		os.Exit(1)
	}
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}

	completed := atomic.LoadInt64(&seq)
	sample := lat[:completed]
	sort.Slice(sample, func(i, j int) bool { return sample[i] < sample[j] })

	ops := float64(completed) / elapsed.Seconds()
	fmt.Printf("LoadGen: mode=%s n=%d c=%d go=%d duration=%s throughput=%.0f req/s\n",
		mode, *N, *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), ops)
	fmt.Printf("Status:  2xx=%d 429=%d other=%d neterr=%d\n", ok, limited, failed, netErr)
	if completed > 0 {
		fmt.Printf("Latency: p50=%s p90=%s p99=%s max=%s\n",
			pct(sample, 0.50), pct(sample, 0.90), pct(sample, 0.99), sample[len(sample)-1].Truncate(time.Microsecond))
	}
}

// buildRequest returns the method, path and body for one mode. Bodies are
// marshaled once and shared; workers wrap them in fresh readers.
func buildRequest(mode, model, thread string) (string, string, []byte) {
	switch mode {
	case "chat":
		req := map[string]interface{}{
			"messages": []map[string]string{{"role": "user", "content": "loadgen ping"}},
		}
		if model != "" {
			req["model"] = model
		}
		b, _ := json.Marshal(req)
		return http.MethodPost, "/llm/chat", b
	case "recall":
		b, _ := json.Marshal(map[string]interface{}{
			"thread_id":    thread,
			"purpose":      "loadgen sweep",
			"token_budget": 1200,
		})
		return http.MethodPost, "/recall", b
	default:
		return http.MethodGet, "/models", nil
	}
}

// pct reads one percentile from a sorted sample.
func pct(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * q)
	return sorted[idx].Truncate(time.Microsecond)
}

// Copyright 2025-2026
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package loki ships structured log lines to a Grafana Loki instance. The
// writer is attached to zerolog as a secondary output; batches are flushed on
// a timer so logging never blocks the batch pipeline.
package loki

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const (
	pushPath     = "/loki/api/v1/push"
	batchSize    = 512
	batchWait    = time.Second
	queueDepth   = 4096
	pushTimeout  = 5 * time.Second
	maxErrMsgLen = 1024
)

type logLine struct {
	ts   time.Time
	body []byte
}

// Writer buffers log lines and pushes them to Loki in the background.
// Implements io.Writer so it can be combined with the console writer via
// zerolog.MultiLevelWriter.
type Writer struct {
	pushURL string
	labels  map[string]string
	lines   chan *logLine
	client  *http.Client
	wg      sync.WaitGroup
}

// NewWriter starts a background shipper pointed at lokiURL
func NewWriter(lokiURL string) (*Writer, error) {
	u, err := url.Parse(lokiURL)
	if err != nil {
		return nil, err
	}
	u.Path = pushPath

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	w := &Writer{
		pushURL: u.String(),
		labels: map[string]string{
			"job":  "sigbatch",
			"host": hostname,
		},
		lines:  make(chan *logLine, queueDepth),
		client: &http.Client{Timeout: pushTimeout},
	}

	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Write queues one log line. Never blocks; lines are dropped when the queue
// is full so a slow Loki cannot stall the caller.
func (w *Writer) Write(p []byte) (int, error) {
	body := make([]byte, len(p))
	copy(body, p)

	select {
	case w.lines <- &logLine{ts: time.Now(), body: body}:
	default:
	}
	return len(p), nil
}

// Close flushes buffered lines and stops the shipper
func (w *Writer) Close() {
	close(w.lines)
	w.wg.Wait()
}

func (w *Writer) run() {
	defer w.wg.Done()

	batch := make([]*logLine, 0, batchSize)
	ticker := time.NewTicker(batchWait)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.push(batch); err != nil {
			fmt.Fprintf(os.Stderr, "loki push failed: %v\n", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case line, ok := <-w.lines:
			if !ok {
				flush()
				return
			}
			batch = append(batch, line)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

func (w *Writer) push(batch []*logLine) error {
	values := make([][2]string, 0, len(batch))
	for _, line := range batch {
		values = append(values, [2]string{
			strconv.FormatInt(line.ts.UnixNano(), 10),
			string(bytes.TrimRight(line.body, "\n")),
		})
	}

	payload, err := json.Marshal(&pushRequest{
		Streams: []stream{{Stream: w.labels, Values: values}},
	})
	if err != nil {
		return err
	}

	resp, err := w.client.Post(w.pushURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg := make([]byte, maxErrMsgLen)
		n, _ := resp.Body.Read(msg)
		return fmt.Errorf("loki returned status %d: %s", resp.StatusCode, string(msg[:n]))
	}
	return nil
}

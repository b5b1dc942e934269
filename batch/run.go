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

// Package batch sequences the daily analytics pipeline: market data
// collection, fundamentals, P&L snapshots, position marks, risk analytics,
// and the once-per-run universe calculations. A run is an explicit value
// threaded through the pipeline rather than shared global state, so two
// runs can never bleed into each other.
package batch

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Run statuses
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunPartial   = "partial"
	RunFailed    = "failed"
)

// Run triggers
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerAPI       = "api"
)

// Phase names, in execution order
const (
	PhaseMarketData    = "market_data"
	PhaseFundamentals  = "fundamentals"
	PhaseSnapshots     = "pnl_snapshots"
	PhasePositionMarks = "position_marks"
	PhaseRisk          = "risk_analytics"
	PhaseProfiles      = "company_profiles"
	PhaseSymbolFactors = "symbol_factors"
	PhaseSymbolMetrics = "symbol_metrics"
	PhaseSectorRestore = "sector_restore"
)

// PhaseResult records one phase execution on one date
type PhaseResult struct {
	Name      string        `json:"name"`
	Date      time.Time     `json:"date"`
	Duration  time.Duration `json:"duration"`
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Err       error         `json:"-"`
	ErrText   string        `json:"error,omitempty"`
}

// Run is the state of a single batch execution
type Run struct {
	ID        uuid.UUID      `json:"id"`
	Trigger   string         `json:"trigger"`
	Status    string         `json:"status"`
	Begin     time.Time      `json:"begin"`
	End       time.Time      `json:"end"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   time.Time      `json:"endedAt"`
	Error     string         `json:"error,omitempty"`
	Phases    []*PhaseResult `json:"phases"`
}

func NewRun(trigger string) *Run {
	return &Run{
		ID:        uuid.New(),
		Trigger:   trigger,
		Status:    RunRunning,
		StartedAt: time.Now(),
	}
}

func (r *Run) recordPhase(res *PhaseResult) {
	if res.Err != nil {
		res.ErrText = res.Err.Error()
	}
	r.Phases = append(r.Phases, res)
}

// finish sets the terminal status from the recorded phases. Every phase
// clean means completed; any phase failure makes the run partial. A run is
// failed only when it could not start at all (see fail).
func (r *Run) finish() {
	r.EndedAt = time.Now()

	for _, p := range r.Phases {
		if p.Err != nil || p.Failed > 0 {
			r.Status = RunPartial
			return
		}
	}
	r.Status = RunCompleted
}

// fail marks a run that died before any phase could execute, e.g. when the
// date range cannot be resolved
func (r *Run) fail(err error) {
	r.EndedAt = time.Now()
	r.Status = RunFailed
	r.Error = err.Error()
}

// ErrorSummary joins the run-level error and phase error messages for
// display and persistence
func (r *Run) ErrorSummary() string {
	msgs := make([]string, 0, len(r.Phases)+1)
	if r.Error != "" {
		msgs = append(msgs, r.Error)
	}
	for _, p := range r.Phases {
		if p.Err != nil {
			msgs = append(msgs, p.Name+": "+p.ErrText)
		}
	}
	return strings.Join(msgs, "; ")
}

// Duration of the whole run
func (r *Run) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.EndedAt.Sub(r.StartedAt)
}

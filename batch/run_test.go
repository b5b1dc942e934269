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

package batch_test

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sigmasight/batch-engine/batch"
)

var _ = Describe("Run", func() {
	Describe("When summarizing errors", func() {
		It("joins failing phase messages", func() {
			run := batch.NewRun(batch.TriggerManual)
			run.Phases = []*batch.PhaseResult{
				{Name: batch.PhaseMarketData, Err: errors.New("boom"), ErrText: "boom"},
				{Name: batch.PhaseSnapshots},
				{Name: batch.PhaseRisk, Err: errors.New("no history"), ErrText: "no history"},
			}
			Expect(run.ErrorSummary()).To(Equal("market_data: boom; risk_analytics: no history"))
		})

		It("is empty for a clean run", func() {
			run := batch.NewRun(batch.TriggerManual)
			run.Phases = []*batch.PhaseResult{{Name: batch.PhaseMarketData}}
			Expect(run.ErrorSummary()).To(BeEmpty())
		})
	})

	Describe("When measuring duration", func() {
		It("uses the end time once the run is over", func() {
			run := batch.NewRun(batch.TriggerManual)
			run.StartedAt = time.Now().Add(-time.Minute)
			run.EndedAt = run.StartedAt.Add(30 * time.Second)
			Expect(run.Duration()).To(Equal(30 * time.Second))
		})

		It("measures from the start while still running", func() {
			run := batch.NewRun(batch.TriggerManual)
			run.StartedAt = time.Now().Add(-time.Second)
			Expect(run.Duration()).To(BeNumerically(">", 0))
		})
	})
})

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
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pashagolub/pgxmock"

	"github.com/sigmasight/batch-engine/batch"
	"github.com/sigmasight/batch-engine/common"
	"github.com/sigmasight/batch-engine/database"
)

var _ = Describe("Tracker", func() {
	var (
		dbPool  pgxmock.PgxConnIface
		tracker *batch.Tracker
	)

	BeforeEach(func() {
		var err error
		dbPool, err = pgxmock.NewConn()
		Expect(err).To(BeNil())
		database.SetPool(dbPool)
		tracker = batch.NewTracker()
	})

	Describe("When recording run lifecycle", func() {
		It("swallows tracking store failures", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectExec("INSERT INTO batch_runs").WillReturnError(errors.New("relation does not exist"))
			dbPool.ExpectRollback()

			run := batch.NewRun(batch.TriggerScheduled)
			Expect(func() {
				tracker.RunStarted(context.Background(), run)
			}).ToNot(Panic())
		})
	})

	Describe("When resolving the last finished range", func() {
		It("returns the latest completed range end", func() {
			end := time.Date(2024, 3, 27, 0, 0, 0, 0, common.GetTimezone())
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT range_end FROM batch_runs").WillReturnRows(
				pgxmock.NewRows([]string{"range_end"}).AddRow(end))
			dbPool.ExpectCommit()

			got, found, err := tracker.LastSuccessfulEnd(context.Background())
			Expect(err).To(BeNil())
			Expect(found).To(BeTrue())
			Expect(got).To(Equal(end))
		})

		It("reports not found on a fresh deployment", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT range_end FROM batch_runs").WillReturnError(pgx.ErrNoRows)
			dbPool.ExpectRollback()

			_, found, err := tracker.LastSuccessfulEnd(context.Background())
			Expect(err).To(BeNil())
			Expect(found).To(BeFalse())
		})

		It("surfaces a read failure instead of reporting not found", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT range_end FROM batch_runs").WillReturnError(errors.New("connection refused"))
			dbPool.ExpectRollback()

			_, found, err := tracker.LastSuccessfulEnd(context.Background())
			Expect(err).To(MatchError("connection refused"))
			Expect(found).To(BeFalse())
		})
	})

	Describe("When loading a run", func() {
		It("includes phase records in execution order", func() {
			id := uuid.New()
			begin := time.Date(2024, 3, 25, 0, 0, 0, 0, common.GetTimezone())
			end := time.Date(2024, 3, 28, 0, 0, 0, 0, common.GetTimezone())

			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT trigger_source, status, range_begin, range_end, started_at").WillReturnRows(
				pgxmock.NewRows([]string{"trigger_source", "status", "range_begin", "range_end", "started_at", "ended_at"}).
					AddRow(batch.TriggerAPI, batch.RunPartial, begin, end, begin, end))
			dbPool.ExpectQuery("SELECT phase, event_date, duration_ms, processed, skipped, failed, error").WillReturnRows(
				pgxmock.NewRows([]string{"phase", "event_date", "duration_ms", "processed", "skipped", "failed", "error"}).
					AddRow(batch.PhaseMarketData, end, int64(1200), 5, 0, 0, "").
					AddRow(batch.PhaseSnapshots, end, int64(340), 2, 1, 1, "no price available"))
			dbPool.ExpectCommit()

			run, err := tracker.GetRun(context.Background(), id)
			Expect(err).To(BeNil())
			Expect(run.Trigger).To(Equal(batch.TriggerAPI))
			Expect(run.Status).To(Equal(batch.RunPartial))
			Expect(run.Phases).To(HaveLen(2))
			Expect(run.Phases[0].Name).To(Equal(batch.PhaseMarketData))
			Expect(run.Phases[0].Duration).To(Equal(1200 * time.Millisecond))
			Expect(run.Phases[1].Failed).To(Equal(1))
			Expect(run.Phases[1].ErrText).To(Equal("no price available"))
		})
	})

	Describe("When listing runs", func() {
		It("returns recent runs without phase detail", func() {
			begin := time.Date(2024, 3, 25, 0, 0, 0, 0, common.GetTimezone())
			end := time.Date(2024, 3, 28, 0, 0, 0, 0, common.GetTimezone())

			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT id, trigger_source, status, range_begin, range_end, started_at").WillReturnRows(
				pgxmock.NewRows([]string{"id", "trigger_source", "status", "range_begin", "range_end", "started_at", "ended_at"}).
					AddRow(uuid.New(), batch.TriggerScheduled, batch.RunCompleted, begin, end, begin, end).
					AddRow(uuid.New(), batch.TriggerManual, batch.RunFailed, begin, end, begin, end))
			dbPool.ExpectCommit()

			runs, err := tracker.ListRuns(context.Background(), 10)
			Expect(err).To(BeNil())
			Expect(runs).To(HaveLen(2))
			Expect(runs[0].Status).To(Equal(batch.RunCompleted))
			Expect(runs[1].Trigger).To(Equal(batch.TriggerManual))
		})
	})

	Describe("When purging old runs", func() {
		It("deletes phase records before run records", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectExec("DELETE FROM batch_run_phases").WillReturnResult(pgxmock.NewResult("DELETE", 12))
			dbPool.ExpectExec("DELETE FROM batch_runs").WillReturnResult(pgxmock.NewResult("DELETE", 4))
			dbPool.ExpectCommit()

			n, err := tracker.PurgeRuns(context.Background())
			Expect(err).To(BeNil())
			Expect(n).To(Equal(4))
		})
	})
})

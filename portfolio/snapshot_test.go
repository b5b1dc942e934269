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

package portfolio_test

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pashagolub/pgxmock"

	"github.com/sigmasight/batch-engine/common"
	"github.com/sigmasight/batch-engine/database"
	"github.com/sigmasight/batch-engine/portfolio"
)

var _ = Describe("SnapshotStore", func() {
	var (
		dbPool pgxmock.PgxConnIface
		store  *portfolio.SnapshotStore
		pid    uuid.UUID
		date   time.Time
	)

	BeforeEach(func() {
		var err error
		dbPool, err = pgxmock.NewConn()
		Expect(err).To(BeNil())
		database.SetPool(dbPool)

		store = portfolio.NewSnapshotStore()
		pid = uuid.New()
		date = time.Date(2024, 1, 10, 0, 0, 0, 0, common.GetTimezone())
	})

	Describe("When reserving a snapshot slot", func() {
		It("wins an empty slot", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectExec("INSERT INTO portfolio_snapshots").WillReturnResult(pgxmock.NewResult("INSERT", 1))
			dbPool.ExpectCommit()

			err := store.Reserve(context.Background(), pid, date)
			Expect(err).To(BeNil())
		})

		It("reports an already populated snapshot", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectExec("INSERT INTO portfolio_snapshots").WillReturnResult(pgxmock.NewResult("INSERT", 0))
			dbPool.ExpectQuery("SELECT status, reserved_at FROM portfolio_snapshots").WillReturnRows(
				pgxmock.NewRows([]string{"status", "reserved_at"}).
					AddRow(portfolio.SnapshotPopulated, time.Now().Add(-time.Hour)))
			dbPool.ExpectCommit()

			err := store.Reserve(context.Background(), pid, date)
			Expect(err).To(Equal(portfolio.ErrSnapshotAlreadyExists))
		})

		It("defers to a live reservation", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectExec("INSERT INTO portfolio_snapshots").WillReturnResult(pgxmock.NewResult("INSERT", 0))
			dbPool.ExpectQuery("SELECT status, reserved_at FROM portfolio_snapshots").WillReturnRows(
				pgxmock.NewRows([]string{"status", "reserved_at"}).
					AddRow(portfolio.SnapshotReserved, time.Now().Add(-time.Minute)))
			dbPool.ExpectCommit()

			err := store.Reserve(context.Background(), pid, date)
			Expect(err).To(Equal(portfolio.ErrSnapshotInProgress))
		})

		It("takes over a stale reservation", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectExec("INSERT INTO portfolio_snapshots").WillReturnResult(pgxmock.NewResult("INSERT", 0))
			dbPool.ExpectQuery("SELECT status, reserved_at FROM portfolio_snapshots").WillReturnRows(
				pgxmock.NewRows([]string{"status", "reserved_at"}).
					AddRow(portfolio.SnapshotReserved, time.Now().Add(-time.Hour)))
			dbPool.ExpectExec("UPDATE portfolio_snapshots SET reserved_at").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			dbPool.ExpectCommit()

			err := store.Reserve(context.Background(), pid, date)
			Expect(err).To(BeNil())
		})

		It("loses a takeover race", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectExec("INSERT INTO portfolio_snapshots").WillReturnResult(pgxmock.NewResult("INSERT", 0))
			dbPool.ExpectQuery("SELECT status, reserved_at FROM portfolio_snapshots").WillReturnRows(
				pgxmock.NewRows([]string{"status", "reserved_at"}).
					AddRow(portfolio.SnapshotReserved, time.Now().Add(-time.Hour)))
			dbPool.ExpectExec("UPDATE portfolio_snapshots SET reserved_at").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
			dbPool.ExpectCommit()

			err := store.Reserve(context.Background(), pid, date)
			Expect(err).To(Equal(portfolio.ErrSnapshotInProgress))
		})
	})

	Describe("When populating a reserved slot", func() {
		It("flips the slot to populated", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectExec("UPDATE portfolio_snapshots").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			dbPool.ExpectCommit()

			err := store.Populate(context.Background(), &portfolio.Snapshot{PortfolioID: pid, Date: date, Equity: 1000})
			Expect(err).To(BeNil())
		})

		It("rejects a double populate", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectExec("UPDATE portfolio_snapshots").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
			dbPool.ExpectCommit()

			err := store.Populate(context.Background(), &portfolio.Snapshot{PortfolioID: pid, Date: date, Equity: 1000})
			Expect(err).To(Equal(portfolio.ErrSnapshotAlreadyExists))
		})
	})

	Describe("When releasing a reservation", func() {
		It("deletes only the reserved row", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectExec("DELETE FROM portfolio_snapshots").WillReturnResult(pgxmock.NewResult("DELETE", 1))
			dbPool.ExpectCommit()

			err := store.Release(context.Background(), pid, date)
			Expect(err).To(BeNil())
		})
	})

	Describe("When reading a populated snapshot", func() {
		It("returns the snapshot when present", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT event_date, equity, pnl, gross_exposure, net_exposure FROM portfolio_snapshots").
				WillReturnRows(pgxmock.NewRows([]string{"event_date", "equity", "pnl", "gross_exposure", "net_exposure"}).
					AddRow(date, 2500.0, 125.0, 2500.0, 2500.0))
			dbPool.ExpectCommit()

			snap, found, err := store.GetPopulated(context.Background(), pid, date)
			Expect(err).To(BeNil())
			Expect(found).To(BeTrue())
			Expect(snap.Equity).To(BeNumerically("~", 2500.0, 1e-9))
			Expect(snap.PnL).To(BeNumerically("~", 125.0, 1e-9))
			Expect(snap.Date).To(Equal(date))
		})

		It("reports not found without an error", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT event_date, equity, pnl, gross_exposure, net_exposure FROM portfolio_snapshots").
				WillReturnError(pgx.ErrNoRows)
			dbPool.ExpectRollback()

			_, found, err := store.GetPopulated(context.Background(), pid, date)
			Expect(err).To(BeNil())
			Expect(found).To(BeFalse())
		})

		It("surfaces a read failure instead of reporting not found", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT event_date, equity, pnl, gross_exposure, net_exposure FROM portfolio_snapshots").
				WillReturnError(context.DeadlineExceeded)
			dbPool.ExpectRollback()

			snap, found, err := store.GetPopulated(context.Background(), pid, date)
			Expect(err).To(MatchError(context.DeadlineExceeded))
			Expect(found).To(BeFalse())
			Expect(snap).To(BeNil())
		})
	})

	Describe("When clearing snapshots for a force rerun", func() {
		It("reports the number of rows deleted", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectExec("DELETE FROM portfolio_snapshots").WillReturnResult(pgxmock.NewResult("DELETE", 3))
			dbPool.ExpectCommit()

			n, err := store.DeleteRange(context.Background(), pid, date.AddDate(0, 0, -5), date)
			Expect(err).To(BeNil())
			Expect(n).To(Equal(3))
		})
	})
})

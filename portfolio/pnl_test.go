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

	"github.com/sigmasight/batch-engine/calendar"
	"github.com/sigmasight/batch-engine/common"
	"github.com/sigmasight/batch-engine/data"
	"github.com/sigmasight/batch-engine/database"
	"github.com/sigmasight/batch-engine/portfolio"
)

var _ = Describe("Calculator", func() {
	var (
		dbPool   pgxmock.PgxConnIface
		calc     *portfolio.Calculator
		cache    *data.PriceCache
		p        *portfolio.Portfolio
		date     time.Time
		prevDate time.Time
	)

	expectReserveWin := func() {
		dbPool.ExpectBegin()
		dbPool.ExpectExec("INSERT INTO portfolio_snapshots").WillReturnResult(pgxmock.NewResult("INSERT", 1))
		dbPool.ExpectCommit()
	}

	expectPositions := func(positions ...*portfolio.Position) {
		rows := pgxmock.NewRows([]string{"id", "portfolio_id", "symbol", "quantity", "cost_basis", "market_value"})
		for _, pos := range positions {
			rows.AddRow(pos.ID, pos.PortfolioID, pos.Symbol, pos.Quantity, pos.CostBasis, pos.MarketValue)
		}
		dbPool.ExpectBegin()
		dbPool.ExpectQuery("SELECT id, portfolio_id, symbol, quantity, cost_basis, market_value FROM positions").
			WillReturnRows(rows)
		dbPool.ExpectCommit()
	}

	expectNoPrevSnapshot := func() {
		dbPool.ExpectBegin()
		dbPool.ExpectQuery("SELECT event_date, equity, pnl, gross_exposure, net_exposure FROM portfolio_snapshots").
			WillReturnError(pgx.ErrNoRows)
		dbPool.ExpectRollback()
	}

	expectPrevSnapshot := func(equity float64) {
		dbPool.ExpectBegin()
		dbPool.ExpectQuery("SELECT event_date, equity, pnl, gross_exposure, net_exposure FROM portfolio_snapshots").
			WillReturnRows(pgxmock.NewRows([]string{"event_date", "equity", "pnl", "gross_exposure", "net_exposure"}).
				AddRow(prevDate, equity, 0.0, equity, equity))
		dbPool.ExpectCommit()
	}

	expectRelease := func() {
		dbPool.ExpectBegin()
		dbPool.ExpectExec("DELETE FROM portfolio_snapshots").WillReturnResult(pgxmock.NewResult("DELETE", 1))
		dbPool.ExpectCommit()
	}

	BeforeEach(func() {
		var err error
		dbPool, err = pgxmock.NewConn()
		Expect(err).To(BeNil())
		database.SetPool(dbPool)

		tz := common.GetTimezone()
		date = time.Date(2024, 1, 10, 0, 0, 0, 0, tz) // wednesday
		prevDate = time.Date(2024, 1, 9, 0, 0, 0, 0, tz)

		cache = data.NewPriceCache(8, 30)
		cache.Put("AAPL", prevDate, 180.0)
		cache.Put("AAPL", date, 185.0)

		p = &portfolio.Portfolio{ID: uuid.New(), Name: "growth"}
		calc = portfolio.NewCalculator(portfolio.NewStore(), portfolio.NewSnapshotStore(), cache, calendar.New(nil))
	})

	Describe("When writing the first snapshot of a portfolio", func() {
		It("seeds equity with market value and measures P&L against cost basis", func() {
			expectReserveWin()
			expectPositions(&portfolio.Position{
				ID: uuid.New(), PortfolioID: p.ID, Symbol: "AAPL", Quantity: 10, CostBasis: 1700,
			})
			expectNoPrevSnapshot()

			// equity 10 * 185 = 1850; pnl 1850 - 1700 = 150
			dbPool.ExpectBegin()
			dbPool.ExpectExec("UPDATE portfolio_snapshots").
				WithArgs(p.ID, date, 1850.0, 150.0, 1850.0, 1850.0, portfolio.SnapshotPopulated, portfolio.SnapshotReserved).
				WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			dbPool.ExpectCommit()

			res := calc.CalculateDay(context.Background(), p, date)
			Expect(res.Err).To(BeNil())
			Expect(res.Written).To(BeTrue())
		})
	})

	Describe("When a previous snapshot exists", func() {
		It("rolls equity forward from the prior close", func() {
			expectReserveWin()
			expectPositions(&portfolio.Position{
				ID: uuid.New(), PortfolioID: p.ID, Symbol: "AAPL", Quantity: 10, CostBasis: 1700,
			})
			expectPrevSnapshot(2000.0)

			// pnl 10 * (185 - 180) = 50; equity 2000 + 50 = 2050
			dbPool.ExpectBegin()
			dbPool.ExpectExec("UPDATE portfolio_snapshots").
				WithArgs(p.ID, date, 2050.0, 50.0, 1850.0, 1850.0, portfolio.SnapshotPopulated, portfolio.SnapshotReserved).
				WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			dbPool.ExpectCommit()

			res := calc.CalculateDay(context.Background(), p, date)
			Expect(res.Err).To(BeNil())
			Expect(res.Written).To(BeTrue())
		})

		It("nets long and short positions into exposure", func() {
			cache.Put("SQQQ", prevDate, 20.0)
			cache.Put("SQQQ", date, 19.0)

			expectReserveWin()
			expectPositions(
				&portfolio.Position{ID: uuid.New(), PortfolioID: p.ID, Symbol: "AAPL", Quantity: 10, CostBasis: 1700},
				&portfolio.Position{ID: uuid.New(), PortfolioID: p.ID, Symbol: "SQQQ", Quantity: -50, CostBasis: -1000},
			)
			expectPrevSnapshot(2000.0)

			// aapl pnl +50, sqqq pnl -50*(19-20) = +50
			// gross 1850 + 950 = 2800; net 1850 - 950 = 900
			dbPool.ExpectBegin()
			dbPool.ExpectExec("UPDATE portfolio_snapshots").
				WithArgs(p.ID, date, 2100.0, 100.0, 2800.0, 900.0, portfolio.SnapshotPopulated, portfolio.SnapshotReserved).
				WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			dbPool.ExpectCommit()

			res := calc.CalculateDay(context.Background(), p, date)
			Expect(res.Err).To(BeNil())
			Expect(res.Written).To(BeTrue())
		})
	})

	Describe("When snapshots run over consecutive trading days", func() {
		It("accumulates P&L without double counting", func() {
			tz := common.GetTimezone()
			day1 := time.Date(2024, 1, 10, 0, 0, 0, 0, tz)
			day2 := time.Date(2024, 1, 11, 0, 0, 0, 0, tz)
			day3 := time.Date(2024, 1, 12, 0, 0, 0, 0, tz)

			for day, closes := range map[time.Time][2]float64{
				day1: {180.0, 400.0},
				day2: {182.0, 404.0},
				day3: {181.0, 410.0},
			} {
				cache.Put("AAPL", day, closes[0])
				cache.Put("MSFT", day, closes[1])
			}

			aapl := &portfolio.Position{ID: uuid.New(), PortfolioID: p.ID, Symbol: "AAPL", Quantity: 10, CostBasis: 1700}
			msft := &portfolio.Position{ID: uuid.New(), PortfolioID: p.ID, Symbol: "MSFT", Quantity: 5, CostBasis: 1800}

			expectPopulate := func(day time.Time, equity, pnl, exposure float64) {
				dbPool.ExpectBegin()
				dbPool.ExpectExec("UPDATE portfolio_snapshots").
					WithArgs(p.ID, day, equity, pnl, exposure, exposure, portfolio.SnapshotPopulated, portfolio.SnapshotReserved).
					WillReturnResult(pgxmock.NewResult("UPDATE", 1))
				dbPool.ExpectCommit()
			}

			// day 1: first snapshot seeds equity from market value
			// mv = 10*180 + 5*400 = 3800; pnl vs cost = 100 + 200 = 300
			expectReserveWin()
			expectPositions(aapl, msft)
			expectNoPrevSnapshot()
			expectPopulate(day1, 3800.0, 300.0, 3800.0)
			res := calc.CalculateDay(context.Background(), p, day1)
			Expect(res.Err).To(BeNil())
			Expect(res.Written).To(BeTrue())

			// day 2: pnl = 10*(182-180) + 5*(404-400) = 40; equity 3840
			expectReserveWin()
			expectPositions(aapl, msft)
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT event_date, equity, pnl, gross_exposure, net_exposure FROM portfolio_snapshots").
				WillReturnRows(pgxmock.NewRows([]string{"event_date", "equity", "pnl", "gross_exposure", "net_exposure"}).
					AddRow(day1, 3800.0, 300.0, 3800.0, 3800.0))
			dbPool.ExpectCommit()
			expectPopulate(day2, 3840.0, 40.0, 3840.0)
			res = calc.CalculateDay(context.Background(), p, day2)
			Expect(res.Err).To(BeNil())
			Expect(res.Written).To(BeTrue())

			// day 3: pnl = 10*(181-182) + 5*(410-404) = 20; equity 3860, so
			// total equity growth 60 equals the summed daily P&L
			expectReserveWin()
			expectPositions(aapl, msft)
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT event_date, equity, pnl, gross_exposure, net_exposure FROM portfolio_snapshots").
				WillReturnRows(pgxmock.NewRows([]string{"event_date", "equity", "pnl", "gross_exposure", "net_exposure"}).
					AddRow(day2, 3840.0, 40.0, 3840.0, 3840.0))
			dbPool.ExpectCommit()
			expectPopulate(day3, 3860.0, 20.0, 3860.0)
			res = calc.CalculateDay(context.Background(), p, day3)
			Expect(res.Err).To(BeNil())
			Expect(res.Written).To(BeTrue())
		})
	})

	Describe("When the snapshot slot is contended", func() {
		It("skips an already populated date", func() {
			dbPool.ExpectBegin()
			dbPool.ExpectExec("INSERT INTO portfolio_snapshots").WillReturnResult(pgxmock.NewResult("INSERT", 0))
			dbPool.ExpectQuery("SELECT status, reserved_at FROM portfolio_snapshots").WillReturnRows(
				pgxmock.NewRows([]string{"status", "reserved_at"}).
					AddRow(portfolio.SnapshotPopulated, time.Now().Add(-time.Hour)))
			dbPool.ExpectCommit()

			res := calc.CalculateDay(context.Background(), p, date)
			Expect(res.Err).To(BeNil())
			Expect(res.Skipped).To(BeTrue())
			Expect(res.Written).To(BeFalse())
		})
	})

	Describe("When the snapshot cannot be built", func() {
		It("releases the reservation when the portfolio has no positions", func() {
			expectReserveWin()
			expectPositions()
			expectRelease()

			res := calc.CalculateDay(context.Background(), p, date)
			Expect(res.Err).To(Equal(portfolio.ErrNoPositions))
			Expect(res.Written).To(BeFalse())
		})

		It("releases the reservation when the prior snapshot cannot be read", func() {
			expectReserveWin()
			expectPositions(&portfolio.Position{
				ID: uuid.New(), PortfolioID: p.ID, Symbol: "AAPL", Quantity: 10, CostBasis: 1700,
			})
			dbPool.ExpectBegin()
			dbPool.ExpectQuery("SELECT event_date, equity, pnl, gross_exposure, net_exposure FROM portfolio_snapshots").
				WillReturnError(context.DeadlineExceeded)
			dbPool.ExpectRollback()
			expectRelease()

			res := calc.CalculateDay(context.Background(), p, date)
			Expect(res.Err).To(MatchError(context.DeadlineExceeded))
			Expect(res.Written).To(BeFalse())
		})

		It("releases the reservation when a position has no price", func() {
			expectReserveWin()
			expectPositions(&portfolio.Position{
				ID: uuid.New(), PortfolioID: p.ID, Symbol: "ZZZ", Quantity: 5, CostBasis: 100,
			})
			expectNoPrevSnapshot()
			expectRelease()

			res := calc.CalculateDay(context.Background(), p, date)
			Expect(res.Err).To(Equal(portfolio.ErrMissingPrice))
		})
	})

	Describe("When marking positions to market", func() {
		It("updates positions with prices and skips the rest", func() {
			expectPositions(
				&portfolio.Position{ID: uuid.New(), PortfolioID: p.ID, Symbol: "AAPL", Quantity: 10, CostBasis: 1700},
				&portfolio.Position{ID: uuid.New(), PortfolioID: p.ID, Symbol: "ZZZ", Quantity: 5, CostBasis: 100},
			)
			dbPool.ExpectBegin()
			dbPool.ExpectExec("UPDATE positions SET market_value").
				WithArgs(185.0, p.ID, "AAPL").
				WillReturnResult(pgxmock.NewResult("UPDATE", 1))
			dbPool.ExpectCommit()

			n, err := calc.UpdatePositionMarks(context.Background(), p, date)
			Expect(err).To(BeNil())
			Expect(n).To(Equal(1))
		})
	})
})

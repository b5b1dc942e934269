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

package factors_test

import (
	"context"
	"math"
	"time"

	"github.com/jackc/pgx/v4"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pashagolub/pgxmock"
	"github.com/spf13/viper"

	"github.com/sigmasight/batch-engine/calendar"
	"github.com/sigmasight/batch-engine/common"
	"github.com/sigmasight/batch-engine/data"
	"github.com/sigmasight/batch-engine/database"
	"github.com/sigmasight/batch-engine/factors"
)

func tz() *time.Location {
	return common.GetTimezone()
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, tz())
}

// warmSeries fills the cache with a constant daily-return price series over
// every trading day in [begin, asOf]
func warmSeries(cache *data.PriceCache, cal *calendar.Calendar, symbol string, begin, asOf time.Time, dailyRet float64) {
	price := 100.0
	for _, d := range cal.TradingDaysBetween(begin, asOf) {
		cache.Put(symbol, d, price)
		price *= 1.0 + dailyRet
	}
}

var _ = Describe("Calculator", func() {
	var (
		dbPool pgxmock.PgxConnIface
		cal    *calendar.Calendar
		cache  *data.PriceCache
		calc   *factors.Calculator
		asOf   time.Time
		begin  time.Time
	)

	expectUniverse := func(symbols ...string) {
		rows := pgxmock.NewRows([]string{"symbol"})
		for _, s := range symbols {
			rows.AddRow(s)
		}
		dbPool.ExpectBegin()
		dbPool.ExpectQuery("SELECT DISTINCT symbol FROM positions").WillReturnRows(rows)
		dbPool.ExpectCommit()
	}

	expectNoDollarVolume := func() {
		dbPool.ExpectBegin()
		dbPool.ExpectQuery("SELECT event_date, open, high, low, close, volume FROM eod_prices").WillReturnRows(
			pgxmock.NewRows([]string{"event_date", "open", "high", "low", "close", "volume"}))
		dbPool.ExpectCommit()
	}

	expectNoStatements := func() {
		dbPool.ExpectBegin()
		dbPool.ExpectQuery("SELECT line_items FROM fundamentals").WillReturnError(pgx.ErrNoRows)
		dbPool.ExpectRollback()
	}

	BeforeEach(func() {
		var err error
		dbPool, err = pgxmock.NewConn()
		Expect(err).To(BeNil())
		database.SetPool(dbPool)

		viper.Set("factors.lookback_days", 120)
		viper.Set("factors.ridge_lambda", 1e-8)
		viper.Set("factors.basis", map[string]string{"market": "SPY"})

		cal = calendar.New(nil)
		cache = data.NewPriceCache(8, 500)
		calc = factors.NewCalculator(cache, data.NewStore(), factors.NewStore(), cal)

		asOf = day(2024, 3, 28) // thursday
		begin = asOf.AddDate(0, 0, -420)

		warmSeries(cache, cal, "SPY", begin, asOf, 0.001)
		warmSeries(cache, cal, "AAA", begin, asOf, 0.002)
		warmSeries(cache, cal, "BBB", begin, asOf, 0.0005)
	})

	Describe("When calculating universe factor exposures", func() {
		It("recovers market betas from the return regression", func() {
			expectUniverse("AAA", "BBB")
			expectNoDollarVolume() // AAA size signal
			expectNoStatements()   // AAA value signal
			expectNoDollarVolume()
			expectNoStatements()

			exposures, err := calc.CalculateUniverseFactors(context.Background(), asOf)
			Expect(err).To(BeNil())
			Expect(exposures).To(HaveLen(2))
			Expect(exposures["AAA"].Betas["market"]).To(BeNumerically("~", 2.0, 0.01))
			Expect(exposures["BBB"].Betas["market"]).To(BeNumerically("~", 0.5, 0.01))
		})

		It("ranks spread scores into [-1, 1]", func() {
			expectUniverse("AAA", "BBB")
			expectNoDollarVolume()
			expectNoStatements()
			expectNoDollarVolume()
			expectNoStatements()

			exposures, err := calc.CalculateUniverseFactors(context.Background(), asOf)
			Expect(err).To(BeNil())

			// only low_volatility survives: no fundamentals, no volume bars,
			// and the window is too short for momentum
			for _, symbol := range []string{"AAA", "BBB"} {
				Expect(exposures[symbol].Scores).To(HaveKey(factors.ScoreLowVol))
				Expect(exposures[symbol].Scores).To(HaveLen(1))
				Expect(math.Abs(exposures[symbol].Scores[factors.ScoreLowVol])).To(BeNumerically("<=", 1.0))
			}
		})

		It("omits symbols with incomplete price history", func() {
			expectUniverse("AAA", "BBB", "CCC")
			expectNoDollarVolume()
			expectNoStatements()
			expectNoDollarVolume()
			expectNoStatements()

			exposures, err := calc.CalculateUniverseFactors(context.Background(), asOf)
			Expect(err).To(BeNil())
			Expect(exposures).To(HaveLen(2))
			Expect(exposures).ToNot(HaveKey("CCC"))
		})

		It("returns an empty result when no basis series is cached", func() {
			viper.Set("factors.basis", map[string]string{"market": "QQQ"})
			expectUniverse("AAA")

			exposures, err := calc.CalculateUniverseFactors(context.Background(), asOf)
			Expect(err).To(BeNil())
			Expect(exposures).To(BeEmpty())
		})
	})

	Describe("When calculating symbol metrics", func() {
		It("derives horizon returns from cached closes", func() {
			expectUniverse("AAA")
			expectNoStatements()

			metrics, err := calc.CalculateSymbolMetrics(context.Background(), asOf, nil)
			Expect(err).To(BeNil())
			Expect(metrics).To(HaveKey("AAA"))

			m := metrics["AAA"]
			Expect(m.Returns["1d"]).To(BeNumerically("~", 0.002, 1e-9))
			Expect(m.Returns["1w"]).To(BeNumerically("~", math.Pow(1.002, 5)-1, 1e-9))
			Expect(m.Returns["1y"]).To(BeNumerically("~", math.Pow(1.002, 252)-1, 1e-9))
		})

		It("denormalizes the factor exposure into the record", func() {
			expectUniverse("AAA")
			expectNoStatements()

			exposures := map[string]*factors.FactorExposure{
				"AAA": {Symbol: "AAA", AsOf: asOf, Betas: map[string]float64{"market": 2.0}},
			}
			metrics, err := calc.CalculateSymbolMetrics(context.Background(), asOf, exposures)
			Expect(err).To(BeNil())
			Expect(metrics["AAA"].Exposure).To(Equal(exposures["AAA"]))
		})

		It("skips symbols missing from the cache", func() {
			expectUniverse("ZZZ")

			metrics, err := calc.CalculateSymbolMetrics(context.Background(), asOf, nil)
			Expect(err).To(BeNil())
			Expect(metrics).To(BeEmpty())
		})
	})
})

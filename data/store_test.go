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

package data_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pashagolub/pgxmock"

	"github.com/sigmasight/batch-engine/data"
	"github.com/sigmasight/batch-engine/database"
	"github.com/sigmasight/batch-engine/pgxmockhelper"
)

var _ = Describe("Store", func() {
	var (
		dbPool pgxmock.PgxConnIface
		store  *data.Store
	)

	BeforeEach(func() {
		var err error
		dbPool, err = pgxmock.NewConn()
		Expect(err).To(BeNil())
		database.SetPool(dbPool)
		store = data.NewStore()
	})

	Describe("When reading daily bars", func() {
		It("returns bars inside the requested range", func() {
			begin := time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)
			end := time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC)
			pgxmockhelper.MockEodQuery(dbPool, "../testdata/eod_aapl.csv", begin, end)

			bars, err := store.GetEodBars(context.Background(), "AAPL", begin, end)
			Expect(err).To(BeNil())
			Expect(bars).To(HaveLen(4))
			Expect(bars[0].Close).To(BeNumerically("~", 181.91, 1e-9))
			Expect(bars[3].Close).To(BeNumerically("~", 185.14, 1e-9))
			Expect(bars[3].Volume).To(Equal(int64(42841800)))
			for _, bar := range bars {
				Expect(bar.Symbol).To(Equal("AAPL"))
			}
		})
	})

	Describe("When warming the price cache from storage", func() {
		It("loads the rolling close window for a symbol", func() {
			cache := data.NewPriceCache(4, 30)
			end := day(2024, 1, 10)
			pgxmockhelper.MockEodQuery(dbPool, "../testdata/eod_aapl.csv", end.AddDate(0, 0, -30), end)

			err := cache.Warm(context.Background(), store, "AAPL", end, 30)
			Expect(err).To(BeNil())

			price, ok := cache.Get("AAPL", day(2024, 1, 10))
			Expect(ok).To(BeTrue())
			Expect(price).To(BeNumerically("~", 186.19, 1e-9))

			price, ok = cache.Get("AAPL", day(2024, 1, 2))
			Expect(ok).To(BeTrue())
			Expect(price).To(BeNumerically("~", 185.64, 1e-9))
		})
	})
})

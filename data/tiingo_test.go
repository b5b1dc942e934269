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
	"net/http"

	"github.com/jarcoal/httpmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/viper"

	"github.com/sigmasight/batch-engine/common"
	"github.com/sigmasight/batch-engine/data"
)

const tiingoBarsBody = `[
  {"date":"2024-01-02T00:00:00.000Z","open":187.15,"high":188.44,"low":183.89,"close":185.64,"volume":82488700},
  {"date":"2024-01-03T00:00:00.000Z","open":184.22,"high":185.88,"low":183.43,"close":184.25,"volume":58414500}
]`

var _ = Describe("Tiingo", func() {
	var provider data.Provider

	BeforeEach(func() {
		viper.Set("cache.local_size", 64)
		common.SetupCache()

		httpmock.Activate()
		provider = data.NewTiingo("TEST")
	})

	AfterEach(func() {
		httpmock.DeactivateAndReset()
	})

	Describe("When fetching daily bars", func() {
		It("parses bars into New York dates", func() {
			httpmock.RegisterResponder("GET", `=~^https://api\.tiingo\.com/tiingo/daily/AAPL/prices`,
				httpmock.NewStringResponder(http.StatusOK, tiingoBarsBody))

			res := provider.FetchDailyBars(context.Background(), "AAPL", day(2024, 1, 2), day(2024, 1, 3))
			Expect(res.Status).To(Equal(data.FetchOk))
			Expect(res.Bars).To(HaveLen(2))
			Expect(res.Bars[0].Date).To(Equal(day(2024, 1, 2)))
			Expect(res.Bars[0].Close).To(BeNumerically("~", 185.64, 1e-9))
			Expect(res.Bars[1].Date).To(Equal(day(2024, 1, 3)))
		})

		It("memoizes responses in the byte cache", func() {
			httpmock.RegisterResponder("GET", `=~^https://api\.tiingo\.com/tiingo/daily/AAPL/prices`,
				httpmock.NewStringResponder(http.StatusOK, tiingoBarsBody))

			res := provider.FetchDailyBars(context.Background(), "AAPL", day(2024, 1, 2), day(2024, 1, 3))
			Expect(res.Status).To(Equal(data.FetchOk))
			res = provider.FetchDailyBars(context.Background(), "AAPL", day(2024, 1, 2), day(2024, 1, 3))
			Expect(res.Status).To(Equal(data.FetchOk))

			Expect(httpmock.GetTotalCallCount()).To(Equal(1))
		})

		It("maps 404 to not found", func() {
			httpmock.RegisterResponder("GET", `=~^https://api\.tiingo\.com/tiingo/daily/NOPE/prices`,
				httpmock.NewStringResponder(http.StatusNotFound, `{"detail":"Not found"}`))

			res := provider.FetchDailyBars(context.Background(), "NOPE", day(2024, 1, 2), day(2024, 1, 3))
			Expect(res.Status).To(Equal(data.FetchNotFound))
		})

		It("maps 429 to rate limited", func() {
			httpmock.RegisterResponder("GET", `=~^https://api\.tiingo\.com/tiingo/daily/AAPL/prices`,
				httpmock.NewStringResponder(http.StatusTooManyRequests, `{"detail":"rate limit"}`))

			res := provider.FetchDailyBars(context.Background(), "AAPL", day(2024, 1, 2), day(2024, 1, 3))
			Expect(res.Status).To(Equal(data.FetchRateLimited))
		})

		It("maps server errors to transient", func() {
			httpmock.RegisterResponder("GET", `=~^https://api\.tiingo\.com/tiingo/daily/AAPL/prices`,
				httpmock.NewStringResponder(http.StatusInternalServerError, `{}`))

			res := provider.FetchDailyBars(context.Background(), "AAPL", day(2024, 1, 2), day(2024, 1, 3))
			Expect(res.Status).To(Equal(data.FetchTransientError))
			Expect(res.Err).ToNot(BeNil())
		})
	})

	Describe("When fetching a company profile", func() {
		It("parses reference data", func() {
			httpmock.RegisterResponder("GET", `=~^https://api\.tiingo\.com/tiingo/fundamentals/meta`,
				httpmock.NewStringResponder(http.StatusOK,
					`[{"ticker":"AAPL","name":"Apple Inc","sector":"Technology","industry":"Consumer Electronics","statementLastUpdated":"2024-02-01T00:00:00.000Z"}]`))

			profiles := data.NewTiingoProfiles("TEST")
			profile, found, err := profiles.FetchCompanyProfile(context.Background(), "AAPL")
			Expect(err).To(BeNil())
			Expect(found).To(BeTrue())
			Expect(profile.Name).To(Equal("Apple Inc"))
			Expect(profile.Sector).To(Equal("Technology"))
		})
	})
})

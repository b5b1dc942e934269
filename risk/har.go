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

package risk

import (
	"math"

	"github.com/sigmasight/batch-engine/factors"
)

const (
	harWeeklyWindow  = 5
	harMonthlyWindow = 22
)

// harVolatility produces an annualized next-day volatility forecast from a
// heterogeneous autoregressive model over daily, weekly, and monthly
// realized-variance components. Squared daily returns proxy realized
// variance since only close prices are available.
func harVolatility(rets []float64) (float64, error) {
	if len(rets) < harMonthlyWindow*2 {
		return 0, ErrInsufficientHistory
	}

	rv := make([]float64, len(rets))
	for i, r := range rets {
		rv[i] = r * r
	}

	// observations start once the monthly window is full; the regressand is
	// next-day realized variance
	start := harMonthlyWindow - 1
	n := len(rv) - 1 - start
	if n < harMonthlyWindow {
		return 0, ErrInsufficientHistory
	}

	daily := make([]float64, n)
	weekly := make([]float64, n)
	monthly := make([]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		t := start + i
		daily[i] = rv[t]
		weekly[i] = trailingMean(rv, t, harWeeklyWindow)
		monthly[i] = trailingMean(rv, t, harMonthlyWindow)
		y[i] = rv[t+1]
	}

	coefs, err := factors.OLS([][]float64{daily, weekly, monthly}, y)
	if err != nil {
		return 0, err
	}

	last := len(rv) - 1
	forecast := coefs[0] +
		coefs[1]*rv[last] +
		coefs[2]*trailingMean(rv, last, harWeeklyWindow) +
		coefs[3]*trailingMean(rv, last, harMonthlyWindow)
	if forecast < 0 {
		forecast = 0
	}
	return math.Sqrt(forecast * 252), nil
}

func trailingMean(vals []float64, end, window int) float64 {
	begin := end - window + 1
	if begin < 0 {
		begin = 0
	}
	sum := 0.0
	for i := begin; i <= end; i++ {
		sum += vals[i]
	}
	return sum / float64(end-begin+1)
}

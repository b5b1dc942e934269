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

// Package factors computes per-symbol, portfolio-independent analytics.
// Factor exposure is a property of the symbol, not of any portfolio holding
// it: running the regression once over the universe and reusing the result
// across every portfolio turns an O(portfolios x symbols) cost into
// O(symbols).
package factors

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/batch-engine/calendar"
	"github.com/sigmasight/batch-engine/data"
	"github.com/sigmasight/batch-engine/observability/opentelemetry"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"gonum.org/v1/gonum/stat"
)

// FactorExposure is a symbol's regression betas against the factor basis plus
// its cross-sectional spread scores. Identical for every portfolio holding
// the symbol on the as-of date.
type FactorExposure struct {
	Symbol string             `json:"symbol"`
	AsOf   time.Time          `json:"asOf"`
	Betas  map[string]float64 `json:"betas"`
	Scores map[string]float64 `json:"scores"`
}

// SymbolMetrics is per-symbol derived data: horizon returns, valuation
// figures, and a denormalized copy of the latest factor exposure for fast
// reads without a join
type SymbolMetrics struct {
	Symbol    string             `json:"symbol"`
	Date      time.Time          `json:"date"`
	Returns   map[string]float64 `json:"returns"`
	Valuation map[string]float64 `json:"valuation"`
	Exposure  *FactorExposure    `json:"exposure,omitempty"`
}

// spread score names
const (
	ScoreMomentum = "momentum"
	ScoreValue    = "value"
	ScoreQuality  = "quality"
	ScoreSize     = "size"
	ScoreLowVol   = "low_volatility"
)

var returnHorizons = map[string]int{
	"1d": 1,
	"1w": 5,
	"1m": 21,
	"3m": 63,
	"1y": 252,
}

// Calculator runs the once-per-batch universe calculations
type Calculator struct {
	cache     *data.PriceCache
	dataStore *data.Store
	store     *Store
	cal       *calendar.Calendar
}

func NewCalculator(cache *data.PriceCache, dataStore *data.Store, store *Store, cal *calendar.Calendar) *Calculator {
	return &Calculator{
		cache:     cache,
		dataStore: dataStore,
		store:     store,
		cal:       cal,
	}
}

// CalculateUniverseFactors regresses each universe symbol's daily returns
// against the factor basis and computes spread scores via cross-sectional
// ranking. Symbols with insufficient history are omitted from the result,
// never fatal.
func (calc *Calculator) CalculateUniverseFactors(ctx context.Context, asOf time.Time) (map[string]*FactorExposure, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "factors.CalculateUniverseFactors")
	defer span.End()

	subLog := log.With().Time("AsOf", asOf).Logger()

	lookback := viper.GetInt("factors.lookback_days")
	if lookback <= 0 {
		lookback = 252
	}
	minObs := viper.GetInt("factors.min_observations")
	if minObs <= 0 {
		minObs = 60
	}
	lambda := viper.GetFloat64("factors.ridge_lambda")
	if lambda <= 0 {
		lambda = 1.0
	}

	symbols, err := calc.dataStore.Universe(ctx, []uuid.UUID{})
	if err != nil {
		subLog.Error().Err(err).Msg("could not resolve symbol universe")
		return nil, err
	}

	days := calc.tradingWindow(asOf, lookback)
	if len(days) < minObs+1 {
		subLog.Warn().Int("Days", len(days)).Msg("not enough trading days in window")
		return map[string]*FactorExposure{}, nil
	}

	basis := calc.basisReturns(days)
	if len(basis.names) == 0 {
		subLog.Warn().Msg("no factor basis series available; skipping regression")
		return map[string]*FactorExposure{}, nil
	}

	exposures := make(map[string]*FactorExposure, len(symbols))
	signals := make(map[string]map[string]float64, len(symbols))

	for _, symbol := range symbols {
		closes, err := calc.cache.Closes(symbol, days)
		if err != nil {
			// insufficient history for this symbol only
			subLog.Debug().Str("Symbol", symbol).Msg("incomplete price series; symbol omitted from factor calc")
			continue
		}

		rets := dailyReturns(closes)
		if len(rets) < minObs {
			continue
		}

		betas, err := ridgeRegression(basis.alignTo(len(rets)), rets, basis.names, lambda)
		if err != nil {
			subLog.Warn().Err(err).Str("Symbol", symbol).Msg("regression failed; symbol omitted")
			continue
		}

		exposures[symbol] = &FactorExposure{
			Symbol: symbol,
			AsOf:   asOf,
			Betas:  betas,
			Scores: make(map[string]float64),
		}

		signals[symbol] = calc.rawSignals(ctx, symbol, closes, rets)
	}

	// spread scores from cross-sectional percentile ranks
	for _, score := range []string{ScoreMomentum, ScoreValue, ScoreQuality, ScoreSize, ScoreLowVol} {
		ranked := crossSectionalRank(signals, score)
		for symbol, val := range ranked {
			if exp, ok := exposures[symbol]; ok {
				exp.Scores[score] = val
			}
		}
	}

	subLog.Info().Int("Universe", len(symbols)).Int("Computed", len(exposures)).Msg("universe factor calculation finished")
	return exposures, nil
}

// CalculateSymbolMetrics derives horizon returns and valuation figures for
// every universe symbol, denormalizing the latest factor exposure into each
// record
func (calc *Calculator) CalculateSymbolMetrics(ctx context.Context, asOf time.Time, exposures map[string]*FactorExposure) (map[string]*SymbolMetrics, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "factors.CalculateSymbolMetrics")
	defer span.End()

	subLog := log.With().Time("AsOf", asOf).Logger()

	symbols, err := calc.dataStore.Universe(ctx, []uuid.UUID{})
	if err != nil {
		subLog.Error().Err(err).Msg("could not resolve symbol universe")
		return nil, err
	}

	days := calc.tradingWindow(asOf, 253)

	metrics := make(map[string]*SymbolMetrics, len(symbols))
	for _, symbol := range symbols {
		closes, err := calc.cache.Closes(symbol, days)
		if err != nil || len(closes) < 2 {
			continue
		}

		m := &SymbolMetrics{
			Symbol:    symbol,
			Date:      asOf,
			Returns:   make(map[string]float64, len(returnHorizons)),
			Valuation: make(map[string]float64),
		}

		last := closes[len(closes)-1]
		for name, horizon := range returnHorizons {
			idx := len(closes) - 1 - horizon
			if idx < 0 {
				continue
			}
			if closes[idx] != 0 {
				m.Returns[name] = last/closes[idx] - 1.0
			}
		}

		if vals, err := calc.store.LatestStatementValues(ctx, symbol, data.StatementBalance); err == nil {
			if assets, ok := vals["totalAssets"]; ok && assets != 0 {
				if equity, hasEquity := vals["equity"]; hasEquity {
					m.Valuation["book_to_assets"] = equity / assets
				}
				if income, err := calc.store.LatestStatementValues(ctx, symbol, data.StatementIncome); err == nil {
					if netIncome, ok := income["netinc"]; ok {
						m.Valuation["return_on_assets"] = netIncome / assets
					}
				}
			}
		}

		if exp, ok := exposures[symbol]; ok {
			m.Exposure = exp
		}

		metrics[symbol] = m
	}

	subLog.Info().Int("Computed", len(metrics)).Msg("symbol metrics calculation finished")
	return metrics, nil
}

// tradingWindow returns the last n trading days ending at asOf
func (calc *Calculator) tradingWindow(asOf time.Time, n int) []time.Time {
	// walk back roughly 1.5 calendar days per trading day, then trim
	begin := asOf.AddDate(0, 0, -(n*3/2 + 10))
	days := calc.cal.TradingDaysBetween(begin, asOf)
	if len(days) > n {
		days = days[len(days)-n:]
	}
	return days
}

type basisMatrix struct {
	names   []string
	columns [][]float64
}

// alignTo trims every basis column to the last n observations
func (b *basisMatrix) alignTo(n int) [][]float64 {
	cols := make([][]float64, len(b.columns))
	for idx, col := range b.columns {
		cols[idx] = col[len(col)-n:]
	}
	return cols
}

// basisReturns builds the factor basis return matrix from configured
// benchmark symbols (factors.basis, e.g. market=SPY rates=TLT)
func (calc *Calculator) basisReturns(days []time.Time) *basisMatrix {
	basisCfg := viper.GetStringMapString("factors.basis")
	if len(basisCfg) == 0 {
		basisCfg = map[string]string{
			"market":    "SPY",
			"rates":     "TLT",
			"small_cap": "IWM",
		}
	}

	names := make([]string, 0, len(basisCfg))
	for name := range basisCfg {
		names = append(names, name)
	}
	sort.Strings(names)

	matrix := &basisMatrix{}
	for _, name := range names {
		symbol := basisCfg[name]
		closes, err := calc.cache.Closes(symbol, days)
		if err != nil {
			log.Warn().Str("Factor", name).Str("Symbol", symbol).Msg("factor basis series unavailable")
			continue
		}
		matrix.names = append(matrix.names, name)
		matrix.columns = append(matrix.columns, dailyReturns(closes))
	}
	return matrix
}

// rawSignals computes the raw (unranked) spread signals for one symbol
func (calc *Calculator) rawSignals(ctx context.Context, symbol string, closes, rets []float64) map[string]float64 {
	signals := make(map[string]float64, 5)

	// momentum: trailing 12 month return excluding the most recent month
	if len(closes) > 252 {
		start := closes[len(closes)-253]
		end := closes[len(closes)-22]
		if start != 0 {
			signals[ScoreMomentum] = end/start - 1.0
		}
	}

	// low volatility: negative realized vol over the last 90 observations
	if len(rets) >= 90 {
		signals[ScoreLowVol] = -stat.StdDev(rets[len(rets)-90:], nil)
	}

	// size: negative log average dollar volume, so small-minus-big ranks
	// small caps positive
	if avgDollarVol := calc.avgDollarVolume(ctx, symbol, 21); avgDollarVol > 0 {
		signals[ScoreSize] = -math.Log(avgDollarVol)
	}

	// value and quality from the latest statements; omitted when the symbol
	// has no collected fundamentals
	if vals, err := calc.store.LatestStatementValues(ctx, symbol, data.StatementBalance); err == nil {
		if assets, ok := vals["totalAssets"]; ok && assets > 0 {
			if equity, hasEquity := vals["equity"]; hasEquity {
				signals[ScoreValue] = equity / assets
			}
			if income, err := calc.store.LatestStatementValues(ctx, symbol, data.StatementIncome); err == nil {
				if netIncome, ok := income["netinc"]; ok {
					signals[ScoreQuality] = netIncome / assets
				}
			}
		}
	}

	return signals
}

func (calc *Calculator) avgDollarVolume(ctx context.Context, symbol string, days int) float64 {
	end := time.Now()
	bars, err := calc.dataStore.GetEodBars(ctx, symbol, end.AddDate(0, 0, -days*2), end)
	if err != nil || len(bars) == 0 {
		return 0
	}
	total := 0.0
	n := 0
	for idx := len(bars) - 1; idx >= 0 && n < days; idx-- {
		total += bars[idx].Close * float64(bars[idx].Volume)
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// crossSectionalRank converts raw signals into percentile scores centered at
// zero in [-1, 1]; symbols missing the signal are omitted
func crossSectionalRank(signals map[string]map[string]float64, name string) map[string]float64 {
	type pair struct {
		symbol string
		value  float64
	}

	pairs := make([]pair, 0, len(signals))
	for symbol, sig := range signals {
		if val, ok := sig[name]; ok && !math.IsNaN(val) && !math.IsInf(val, 0) {
			pairs = append(pairs, pair{symbol: symbol, value: val})
		}
	}

	if len(pairs) < 2 {
		return map[string]float64{}
	}

	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].value < pairs[j].value
	})

	ranked := make(map[string]float64, len(pairs))
	for idx, p := range pairs {
		pct := float64(idx) / float64(len(pairs)-1)
		ranked[p.symbol] = pct*2.0 - 1.0
	}
	return ranked
}

func dailyReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return []float64{}
	}
	rets := make([]float64, 0, len(closes)-1)
	for idx := 1; idx < len(closes); idx++ {
		if closes[idx-1] == 0 {
			rets = append(rets, 0)
			continue
		}
		rets = append(rets, closes[idx]/closes[idx-1]-1.0)
	}
	return rets
}

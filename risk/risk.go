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

// Package risk computes portfolio-level risk analytics from the symbol data
// already collected by the batch: regression betas, HAR volatility
// forecasts, correlation structure, factor and sector exposures, and
// configured stress scenarios. Risk rows live in their own table so that
// portfolio snapshots stay immutable.
package risk

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/batch-engine/calendar"
	"github.com/sigmasight/batch-engine/data"
	"github.com/sigmasight/batch-engine/factors"
	"github.com/sigmasight/batch-engine/observability/opentelemetry"
	"github.com/sigmasight/batch-engine/portfolio"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"gonum.org/v1/gonum/stat"
)

var (
	ErrInsufficientHistory = errors.New("not enough return history for risk analytics")
	ErrNoMarketValue       = errors.New("portfolio has zero market value")
)

const (
	shortBetaDays = 90
	longBetaDays  = 252
)

// Report holds every risk figure computed for one portfolio on one date
type Report struct {
	PortfolioID    uuid.UUID          `json:"portfolioId"`
	Date           time.Time          `json:"date"`
	MarketBeta90D  float64            `json:"marketBeta90d"`
	MarketBeta1Y   float64            `json:"marketBeta1y"`
	RateBeta       float64            `json:"rateBeta"`
	Volatility     float64            `json:"volatility"`
	FactorBetas    map[string]float64 `json:"factorBetas"`
	FactorScores   map[string]float64 `json:"factorScores"`
	SectorExposure map[string]float64 `json:"sectorExposure"`
	AvgCorrelation float64            `json:"avgCorrelation"`
	Stress         map[string]float64 `json:"stress"`
}

// Runner computes risk reports for portfolios. All price reads go through
// the shared in-memory cache, never back to a provider.
type Runner struct {
	portfolios  *portfolio.Store
	dataStore   *data.Store
	factorStore *factors.Store
	cache       *data.PriceCache
	cal         *calendar.Calendar
	store       *Store
}

func NewRunner(portfolios *portfolio.Store, dataStore *data.Store, factorStore *factors.Store, cache *data.PriceCache, cal *calendar.Calendar, store *Store) *Runner {
	return &Runner{
		portfolios:  portfolios,
		dataStore:   dataStore,
		factorStore: factorStore,
		cache:       cache,
		cal:         cal,
		store:       store,
	}
}

// Calculate builds and persists the risk report for one portfolio on one
// trading date
func (r *Runner) Calculate(ctx context.Context, p *portfolio.Portfolio, date time.Time) (*Report, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "risk.Calculate")
	defer span.End()

	subLog := log.With().Str("PortfolioID", p.ID.String()).Str("Portfolio", p.Name).Time("Date", date).Logger()

	positions, err := r.portfolios.LoadPositions(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, portfolio.ErrNoPositions
	}

	weights, err := r.positionWeights(positions, date)
	if err != nil {
		return nil, err
	}

	report := &Report{
		PortfolioID:    p.ID,
		Date:           date,
		FactorBetas:    make(map[string]float64),
		FactorScores:   make(map[string]float64),
		SectorExposure: make(map[string]float64),
		Stress:         make(map[string]float64),
	}

	benchmark := viper.GetString("risk.benchmark")
	if benchmark == "" {
		benchmark = "SPY"
	}
	rateProxy := viper.GetString("risk.rate_proxy")
	if rateProxy == "" {
		rateProxy = "TLT"
	}

	longRets, longDays, err := r.portfolioReturns(positions, weights, date, longBetaDays)
	if err != nil {
		return nil, err
	}
	shortRets := longRets
	shortDays := longDays
	if len(longRets) > shortBetaDays {
		shortRets = longRets[len(longRets)-shortBetaDays:]
		shortDays = longDays[len(longDays)-shortBetaDays:]
	}

	if beta, err := r.betaAgainst(shortRets, shortDays, benchmark); err != nil {
		subLog.Warn().Err(err).Str("Benchmark", benchmark).Msg("could not compute short market beta")
	} else {
		report.MarketBeta90D = beta
	}
	if beta, err := r.betaAgainst(longRets, longDays, benchmark); err != nil {
		subLog.Warn().Err(err).Str("Benchmark", benchmark).Msg("could not compute long market beta")
	} else {
		report.MarketBeta1Y = beta
	}
	if beta, err := r.betaAgainst(longRets, longDays, rateProxy); err != nil {
		subLog.Warn().Err(err).Str("RateProxy", rateProxy).Msg("could not compute rate beta")
	} else {
		report.RateBeta = beta
	}

	vol, err := harVolatility(longRets)
	if err != nil {
		subLog.Warn().Err(err).Msg("could not compute HAR volatility; using sample stddev")
		vol = annualizedStddev(longRets)
	}
	report.Volatility = vol

	exposures, err := r.factorStore.GetExposures(ctx)
	if err != nil {
		return nil, err
	}
	aggregateFactors(report, weights, exposures)

	sectors, err := r.dataStore.SectorBySymbol(ctx)
	if err != nil {
		return nil, err
	}
	for symbol, w := range weights {
		sector, ok := sectors[symbol]
		if !ok {
			sector = "Unknown"
		}
		report.SectorExposure[sector] += w
	}

	report.AvgCorrelation = r.averageCorrelation(positions, date)

	for name, shocks := range stressScenarios() {
		report.Stress[name] = stressImpact(report.FactorBetas, shocks)
	}

	if err := r.store.Upsert(ctx, report); err != nil {
		return nil, err
	}

	subLog.Info().
		Float64("MarketBeta90D", report.MarketBeta90D).
		Float64("Volatility", report.Volatility).
		Msg("wrote portfolio risk report")
	return report, nil
}

// positionWeights returns market-value weights per symbol at date. Short
// positions carry negative weight; weights are normalized by gross market
// value so they sum to the net/gross ratio.
func (r *Runner) positionWeights(positions []*portfolio.Position, date time.Time) (map[string]float64, error) {
	weights := make(map[string]float64, len(positions))
	gross := 0.0
	for _, pos := range positions {
		price, _, found := r.cache.GetOnOrBefore(pos.Symbol, date)
		if !found {
			continue
		}
		mv := pos.Quantity * price
		weights[pos.Symbol] += mv
		gross += math.Abs(mv)
	}
	if gross == 0 {
		return nil, ErrNoMarketValue
	}
	for symbol := range weights {
		weights[symbol] /= gross
	}
	return weights, nil
}

// portfolioReturns computes weighted daily portfolio returns over the n
// trading days ending at date. Symbols with incomplete history are dropped
// and the remaining weights renormalized.
func (r *Runner) portfolioReturns(positions []*portfolio.Position, weights map[string]float64, date time.Time, n int) ([]float64, []time.Time, error) {
	days := r.tradingWindow(date, n+1)
	if len(days) < 3 {
		return nil, nil, ErrInsufficientHistory
	}

	rets := make([]float64, len(days)-1)
	usedWeight := 0.0
	for symbol, w := range weights {
		closes, err := r.cache.Closes(symbol, days)
		if err != nil {
			log.Debug().Str("Symbol", symbol).Err(err).Msg("dropping symbol from portfolio return series")
			continue
		}
		usedWeight += math.Abs(w)
		for i := 1; i < len(closes); i++ {
			if closes[i-1] != 0 {
				rets[i-1] += w * (closes[i]/closes[i-1] - 1)
			}
		}
	}
	if usedWeight == 0 {
		return nil, nil, ErrInsufficientHistory
	}
	for i := range rets {
		rets[i] /= usedWeight
	}
	return rets, days[1:], nil
}

// betaAgainst regresses portfolio returns on the return series of a single
// reference symbol over the same dates
func (r *Runner) betaAgainst(rets []float64, days []time.Time, symbol string) (float64, error) {
	if len(rets) < 20 {
		return 0, ErrInsufficientHistory
	}

	// need one extra close before the window to form the first return
	prev, err := r.cal.PreviousTradingDay(days[0])
	if err != nil {
		return 0, err
	}
	dates := append([]time.Time{prev}, days...)
	closes, err := r.cache.Closes(symbol, dates)
	if err != nil {
		return 0, err
	}

	refRets := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] != 0 {
			refRets[i-1] = closes[i]/closes[i-1] - 1
		}
	}

	coefs, err := factors.OLS([][]float64{refRets}, rets)
	if err != nil {
		return 0, err
	}
	return coefs[1], nil
}

// averageCorrelation is the mean pairwise correlation of position returns
// over the short beta window. Single-position portfolios report zero.
func (r *Runner) averageCorrelation(positions []*portfolio.Position, date time.Time) float64 {
	days := r.tradingWindow(date, shortBetaDays+1)
	series := make([][]float64, 0, len(positions))
	for _, pos := range positions {
		closes, err := r.cache.Closes(pos.Symbol, days)
		if err != nil {
			continue
		}
		rets := make([]float64, len(closes)-1)
		for i := 1; i < len(closes); i++ {
			if closes[i-1] != 0 {
				rets[i-1] = closes[i]/closes[i-1] - 1
			}
		}
		series = append(series, rets)
	}
	if len(series) < 2 {
		return 0
	}

	sum := 0.0
	count := 0
	for i := 0; i < len(series); i++ {
		for j := i + 1; j < len(series); j++ {
			c := stat.Correlation(series[i], series[j], nil)
			if !math.IsNaN(c) {
				sum += c
				count++
			}
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

func (r *Runner) tradingWindow(end time.Time, n int) []time.Time {
	days := make([]time.Time, 0, n)
	d := end
	for len(days) < n {
		if r.cal.IsTradingDay(d) {
			days = append(days, d)
		}
		prev, err := r.cal.PreviousTradingDay(d)
		if err != nil {
			break
		}
		d = prev
	}
	// reverse to ascending
	for i, j := 0, len(days)-1; i < j; i, j = i+1, j-1 {
		days[i], days[j] = days[j], days[i]
	}
	return days
}

// aggregateFactors rolls symbol exposures up to the portfolio as weighted
// averages. Symbols without an exposure row simply contribute nothing.
func aggregateFactors(report *Report, weights map[string]float64, exposures map[string]*factors.FactorExposure) {
	for symbol, w := range weights {
		exp, ok := exposures[symbol]
		if !ok {
			continue
		}
		for name, beta := range exp.Betas {
			report.FactorBetas[name] += w * beta
		}
		for name, score := range exp.Scores {
			report.FactorScores[name] += w * score
		}
	}
}

func annualizedStddev(rets []float64) float64 {
	if len(rets) < 2 {
		return 0
	}
	return stat.StdDev(rets, nil) * math.Sqrt(252)
}

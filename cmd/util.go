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

package cmd

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/sigmasight/batch-engine/batch"
	"github.com/sigmasight/batch-engine/calendar"
	"github.com/sigmasight/batch-engine/common"
	"github.com/sigmasight/batch-engine/data"
	"github.com/sigmasight/batch-engine/database"
	"github.com/sigmasight/batch-engine/factors"
	"github.com/sigmasight/batch-engine/messenger"
	"github.com/sigmasight/batch-engine/portfolio"
	"github.com/sigmasight/batch-engine/risk"
	"github.com/spf13/viper"
)

// setupEnvironment initializes logging, caches, the database pool, and
// messaging. Every subcommand that touches the pipeline calls this first.
func setupEnvironment(ctx context.Context) error {
	common.SetupLogging()
	common.SetupCache()

	if err := database.Connect(ctx); err != nil {
		log.Error().Err(err).Msg("could not connect to database")
		return err
	}

	if err := messenger.Initialize(); err != nil {
		// run events are advisory; keep going without them
		log.Warn().Err(err).Msg("messaging unavailable")
	}

	return nil
}

// buildOrchestrator wires the full pipeline from configuration
func buildOrchestrator(ctx context.Context) (*batch.Orchestrator, *batch.Tracker, error) {
	cal, err := calendar.LoadFromDB(ctx)
	if err != nil {
		log.Error().Err(err).Msg("could not load trading calendar")
		return nil, nil, err
	}

	providers := make([]data.Provider, 0, 2)
	tiingoToken := viper.GetString("tiingo.token")
	if tiingoToken != "" {
		providers = append(providers, data.NewTiingo(tiingoToken))
	}
	if key := viper.GetString("alpaca.key"); key != "" {
		providers = append(providers, data.NewAlpaca(key, viper.GetString("alpaca.secret")))
	}
	if len(providers) == 0 {
		log.Warn().Msg("no market data providers configured")
	}
	chain := data.NewProviderChain(providers...)

	maxSymbols := viper.GetInt("cache.max_symbols")
	if maxSymbols <= 0 {
		maxSymbols = 2000
	}
	windowDays := viper.GetInt("cache.window_days")
	if windowDays <= 0 {
		windowDays = 420
	}
	cache := data.NewPriceCache(maxSymbols, windowDays)

	dataStore := data.NewStore()
	collector := data.NewCollector(chain, dataStore, cache, cal)
	fundamentals := data.NewFundamentalsCollector(data.NewTiingoFundamentals(tiingoToken), dataStore)
	profiles := data.NewTiingoProfiles(tiingoToken)

	portfolioStore := portfolio.NewStore()
	snapshots := portfolio.NewSnapshotStore()
	pnl := portfolio.NewCalculator(portfolioStore, snapshots, cache, cal)

	factorStore := factors.NewStore()
	factorCalc := factors.NewCalculator(cache, dataStore, factorStore, cal)

	riskStore := risk.NewStore()
	riskRunner := risk.NewRunner(portfolioStore, dataStore, factorStore, cache, cal, riskStore)

	tracker := batch.NewTracker()
	orchestrator := batch.NewOrchestrator(cal, collector, fundamentals, profiles,
		dataStore, portfolioStore, snapshots, pnl, riskRunner, factorCalc, factorStore, tracker)

	return orchestrator, tracker, nil
}

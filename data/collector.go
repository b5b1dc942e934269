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

package data

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/batch-engine/calendar"
	"github.com/sigmasight/batch-engine/observability/opentelemetry"
	"go.opentelemetry.io/otel"
)

const (
	// incrementalMaxGapDays is the largest gap (in calendar days) still
	// fetched as a normal incremental update
	incrementalMaxGapDays = 3

	// gapFillMaxGapDays is the largest gap closed by a gap-fill fetch; wider
	// gaps trigger a full backfill
	gapFillMaxGapDays = 30
)

// CollectResult summarizes one market data collection pass
type CollectResult struct {
	Fetched int                  `json:"fetched"`
	Failed  []string             `json:"failed"`
	Modes   map[string]FetchMode `json:"modes"`
}

// Collector pulls daily bars for the symbol universe through the provider
// chain, persists them, and warms the price cache
type Collector struct {
	chain *ProviderChain
	store *Store
	cache *PriceCache
	cal   *calendar.Calendar
}

func NewCollector(chain *ProviderChain, store *Store, cache *PriceCache, cal *calendar.Calendar) *Collector {
	return &Collector{
		chain: chain,
		store: store,
		cache: cache,
		cal:   cal,
	}
}

// Collect fetches market data for every symbol in the universe through date.
// Per symbol, the fetch window is chosen from the symbol's recorded history:
// a short gap is fetched incrementally, a moderate gap becomes a gap-fill,
// and a new symbol or a wide gap triggers a full backfill of lookbackDays.
// A symbol failure is recorded and skipped, never fatal to the pass.
func (c *Collector) Collect(ctx context.Context, date time.Time, lookbackDays int, portfolioIDs []uuid.UUID) (*CollectResult, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "collector.Collect")
	defer span.End()

	subLog := log.With().Time("Date", date).Logger()

	symbols, err := c.store.Universe(ctx, portfolioIDs)
	if err != nil {
		subLog.Error().Err(err).Msg("could not resolve symbol universe")
		return nil, err
	}

	result := &CollectResult{
		Failed: []string{},
		Modes:  make(map[string]FetchMode, len(symbols)),
	}

	for _, symbol := range symbols {
		mode, begin := c.fetchWindow(ctx, symbol, date, lookbackDays)
		result.Modes[symbol] = mode

		bars, err := c.chain.FetchDailyBars(ctx, symbol, begin, date)
		if err != nil {
			subLog.Warn().Err(err).Str("Symbol", symbol).Str("Mode", string(mode)).Msg("could not fetch bars for symbol")
			result.Failed = append(result.Failed, symbol)
			continue
		}

		if err := c.store.UpsertEodBars(ctx, bars); err != nil {
			subLog.Error().Err(err).Str("Symbol", symbol).Msg("could not persist bars for symbol")
			result.Failed = append(result.Failed, symbol)
			continue
		}

		for _, bar := range bars {
			c.cache.Put(bar.Symbol, bar.Date, bar.Close)
		}

		result.Fetched++
	}

	subLog.Info().Int("Fetched", result.Fetched).Int("Failed", len(result.Failed)).Msg("market data collection finished")
	return result, nil
}

// fetchWindow decides the fetch mode and window start for a symbol based on
// the gap between its last recorded bar and the requested date
func (c *Collector) fetchWindow(ctx context.Context, symbol string, date time.Time, lookbackDays int) (FetchMode, time.Time) {
	lastDate, found, err := c.store.LastEodDate(ctx, symbol)
	if err != nil || !found {
		// new to the universe -- fetch the full lookback window
		return ModeBackfill, date.AddDate(0, 0, -lookbackDays)
	}

	missed := c.cal.TradingDaysBetween(lastDate.AddDate(0, 0, 1), date)
	gapDays := len(missed)

	switch {
	case gapDays <= incrementalMaxGapDays:
		return ModeIncremental, lastDate.AddDate(0, 0, 1)
	case gapDays <= gapFillMaxGapDays:
		return ModeGapFill, lastDate.AddDate(0, 0, 1)
	default:
		return ModeBackfill, date.AddDate(0, 0, -lookbackDays)
	}
}

// WarmCache loads the rolling price window for every symbol in the universe;
// called once at the start of a batch so calculation phases read from memory
func (c *Collector) WarmCache(ctx context.Context, date time.Time, lookbackDays int, portfolioIDs []uuid.UUID) error {
	symbols, err := c.store.Universe(ctx, portfolioIDs)
	if err != nil {
		return err
	}
	for _, symbol := range symbols {
		if err := c.cache.Warm(ctx, c.store, symbol, date, lookbackDays); err != nil {
			log.Warn().Err(err).Str("Symbol", symbol).Msg("could not warm cache for symbol")
		}
	}
	return nil
}

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
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog/log"
)

// PriceCache holds a bounded rolling window of daily closing prices per
// symbol. Symbols are evicted least-recently-used once maxSymbols is reached
// and each symbol's series is trimmed to windowDays entries, so total memory
// is bounded regardless of universe size. The cache is process local and not
// durable; it must be rewarmed after restart. It never fetches on a miss --
// read-through is the caller's responsibility.
type PriceCache struct {
	symbols    *lru.Cache
	windowDays int
	locker     sync.RWMutex
}

type priceSeries struct {
	dates  []time.Time // ascending
	closes []float64
}

// NewPriceCache creates a PriceCache holding at most maxSymbols symbols with
// at most windowDays prices each
func NewPriceCache(maxSymbols, windowDays int) *PriceCache {
	symbols, err := lru.New(maxSymbols)
	if err != nil {
		log.Panic().Err(err).Msg("could not create LRU cache")
	}
	return &PriceCache{
		symbols:    symbols,
		windowDays: windowDays,
	}
}

// Get returns the closing price of symbol on date, or false on a cache miss
func (cache *PriceCache) Get(symbol string, date time.Time) (float64, bool) {
	cache.locker.RLock()
	defer cache.locker.RUnlock()

	series, ok := cache.series(symbol)
	if !ok {
		return 0, false
	}

	for idx := len(series.dates) - 1; idx >= 0; idx-- {
		if sameDay(series.dates[idx], date) {
			return series.closes[idx], true
		}
		if series.dates[idx].Before(date) {
			break
		}
	}
	return 0, false
}

// GetOnOrBefore returns the most recent cached close on or before date
func (cache *PriceCache) GetOnOrBefore(symbol string, date time.Time) (float64, time.Time, bool) {
	cache.locker.RLock()
	defer cache.locker.RUnlock()

	series, ok := cache.series(symbol)
	if !ok {
		return 0, time.Time{}, false
	}

	for idx := len(series.dates) - 1; idx >= 0; idx-- {
		if !series.dates[idx].After(date) {
			return series.closes[idx], series.dates[idx], true
		}
	}
	return 0, time.Time{}, false
}

// Put inserts or replaces the closing price of symbol on date
func (cache *PriceCache) Put(symbol string, date time.Time, price float64) {
	cache.locker.Lock()
	defer cache.locker.Unlock()

	series, ok := cache.series(symbol)
	if !ok {
		series = &priceSeries{
			dates:  make([]time.Time, 0, cache.windowDays),
			closes: make([]float64, 0, cache.windowDays),
		}
		cache.symbols.Add(symbol, series)
	}

	// common case: append at the end
	n := len(series.dates)
	if n == 0 || series.dates[n-1].Before(date) {
		series.dates = append(series.dates, date)
		series.closes = append(series.closes, price)
	} else {
		// find insertion point; replace when the date already exists
		idx := n
		for idx > 0 && series.dates[idx-1].After(date) {
			idx--
		}
		if idx > 0 && sameDay(series.dates[idx-1], date) {
			series.closes[idx-1] = price
		} else {
			series.dates = append(series.dates, time.Time{})
			copy(series.dates[idx+1:], series.dates[idx:])
			series.dates[idx] = date
			series.closes = append(series.closes, 0)
			copy(series.closes[idx+1:], series.closes[idx:])
			series.closes[idx] = price
		}
	}

	// trim to the rolling window
	if excess := len(series.dates) - cache.windowDays; excess > 0 {
		series.dates = series.dates[excess:]
		series.closes = series.closes[excess:]
	}
}

// Closes returns closing prices aligned to the supplied trading days. Every
// requested date must be in the cache or ErrIncompleteSeries is returned.
func (cache *PriceCache) Closes(symbol string, dates []time.Time) ([]float64, error) {
	out := make([]float64, len(dates))
	for idx, dt := range dates {
		val, ok := cache.Get(symbol, dt)
		if !ok {
			return nil, ErrIncompleteSeries
		}
		out[idx] = val
	}
	return out, nil
}

// Warm populates the rolling window for symbol from the persistent store
func (cache *PriceCache) Warm(ctx context.Context, store *Store, symbol string, end time.Time, lookbackDays int) error {
	begin := end.AddDate(0, 0, -lookbackDays)
	bars, err := store.GetEodBars(ctx, symbol, begin, end)
	if err != nil {
		log.Error().Err(err).Str("Symbol", symbol).Msg("could not warm price cache")
		return err
	}
	for _, bar := range bars {
		cache.Put(bar.Symbol, bar.Date, bar.Close)
	}
	return nil
}

// Count returns the number of symbols currently cached
func (cache *PriceCache) Count() int {
	return cache.symbols.Len()
}

func (cache *PriceCache) series(symbol string) (*priceSeries, bool) {
	val, ok := cache.symbols.Get(symbol)
	if !ok {
		return nil, false
	}
	return val.(*priceSeries), true
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}

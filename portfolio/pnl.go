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

package portfolio

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/batch-engine/calendar"
	"github.com/sigmasight/batch-engine/data"
	"github.com/sigmasight/batch-engine/observability/opentelemetry"
	"go.opentelemetry.io/otel"
)

var ErrMissingPrice = errors.New("no price available for position symbol")

// SnapshotResult summarizes a single portfolio/date snapshot attempt
type SnapshotResult struct {
	PortfolioID uuid.UUID
	Date        time.Time
	Written     bool
	Skipped     bool
	Err         error
}

// Calculator marks portfolios to market and writes daily equity snapshots.
// Equity rolls forward from the previous populated snapshot; the first
// snapshot of a portfolio seeds equity with its market value and measures
// P&L against cost basis.
type Calculator struct {
	store     *Store
	snapshots *SnapshotStore
	cache     *data.PriceCache
	cal       *calendar.Calendar
}

func NewCalculator(store *Store, snapshots *SnapshotStore, cache *data.PriceCache, cal *calendar.Calendar) *Calculator {
	return &Calculator{
		store:     store,
		snapshots: snapshots,
		cache:     cache,
		cal:       cal,
	}
}

// CalculateDay computes and writes the snapshot for one portfolio on one
// trading date using the reserve/populate protocol. An already populated
// snapshot is reported as skipped, not an error.
func (calc *Calculator) CalculateDay(ctx context.Context, p *Portfolio, date time.Time) *SnapshotResult {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "pnl.CalculateDay")
	defer span.End()

	res := &SnapshotResult{PortfolioID: p.ID, Date: date}
	subLog := log.With().Str("PortfolioID", p.ID.String()).Str("Portfolio", p.Name).Time("Date", date).Logger()

	if err := calc.snapshots.Reserve(ctx, p.ID, date); err != nil {
		if errors.Is(err, ErrSnapshotAlreadyExists) || errors.Is(err, ErrSnapshotInProgress) {
			subLog.Debug().Err(err).Msg("skipping snapshot")
			res.Skipped = true
			return res
		}
		res.Err = err
		return res
	}

	snap, err := calc.buildSnapshot(ctx, p, date)
	if err != nil {
		subLog.Error().Stack().Err(err).Msg("could not build snapshot")
		if relErr := calc.snapshots.Release(ctx, p.ID, date); relErr != nil {
			subLog.Error().Stack().Err(relErr).Msg("could not release reservation")
		}
		res.Err = err
		return res
	}

	if err := calc.snapshots.Populate(ctx, snap); err != nil {
		res.Err = err
		return res
	}

	subLog.Info().Float64("Equity", snap.Equity).Float64("PnL", snap.PnL).Msg("wrote portfolio snapshot")
	res.Written = true
	return res
}

func (calc *Calculator) buildSnapshot(ctx context.Context, p *Portfolio, date time.Time) (*Snapshot, error) {
	positions, err := calc.store.LoadPositions(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, ErrNoPositions
	}

	prevDate, err := calc.cal.PreviousTradingDay(date)
	if err != nil && !errors.Is(err, calendar.ErrNoPriorTradingDay) {
		return nil, err
	}

	var prev *Snapshot
	havePrev := false
	if err == nil {
		prev, havePrev, err = calc.snapshots.GetPopulated(ctx, p.ID, prevDate)
		if err != nil {
			return nil, err
		}
	}

	snap := &Snapshot{PortfolioID: p.ID, Date: date, Status: SnapshotPopulated}
	marketValue := 0.0
	for _, pos := range positions {
		price, ok := calc.cache.Get(pos.Symbol, date)
		if !ok {
			// carry forward the last known close when the date itself
			// has no bar (e.g. a symbol halted that day)
			var found bool
			price, _, found = calc.cache.GetOnOrBefore(pos.Symbol, date)
			if !found {
				log.Warn().Str("Symbol", pos.Symbol).Time("Date", date).Msg("no price for position")
				return nil, ErrMissingPrice
			}
		}

		mv := pos.Quantity * price
		marketValue += mv
		snap.GrossExposure += math.Abs(mv)
		snap.NetExposure += mv

		if havePrev {
			prevPrice, _, found := calc.cache.GetOnOrBefore(pos.Symbol, prevDate)
			if !found {
				log.Warn().Str("Symbol", pos.Symbol).Time("Date", prevDate).Msg("no prior price for position")
				return nil, ErrMissingPrice
			}
			snap.PnL += pos.Quantity * (price - prevPrice)
		} else {
			snap.PnL += mv - pos.CostBasis
		}
	}

	if havePrev {
		snap.Equity = prev.Equity + snap.PnL
	} else {
		snap.Equity = marketValue
	}

	return snap, nil
}

// UpdatePositionMarks refreshes position market values from the latest
// available closes on or before date. Returns the number of positions
// updated.
func (calc *Calculator) UpdatePositionMarks(ctx context.Context, p *Portfolio, date time.Time) (int, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "pnl.UpdatePositionMarks")
	defer span.End()

	positions, err := calc.store.LoadPositions(ctx, p.ID)
	if err != nil {
		return 0, err
	}

	prices := make(map[string]float64, len(positions))
	for _, pos := range positions {
		price, _, found := calc.cache.GetOnOrBefore(pos.Symbol, date)
		if !found {
			log.Warn().Str("Symbol", pos.Symbol).Str("PortfolioID", p.ID.String()).Msg("skipping position mark; no price")
			continue
		}
		prices[pos.Symbol] = price
	}

	return calc.store.UpdateMarketValues(ctx, p.ID, prices)
}

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
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/batch-engine/database"
	"github.com/sigmasight/batch-engine/observability/opentelemetry"
	"go.opentelemetry.io/otel"
)

var (
	ErrSnapshotAlreadyExists = errors.New("snapshot already populated for portfolio and date")
	ErrSnapshotInProgress    = errors.New("snapshot reserved by another writer")
	ErrNoPositions           = errors.New("portfolio has no positions")
)

// Portfolio is a user's holding account. It exclusively owns its Positions
// and Snapshots.
type Portfolio struct {
	ID     uuid.UUID `json:"id"`
	UserID string    `json:"userId"`
	Name   string    `json:"name"`
}

// Position is a single holding in a portfolio
type Position struct {
	ID          uuid.UUID `json:"id"`
	PortfolioID uuid.UUID `json:"portfolioId"`
	Symbol      string    `json:"symbol"`
	Quantity    float64   `json:"quantity"`
	CostBasis   float64   `json:"costBasis"`
	MarketValue float64   `json:"marketValue"`
}

// DailyPnL is the output of the P&L phase for one portfolio and date
type DailyPnL struct {
	PortfolioID   uuid.UUID `json:"portfolioId"`
	Date          time.Time `json:"date"`
	PnL           float64   `json:"pnl"`
	Equity        float64   `json:"equity"`
	GrossExposure float64   `json:"grossExposure"`
	NetExposure   float64   `json:"netExposure"`
}

// Store reads portfolio and position tables
type Store struct {
}

func NewStore() *Store {
	return &Store{}
}

// LoadPortfolios returns the portfolios in scope; all of them when ids is
// empty
func (s *Store) LoadPortfolios(ctx context.Context, ids []uuid.UUID) ([]*Portfolio, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "portfolio.LoadPortfolios")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get database transaction")
		return nil, err
	}

	var sql string
	var args []interface{}
	if len(ids) > 0 {
		sql = "SELECT id, user_id, name FROM portfolios WHERE id = ANY($1) ORDER BY id"
		args = []interface{}{ids}
	} else {
		sql = "SELECT id, user_id, name FROM portfolios ORDER BY id"
	}

	rows, err := trx.Query(ctx, sql, args...)
	if err != nil {
		span.RecordError(err)
		log.Error().Stack().Err(err).Msg("could not query portfolios")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	portfolios := make([]*Portfolio, 0, 100)
	for rows.Next() {
		p := &Portfolio{}
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name); err != nil {
			log.Error().Stack().Err(err).Msg("could not scan portfolio row")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		portfolios = append(portfolios, p)
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return portfolios, nil
}

// LoadPositions returns the positions of one portfolio
func (s *Store) LoadPositions(ctx context.Context, portfolioID uuid.UUID) ([]*Position, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "portfolio.LoadPositions")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get database transaction")
		return nil, err
	}

	rows, err := trx.Query(ctx,
		"SELECT id, portfolio_id, symbol, quantity, cost_basis, market_value FROM positions WHERE portfolio_id=$1 ORDER BY symbol",
		portfolioID)
	if err != nil {
		span.RecordError(err)
		log.Error().Stack().Err(err).Msg("could not query positions")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	positions := make([]*Position, 0, 50)
	for rows.Next() {
		pos := &Position{}
		if err := rows.Scan(&pos.ID, &pos.PortfolioID, &pos.Symbol, &pos.Quantity, &pos.CostBasis, &pos.MarketValue); err != nil {
			log.Error().Stack().Err(err).Msg("could not scan position row")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		positions = append(positions, pos)
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return positions, nil
}

// UpdateMarketValues marks every position in scope to the supplied prices.
// Positions whose symbol has no price for the date are left unchanged.
func (s *Store) UpdateMarketValues(ctx context.Context, portfolioID uuid.UUID, prices map[string]float64) (int, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "portfolio.UpdateMarketValues")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get database transaction")
		return 0, err
	}

	updated := 0
	for symbol, price := range prices {
		tag, err := trx.Exec(ctx,
			"UPDATE positions SET market_value = quantity * $1, last_price = $1 WHERE portfolio_id = $2 AND symbol = $3",
			price, portfolioID, symbol)
		if err != nil {
			span.RecordError(err)
			log.Error().Stack().Err(err).Str("Symbol", symbol).Msg("could not update position market value")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return 0, err
		}
		updated += int(tag.RowsAffected())
	}

	if err := trx.Commit(ctx); err != nil {
		return 0, err
	}
	return updated, nil
}

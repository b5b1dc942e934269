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

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/batch-engine/common"
	"github.com/sigmasight/batch-engine/database"
	"github.com/sigmasight/batch-engine/observability/opentelemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// Store reads and writes market data tables. All writes are idempotent
// upserts keyed by natural key.
type Store struct {
}

func NewStore() *Store {
	return &Store{}
}

// GetEodBars fetches daily bars for symbol between begin and end, ascending
func (s *Store) GetEodBars(ctx context.Context, symbol string, begin, end time.Time) ([]*EodBar, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "store.GetEodBars")
	defer span.End()

	subLog := log.With().Str("Symbol", symbol).Time("Begin", begin).Time("End", end).Logger()

	if end.Before(begin) {
		return nil, ErrInvalidTimeRange
	}

	trx, err := database.Trx(ctx)
	if err != nil {
		subLog.Error().Stack().Err(err).Msg("could not get database transaction")
		return nil, err
	}

	rows, err := trx.Query(ctx,
		"SELECT event_date, open, high, low, close, volume FROM eod_prices WHERE symbol=$1 AND event_date BETWEEN $2 AND $3 ORDER BY event_date",
		symbol, begin, end)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "database query failed")
		subLog.Error().Stack().Err(err).Msg("could not query eod prices")
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	tz := common.GetTimezone()
	bars := make([]*EodBar, 0, 252)
	for rows.Next() {
		bar := &EodBar{Symbol: symbol}
		var dt time.Time
		if err := rows.Scan(&dt, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not scan eod row")
			if err := trx.Rollback(ctx); err != nil {
				subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		bar.Date = time.Date(dt.Year(), dt.Month(), dt.Day(), 0, 0, 0, 0, tz)
		bars = append(bars, bar)
	}

	if err := trx.Commit(ctx); err != nil {
		subLog.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return bars, nil
}

// UpsertEodBars writes bars with at-most-one-row-per-(symbol, date) semantics
func (s *Store) UpsertEodBars(ctx context.Context, bars []*EodBar) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "store.UpsertEodBars")
	defer span.End()

	if len(bars) == 0 {
		return nil
	}

	trx, err := database.Trx(ctx)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get database transaction")
		return err
	}

	for _, bar := range bars {
		_, err = trx.Exec(ctx,
			`INSERT INTO eod_prices (symbol, event_date, open, high, low, close, volume)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (symbol, event_date) DO UPDATE
			 SET open=EXCLUDED.open, high=EXCLUDED.high, low=EXCLUDED.low, close=EXCLUDED.close, volume=EXCLUDED.volume`,
			bar.Symbol, bar.Date, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "upsert failed")
			log.Error().Stack().Err(err).Str("Symbol", bar.Symbol).Time("Date", bar.Date).Msg("could not upsert eod bar")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return err
		}
	}

	return trx.Commit(ctx)
}

// LastEodDate returns the most recent bar date on record for symbol; found is
// false when the symbol has no history at all
func (s *Store) LastEodDate(ctx context.Context, symbol string) (time.Time, bool, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "store.LastEodDate")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get database transaction")
		return time.Time{}, false, err
	}

	var dt *time.Time
	err = trx.QueryRow(ctx, "SELECT MAX(event_date) FROM eod_prices WHERE symbol=$1", symbol).Scan(&dt)
	if err != nil {
		span.RecordError(err)
		log.Error().Stack().Err(err).Str("Symbol", symbol).Msg("could not query last eod date")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return time.Time{}, false, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}

	if dt == nil {
		return time.Time{}, false, nil
	}

	tz := common.GetTimezone()
	return time.Date(dt.Year(), dt.Month(), dt.Day(), 0, 0, 0, 0, tz), true, nil
}

// Universe returns the distinct set of symbols held across portfolios. When
// portfolioIDs is non-empty the universe is restricted to those portfolios
// (single-portfolio mode).
func (s *Store) Universe(ctx context.Context, portfolioIDs []uuid.UUID) ([]string, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "store.Universe")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get database transaction")
		return nil, err
	}

	var rows pgx.Rows
	if len(portfolioIDs) > 0 {
		rows, err = trx.Query(ctx,
			"SELECT DISTINCT symbol FROM positions WHERE portfolio_id = ANY($1) ORDER BY symbol", portfolioIDs)
	} else {
		rows, err = trx.Query(ctx, "SELECT DISTINCT symbol FROM positions ORDER BY symbol")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "database query failed")
		log.Error().Stack().Err(err).Msg("could not query symbol universe")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	symbols := make([]string, 0, 256)
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			log.Error().Stack().Err(err).Msg("could not scan symbol")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		symbols = append(symbols, symbol)
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return symbols, nil
}

// UpsertCompanyProfile writes company reference data; the user-visible sector
// column is only set when no user override exists (see RestoreSectorTags)
func (s *Store) UpsertCompanyProfile(ctx context.Context, profile *CompanyProfile) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "store.UpsertCompanyProfile")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get database transaction")
		return err
	}

	_, err = trx.Exec(ctx,
		`INSERT INTO company_profiles (symbol, name, sector, industry, last_earnings_date)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (symbol) DO UPDATE
		 SET name=EXCLUDED.name, sector=EXCLUDED.sector, industry=EXCLUDED.industry, last_earnings_date=EXCLUDED.last_earnings_date`,
		profile.Symbol, profile.Name, profile.Sector, profile.Industry, profile.LastEarningsDate)
	if err != nil {
		span.RecordError(err)
		log.Error().Stack().Err(err).Str("Symbol", profile.Symbol).Msg("could not upsert company profile")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return err
	}

	return trx.Commit(ctx)
}

// SectorBySymbol returns the current sector classification of every symbol
// that has one
func (s *Store) SectorBySymbol(ctx context.Context) (map[string]string, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "store.SectorBySymbol")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get database transaction")
		return nil, err
	}

	rows, err := trx.Query(ctx, "SELECT symbol, sector FROM company_profiles WHERE sector IS NOT NULL AND sector != ''")
	if err != nil {
		span.RecordError(err)
		log.Error().Stack().Err(err).Msg("could not query sectors")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	sectors := make(map[string]string)
	for rows.Next() {
		var symbol, sector string
		if err := rows.Scan(&symbol, &sector); err != nil {
			log.Error().Stack().Err(err).Msg("could not scan sector row")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		sectors[symbol] = sector
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return sectors, nil
}

// RestoreSectorTags reapplies user sector overrides on top of freshly synced
// provider data. Profile sync overwrites the sector column; user-tagged
// symbols must win.
func (s *Store) RestoreSectorTags(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "store.RestoreSectorTags")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get database transaction")
		return 0, err
	}

	tag, err := trx.Exec(ctx,
		`UPDATE company_profiles cp SET sector = st.sector
		 FROM sector_tags st
		 WHERE st.symbol = cp.symbol AND st.sector != cp.sector`)
	if err != nil {
		span.RecordError(err)
		log.Error().Stack().Err(err).Msg("could not restore sector tags")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return 0, err
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return int(tag.RowsAffected()), nil
}

// LastEarningsDate returns the most recent earnings report date known for
// symbol; found is false when no fundamentals have ever been collected
func (s *Store) LastEarningsDate(ctx context.Context, symbol string) (time.Time, bool, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "store.LastEarningsDate")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get database transaction")
		return time.Time{}, false, err
	}

	var dt *time.Time
	err = trx.QueryRow(ctx, "SELECT last_earnings_date FROM company_profiles WHERE symbol=$1", symbol).Scan(&dt)
	if err != nil {
		// no profile row yet means the symbol has never been synced
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return time.Time{}, false, nil
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}

	if dt == nil || dt.IsZero() {
		return time.Time{}, false, nil
	}
	tz := common.GetTimezone()
	return time.Date(dt.Year(), dt.Month(), dt.Day(), 0, 0, 0, 0, tz), true, nil
}

// UpsertStatements writes financial statements keyed by
// (symbol, fiscal year, fiscal period, kind)
func (s *Store) UpsertStatements(ctx context.Context, statements []*Statement) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "store.UpsertStatements")
	defer span.End()

	if len(statements) == 0 {
		return nil
	}

	trx, err := database.Trx(ctx)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get database transaction")
		return err
	}

	for _, stmt := range statements {
		lineItems, err := json.Marshal(stmt.Values)
		if err != nil {
			log.Error().Err(err).Str("Symbol", stmt.Symbol).Msg("could not marshal statement values")
			continue
		}
		_, err = trx.Exec(ctx,
			`INSERT INTO fundamentals (symbol, kind, fiscal_year, fiscal_period, report_date, line_items)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (symbol, kind, fiscal_year, fiscal_period) DO UPDATE
			 SET report_date=EXCLUDED.report_date, line_items=EXCLUDED.line_items`,
			stmt.Symbol, string(stmt.Kind), stmt.FiscalYear, string(stmt.FiscalPeriod), stmt.ReportDate, lineItems)
		if err != nil {
			span.RecordError(err)
			log.Error().Stack().Err(err).Str("Symbol", stmt.Symbol).Msg("could not upsert statement")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return err
		}
	}

	return trx.Commit(ctx)
}

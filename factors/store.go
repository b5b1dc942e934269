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

package factors

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/batch-engine/data"
	"github.com/sigmasight/batch-engine/database"
	"github.com/sigmasight/batch-engine/observability/opentelemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// Store persists symbol-level factor and metrics tables. Symbol factor rows
// hold the single current exposure per symbol -- upserts replace, so reads
// never need an as-of filter.
type Store struct {
}

func NewStore() *Store {
	return &Store{}
}

// UpsertExposures replaces the current factor exposure of each symbol
func (s *Store) UpsertExposures(ctx context.Context, exposures map[string]*FactorExposure) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "factors.UpsertExposures")
	defer span.End()

	if len(exposures) == 0 {
		return nil
	}

	trx, err := database.Trx(ctx)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get database transaction")
		return err
	}

	for _, exp := range exposures {
		betas, err := json.Marshal(exp.Betas)
		if err != nil {
			log.Error().Err(err).Str("Symbol", exp.Symbol).Msg("could not marshal betas")
			continue
		}
		scores, err := json.Marshal(exp.Scores)
		if err != nil {
			log.Error().Err(err).Str("Symbol", exp.Symbol).Msg("could not marshal scores")
			continue
		}

		_, err = trx.Exec(ctx,
			`INSERT INTO symbol_factors (symbol, as_of, betas, scores)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (symbol) DO UPDATE
			 SET as_of=EXCLUDED.as_of, betas=EXCLUDED.betas, scores=EXCLUDED.scores`,
			exp.Symbol, exp.AsOf, betas, scores)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "upsert failed")
			log.Error().Stack().Err(err).Str("Symbol", exp.Symbol).Msg("could not upsert factor exposure")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return err
		}
	}

	return trx.Commit(ctx)
}

// GetExposures loads the current factor exposure for every symbol
func (s *Store) GetExposures(ctx context.Context) (map[string]*FactorExposure, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "factors.GetExposures")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get database transaction")
		return nil, err
	}

	rows, err := trx.Query(ctx, "SELECT symbol, as_of, betas, scores FROM symbol_factors")
	if err != nil {
		span.RecordError(err)
		log.Error().Stack().Err(err).Msg("could not query factor exposures")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	exposures := make(map[string]*FactorExposure)
	for rows.Next() {
		exp := &FactorExposure{}
		var betasRaw, scoresRaw []byte
		var asOf time.Time
		if err := rows.Scan(&exp.Symbol, &asOf, &betasRaw, &scoresRaw); err != nil {
			log.Error().Stack().Err(err).Msg("could not scan factor exposure row")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		exp.AsOf = asOf
		if err := json.Unmarshal(betasRaw, &exp.Betas); err != nil {
			log.Error().Err(err).Str("Symbol", exp.Symbol).Msg("could not unmarshal betas")
			continue
		}
		if err := json.Unmarshal(scoresRaw, &exp.Scores); err != nil {
			log.Error().Err(err).Str("Symbol", exp.Symbol).Msg("could not unmarshal scores")
			continue
		}
		exposures[exp.Symbol] = exp
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}
	return exposures, nil
}

// UpsertMetrics writes symbol daily metrics keyed by (symbol, date)
func (s *Store) UpsertMetrics(ctx context.Context, metrics map[string]*SymbolMetrics) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "factors.UpsertMetrics")
	defer span.End()

	if len(metrics) == 0 {
		return nil
	}

	trx, err := database.Trx(ctx)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get database transaction")
		return err
	}

	for _, m := range metrics {
		payload, err := json.Marshal(m)
		if err != nil {
			log.Error().Err(err).Str("Symbol", m.Symbol).Msg("could not marshal symbol metrics")
			continue
		}

		_, err = trx.Exec(ctx,
			`INSERT INTO symbol_metrics (symbol, event_date, metrics)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (symbol, event_date) DO UPDATE SET metrics=EXCLUDED.metrics`,
			m.Symbol, m.Date, payload)
		if err != nil {
			span.RecordError(err)
			log.Error().Stack().Err(err).Str("Symbol", m.Symbol).Msg("could not upsert symbol metrics")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return err
		}
	}

	return trx.Commit(ctx)
}

// LatestStatementValues returns the value map of the most recent statement of
// the requested kind for symbol
func (s *Store) LatestStatementValues(ctx context.Context, symbol string, kind data.StatementKind) (map[string]float64, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "factors.LatestStatementValues")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get database transaction")
		return nil, err
	}

	var raw []byte
	err = trx.QueryRow(ctx,
		"SELECT line_items FROM fundamentals WHERE symbol=$1 AND kind=$2 ORDER BY report_date DESC LIMIT 1",
		symbol, string(kind)).Scan(&raw)
	if err != nil {
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, data.ErrNotFound
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}

	values := make(map[string]float64)
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, err
	}
	return values, nil
}

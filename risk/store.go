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
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/batch-engine/database"
	"github.com/sigmasight/batch-engine/observability/opentelemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// Store persists risk reports to the portfolio_risk table, one row per
// portfolio per date. Reruns replace the row.
type Store struct {
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Upsert(ctx context.Context, report *Report) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "risk.Upsert")
	defer span.End()

	subLog := log.With().Str("PortfolioID", report.PortfolioID.String()).Time("Date", report.Date).Logger()

	factorBetas, err := json.Marshal(report.FactorBetas)
	if err != nil {
		return err
	}
	factorScores, err := json.Marshal(report.FactorScores)
	if err != nil {
		return err
	}
	sectors, err := json.Marshal(report.SectorExposure)
	if err != nil {
		return err
	}
	stress, err := json.Marshal(report.Stress)
	if err != nil {
		return err
	}

	trx, err := database.Trx(ctx)
	if err != nil {
		subLog.Error().Stack().Err(err).Msg("could not get database transaction")
		return err
	}

	_, err = trx.Exec(ctx,
		`INSERT INTO portfolio_risk (portfolio_id, event_date, market_beta_90d, market_beta_1y,
		   rate_beta, volatility, avg_correlation, factor_betas, factor_scores, sector_exposure, stress)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (portfolio_id, event_date) DO UPDATE
		 SET market_beta_90d=EXCLUDED.market_beta_90d, market_beta_1y=EXCLUDED.market_beta_1y,
		   rate_beta=EXCLUDED.rate_beta, volatility=EXCLUDED.volatility,
		   avg_correlation=EXCLUDED.avg_correlation, factor_betas=EXCLUDED.factor_betas,
		   factor_scores=EXCLUDED.factor_scores, sector_exposure=EXCLUDED.sector_exposure,
		   stress=EXCLUDED.stress`,
		report.PortfolioID, report.Date, report.MarketBeta90D, report.MarketBeta1Y,
		report.RateBeta, report.Volatility, report.AvgCorrelation, factorBetas, factorScores,
		sectors, stress)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		subLog.Error().Stack().Err(err).Msg("could not upsert risk report")
		if err := trx.Rollback(ctx); err != nil {
			subLog.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return err
	}

	return trx.Commit(ctx)
}

// Get loads the risk report for one portfolio and date; found is false when
// none exists
func (s *Store) Get(ctx context.Context, portfolioID uuid.UUID, date time.Time) (*Report, bool, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "risk.Get")
	defer span.End()

	trx, err := database.Trx(ctx)
	if err != nil {
		return nil, false, err
	}

	report := &Report{PortfolioID: portfolioID, Date: date}
	var factorBetas, factorScores, sectors, stress []byte
	err = trx.QueryRow(ctx,
		`SELECT market_beta_90d, market_beta_1y, rate_beta, volatility, avg_correlation,
	       factor_betas, factor_scores, sector_exposure, stress
		 FROM portfolio_risk WHERE portfolio_id=$1 AND event_date=$2`,
		portfolioID, date).Scan(&report.MarketBeta90D, &report.MarketBeta1Y, &report.RateBeta,
		&report.Volatility, &report.AvgCorrelation, &factorBetas, &factorScores, &sectors, &stress)
	if err != nil {
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, false, nil
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}

	if err := json.Unmarshal(factorBetas, &report.FactorBetas); err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal(factorScores, &report.FactorScores); err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal(sectors, &report.SectorExposure); err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal(stress, &report.Stress); err != nil {
		return nil, false, err
	}
	return report, true, nil
}

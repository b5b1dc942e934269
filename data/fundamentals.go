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

	"github.com/rs/zerolog/log"
	"github.com/sigmasight/batch-engine/observability/opentelemetry"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
)

// FundamentalsResult summarizes one fundamentals collection pass
type FundamentalsResult struct {
	Fetched []string `json:"fetched"`
	Skipped []string `json:"skipped"`
	Failed  []string `json:"failed"`
}

// FundamentalsCollector refreshes financial statements per symbol. Statements
// only change at earnings cadence, so a symbol is skipped unless enough days
// have elapsed since its last known earnings date; the freshness gate cuts
// external call volume dramatically on daily runs.
type FundamentalsCollector struct {
	provider StatementsProvider
	store    *Store
}

func NewFundamentalsCollector(provider StatementsProvider, store *Store) *FundamentalsCollector {
	return &FundamentalsCollector{
		provider: provider,
		store:    store,
	}
}

// Collect refreshes statements for the given symbols as of asOf. A failure on
// one symbol is recorded and does not stop collection for the rest.
func (f *FundamentalsCollector) Collect(ctx context.Context, symbols []string, asOf time.Time) (*FundamentalsResult, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "fundamentals.Collect")
	defer span.End()

	freshnessDays := viper.GetInt("fundamentals.freshness_days")
	if freshnessDays <= 0 {
		freshnessDays = 3
	}

	subLog := log.With().Time("AsOf", asOf).Int("FreshnessDays", freshnessDays).Logger()

	result := &FundamentalsResult{
		Fetched: []string{},
		Skipped: []string{},
		Failed:  []string{},
	}

	for _, symbol := range symbols {
		lastEarnings, known, err := f.store.LastEarningsDate(ctx, symbol)
		if err != nil {
			subLog.Warn().Err(err).Str("Symbol", symbol).Msg("could not read last earnings date")
			result.Failed = append(result.Failed, symbol)
			continue
		}

		// skip symbols whose earnings are not materially stale
		if known && asOf.Before(lastEarnings.AddDate(0, 0, freshnessDays)) {
			result.Skipped = append(result.Skipped, symbol)
			continue
		}

		statements, err := f.provider.FetchStatements(ctx, symbol, asOf)
		if err != nil {
			subLog.Warn().Err(err).Str("Symbol", symbol).Msg("could not fetch statements")
			result.Failed = append(result.Failed, symbol)
			continue
		}

		if err := f.store.UpsertStatements(ctx, statements); err != nil {
			subLog.Error().Err(err).Str("Symbol", symbol).Msg("could not persist statements")
			result.Failed = append(result.Failed, symbol)
			continue
		}

		result.Fetched = append(result.Fetched, symbol)
	}

	subLog.Info().Int("Fetched", len(result.Fetched)).Int("Skipped", len(result.Skipped)).Int("Failed", len(result.Failed)).Msg("fundamentals collection finished")
	return result, nil
}

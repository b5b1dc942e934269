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
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/batch-engine/common"
	"github.com/sigmasight/batch-engine/observability/opentelemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// alpacaProvider is the secondary bar source; it sits behind tiingo in the
// provider chain and picks up symbols tiingo does not carry or dates where
// tiingo is rate limited.
type alpacaProvider struct {
	client *marketdata.Client
}

// NewAlpaca creates a new Alpaca market data provider
func NewAlpaca(apiKey, apiSecret string) Provider {
	return &alpacaProvider{
		client: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
		}),
	}
}

func (a *alpacaProvider) Name() string {
	return "alpaca"
}

func (a *alpacaProvider) FetchDailyBars(ctx context.Context, symbol string, begin, end time.Time) *FetchResult {
	_, span := otel.Tracer(opentelemetry.Name).Start(ctx, "alpaca.FetchDailyBars")
	defer span.End()

	span.SetAttributes(
		attribute.String("Symbol", symbol),
		attribute.String("Provider", "alpaca"),
	)

	subLog := log.With().Str("Symbol", symbol).Time("Begin", begin).Time("End", end).Logger()

	alpacaBars, err := a.client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     begin,
		End:       end,
		Feed:      "iex",
	})
	if err != nil {
		span.RecordError(err)
		if strings.Contains(err.Error(), "429") {
			subLog.Warn().Msg("alpaca rate limit hit")
			return &FetchResult{Status: FetchRateLimited}
		}
		if strings.Contains(err.Error(), "404") {
			return &FetchResult{Status: FetchNotFound}
		}
		subLog.Error().Err(err).Msg("alpaca bar request failed")
		return &FetchResult{Status: FetchTransientError, Err: err}
	}

	if len(alpacaBars) == 0 {
		return &FetchResult{Status: FetchNotFound}
	}

	tz := common.GetTimezone()
	bars := make([]*EodBar, 0, len(alpacaBars))
	for _, ab := range alpacaBars {
		ts := ab.Timestamp.In(tz)
		bars = append(bars, &EodBar{
			Symbol: strings.ToUpper(symbol),
			Date:   time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, tz),
			Open:   ab.Open,
			High:   ab.High,
			Low:    ab.Low,
			Close:  ab.Close,
			Volume: int64(ab.Volume),
		})
	}

	return &FetchResult{Status: FetchOk, Bars: bars}
}

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
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sigmasight/batch-engine/common"
	"github.com/sigmasight/batch-engine/observability/opentelemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

type tiingo struct {
	apikey string
}

type tiingoJSONResponse struct {
	Date        string  `json:"date"`
	Close       float64 `json:"close"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Open        float64 `json:"open"`
	Volume      int64   `json:"volume"`
	AdjClose    float64 `json:"adjClose"`
	DivCash     float64 `json:"divCash"`
	SplitFactor float64 `json:"splitFactor"`
}

type tiingoMetaResponse struct {
	Ticker               string `json:"ticker"`
	Name                 string `json:"name"`
	Sector               string `json:"sector"`
	Industry             string `json:"industry"`
	StatementLastUpdated string `json:"statementLastUpdated"`
}

type tiingoStatementResponse struct {
	Date          string `json:"date"`
	Quarter       int    `json:"quarter"`
	Year          int    `json:"year"`
	StatementData struct {
		IncomeStatement []tiingoStatementItem `json:"incomeStatement"`
		BalanceSheet    []tiingoStatementItem `json:"balanceSheet"`
		CashFlow        []tiingoStatementItem `json:"cashFlow"`
	} `json:"statementData"`
}

type tiingoStatementItem struct {
	DataCode string  `json:"dataCode"`
	Value    float64 `json:"value"`
}

var tiingoAPI = "https://api.tiingo.com"

// NewTiingo creates a new Tiingo market data provider
func NewTiingo(key string) Provider {
	return &tiingo{
		apikey: key,
	}
}

// NewTiingoProfiles creates a Tiingo client for company reference data
func NewTiingoProfiles(key string) ProfileProvider {
	return &tiingo{
		apikey: key,
	}
}

// NewTiingoFundamentals creates a Tiingo client for financial statements
func NewTiingoFundamentals(key string) StatementsProvider {
	return &tiingo{
		apikey: key,
	}
}

func (t *tiingo) Name() string {
	return "tiingo"
}

// FetchDailyBars retrieves daily OHLCV bars for symbol over [begin, end].
// Responses are memoized in the byte cache so that overlapping backfill
// requests do not repeatedly hit the external API.
func (t *tiingo) FetchDailyBars(ctx context.Context, symbol string, begin, end time.Time) *FetchResult {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "tiingo.FetchDailyBars")
	defer span.End()

	subLog := log.With().Str("Symbol", symbol).Time("Begin", begin).Time("End", end).Logger()

	url := fmt.Sprintf("%s/tiingo/daily/%s/prices?startDate=%s&endDate=%s&resampleFreq=daily&token=%s",
		tiingoAPI, symbol, begin.Format("2006-01-02"), end.Format("2006-01-02"), t.apikey)

	span.SetAttributes(
		attribute.String("Symbol", symbol),
		attribute.String("Provider", "tiingo"),
	)

	body, status, err := t.request(ctx, url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tiingo http request failed")
		subLog.Error().Err(err).Msg("tiingo http request failed")
		return &FetchResult{Status: FetchTransientError, Err: err}
	}

	switch {
	case status == http.StatusNotFound:
		return &FetchResult{Status: FetchNotFound}
	case status == http.StatusTooManyRequests:
		subLog.Warn().Msg("tiingo rate limit hit")
		return &FetchResult{Status: FetchRateLimited}
	case status >= 400:
		span.SetStatus(codes.Error, "tiingo returned invalid response code")
		subLog.Error().Int("HTTPResponseStatusCode", status).Msg("tiingo returned invalid response code")
		return &FetchResult{Status: FetchTransientError, Err: fmt.Errorf("HTTP request returned invalid status code: %d", status)}
	}

	jsonResp := []tiingoJSONResponse{}
	if err := json.Unmarshal(body, &jsonResp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "could not unmarshal json")
		subLog.Error().Err(err).Bytes("Body", body).Msg("could not unmarshal json")
		return &FetchResult{Status: FetchTransientError, Err: err}
	}

	tz := common.GetTimezone()
	bars := make([]*EodBar, 0, len(jsonResp))
	for _, row := range jsonResp {
		dtParts := strings.Split(row.Date, "T")
		dt, err := time.ParseInLocation("2006-01-02", dtParts[0], tz)
		if err != nil {
			subLog.Warn().Err(err).Str("DateStr", row.Date).Msg("skipping bar with unparseable date")
			continue
		}
		bars = append(bars, &EodBar{
			Symbol: symbol,
			Date:   dt,
			Open:   row.Open,
			High:   row.High,
			Low:    row.Low,
			Close:  row.Close,
			Volume: row.Volume,
		})
	}

	if len(bars) == 0 {
		return &FetchResult{Status: FetchNotFound}
	}

	return &FetchResult{Status: FetchOk, Bars: bars}
}

// FetchCompanyProfile retrieves company reference data from the tiingo
// fundamentals metadata endpoint
func (t *tiingo) FetchCompanyProfile(ctx context.Context, symbol string) (*CompanyProfile, bool, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "tiingo.FetchCompanyProfile")
	defer span.End()

	url := fmt.Sprintf("%s/tiingo/fundamentals/meta?tickers=%s&token=%s", tiingoAPI, symbol, t.apikey)
	body, status, err := t.request(ctx, url)
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}
	if status == http.StatusNotFound {
		return nil, false, nil
	}
	if status >= 400 {
		return nil, false, fmt.Errorf("HTTP request returned invalid status code: %d", status)
	}

	meta := []tiingoMetaResponse{}
	if err := json.Unmarshal(body, &meta); err != nil {
		span.RecordError(err)
		return nil, false, err
	}
	if len(meta) == 0 {
		return nil, false, nil
	}

	profile := &CompanyProfile{
		Symbol:   symbol,
		Name:     meta[0].Name,
		Sector:   meta[0].Sector,
		Industry: meta[0].Industry,
	}
	if meta[0].StatementLastUpdated != "" {
		if dt, err := time.Parse(time.RFC3339, meta[0].StatementLastUpdated); err == nil {
			profile.LastEarningsDate = dt.In(common.GetTimezone())
		}
	}
	return profile, true, nil
}

// FetchStatements retrieves quarterly financial statements for a symbol
func (t *tiingo) FetchStatements(ctx context.Context, symbol string, asOf time.Time) ([]*Statement, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "tiingo.FetchStatements")
	defer span.End()

	subLog := log.With().Str("Symbol", symbol).Time("AsOf", asOf).Logger()

	url := fmt.Sprintf("%s/tiingo/fundamentals/%s/statements?asReported=true&token=%s", tiingoAPI, symbol, t.apikey)
	body, status, err := t.request(ctx, url)
	if err != nil {
		span.RecordError(err)
		subLog.Error().Err(err).Msg("tiingo statements request failed")
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("HTTP request returned invalid status code: %d", status)
	}

	jsonResp := []tiingoStatementResponse{}
	if err := json.Unmarshal(body, &jsonResp); err != nil {
		span.RecordError(err)
		subLog.Error().Err(err).Msg("could not unmarshal statements json")
		return nil, err
	}

	tz := common.GetTimezone()
	statements := make([]*Statement, 0, len(jsonResp)*3)
	for _, row := range jsonResp {
		reportDate, err := time.ParseInLocation("2006-01-02", row.Date, tz)
		if err != nil {
			subLog.Warn().Err(err).Str("DateStr", row.Date).Msg("skipping statement with unparseable date")
			continue
		}

		period := fiscalPeriodFromQuarter(row.Quarter)
		kinds := []struct {
			kind  StatementKind
			items []tiingoStatementItem
		}{
			{StatementIncome, row.StatementData.IncomeStatement},
			{StatementBalance, row.StatementData.BalanceSheet},
			{StatementCashFlow, row.StatementData.CashFlow},
		}

		for _, k := range kinds {
			if len(k.items) == 0 {
				continue
			}
			values := make(map[string]float64, len(k.items))
			for _, item := range k.items {
				values[item.DataCode] = item.Value
			}
			statements = append(statements, &Statement{
				Symbol:       symbol,
				Kind:         k.kind,
				FiscalYear:   row.Year,
				FiscalPeriod: period,
				ReportDate:   reportDate,
				Values:       values,
			})
		}
	}

	return statements, nil
}

func (t *tiingo) request(ctx context.Context, url string) ([]byte, int, error) {
	if body, err := common.CacheGet(url); err == nil && len(body) > 0 {
		return body, http.StatusOK, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}

	if resp.StatusCode == http.StatusOK {
		if err := common.CacheSet(url, body); err != nil {
			log.Warn().Err(err).Msg("could not cache provider response")
		}
	}

	return body, resp.StatusCode, nil
}

func fiscalPeriodFromQuarter(quarter int) FiscalPeriod {
	switch quarter {
	case 1:
		return PeriodQ1
	case 2:
		return PeriodQ2
	case 3:
		return PeriodQ3
	case 4:
		return PeriodQ4
	}
	return PeriodAnnual
}

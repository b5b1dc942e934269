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

import "time"

// EodBar is one symbol-day of market data. At most one bar exists per
// (symbol, date); re-fetches during gap-fill or backfill overwrite in place.
type EodBar struct {
	Symbol string    `json:"symbol"`
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// FetchMode describes how much history the collector requests for a symbol.
// The mode exists to bound external API call volume: a normal daily run only
// closes a 1-day gap, a missed day or two becomes a gap-fill, and a symbol
// new to the universe triggers a full backfill.
type FetchMode string

const (
	ModeIncremental FetchMode = "incremental"
	ModeGapFill     FetchMode = "gap_fill"
	ModeBackfill    FetchMode = "backfill"
)

// StatementKind identifies which financial statement a fundamentals row
// belongs to
type StatementKind string

const (
	StatementIncome    StatementKind = "income_statement"
	StatementBalance   StatementKind = "balance_sheet"
	StatementCashFlow  StatementKind = "cash_flow"
)

// FiscalPeriod identifies the reporting period of a financial statement
type FiscalPeriod string

const (
	PeriodQ1     FiscalPeriod = "Q1"
	PeriodQ2     FiscalPeriod = "Q2"
	PeriodQ3     FiscalPeriod = "Q3"
	PeriodQ4     FiscalPeriod = "Q4"
	PeriodAnnual FiscalPeriod = "Annual"
)

// Statement is a single financial statement for a symbol and fiscal period
type Statement struct {
	Symbol       string             `json:"symbol"`
	Kind         StatementKind      `json:"kind"`
	FiscalYear   int                `json:"fiscalYear"`
	FiscalPeriod FiscalPeriod       `json:"fiscalPeriod"`
	ReportDate   time.Time          `json:"reportDate"`
	Values       map[string]float64 `json:"values"`
}

// CompanyProfile is slow-moving reference data for a symbol
type CompanyProfile struct {
	Symbol           string    `json:"symbol"`
	Name             string    `json:"name"`
	Sector           string    `json:"sector"`
	Industry         string    `json:"industry"`
	LastEarningsDate time.Time `json:"lastEarningsDate"`
}

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
)

// FetchStatus is the outcome classification of a provider fetch. Expected
// fallthrough cases (rate limits, unknown symbols, transient network errors)
// are values rather than raw errors so the chain can decide whether trying
// the next provider makes sense.
type FetchStatus int

const (
	FetchOk FetchStatus = iota
	FetchNotFound
	FetchRateLimited
	FetchTransientError
)

func (s FetchStatus) String() string {
	switch s {
	case FetchOk:
		return "ok"
	case FetchNotFound:
		return "not_found"
	case FetchRateLimited:
		return "rate_limited"
	case FetchTransientError:
		return "transient_error"
	}
	return "unknown"
}

type FetchResult struct {
	Status FetchStatus
	Bars   []*EodBar
	Err    error
}

// Provider retrieves daily bars for a single symbol from an external market
// data source
type Provider interface {
	Name() string
	FetchDailyBars(ctx context.Context, symbol string, begin, end time.Time) *FetchResult
}

// ProfileProvider retrieves company reference data; not every bar provider
// supports it
type ProfileProvider interface {
	FetchCompanyProfile(ctx context.Context, symbol string) (*CompanyProfile, bool, error)
}

// StatementsProvider retrieves financial statements for a symbol
type StatementsProvider interface {
	FetchStatements(ctx context.Context, symbol string, asOf time.Time) ([]*Statement, error)
}

// ProviderChain tries each registered provider in priority order until one
// succeeds. A symbol only fails once every provider has been exhausted.
type ProviderChain struct {
	providers []Provider
}

func NewProviderChain(providers ...Provider) *ProviderChain {
	return &ProviderChain{
		providers: providers,
	}
}

func (chain *ProviderChain) Len() int {
	return len(chain.providers)
}

// FetchDailyBars walks the chain for the requested symbol and range
func (chain *ProviderChain) FetchDailyBars(ctx context.Context, symbol string, begin, end time.Time) ([]*EodBar, error) {
	if len(chain.providers) == 0 {
		return nil, ErrNoProviders
	}

	subLog := log.With().Str("Symbol", symbol).Time("Begin", begin).Time("End", end).Logger()

	for _, provider := range chain.providers {
		res := provider.FetchDailyBars(ctx, symbol, begin, end)
		switch res.Status {
		case FetchOk:
			return res.Bars, nil
		case FetchNotFound:
			subLog.Debug().Str("Provider", provider.Name()).Msg("symbol not known to provider")
		case FetchRateLimited:
			subLog.Warn().Str("Provider", provider.Name()).Msg("provider rate limited; falling through")
		case FetchTransientError:
			subLog.Warn().Str("Provider", provider.Name()).Err(res.Err).Msg("transient provider error; falling through")
		}
	}

	return nil, ErrProvidersExhausted
}

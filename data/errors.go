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

import "errors"

var (
	ErrNotFound          = errors.New("symbol not found")
	ErrInvalidTimeRange  = errors.New("begin must be before end")
	ErrCacheMiss         = errors.New("price not in cache")
	ErrIncompleteSeries  = errors.New("cached series does not cover requested dates")
	ErrProvidersExhausted = errors.New("all providers failed for symbol")
	ErrNoProviders       = errors.New("no market data providers configured")
)

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

package calendar

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sigmasight/batch-engine/database"
)

// LoadFromDB builds a Calendar from the market_holidays table. Called once at
// process startup; the calendar does no further I/O after this.
func LoadFromDB(ctx context.Context) (*Calendar, error) {
	trx, err := database.Trx(ctx)
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not get database transaction")
		return nil, err
	}

	rows, err := trx.Query(ctx, "SELECT event_date FROM market_holidays ORDER BY event_date ASC")
	if err != nil {
		log.Error().Stack().Err(err).Msg("could not load market holidays")
		if err := trx.Rollback(ctx); err != nil {
			log.Error().Stack().Err(err).Msg("could not rollback transaction")
		}
		return nil, err
	}

	holidayDates := make([]time.Time, 0, 256)
	for rows.Next() {
		var dt time.Time
		if err = rows.Scan(&dt); err != nil {
			log.Error().Stack().Err(err).Msg("could not scan holiday date")
			if err := trx.Rollback(ctx); err != nil {
				log.Error().Stack().Err(err).Msg("could not rollback transaction")
			}
			return nil, err
		}
		holidayDates = append(holidayDates, dt)
	}

	if err := trx.Commit(ctx); err != nil {
		log.Warn().Stack().Err(err).Msg("could not commit transaction")
	}

	return New(holidayDates), nil
}

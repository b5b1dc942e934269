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
	"errors"
	"time"

	"github.com/sigmasight/batch-engine/common"
)

var (
	ErrNoPriorTradingDay = errors.New("no trading day prior to requested date")
)

// Epoch is the first date the calendar has holiday knowledge for; queries
// walking before it fail with ErrNoPriorTradingDay
var Epoch = time.Date(1998, 1, 1, 0, 0, 0, 0, common.GetTimezone())

// Calendar answers trading-day questions for the US equity market. It is
// immutable once constructed and performs no I/O; holidays come from the
// market_holidays table at startup or directly from the constructor in tests.
type Calendar struct {
	holidays map[int64]bool
	tz       *time.Location
}

// New creates a Calendar from the supplied holiday dates
func New(holidayDates []time.Time) *Calendar {
	tz := common.GetTimezone()
	holidays := make(map[int64]bool, len(holidayDates))
	for _, h := range holidayDates {
		d := time.Date(h.Year(), h.Month(), h.Day(), 0, 0, 0, 0, tz)
		holidays[d.Unix()] = true
	}
	return &Calendar{
		holidays: holidays,
		tz:       tz,
	}
}

// IsMarketHoliday returns true if the specified date is a market holiday
func (cal *Calendar) IsMarketHoliday(t time.Time) bool {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, cal.tz)
	return cal.holidays[d.Unix()]
}

// IsTradingDay returns true if the specified date is a valid trading day
// (i.e. not a market holiday or weekend)
func (cal *Calendar) IsTradingDay(t time.Time) bool {
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	return !cal.IsMarketHoliday(t)
}

// PreviousTradingDay returns the closest trading day strictly before t
func (cal *Calendar) PreviousTradingDay(t time.Time) (time.Time, error) {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, cal.tz)
	for {
		d = d.AddDate(0, 0, -1)
		if d.Before(Epoch) {
			return time.Time{}, ErrNoPriorTradingDay
		}
		if cal.IsTradingDay(d) {
			return d, nil
		}
	}
}

// NextTradingDay returns the closest trading day strictly after t
func (cal *Calendar) NextTradingDay(t time.Time) time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, cal.tz)
	for {
		d = d.AddDate(0, 0, 1)
		if cal.IsTradingDay(d) {
			return d
		}
	}
}

// TradingDaysBetween returns all trading days in [begin, end], ascending.
// The result is empty when begin is after end.
func (cal *Calendar) TradingDaysBetween(begin, end time.Time) []time.Time {
	days := []time.Time{}
	d := time.Date(begin.Year(), begin.Month(), begin.Day(), 0, 0, 0, 0, cal.tz)
	last := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, cal.tz)
	for !d.After(last) {
		if cal.IsTradingDay(d) {
			days = append(days, d)
		}
		d = d.AddDate(0, 0, 1)
	}
	return days
}

// MostRecentCompletedTradingDay returns the latest trading day whose session
// has closed as-of now. Before the cutoff hour (market close plus settlement
// slack) the current day's data is not yet available and the previous trading
// day is returned instead.
func (cal *Calendar) MostRecentCompletedTradingDay(now time.Time, cutoffHour int) (time.Time, error) {
	localNow := now.In(cal.tz)
	d := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), 0, 0, 0, 0, cal.tz)
	if cal.IsTradingDay(d) && localNow.Hour() >= cutoffHour {
		return d, nil
	}
	return cal.PreviousTradingDay(d)
}

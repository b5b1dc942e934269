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

package batch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/batch-engine/calendar"
	"github.com/sigmasight/batch-engine/data"
	"github.com/sigmasight/batch-engine/factors"
	"github.com/sigmasight/batch-engine/observability/opentelemetry"
	"github.com/sigmasight/batch-engine/portfolio"
	"github.com/sigmasight/batch-engine/risk"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
)

// Options select what a run covers. Zero Begin/End means derive the range
// from the last finished run and the trading calendar.
type Options struct {
	Begin        time.Time
	End          time.Time
	PortfolioIDs []uuid.UUID
	Force        bool
	Trigger      string
}

// Orchestrator drives the batch phases in order over a date range. Dates run
// chronologically so each day's snapshot can roll equity forward from the
// previous day. Phases are isolated: a failing phase is recorded on the run
// and the batch moves on, except that a date whose market data collection
// fails entirely skips the phases that would read those prices.
type Orchestrator struct {
	cal          *calendar.Calendar
	collector    *data.Collector
	fundamentals *data.FundamentalsCollector
	profiles     data.ProfileProvider
	dataStore    *data.Store
	portfolios   *portfolio.Store
	snapshots    *portfolio.SnapshotStore
	pnl          *portfolio.Calculator
	riskRunner   *risk.Runner
	factorCalc   *factors.Calculator
	factorStore  *factors.Store
	tracker      *Tracker
}

func NewOrchestrator(cal *calendar.Calendar, collector *data.Collector,
	fundamentals *data.FundamentalsCollector, profiles data.ProfileProvider,
	dataStore *data.Store, portfolios *portfolio.Store, snapshots *portfolio.SnapshotStore,
	pnl *portfolio.Calculator, riskRunner *risk.Runner, factorCalc *factors.Calculator,
	factorStore *factors.Store, tracker *Tracker) *Orchestrator {
	return &Orchestrator{
		cal:          cal,
		collector:    collector,
		fundamentals: fundamentals,
		profiles:     profiles,
		dataStore:    dataStore,
		portfolios:   portfolios,
		snapshots:    snapshots,
		pnl:          pnl,
		riskRunner:   riskRunner,
		factorCalc:   factorCalc,
		factorStore:  factorStore,
		tracker:      tracker,
	}
}

func cutoffHour() int {
	h := viper.GetInt("batch.cutoff_hour")
	if h == 0 {
		h = 18
	}
	return h
}

func cacheLookbackDays() int {
	d := viper.GetInt("batch.cache_lookback_days")
	if d <= 0 {
		// enough calendar days to cover a year of trading days plus the
		// HAR warmup window
		d = 420
	}
	return d
}

// resolveRange turns Options into a concrete [begin, end] trading-day range.
// With no explicit begin the run backfills from the day after the last
// finished run; a fresh deployment starts batch.initial_backfill_days back.
func (o *Orchestrator) resolveRange(ctx context.Context, opts *Options) (time.Time, time.Time, error) {
	end := opts.End
	if end.IsZero() {
		var err error
		end, err = o.cal.MostRecentCompletedTradingDay(time.Now(), cutoffHour())
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	}

	begin := opts.Begin
	if begin.IsZero() {
		last, found, err := o.tracker.LastSuccessfulEnd(ctx)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		if found {
			begin = o.cal.NextTradingDay(last)
		} else {
			days := viper.GetInt("batch.initial_backfill_days")
			if days <= 0 {
				days = 90
			}
			begin = end.AddDate(0, 0, -days)
		}
	}

	return begin, end, nil
}

// Execute runs the batch over the resolved date range and returns the
// finished run record. The returned error covers setup failures only; phase
// failures are carried on the run itself.
func (o *Orchestrator) Execute(ctx context.Context, opts *Options) (*Run, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "batch.Execute")
	defer span.End()

	if opts.Trigger == "" {
		opts.Trigger = TriggerManual
	}

	begin, end, err := o.resolveRange(ctx, opts)
	if err != nil {
		// leave a failed run row behind so the range problem is visible in
		// the run history, not just in the logs
		run := NewRun(opts.Trigger)
		run.fail(err)
		o.tracker.RunStarted(ctx, run)
		o.tracker.RunFinished(ctx, run)
		return run, err
	}

	run := NewRun(opts.Trigger)
	run.Begin = begin
	run.End = end

	dates := o.cal.TradingDaysBetween(begin, end)
	subLog := log.With().Str("RunID", run.ID.String()).Str("Trigger", run.Trigger).
		Time("Begin", begin).Time("End", end).Int("TradingDays", len(dates)).Logger()

	if len(dates) == 0 {
		subLog.Info().Msg("no trading days in range; nothing to do")
		run.finish()
		return run, nil
	}

	subLog.Info().Msg("starting batch run")
	o.tracker.RunStarted(ctx, run)

	portfolios, err := o.portfolios.LoadPortfolios(ctx, opts.PortfolioIDs)
	if err != nil {
		run.recordPhase(&PhaseResult{Name: PhaseMarketData, Date: dates[0], Err: err})
		run.finish()
		o.tracker.RunFinished(ctx, run)
		return run, nil
	}

	// load the rolling price window from storage before any calculation
	// phase runs; an incremental collection only adds the new bars on top
	if err := o.collector.WarmCache(ctx, dates[0], cacheLookbackDays(), opts.PortfolioIDs); err != nil {
		subLog.Warn().Err(err).Msg("could not warm price cache")
	}

	if opts.Force {
		o.forceClear(ctx, portfolios, begin, end)
	}

	for _, date := range dates {
		o.runDate(ctx, run, opts, portfolios, date)
	}

	// universe-level phases run once against the final date; a run scoped to
	// specific portfolios leaves the shared symbol tables alone
	if len(opts.PortfolioIDs) == 0 {
		o.runUniverse(ctx, run, opts, dates[len(dates)-1])
	}

	run.finish()
	o.tracker.RunFinished(ctx, run)

	subLog.Info().Str("Status", run.Status).Dur("Duration", run.Duration()).
		Int("Phases", len(run.Phases)).Msg("batch run finished")
	return run, nil
}

// forceClear deletes populated snapshots in range so force reruns can
// recompute them
func (o *Orchestrator) forceClear(ctx context.Context, portfolios []*portfolio.Portfolio, begin, end time.Time) {
	for _, p := range portfolios {
		n, err := o.snapshots.DeleteRange(ctx, p.ID, begin, end)
		if err != nil {
			log.Error().Stack().Err(err).Str("PortfolioID", p.ID.String()).Msg("could not clear snapshots for force rerun")
			continue
		}
		if n > 0 {
			log.Info().Str("PortfolioID", p.ID.String()).Int("Deleted", n).Msg("cleared snapshots for force rerun")
		}
	}
}

func (o *Orchestrator) runDate(ctx context.Context, run *Run, opts *Options, portfolios []*portfolio.Portfolio, date time.Time) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "batch.runDate")
	defer span.End()

	marketDataOk := o.runMarketData(ctx, run, opts, date)
	o.runFundamentals(ctx, run, opts, date)

	if !marketDataOk {
		log.Warn().Time("Date", date).Msg("market data unavailable; skipping price-dependent phases for date")
		return
	}

	o.runSnapshots(ctx, run, portfolios, date)
	o.runPositionMarks(ctx, run, portfolios, date)
	o.runRisk(ctx, run, portfolios, date)
}

// runMarketData collects bars for the date. Returns false only when nothing
// could be collected, which makes the price-dependent phases pointless.
func (o *Orchestrator) runMarketData(ctx context.Context, run *Run, opts *Options, date time.Time) bool {
	start := time.Now()
	res := &PhaseResult{Name: PhaseMarketData, Date: date}

	collected, err := o.collector.Collect(ctx, date, cacheLookbackDays(), opts.PortfolioIDs)
	if err != nil {
		res.Err = err
		res.Duration = time.Since(start)
		run.recordPhase(res)
		o.tracker.PhaseFinished(ctx, run, res)
		return false
	}

	res.Processed = collected.Fetched
	res.Failed = len(collected.Failed)
	res.Duration = time.Since(start)
	run.recordPhase(res)
	o.tracker.PhaseFinished(ctx, run, res)
	return collected.Fetched > 0 || len(collected.Failed) == 0
}

func (o *Orchestrator) runFundamentals(ctx context.Context, run *Run, opts *Options, date time.Time) {
	start := time.Now()
	res := &PhaseResult{Name: PhaseFundamentals, Date: date}

	symbols, err := o.dataStore.Universe(ctx, opts.PortfolioIDs)
	if err != nil {
		res.Err = err
	} else {
		collected, err := o.fundamentals.Collect(ctx, symbols, date)
		if err != nil {
			res.Err = err
		} else {
			res.Processed = len(collected.Fetched)
			res.Skipped = len(collected.Skipped)
			res.Failed = len(collected.Failed)
		}
	}

	res.Duration = time.Since(start)
	run.recordPhase(res)
	o.tracker.PhaseFinished(ctx, run, res)
}

func (o *Orchestrator) runSnapshots(ctx context.Context, run *Run, portfolios []*portfolio.Portfolio, date time.Time) {
	start := time.Now()
	res := &PhaseResult{Name: PhaseSnapshots, Date: date}

	for _, p := range portfolios {
		sr := o.pnl.CalculateDay(ctx, p, date)
		switch {
		case sr.Err != nil:
			res.Failed++
			if res.Err == nil {
				res.Err = sr.Err
			}
		case sr.Skipped:
			res.Skipped++
		default:
			res.Processed++
		}
	}

	res.Duration = time.Since(start)
	run.recordPhase(res)
	o.tracker.PhaseFinished(ctx, run, res)
}

func (o *Orchestrator) runPositionMarks(ctx context.Context, run *Run, portfolios []*portfolio.Portfolio, date time.Time) {
	start := time.Now()
	res := &PhaseResult{Name: PhasePositionMarks, Date: date}

	for _, p := range portfolios {
		n, err := o.pnl.UpdatePositionMarks(ctx, p, date)
		if err != nil {
			res.Failed++
			if res.Err == nil {
				res.Err = err
			}
			continue
		}
		res.Processed += n
	}

	res.Duration = time.Since(start)
	run.recordPhase(res)
	o.tracker.PhaseFinished(ctx, run, res)
}

func (o *Orchestrator) runRisk(ctx context.Context, run *Run, portfolios []*portfolio.Portfolio, date time.Time) {
	start := time.Now()
	res := &PhaseResult{Name: PhaseRisk, Date: date}

	for _, p := range portfolios {
		if _, err := o.riskRunner.Calculate(ctx, p, date); err != nil {
			log.Error().Stack().Err(err).Str("PortfolioID", p.ID.String()).Time("Date", date).Msg("risk analytics failed")
			res.Failed++
			if res.Err == nil {
				res.Err = err
			}
			continue
		}
		res.Processed++
	}

	res.Duration = time.Since(start)
	run.recordPhase(res)
	o.tracker.PhaseFinished(ctx, run, res)
}

// runUniverse executes the once-per-run symbol-level phases against the
// final date. Factor regressions run once per symbol regardless of how many
// portfolios hold it.
func (o *Orchestrator) runUniverse(ctx context.Context, run *Run, opts *Options, asOf time.Time) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "batch.runUniverse")
	defer span.End()

	o.runProfileSync(ctx, run, opts, asOf)

	start := time.Now()
	res := &PhaseResult{Name: PhaseSymbolFactors, Date: asOf}
	exposures, err := o.factorCalc.CalculateUniverseFactors(ctx, asOf)
	if err != nil {
		res.Err = err
	} else if err := o.factorStore.UpsertExposures(ctx, exposures); err != nil {
		res.Err = err
	} else {
		res.Processed = len(exposures)
	}
	res.Duration = time.Since(start)
	run.recordPhase(res)
	o.tracker.PhaseFinished(ctx, run, res)

	start = time.Now()
	res = &PhaseResult{Name: PhaseSymbolMetrics, Date: asOf}
	if exposures == nil {
		exposures = make(map[string]*factors.FactorExposure)
	}
	metrics, err := o.factorCalc.CalculateSymbolMetrics(ctx, asOf, exposures)
	if err != nil {
		res.Err = err
	} else if err := o.factorStore.UpsertMetrics(ctx, metrics); err != nil {
		res.Err = err
	} else {
		res.Processed = len(metrics)
	}
	res.Duration = time.Since(start)
	run.recordPhase(res)
	o.tracker.PhaseFinished(ctx, run, res)

	start = time.Now()
	res = &PhaseResult{Name: PhaseSectorRestore, Date: asOf}
	restored, err := o.dataStore.RestoreSectorTags(ctx)
	if err != nil {
		res.Err = err
	} else {
		res.Processed = restored
	}
	res.Duration = time.Since(start)
	run.recordPhase(res)
	o.tracker.PhaseFinished(ctx, run, res)
}

func (o *Orchestrator) runProfileSync(ctx context.Context, run *Run, opts *Options, asOf time.Time) {
	start := time.Now()
	res := &PhaseResult{Name: PhaseProfiles, Date: asOf}

	symbols, err := o.dataStore.Universe(ctx, opts.PortfolioIDs)
	if err != nil {
		res.Err = err
		res.Duration = time.Since(start)
		run.recordPhase(res)
		o.tracker.PhaseFinished(ctx, run, res)
		return
	}

	for _, symbol := range symbols {
		profile, found, err := o.profiles.FetchCompanyProfile(ctx, symbol)
		if err != nil {
			res.Failed++
			if res.Err == nil {
				res.Err = err
			}
			continue
		}
		if !found {
			res.Skipped++
			continue
		}
		if err := o.dataStore.UpsertCompanyProfile(ctx, profile); err != nil {
			res.Failed++
			if res.Err == nil {
				res.Err = err
			}
			continue
		}
		res.Processed++
	}

	res.Duration = time.Since(start)
	run.recordPhase(res)
	o.tracker.PhaseFinished(ctx, run, res)
}

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

package cmd

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/batch-engine/batch"
	"github.com/sigmasight/batch-engine/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	runStart      string
	runEnd        string
	runPortfolios []string
	runForce      bool
)

func init() {
	runCmd.Flags().StringVar(&runStart, "start", "", "First date to process, specified as YYYY-MM-dd (default: resume after last finished run)")
	runCmd.Flags().StringVar(&runEnd, "end", "", "Last date to process, specified as YYYY-MM-dd (default: most recent completed trading day)")
	runCmd.Flags().StringSliceVar(&runPortfolios, "portfolio", nil, "Limit the run to the given portfolio IDs")
	runCmd.Flags().BoolVar(&runForce, "force", false, "Recompute already populated snapshots in the range")

	runCmd.Flags().Int("cutoff-hour", 18, "Hour of day (America/New_York) after which the current trading day counts as complete")
	if err := viper.BindPFlag("batch.cutoff_hour", runCmd.Flags().Lookup("cutoff-hour")); err != nil {
		log.Panic().Err(err).Msg("could not bind batch.cutoff_hour")
	}

	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the batch pipeline over a date range",
	Long:  `Collect market data and fundamentals, compute daily P&L snapshots, update position marks, and run factor and risk analytics for every trading day in the range.`,
	Run: func(_ *cobra.Command, _ []string) {
		ctx := context.Background()
		if err := setupEnvironment(ctx); err != nil {
			os.Exit(1)
		}

		orchestrator, _, err := buildOrchestrator(ctx)
		if err != nil {
			os.Exit(1)
		}

		opts, err := parseRunOptions()
		if err != nil {
			log.Error().Err(err).Msg("invalid run options")
			os.Exit(1)
		}

		run, err := orchestrator.Execute(ctx, opts)
		if err != nil {
			log.Error().Err(err).Msg("batch run could not start")
			os.Exit(1)
		}

		if run.Status == batch.RunFailed {
			log.Error().Str("Errors", run.ErrorSummary()).Msg("batch run failed")
			os.Exit(1)
		}
	},
}

func parseRunOptions() (*batch.Options, error) {
	opts := &batch.Options{
		Trigger: batch.TriggerManual,
		Force:   runForce,
	}

	nyc := common.GetTimezone()
	if runStart != "" {
		begin, err := time.ParseInLocation("2006-01-02", runStart, nyc)
		if err != nil {
			return nil, err
		}
		opts.Begin = begin
	}
	if runEnd != "" {
		end, err := time.ParseInLocation("2006-01-02", runEnd, nyc)
		if err != nil {
			return nil, err
		}
		opts.End = end
	}

	for _, raw := range runPortfolios {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, err
		}
		opts.PortfolioIDs = append(opts.PortfolioIDs, id)
	}

	return opts, nil
}

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
	"os/signal"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/batch-engine/batch"
	"github.com/sigmasight/batch-engine/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	scheduleCmd.Flags().String("at", "18:30", "Time of day (America/New_York) to start the nightly run")
	if err := viper.BindPFlag("batch.schedule_at", scheduleCmd.Flags().Lookup("at")); err != nil {
		log.Panic().Err(err).Msg("could not bind batch.schedule_at")
	}

	rootCmd.AddCommand(scheduleCmd)
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the batch pipeline nightly",
	Long:  `Start a scheduler that executes the batch pipeline every day after market close. Each run resumes from the last finished run, so missed nights are backfilled automatically.`,
	Run: func(_ *cobra.Command, _ []string) {
		ctx := context.Background()
		if err := setupEnvironment(ctx); err != nil {
			os.Exit(1)
		}

		orchestrator, tracker, err := buildOrchestrator(ctx)
		if err != nil {
			os.Exit(1)
		}

		at := viper.GetString("batch.schedule_at")
		scheduler := gocron.NewScheduler(common.GetTimezone())
		if _, err := scheduler.Every(1).Day().At(at).Do(func() {
			run, err := orchestrator.Execute(context.Background(), &batch.Options{
				Trigger: batch.TriggerScheduled,
			})
			if err != nil {
				log.Error().Err(err).Msg("scheduled batch run could not start")
				return
			}
			log.Info().Str("RunID", run.ID.String()).Str("Status", run.Status).Msg("scheduled batch run finished")

			if n, err := tracker.PurgeRuns(context.Background()); err != nil {
				log.Warn().Err(err).Msg("could not purge old run records")
			} else if n > 0 {
				log.Info().Int("Purged", n).Msg("purged old run records")
			}
		}); err != nil {
			log.Error().Err(err).Str("At", at).Msg("could not schedule batch run")
			os.Exit(1)
		}

		log.Info().Str("At", at).Msg("scheduler started")
		scheduler.StartAsync()

		// block until interrupt
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt)
		sig := <-c
		log.Info().Str("Signal", sig.String()).Msg("shutting down scheduler")
		scheduler.Stop()
	},
}

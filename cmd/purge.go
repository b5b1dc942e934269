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

	"github.com/rs/zerolog/log"
	"github.com/sigmasight/batch-engine/batch"
	"github.com/sigmasight/batch-engine/common"
	"github.com/sigmasight/batch-engine/database"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	purgeCmd.Flags().IntP("retention-days", "r", 90, "Delete run records older than this many days")
	if err := viper.BindPFlag("batch.run_retention_days", purgeCmd.Flags().Lookup("retention-days")); err != nil {
		log.Panic().Err(err).Msg("could not bind batch.run_retention_days")
	}

	rootCmd.AddCommand(purgeCmd)
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete batch run records older than the retention window",
	Run: func(_ *cobra.Command, _ []string) {
		ctx := context.Background()
		common.SetupLogging()

		if err := database.Connect(ctx); err != nil {
			log.Error().Err(err).Msg("could not connect to database")
			os.Exit(1)
		}

		tracker := batch.NewTracker()
		n, err := tracker.PurgeRuns(ctx)
		if err != nil {
			log.Error().Err(err).Msg("could not purge run records")
			os.Exit(1)
		}
		log.Info().Int("Purged", n).Msg("purged old run records")
	},
}

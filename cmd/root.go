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
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/sigmasight/batch-engine/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	// Database
	if err := viper.BindEnv("database.url", "DATABASE_URL"); err != nil {
		log.Panic().Err(err).Msg("could not bind database.url")
	}
	rootCmd.PersistentFlags().String("database-url", "", "PostgreSQL connection string")
	if err := viper.BindPFlag("database.url", rootCmd.PersistentFlags().Lookup("database-url")); err != nil {
		log.Panic().Err(err).Msg("could not bind database.url")
	}

	// Market data providers
	if err := viper.BindEnv("tiingo.token", "TIINGO_TOKEN"); err != nil {
		log.Panic().Err(err).Msg("could not bind tiingo.token")
	}
	rootCmd.PersistentFlags().String("tiingo-token", "", "Tiingo API token")
	if err := viper.BindPFlag("tiingo.token", rootCmd.PersistentFlags().Lookup("tiingo-token")); err != nil {
		log.Panic().Err(err).Msg("could not bind tiingo.token")
	}

	if err := viper.BindEnv("alpaca.key", "APCA_API_KEY_ID"); err != nil {
		log.Panic().Err(err).Msg("could not bind alpaca.key")
	}
	if err := viper.BindEnv("alpaca.secret", "APCA_API_SECRET_KEY"); err != nil {
		log.Panic().Err(err).Msg("could not bind alpaca.secret")
	}

	// NATS
	if err := viper.BindEnv("nats.server", "NATS_URL"); err != nil {
		log.Panic().Err(err).Msg("could not bind nats.server")
	}
	if err := viper.BindEnv("nats.credentials", "NATS_CREDENTIALS"); err != nil {
		log.Panic().Err(err).Msg("could not bind nats.credentials")
	}

	// Redis byte cache
	if err := viper.BindEnv("cache.redis_url", "REDIS_URL"); err != nil {
		log.Panic().Err(err).Msg("could not bind cache.redis_url")
	}

	// Logging configuration
	if err := viper.BindEnv("log.level", "SIGBATCH_LOG_LEVEL"); err != nil {
		log.Panic().Err(err).Msg("could not bind log.level")
	}
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level")
	if err := viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		log.Panic().Err(err).Msg("could not bind log.level")
	}

	if err := viper.BindEnv("log.output", "SIGBATCH_LOG_OUTPUT"); err != nil {
		log.Panic().Err(err).Msg("could not bind log.output")
	}
	rootCmd.PersistentFlags().String("log-output", "stdout", "Write logs to specified output one of: file path, `stdout`, or `stderr`")
	if err := viper.BindPFlag("log.output", rootCmd.PersistentFlags().Lookup("log-output")); err != nil {
		log.Panic().Err(err).Msg("could not bind log.output")
	}

	rootCmd.PersistentFlags().Bool("log-pretty", false, "Console format logging (default is JSON)")
	if err := viper.BindPFlag("log.pretty", rootCmd.PersistentFlags().Lookup("log-pretty")); err != nil {
		log.Panic().Err(err).Msg("could not bind log.pretty")
	}

	if err := viper.BindEnv("log.loki_url", "LOKI_URL"); err != nil {
		log.Panic().Err(err).Msg("could not bind log.loki_url")
	}
	rootCmd.PersistentFlags().String("log-loki-url", "", "Loki server to ship log messages to; blank disables shipping")
	if err := viper.BindPFlag("log.loki_url", rootCmd.PersistentFlags().Lookup("log-loki-url")); err != nil {
		log.Panic().Err(err).Msg("could not bind log.loki_url")
	}
}

var rootCmd = &cobra.Command{
	Use:     "sigbatch",
	Version: common.CurrentVersion.String(),
	Short:   "SigmaSight batch analytics engine",
	Long:    `Batch processing engine that collects market data and computes portfolio analytics: daily P&L snapshots, factor exposures, and risk measures.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

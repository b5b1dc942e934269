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

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/sigmasight/batch-engine/handler"
	"github.com/sigmasight/batch-engine/observability/opentelemetry"
	"github.com/sigmasight/batch-engine/router"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	if err := viper.BindEnv("server.port", "PORT"); err != nil {
		log.Panic().Err(err).Msg("could not bind server.port")
	}
	serveCmd.Flags().IntP("port", "p", 3000, "Port to run application server on")
	if err := viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port")); err != nil {
		log.Panic().Err(err).Msg("could not bind server.port")
	}

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the batch control API",
	Long:  `Run an HTTP server that lists batch runs, reports run detail, and accepts trigger requests.`,
	Run: func(_ *cobra.Command, _ []string) {
		ctx := context.Background()
		if err := setupEnvironment(ctx); err != nil {
			os.Exit(1)
		}

		shutdownOtel, err := opentelemetry.Setup()
		if err != nil {
			log.Warn().Err(err).Msg("could not initialize opentelemetry")
		}

		orchestrator, tracker, err := buildOrchestrator(ctx)
		if err != nil {
			os.Exit(1)
		}

		app := fiber.New()

		// shutdown cleanly on interrupt
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt)
		go func() {
			sig := <-c
			log.Info().Str("Signal", sig.String()).Msg("shutting down")
			if err := app.Shutdown(); err != nil {
				log.Error().Err(err).Msg("error during server shutdown")
			}
		}()

		router.SetupRoutes(app, &handler.Runs{
			Orchestrator: orchestrator,
			Tracker:      tracker,
		})

		if err := app.Listen(":" + viper.GetString("server.port")); err != nil {
			log.Fatal().Err(err).Msg("server exited with error")
		}

		if shutdownOtel != nil {
			if err := shutdownOtel(ctx); err != nil {
				log.Error().Err(err).Msg("could not shut down opentelemetry")
			}
		}
	},
}

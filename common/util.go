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

package common

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"github.com/sigmasight/batch-engine/loki"
	"github.com/spf13/viper"
)

func SetupLogging() {
	level := strings.ToLower(viper.GetString("log.level"))

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "panic":
		zerolog.SetGlobalLevel(zerolog.PanicLevel)
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if viper.GetBool("log.report_caller") {
		log.Logger = log.With().Caller().Logger()
	}

	var out io.Writer
	output := viper.GetString("log.output")
	switch output {
	case "stdout", "":
		out = os.Stdout
		if viper.GetBool("log.pretty") {
			out = zerolog.ConsoleWriter{Out: os.Stdout}
		}
	case "stderr":
		out = os.Stderr
		if viper.GetBool("log.pretty") {
			out = zerolog.ConsoleWriter{Out: os.Stderr}
		}
	default:
		fh, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			panic(err)
		}
		out = fh
	}

	if lokiURL := viper.GetString("log.loki_url"); lokiURL != "" {
		shipper, err := loki.NewWriter(lokiURL)
		if err != nil {
			log.Error().Err(err).Str("LokiURL", lokiURL).Msg("could not initialize loki log shipping")
		} else {
			out = zerolog.MultiLevelWriter(out, shipper)
		}
	}

	log.Logger = log.Output(out)
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
}

// GetTimezone returns the market reference timezone; all trading dates in the
// system are normalized to New York time
func GetTimezone() *time.Location {
	tz, err := time.LoadLocation("America/New_York")
	if err != nil {
		log.Panic().Err(err).Msg("could not load timezone")
	}
	return tz
}

// MarketDate normalizes t to midnight in the market reference timezone
func MarketDate(t time.Time) time.Time {
	tz := GetTimezone()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, tz)
}

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

package messenger

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// PublishRunEvent pushes a batch run lifecycle event to the
// sigbatch.run.<event> subject. Delivery is fire-and-forget: failures are
// logged and swallowed so messaging problems never affect the batch itself.
func PublishRunEvent(event string, payload any) {
	if jetStream == nil {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("Event", event).Msg("could not serialize run event")
		return
	}

	subject := fmt.Sprintf("sigbatch.run.%s", event)
	if _, err := jetStream.PublishAsync(subject, body); err != nil {
		log.Warn().Err(err).Str("Subject", subject).Msg("could not publish run event")
	}
}

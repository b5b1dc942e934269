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

package risk

import (
	"github.com/spf13/viper"
)

// defaultScenarios apply when risk.stress_scenarios is not configured.
// Shock values are factor returns; keys match the factor basis names used
// by the symbol regressions.
var defaultScenarios = map[string]map[string]float64{
	"market_crash": {"market": -0.20},
	"market_rally": {"market": 0.10},
	"rate_shock":   {"rates": -0.10},
	"rate_rally":   {"rates": 0.05},
	"small_cap_selloff": {
		"market":    -0.05,
		"small_cap": -0.15,
	},
}

// stressScenarios reads the scenario table from config, falling back to the
// built-in defaults. Config shape:
//
//	[risk.stress_scenarios.market_crash]
//	market = -0.20
func stressScenarios() map[string]map[string]float64 {
	raw := viper.GetStringMap("risk.stress_scenarios")
	if len(raw) == 0 {
		return defaultScenarios
	}

	scenarios := make(map[string]map[string]float64, len(raw))
	for name := range raw {
		shocks := viper.GetStringMap("risk.stress_scenarios." + name)
		scenario := make(map[string]float64, len(shocks))
		for factor := range shocks {
			scenario[factor] = viper.GetFloat64("risk.stress_scenarios." + name + "." + factor)
		}
		if len(scenario) > 0 {
			scenarios[name] = scenario
		}
	}
	if len(scenarios) == 0 {
		return defaultScenarios
	}
	return scenarios
}

// stressImpact is the first-order portfolio return under a scenario: the sum
// of factor beta times factor shock
func stressImpact(betas map[string]float64, shocks map[string]float64) float64 {
	impact := 0.0
	for factor, shock := range shocks {
		impact += betas[factor] * shock
	}
	return impact
}

// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import "strings"

// modelPricing holds published per-million-token prices in USD. Unknown
// models estimate at zero rather than guessing.
type modelPricing struct {
	inputPerMillion  float64
	outputPerMillion float64
}

var pricingTable = map[string]modelPricing{
	"gpt-5":                 {1.25, 10.00},
	"gpt-5-mini":            {0.25, 2.00},
	"gpt-4.1":               {2.00, 8.00},
	"gpt-4.1-mini":          {0.40, 1.60},
	"gpt-4o":                {2.50, 10.00},
	"gpt-4o-mini":           {0.15, 0.60},
	"o3":                    {2.00, 8.00},
	"o4-mini":               {1.10, 4.40},
	"o3-deep-research":      {10.00, 40.00},
	"o4-mini-deep-research": {2.00, 8.00},
	"computer-use-preview":  {3.00, 12.00},
}

// EstimateCost returns the estimated USD cost for one request, matching
// the model by exact name then by longest prefix (version-suffixed model
// names still price correctly).
func EstimateCost(modelName string, inputTokens, outputTokens int) float64 {
	pricing, ok := pricingTable[modelName]
	if !ok {
		bestLen := 0
		for name, p := range pricingTable {
			if strings.HasPrefix(modelName, name) && len(name) > bestLen {
				pricing, bestLen = p, len(name)
			}
		}
		if bestLen == 0 {
			return 0
		}
	}
	return float64(inputTokens)/1e6*pricing.inputPerMillion +
		float64(outputTokens)/1e6*pricing.outputPerMillion
}

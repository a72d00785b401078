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

package model

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// FromYAML parses a workflow definition from YAML. Local runs and tests use
// definition files; in production the KV store is the authoritative source.
//
// The YAML document is normalized through JSON so that tool shorthand and
// depends_on coercion behave identically for both sources.
func FromYAML(data []byte) (*Workflow, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing workflow definition: %w", err)
	}

	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("normalizing workflow definition: %w", err)
	}

	var wf Workflow
	if err := json.Unmarshal(normalized, &wf); err != nil {
		return nil, fmt.Errorf("decoding workflow definition: %w", err)
	}

	if len(wf.Steps) == 0 {
		return nil, fmt.Errorf("workflow definition has no steps")
	}

	return &wf, nil
}

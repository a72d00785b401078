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

import (
	"strings"

	"github.com/leadforge/engine/internal/model"
	lferrors "github.com/leadforge/engine/pkg/errors"
)

// deepResearchModels do not get web_search injected by default; the model
// family searches on its own.
var deepResearchModels = []string{"deep-research", "-dr-"}

// IsDeepResearchModel reports whether the model manages its own search.
func IsDeepResearchModel(modelName string) bool {
	lower := strings.ToLower(modelName)
	for _, marker := range deepResearchModels {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// NormalizeTools converts step tool specs to wire tools and repairs the
// tool choice:
//   - container-backed tools get container {type: "auto"} when missing
//   - unknown tool types are rejected
//   - tool_choice "required" with no tools downgrades to "auto" (nothing
//     to require)
//   - the provider-side image_generation tool is stripped; the planner
//     loop replaces it (selecting it directly is the invalid combination)
func NormalizeTools(specs []model.ToolSpec, choice model.ToolChoice) ([]Tool, string, error) {
	var tools []Tool
	for _, spec := range specs {
		if !spec.Valid() {
			return nil, "", &lferrors.ValidationError{
				Field:      "tools",
				Message:    "unknown tool type " + string(spec.Type),
				Suggestion: "supported tools: web_search, code_interpreter, computer_use_preview, shell, image_generation, mcp",
			}
		}
		if spec.Type == model.ToolImageGeneration {
			continue
		}

		tool := Tool{
			Type:          string(spec.Type),
			DisplayWidth:  spec.DisplayWidth,
			DisplayHeight: spec.DisplayHeight,
			Environment:   spec.Environment,
			Size:          spec.Size,
			Quality:       spec.Quality,
			ServerLabel:   spec.ServerLabel,
			ServerURL:     spec.ServerURL,
		}
		if spec.Container != nil {
			tool.Container = &Container{Type: spec.Container.Type}
		} else if spec.RequiresContainer() {
			tool.Container = &Container{Type: "auto"}
		}
		if spec.Type == model.ToolComputerUse {
			if tool.DisplayWidth == 0 {
				tool.DisplayWidth = 1280
			}
			if tool.DisplayHeight == 0 {
				tool.DisplayHeight = 800
			}
			if tool.Environment == "" {
				tool.Environment = "browser"
			}
		}
		tools = append(tools, tool)
	}

	wireChoice := string(choice)
	if choice == model.ToolChoiceRequired && len(tools) == 0 {
		wireChoice = string(model.ToolChoiceAuto)
	}
	return tools, wireChoice, nil
}

// DefaultTools applies model-specific tool defaults: a plain generation
// step gets web_search unless the model is a deep-research variant.
func DefaultTools(modelName string, specs []model.ToolSpec) []model.ToolSpec {
	if len(specs) > 0 {
		return specs
	}
	if IsDeepResearchModel(modelName) {
		return nil
	}
	return []model.ToolSpec{{Type: model.ToolWebSearch}}
}

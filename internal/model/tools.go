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
)

// ToolType identifies a tool the model may call during a step.
type ToolType string

const (
	ToolWebSearch       ToolType = "web_search"
	ToolCodeInterpreter ToolType = "code_interpreter"
	ToolComputerUse     ToolType = "computer_use_preview"
	ToolShell           ToolType = "shell"
	ToolImageGeneration ToolType = "image_generation"
	ToolMCP             ToolType = "mcp"
)

// ToolSpec is a tagged variant over the supported tool types. Only the
// fields matching Type are meaningful; the rest stay zero.
//
// Workflow definitions may use a bare string shorthand ("web_search") in
// place of the object form; UnmarshalJSON accepts both.
type ToolSpec struct {
	Type ToolType `json:"type"`

	// Container is required by code_interpreter and computer_use_preview.
	// Request shaping injects {type: "auto"} when missing.
	Container *ToolContainer `json:"container,omitempty"`

	// Computer-use viewport.
	DisplayWidth  int    `json:"display_width,omitempty"`
	DisplayHeight int    `json:"display_height,omitempty"`
	Environment   string `json:"environment,omitempty"`

	// Image generation options.
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`

	// MCP server binding.
	ServerLabel  string   `json:"server_label,omitempty"`
	ServerURL    string   `json:"server_url,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

// ToolContainer configures the sandbox container for container-backed tools.
type ToolContainer struct {
	Type string `json:"type"`
}

// UnmarshalJSON accepts both the object form and the string shorthand.
func (t *ToolSpec) UnmarshalJSON(data []byte) error {
	var shorthand string
	if err := json.Unmarshal(data, &shorthand); err == nil {
		*t = ToolSpec{Type: ToolType(shorthand)}
		return nil
	}

	type alias ToolSpec
	var full alias
	if err := json.Unmarshal(data, &full); err != nil {
		return fmt.Errorf("tool spec must be a string or an object with a type field: %w", err)
	}
	*t = ToolSpec(full)
	return nil
}

// Valid reports whether the tool type is one the engine knows.
func (t ToolSpec) Valid() bool {
	switch t.Type {
	case ToolWebSearch, ToolCodeInterpreter, ToolComputerUse, ToolShell, ToolImageGeneration, ToolMCP:
		return true
	default:
		return false
	}
}

// RequiresContainer reports whether the tool needs a sandbox container.
func (t ToolSpec) RequiresContainer() bool {
	return t.Type == ToolCodeInterpreter || t.Type == ToolComputerUse
}

// HasTool reports whether tools contains the given type.
func HasTool(tools []ToolSpec, typ ToolType) bool {
	for _, t := range tools {
		if t.Type == typ {
			return true
		}
	}
	return false
}

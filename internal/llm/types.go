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

// Package llm adapts workflow steps to the LLM provider's response API:
// request shaping, tool normalization, image reference hygiene, response
// parsing, error classification, and the retry policy around all of it.
package llm

import (
	"context"
	"encoding/json"

	"github.com/leadforge/engine/internal/model"
)

// Request is the provider-facing request body.
type Request struct {
	Model        string `json:"model"`
	Instructions string `json:"instructions,omitempty"`

	// Input is either a plain string or a structured message list
	// ([]Message) when image references ride along.
	Input any `json:"input"`

	Tools      []Tool `json:"tools,omitempty"`
	ToolChoice string `json:"tool_choice,omitempty"`

	Reasoning       *Reasoning `json:"reasoning,omitempty"`
	ServiceTier     string     `json:"service_tier,omitempty"`
	Truncation      string     `json:"truncation,omitempty"`
	MaxOutputTokens int        `json:"max_output_tokens,omitempty"`

	// PreviousResponseID threads tool-loop turns into one conversation.
	PreviousResponseID string `json:"previous_response_id,omitempty"`
}

// Reasoning tunes reasoning-capable models.
type Reasoning struct {
	Effort string `json:"effort,omitempty"`
}

// Tool is a provider tool declaration in wire form.
type Tool struct {
	Type string `json:"type"`

	// Container is required by code_interpreter and computer_use_preview.
	Container *Container `json:"container,omitempty"`

	// Computer-use viewport.
	DisplayWidth  int    `json:"display_width,omitempty"`
	DisplayHeight int    `json:"display_height,omitempty"`
	Environment   string `json:"environment,omitempty"`

	// Image generation options.
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`

	// MCP server binding.
	ServerLabel string `json:"server_label,omitempty"`
	ServerURL   string `json:"server_url,omitempty"`
}

// Container selects the sandbox for container-backed tools.
type Container struct {
	Type string `json:"type"`
}

// Message is one structured input message.
type Message struct {
	Role    string    `json:"role"`
	Content []Content `json:"content"`
}

// Content is one item of a structured message.
type Content struct {
	Type string `json:"type"`

	// Text for input_text items.
	Text string `json:"text,omitempty"`

	// ImageURL for input_image items. Always an HTTPS URL; data URLs are
	// rehosted before request shaping.
	ImageURL string `json:"image_url,omitempty"`
}

// Response is the parsed provider response.
type Response struct {
	ID          string       `json:"id"`
	Model       string       `json:"model"`
	Output      []OutputItem `json:"output"`
	Usage       *UsageDetail `json:"usage,omitempty"`
	ServiceTier string       `json:"service_tier,omitempty"`
	Status      string       `json:"status,omitempty"`
}

// OutputItem is one entry of the response's output list.
type OutputItem struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// message items.
	Role    string    `json:"role,omitempty"`
	Content []Content `json:"content,omitempty"`

	// image_generation_call items carry base64 image data in Result.
	Result string `json:"result,omitempty"`

	// computer_call items.
	Action json.RawMessage `json:"action,omitempty"`
	CallID string          `json:"call_id,omitempty"`

	// shell_call items.
	Commands  []string `json:"commands,omitempty"`
	TimeoutMS int      `json:"timeout_ms,omitempty"`
}

// UsageDetail is the provider's token accounting.
type UsageDetail struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// OutputText concatenates the textual content of message output items.
func (r *Response) OutputText() string {
	var out string
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" || c.Type == "text" {
				out += c.Text
			}
		}
	}
	return out
}

// ToolCalls returns output items that request tool execution.
func (r *Response) ToolCalls(itemType string) []OutputItem {
	var calls []OutputItem
	for _, item := range r.Output {
		if item.Type == itemType {
			calls = append(calls, item)
		}
	}
	return calls
}

// ModelUsage converts provider usage to the engine's usage record,
// estimating cost from the pricing table.
func (r *Response) ModelUsage() *model.Usage {
	if r.Usage == nil {
		return nil
	}
	u := &model.Usage{
		InputTokens:  r.Usage.InputTokens,
		OutputTokens: r.Usage.OutputTokens,
		TotalTokens:  r.Usage.TotalTokens,
		ServiceTier:  r.ServiceTier,
	}
	u.CostUSD = EstimateCost(r.Model, r.Usage.InputTokens, r.Usage.OutputTokens)
	return u
}

// Client is the provider capability the adapter drives.
type Client interface {
	// CreateResponse performs one provider call.
	CreateResponse(ctx context.Context, req *Request) (*Response, error)
}

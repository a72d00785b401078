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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/leadforge/engine/internal/log"
	"github.com/leadforge/engine/pkg/errors"
	"github.com/leadforge/engine/pkg/httpclient"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIConfig configures the OpenAI responses client.
type OpenAIConfig struct {
	// APIKey authenticates requests. Required.
	APIKey string

	// BaseURL overrides the API origin (tests, proxies).
	BaseURL string

	// Timeout bounds one provider call. Zero means 10 minutes; tool-heavy
	// and deep-research calls run long.
	Timeout time.Duration
}

// OpenAIClient calls the OpenAI responses API. Retry policy lives in the
// Adapter; this client performs exactly one attempt per call.
type OpenAIClient struct {
	client  *http.Client
	cfg     OpenAIConfig
	logger  *slog.Logger
	baseURL string
}

// NewOpenAIClient builds a client over the shared HTTP stack.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, &errors.ConfigError{Key: "LLM_SECRET_NAME", Reason: "resolved API key is empty"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}

	httpCfg := httpclient.DefaultConfig()
	httpCfg.Timeout = cfg.Timeout
	httpCfg.RetryAttempts = 0
	httpCfg.UserAgent = "leadforge-llm/1.0"
	client, err := httpclient.New(httpCfg)
	if err != nil {
		return nil, err
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		client:  client,
		cfg:     cfg,
		logger:  log.WithComponent(logger, "llm.openai"),
		baseURL: baseURL,
	}, nil
}

type openAIErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
		Param   string `json:"param"`
	} `json:"error"`
}

// CreateResponse performs one responses-API call.
func (c *OpenAIClient) CreateResponse(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encoding provider request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "building provider request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &errors.TimeoutError{
				Operation: "LLM request",
				Duration:  time.Since(start),
				Cause:     err,
			}
		}
		return nil, &errors.ProviderError{
			Provider: "openai",
			Category: CategoryConnection,
			Message:  err.Error(),
			Cause:    err,
		}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading provider response")
	}

	requestID := httpResp.Header.Get("X-Request-Id")
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, c.apiError(httpResp.StatusCode, requestID, respBody)
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &errors.ProviderError{
			Provider:  "openai",
			Category:  CategoryUnknown,
			Message:   fmt.Sprintf("undecodable response body: %v", err),
			RequestID: requestID,
			Cause:     err,
		}
	}

	c.logger.Debug("provider call completed",
		"model", req.Model,
		"request_id", requestID,
		log.DurationKey, time.Since(start).Milliseconds())
	return &resp, nil
}

func (c *OpenAIClient) apiError(status int, requestID string, body []byte) error {
	var envelope openAIErrorEnvelope
	message := string(body)
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	}

	category := classifyStatusAndMessage(status, message)
	if envelope.Error.Param == "tool_choice" || envelope.Error.Code == "invalid_tool_choice" {
		category = CategoryToolChoiceConfig
	}
	if envelope.Error.Code == "model_not_found" {
		category = CategoryModelNotFound
	}

	return &errors.ProviderError{
		Provider:   "openai",
		Category:   category,
		StatusCode: status,
		Message:    message,
		Suggestion: suggestionFor(category),
		RequestID:  requestID,
	}
}

func suggestionFor(category string) string {
	switch category {
	case CategoryAuthentication:
		return "verify the API key referenced by LLM_SECRET_NAME"
	case CategoryRateLimit:
		return "reduce concurrent jobs or raise the provider rate limit"
	case CategoryModelNotFound:
		return "check the step's model name against the provider's model list"
	case CategoryToolChoiceConfig:
		return "tool_choice=required needs at least one tool on the step"
	default:
		return ""
	}
}

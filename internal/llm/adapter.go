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
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/leadforge/engine/internal/log"
	"github.com/leadforge/engine/internal/metrics"
	"github.com/leadforge/engine/internal/model"
	lferrors "github.com/leadforge/engine/pkg/errors"
)

// AdapterConfig tunes the retry and pacing policy around provider calls.
type AdapterConfig struct {
	// MaxRetries bounds backoff retries for rate_limit, connection, and
	// timeout failures. Single-shot repair strategies (rehost, tool-choice
	// downgrade, reasoning strip) don't count against it.
	MaxRetries int

	// BaseBackoff is the first retry delay; each retry doubles it up to
	// MaxBackoff. A 0-20% jitter is added to avoid thundering herds.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// RequestsPerSecond paces outbound provider calls across concurrent
	// steps. Zero disables pacing.
	RequestsPerSecond float64
}

// DefaultAdapterConfig returns the production retry policy.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		MaxRetries:  4,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  60 * time.Second,
	}
}

// Adapter wraps a provider client with request shaping, image hygiene,
// response parsing, and the classified retry policy.
type Adapter struct {
	client   Client
	rehoster Rehoster
	logger   *slog.Logger
	limiter  *rate.Limiter
	cfg      AdapterConfig
}

// NewAdapter creates an Adapter.
func NewAdapter(client Client, rehoster Rehoster, logger *slog.Logger, cfg AdapterConfig) *Adapter {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Adapter{
		client:   client,
		rehoster: rehoster,
		logger:   log.WithComponent(logger, "llm.adapter"),
		limiter:  limiter,
		cfg:      cfg,
	}
}

// StepRequest is the adapter-level request for one generation step.
type StepRequest struct {
	TenantID string
	JobID    string

	Model        string
	Instructions string
	Input        string

	Tools      []model.ToolSpec
	ToolChoice model.ToolChoice

	OutputConfig *model.OutputConfig

	// PreviousImageURLs are upstream image references carried into this
	// step. Only consumed when the step's tools include image generation.
	PreviousImageURLs []string
}

// Result is the parsed outcome of one adapter execution.
type Result struct {
	Response   *Response
	OutputText string

	// ImageURLs are the hosted image URLs the step produced or surfaced,
	// cleaned and deduplicated.
	ImageURLs []string

	Usage *model.Usage

	// RequestBody is the final shaped request, for the audit record.
	RequestBody map[string]any
}

// Execute shapes, sends, retries, and parses one generation request.
func (a *Adapter) Execute(ctx context.Context, step *StepRequest) (*Result, error) {
	req, err := a.shape(ctx, step)
	if err != nil {
		return nil, err
	}

	resp, err := a.callWithPolicy(ctx, step, req)
	if err != nil {
		return nil, err
	}

	return a.parse(ctx, step, req, resp)
}

// shape builds the wire request from the step request.
func (a *Adapter) shape(ctx context.Context, step *StepRequest) (*Request, error) {
	tools, choice, err := NormalizeTools(step.Tools, step.ToolChoice)
	if err != nil {
		return nil, err
	}

	req := &Request{
		Model:        step.Model,
		Instructions: step.Instructions,
		Input:        step.Input,
		Tools:        tools,
		ToolChoice:   choice,
	}
	if oc := step.OutputConfig; oc != nil {
		req.MaxOutputTokens = oc.MaxOutputTokens
		req.ServiceTier = oc.ServiceTier
		req.Truncation = oc.Truncation
		if oc.ReasoningEffort != "" {
			req.Reasoning = &Reasoning{Effort: oc.ReasoningEffort}
		}
	}

	if model.HasTool(step.Tools, model.ToolImageGeneration) && len(step.PreviousImageURLs) > 0 {
		hosted := SanitizeImageURLs(ctx, a.rehoster, a.logger, step.TenantID, step.JobID, step.PreviousImageURLs)
		if len(hosted) > 0 {
			content := []Content{{Type: "input_text", Text: step.Input}}
			for _, u := range hosted {
				content = append(content, Content{Type: "input_image", ImageURL: u})
			}
			req.Input = []Message{{Role: "user", Content: content}}
		}
	}
	return req, nil
}

// callWithPolicy runs the classified retry policy around provider calls.
func (a *Adapter) callWithPolicy(ctx context.Context, step *StepRequest, req *Request) (*Response, error) {
	var (
		rehosted         bool
		choiceRepaired   bool
		reasoningDropped bool
		backoffs         int
	)

	for {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return nil, &lferrors.CancelledError{Operation: "LLM request", Cause: err}
			}
		}

		resp, err := a.client.CreateResponse(ctx, req)
		if err == nil {
			metrics.RecordLLMRequest("success")
			return resp, nil
		}
		if ctx.Err() != nil && lferrors.IsCancelled(err) {
			return nil, err
		}

		category := Classify(err)
		metrics.RecordLLMRequest(category)
		switch {
		case category == CategoryImageDownloadTimeout && !rehosted:
			rehosted = true
			if a.rehostFailingImage(ctx, step, req, err) {
				a.logger.Warn("provider image fetch timed out, retrying with rehosted URL",
					log.JobIDKey, step.JobID)
				continue
			}

		case category == CategoryToolChoiceConfig && !choiceRepaired:
			choiceRepaired = true
			req.ToolChoice = string(model.ToolChoiceAuto)
			if len(req.Tools) == 0 {
				req.Tools = []Tool{{Type: string(model.ToolWebSearch)}}
			}
			a.logger.Warn("repairing tool_choice configuration and retrying",
				log.JobIDKey, step.JobID)
			continue

		case req.Reasoning != nil && !reasoningDropped && mentionsReasoning(err):
			reasoningDropped = true
			req.Reasoning = nil
			a.logger.Warn("model rejected reasoning parameter, retrying without it",
				log.JobIDKey, step.JobID, "model", req.Model)
			continue

		case Retryable(category) && backoffs < a.cfg.MaxRetries:
			delay := a.backoff(backoffs)
			backoffs++
			a.logger.Warn("provider call failed, backing off",
				log.JobIDKey, step.JobID,
				"category", category,
				"attempt", backoffs,
				"delay_ms", delay.Milliseconds(),
				log.Error(err))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil, &lferrors.CancelledError{Operation: "LLM request", Cause: ctx.Err()}
			}
		}

		return nil, ensureClassified(err, category)
	}
}

// rehostFailingImage swaps the URL named by a provider download error for
// a tenant-hosted copy inside the structured input. Returns false when
// nothing could be substituted.
func (a *Adapter) rehostFailingImage(ctx context.Context, step *StepRequest, req *Request, provErr error) bool {
	failing := FailingImageURL(provErr)
	if failing == "" {
		return false
	}
	messages, ok := req.Input.([]Message)
	if !ok {
		return false
	}

	hosted, _, err := a.rehoster.PutImageFromURL(ctx, step.TenantID, step.JobID, failing)
	if err != nil {
		a.logger.Warn("rehost of failing image URL failed", "url", failing, log.Error(err))
		return false
	}

	replaced := false
	for mi := range messages {
		for ci := range messages[mi].Content {
			c := &messages[mi].Content[ci]
			if c.Type == "input_image" && c.ImageURL == failing {
				c.ImageURL = hosted
				replaced = true
			}
		}
	}
	req.Input = messages
	return replaced
}

// parse extracts text, images, and usage from the provider response.
func (a *Adapter) parse(ctx context.Context, step *StepRequest, req *Request, resp *Response) (*Result, error) {
	generated, err := StoreGeneratedImages(ctx, a.rehoster, step.TenantID, step.JobID, resp)
	if err != nil {
		return nil, err
	}

	text := resp.OutputText()
	text, inlineURLs, err := RewriteBase64Assets(ctx, a.rehoster, step.TenantID, step.JobID, text)
	if err != nil {
		return nil, err
	}

	usage := resp.ModelUsage()
	if usage != nil {
		usage.ImageCount = len(generated) + len(inlineURLs)
	}
	metrics.RecordUsage(usage)

	return &Result{
		Response:    resp,
		OutputText:  text,
		ImageURLs:   ExtractImageURLs(resp, inlineURLs),
		Usage:       usage,
		RequestBody: requestAudit(req),
	}, nil
}

func (a *Adapter) backoff(attempt int) time.Duration {
	delay := a.cfg.BaseBackoff << uint(attempt)
	if delay > a.cfg.MaxBackoff {
		delay = a.cfg.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	return delay + jitter
}

func mentionsReasoning(err error) bool {
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "reasoning") &&
		(strings.Contains(lower, "unsupported") ||
			strings.Contains(lower, "not supported") ||
			strings.Contains(lower, "invalid") ||
			strings.Contains(lower, "unknown parameter"))
}

// ensureClassified guarantees callers see a ProviderError carrying the
// taxonomy category.
func ensureClassified(err error, category string) error {
	var provErr *lferrors.ProviderError
	if lferrors.As(err, &provErr) {
		if provErr.Category == "" {
			provErr.Category = category
		}
		return err
	}
	var timeoutErr *lferrors.TimeoutError
	if lferrors.As(err, &timeoutErr) {
		return err
	}
	if lferrors.IsCancelled(err) {
		return err
	}
	return &lferrors.ProviderError{
		Provider: "openai",
		Category: category,
		Message:  err.Error(),
		Cause:    err,
	}
}

// requestAudit projects the shaped request into the execution record's
// input field.
func requestAudit(req *Request) map[string]any {
	data, err := json.Marshal(req)
	if err != nil {
		return map[string]any{"model": req.Model}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"model": req.Model}
	}
	return out
}

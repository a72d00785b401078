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
	"net/http"
	"time"

	"github.com/leadforge/engine/pkg/errors"
)

// DefaultImageModel generates images when the step does not name one.
const DefaultImageModel = "gpt-image-1"

// ImageRequest asks the images API for one generated image.
type ImageRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`
	N       int    `json:"n,omitempty"`
}

// GeneratedImage is one image returned as base64 data.
type GeneratedImage struct {
	B64JSON       string `json:"b64_json"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

type imageResponse struct {
	Data []GeneratedImage `json:"data"`
}

// ImageGenerator is the images-API surface the planner loop needs.
type ImageGenerator interface {
	CreateImage(ctx context.Context, req *ImageRequest) (*GeneratedImage, error)
}

// CreateImage performs one images-API call and returns the first image.
func (c *OpenAIClient) CreateImage(ctx context.Context, req *ImageRequest) (*GeneratedImage, error) {
	if req.Model == "" {
		req.Model = DefaultImageModel
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encoding image request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "building image request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &errors.TimeoutError{
				Operation: "image generation",
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
		return nil, errors.Wrap(err, "reading image response")
	}

	requestID := httpResp.Header.Get("X-Request-Id")
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, c.apiError(httpResp.StatusCode, requestID, respBody)
	}

	var resp imageResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &errors.ProviderError{
			Provider:  "openai",
			Category:  CategoryUnknown,
			Message:   fmt.Sprintf("undecodable image response body: %v", err),
			RequestID: requestID,
			Cause:     err,
		}
	}
	if len(resp.Data) == 0 {
		return nil, &errors.ProviderError{
			Provider:  "openai",
			Category:  CategoryUnknown,
			Message:   "image response contained no images",
			RequestID: requestID,
		}
	}
	return &resp.Data[0], nil
}

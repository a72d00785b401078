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
	"net"
	"strings"

	lferrors "github.com/leadforge/engine/pkg/errors"
)

// Provider error categories. The retry policy keys off these; they also
// surface upstream as the job's error_type.
const (
	CategoryAuthentication       = "authentication"
	CategoryRateLimit            = "rate_limit"
	CategoryToolChoiceConfig     = "tool_choice_config"
	CategoryModelNotFound        = "model_not_found"
	CategoryTimeout              = "timeout"
	CategoryConnection           = "connection"
	CategoryImageValidation      = "image_validation"
	CategoryImageDownloadTimeout = "image_download_timeout"
	CategoryCancelled            = "cancelled"
	CategoryUnknown              = "unknown"
)

// Classify maps a provider failure to one taxonomy category. Already
// classified ProviderErrors pass through unchanged.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	// Cancellation is never a provider fault and never retried.
	if lferrors.IsCancelled(err) || lferrors.Is(err, context.Canceled) {
		return CategoryCancelled
	}

	var provErr *lferrors.ProviderError
	if lferrors.As(err, &provErr) {
		if provErr.Category != "" {
			return provErr.Category
		}
		return classifyStatusAndMessage(provErr.StatusCode, provErr.Message)
	}

	var timeoutErr *lferrors.TimeoutError
	if lferrors.As(err, &timeoutErr) {
		if strings.Contains(timeoutErr.Operation, "image download") {
			return CategoryImageDownloadTimeout
		}
		return CategoryTimeout
	}

	if lferrors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	var netErr net.Error
	if lferrors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryConnection
	}

	return classifyStatusAndMessage(0, err.Error())
}

func classifyStatusAndMessage(status int, msg string) string {
	switch status {
	case 401, 403:
		return CategoryAuthentication
	case 429:
		return CategoryRateLimit
	case 404:
		return CategoryModelNotFound
	case 408, 504:
		return CategoryTimeout
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "invalid api key"),
		strings.Contains(lower, "incorrect api key"),
		strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "authentication"):
		return CategoryAuthentication
	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "too many requests"),
		strings.Contains(lower, "quota"):
		return CategoryRateLimit
	case strings.Contains(lower, "tool_choice"),
		strings.Contains(lower, "tool choice"):
		return CategoryToolChoiceConfig
	case strings.Contains(lower, "model not found"),
		strings.Contains(lower, "does not exist or you do not have access"),
		strings.Contains(lower, "unknown model"):
		return CategoryModelNotFound
	case strings.Contains(lower, "timeout while downloading"),
		strings.Contains(lower, "timed out while downloading"),
		strings.Contains(lower, "error while downloading"):
		return CategoryImageDownloadTimeout
	case strings.Contains(lower, "invalid image"),
		strings.Contains(lower, "unsupported image"),
		strings.Contains(lower, "could not process image"):
		return CategoryImageValidation
	case strings.Contains(lower, "timed out"),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "deadline exceeded"):
		return CategoryTimeout
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "broken pipe"),
		strings.Contains(lower, "eof"):
		return CategoryConnection
	}
	return CategoryUnknown
}

// Retryable reports whether a category warrants backoff-and-retry.
// Rehost-once and tool-choice repairs are separate single-shot strategies.
func Retryable(category string) bool {
	switch category {
	case CategoryRateLimit, CategoryConnection, CategoryTimeout:
		return true
	}
	return false
}

// FailingImageURL extracts the image URL a provider download error names,
// or "" when the message carries none.
func FailingImageURL(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, scheme := range []string{"https://", "http://"} {
		if i := strings.Index(msg, scheme); i >= 0 {
			rest := msg[i:]
			if j := strings.IndexAny(rest, " '\"\n)"); j > 0 {
				rest = rest[:j]
			}
			return CleanURL(rest)
		}
	}
	return ""
}

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
	"regexp"
	"strings"
)

var imageURLPattern = regexp.MustCompile(`https?://[^\s<>"'\\]+\.(?:png|jpe?g|gif|webp)(?:\?[^\s<>"'\\]*)?`)

// ScanImageURLs finds image URLs in free text, cleaned and deduplicated in
// first-seen order.
func ScanImageURLs(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, match := range imageURLPattern.FindAllString(text, -1) {
		cleaned := CleanURL(match)
		if cleaned != "" && !seen[cleaned] {
			seen[cleaned] = true
			out = append(out, cleaned)
		}
	}
	return out
}

// CleanURL strips trailing punctuation and unmatched closing parentheses
// that prose or Markdown drag into a scanned URL. Idempotent.
func CleanURL(raw string) string {
	for len(raw) > 0 {
		last := raw[len(raw)-1]
		if strings.IndexByte(".,;:!?'\"`>]}", last) >= 0 {
			raw = raw[:len(raw)-1]
			continue
		}
		if last == ')' && strings.Count(raw, ")") > strings.Count(raw, "(") {
			raw = raw[:len(raw)-1]
			continue
		}
		break
	}
	return raw
}

// StoreGeneratedImages stores each image_generation_call result as an
// image artifact and substitutes the hosted URL into the output item.
// Returns the hosted URLs in output order.
func StoreGeneratedImages(ctx context.Context, rehoster Rehoster, tenantID, jobID string, resp *Response) ([]string, error) {
	var urls []string
	for i := range resp.Output {
		item := &resp.Output[i]
		if item.Type != "image_generation_call" || item.Result == "" {
			continue
		}
		// Result is base64 image data until we substitute the hosted URL.
		if strings.HasPrefix(item.Result, "http://") || strings.HasPrefix(item.Result, "https://") {
			urls = append(urls, item.Result)
			continue
		}
		art, err := rehoster.PutBase64Image(ctx, tenantID, jobID, item.Result, "png")
		if err != nil {
			return urls, err
		}
		item.Result = art.ObjectURL
		urls = append(urls, art.ObjectURL)
	}
	return urls, nil
}

// RewriteBase64Assets finds {"encoding":"base64","data":...} objects in a
// JSON output, stores each as an image artifact, and rewrites the object
// to {"encoding":"url","data":<hosted URL>}. Non-JSON text passes through
// untouched. Returns the rewritten text and the hosted URLs in document
// order.
func RewriteBase64Assets(ctx context.Context, rehoster Rehoster, tenantID, jobID, text string) (string, []string, error) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return text, nil, nil
	}

	var doc any
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return text, nil, nil
	}

	var urls []string
	var walkErr error
	var walk func(node any)
	walk = func(node any) {
		if walkErr != nil {
			return
		}
		switch v := node.(type) {
		case map[string]any:
			if enc, _ := v["encoding"].(string); enc == "base64" {
				if data, ok := v["data"].(string); ok && data != "" {
					art, err := rehoster.PutBase64Image(ctx, tenantID, jobID, data, "png")
					if err != nil {
						walkErr = err
						return
					}
					v["encoding"] = "url"
					v["data"] = art.ObjectURL
					urls = append(urls, art.ObjectURL)
					return
				}
			}
			for _, child := range v {
				walk(child)
			}
		case []any:
			for _, child := range v {
				walk(child)
			}
		}
	}
	walk(doc)
	if walkErr != nil {
		return text, urls, walkErr
	}
	if len(urls) == 0 {
		return text, nil, nil
	}

	rewritten, err := json.Marshal(doc)
	if err != nil {
		return text, urls, err
	}
	return string(rewritten), urls, nil
}

// ExtractImageURLs runs the full extraction over a parsed response whose
// generated images are already stored: URLs substituted into
// image_generation_call items plus a regex scan of the textual output,
// cleaned and deduplicated in first-seen order.
func ExtractImageURLs(resp *Response, extra ...[]string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(u string) {
		u = CleanURL(u)
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}

	for _, item := range resp.Output {
		if item.Type == "image_generation_call" &&
			(strings.HasPrefix(item.Result, "http://") || strings.HasPrefix(item.Result, "https://")) {
			add(item.Result)
		}
	}
	for _, list := range extra {
		for _, u := range list {
			add(u)
		}
	}
	for _, u := range ScanImageURLs(resp.OutputText()) {
		add(u)
	}
	return out
}

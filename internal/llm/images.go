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
	"log/slog"
	"net/url"
	"strings"

	"github.com/leadforge/engine/internal/model"
)

// Rehoster stores remote or inline images under tenant-owned URLs. The
// artifact store satisfies this.
type Rehoster interface {
	PutImageFromURL(ctx context.Context, tenantID, jobID, imageURL string) (string, *model.Artifact, error)
	PutBase64Image(ctx context.Context, tenantID, jobID, b64, format string) (*model.Artifact, error)
}

// problematicHostMarkers flag image hosts the provider's fetcher is known
// to fail on; references to them are rehosted before the request goes out.
var problematicHostMarkers = []string{
	"/wp-content/uploads/",
	".wp.com/",
	"squarespace-cdn.com",
	"images.squarespace-cdn",
	"googleusercontent.com",
	"lookaside.fbsbx.com",
}

// ProblematicImageURL reports whether the provider is likely to fail
// fetching this URL itself.
func ProblematicImageURL(raw string) bool {
	lower := strings.ToLower(raw)
	for _, marker := range problematicHostMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// SanitizeImageURLs enforces the outbound image reference rules: only
// HTTP/HTTPS URLs survive, data URLs are decoded and rehosted, and
// problematic hosts are proactively rehosted. Unusable references are
// dropped rather than failing the request. The returned list never
// contains a data URL.
func SanitizeImageURLs(ctx context.Context, rehoster Rehoster, logger *slog.Logger, tenantID, jobID string, urls []string) []string {
	var out []string
	for _, raw := range urls {
		switch {
		case strings.HasPrefix(raw, "data:"):
			hosted := rehostDataURL(ctx, rehoster, tenantID, jobID, raw)
			if hosted != "" {
				out = append(out, hosted)
			} else if logger != nil {
				logger.Warn("dropping undecodable data URL image reference")
			}

		case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
			if _, err := url.Parse(raw); err != nil {
				if logger != nil {
					logger.Warn("dropping unparseable image URL", "url", raw)
				}
				continue
			}
			if ProblematicImageURL(raw) {
				hosted, _, err := rehoster.PutImageFromURL(ctx, tenantID, jobID, raw)
				if err != nil {
					if logger != nil {
						logger.Warn("rehost of problematic image host failed, dropping reference",
							"url", raw, "error", err)
					}
					continue
				}
				out = append(out, hosted)
				continue
			}
			out = append(out, raw)

		default:
			if logger != nil {
				logger.Warn("dropping non-HTTP image reference", "url", raw)
			}
		}
	}
	return out
}

// rehostDataURL decodes a data:image/...;base64,... URL and stores it,
// returning the hosted URL or "".
func rehostDataURL(ctx context.Context, rehoster Rehoster, tenantID, jobID, raw string) string {
	comma := strings.IndexByte(raw, ',')
	if comma < 0 {
		return ""
	}
	meta, data := raw[len("data:"):comma], raw[comma+1:]
	if !strings.Contains(meta, "base64") {
		return ""
	}

	format := "png"
	if strings.HasPrefix(meta, "image/") {
		f := meta[len("image/"):]
		if i := strings.IndexByte(f, ';'); i >= 0 {
			f = f[:i]
		}
		if f != "" {
			format = f
		}
	}

	art, err := rehoster.PutBase64Image(ctx, tenantID, jobID, data, format)
	if err != nil {
		return ""
	}
	return art.ObjectURL
}

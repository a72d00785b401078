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

// Package blob abstracts the object store that holds rendered artifacts
// and spilled execution records. Keys are tenant-scoped paths of the form
// {tenant_id}/jobs/{job_id}/{filename}.
package blob

import (
	"context"
	"path"
	"strings"
	"time"
)

// ObjectStore stores immutable blobs under hierarchical keys.
type ObjectStore interface {
	// Put uploads data under key with the given content type and returns
	// the blob's public URL.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Get downloads the blob or returns a NotFoundError.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether a blob is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// PublicURL returns the stable public URL for key without touching
	// the backend.
	PublicURL(key string) string

	// PresignGet returns a time-limited download URL for key.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ObjectKey builds the canonical tenant-scoped key for a job file.
func ObjectKey(tenantID, jobID, filename string) string {
	return path.Join(tenantID, "jobs", jobID, filename)
}

// ContentTypeFor maps a filename to the content type used on upload.
// Unknown extensions fall back to application/octet-stream.
func ContentTypeFor(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".md", ".markdown":
		return "text/markdown; charset=utf-8"
	case ".json":
		return "application/json"
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".svg":
		return "image/svg+xml"
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".csv":
		return "text/csv; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

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

// Package artifact stores job outputs durably and registers them in the KV
// store. Every artifact gets a tenant-scoped object key and a stable public
// URL; rows in the KV store are immutable once written.
package artifact

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/leadforge/engine/internal/blob"
	"github.com/leadforge/engine/internal/ids"
	"github.com/leadforge/engine/internal/log"
	"github.com/leadforge/engine/internal/model"
	"github.com/leadforge/engine/internal/store"
	lferrors "github.com/leadforge/engine/pkg/errors"
)

// DefaultImageDownloadTimeout bounds a single remote image fetch.
const DefaultImageDownloadTimeout = 30 * time.Second

// DefaultMaxImageBytes caps a downloaded image at 25 MiB.
const DefaultMaxImageBytes = 25 << 20

// Store persists artifacts to the object store and records them in the KV
// store.
type Store struct {
	kv      store.Store
	blobs   blob.ObjectStore
	gen     ids.Generator
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration
	maxSize int64
}

// Config configures an artifact Store.
type Config struct {
	// Client downloads remote images. Nil uses http.DefaultClient.
	Client *http.Client

	// ImageDownloadTimeout bounds one remote image fetch. Zero means
	// DefaultImageDownloadTimeout.
	ImageDownloadTimeout time.Duration

	// MaxImageBytes caps a downloaded image. Zero means DefaultMaxImageBytes.
	MaxImageBytes int64
}

// NewStore creates an artifact store.
func NewStore(kv store.Store, blobs blob.ObjectStore, gen ids.Generator, logger *slog.Logger, cfg Config) *Store {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := cfg.ImageDownloadTimeout
	if timeout <= 0 {
		timeout = DefaultImageDownloadTimeout
	}
	maxSize := cfg.MaxImageBytes
	if maxSize <= 0 {
		maxSize = DefaultMaxImageBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:      kv,
		blobs:   blobs,
		gen:     gen,
		client:  client,
		logger:  log.WithComponent(logger, "artifact"),
		timeout: timeout,
		maxSize: maxSize,
	}
}

// Put stores content under the job's artifact prefix and registers the row.
// A filename already in use for the job gets a randomized suffix so prior
// artifacts are never overwritten.
func (s *Store) Put(ctx context.Context, tenantID, jobID, filename string, content []byte, artifactType model.ArtifactType) (*model.Artifact, error) {
	if filename == "" {
		return nil, &lferrors.ValidationError{Field: "filename", Message: "filename is required"}
	}

	key := blob.ObjectKey(tenantID, jobID, filename)
	taken, err := s.blobs.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if taken {
		filename = suffixed(filename, s.gen.NewID(ids.PrefixArtifact))
		key = blob.ObjectKey(tenantID, jobID, filename)
	}

	contentType := blob.ContentTypeFor(filename)
	objectURL, err := s.blobs.Put(ctx, key, content, contentType)
	if err != nil {
		return nil, err
	}

	art := &model.Artifact{
		ArtifactID:   s.gen.NewID(ids.PrefixArtifact),
		TenantID:     tenantID,
		JobID:        jobID,
		ArtifactType: artifactType,
		FileName:     filename,
		MimeType:     contentType,
		ObjectKey:    key,
		ObjectURL:    objectURL,
		SizeBytes:    int64(len(content)),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.kv.PutArtifact(ctx, art); err != nil {
		return nil, err
	}

	s.logger.Debug("artifact stored",
		log.JobIDKey, jobID,
		"artifact_id", art.ArtifactID,
		"artifact_type", string(artifactType),
		"size_bytes", art.SizeBytes)
	return art, nil
}

// PutImageFromURL downloads a remote image and stores it as an image
// artifact. URLs already served from our own object store are returned
// unchanged with a nil artifact; re-hosting our own content would only
// duplicate bytes.
func (s *Store) PutImageFromURL(ctx context.Context, tenantID, jobID, imageURL string) (string, *model.Artifact, error) {
	if s.Hosted(imageURL) {
		return imageURL, nil, nil
	}

	data, contentType, err := s.download(ctx, imageURL)
	if err != nil {
		return "", nil, err
	}

	filename := imageFilename(imageURL, contentType)
	art, err := s.Put(ctx, tenantID, jobID, filename, data, model.ArtifactImage)
	if err != nil {
		return "", nil, err
	}
	return art.ObjectURL, art, nil
}

// PutBase64Image decodes provider-returned base64 image data and stores it
// as an image artifact.
func (s *Store) PutBase64Image(ctx context.Context, tenantID, jobID, b64, format string) (*model.Artifact, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, &lferrors.ValidationError{
			Field:      "image_data",
			Message:    "image payload is not valid base64",
			Suggestion: "check the provider response for a truncated image_generation_call result",
		}
	}
	if format == "" {
		format = "png"
	}
	filename := fmt.Sprintf("generated-%s.%s", shortID(s.gen.NewID(ids.PrefixArtifact)), format)
	return s.Put(ctx, tenantID, jobID, filename, data, model.ArtifactImage)
}

// URL returns the stored artifact's public URL.
func (s *Store) URL(ctx context.Context, artifactID string) (string, error) {
	art, err := s.kv.GetArtifact(ctx, artifactID)
	if err != nil {
		return "", err
	}
	return art.ObjectURL, nil
}

// Download returns the artifact's bytes.
func (s *Store) Download(ctx context.Context, artifactID string) ([]byte, *model.Artifact, error) {
	art, err := s.kv.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.blobs.Get(ctx, art.ObjectKey)
	if err != nil {
		return nil, nil, err
	}
	return data, art, nil
}

// Hosted reports whether the URL is already served from our object store.
func (s *Store) Hosted(rawURL string) bool {
	base := s.blobs.PublicURL("")
	return base != "" && strings.HasPrefix(rawURL, strings.TrimSuffix(base, "/")+"/")
}

func (s *Store) download(ctx context.Context, imageURL string) ([]byte, string, error) {
	parsed, err := url.Parse(imageURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, "", &lferrors.ValidationError{
			Field:   "image_url",
			Message: fmt.Sprintf("not a fetchable URL: %s", imageURL),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", lferrors.Wrap(err, "building image request")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, "", &lferrors.TimeoutError{
				Operation: "image download",
				Duration:  s.timeout,
				Cause:     err,
			}
		}
		return nil, "", lferrors.Wrapf(err, "downloading image %s", imageURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", &lferrors.ValidationError{
			Field:   "image_url",
			Message: fmt.Sprintf("image fetch returned HTTP %d for %s", resp.StatusCode, imageURL),
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, "", &lferrors.ValidationError{
			Field:   "image_url",
			Message: fmt.Sprintf("content type %q is not an image", contentType),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxSize+1))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, "", &lferrors.TimeoutError{
				Operation: "image download",
				Duration:  s.timeout,
				Cause:     err,
			}
		}
		return nil, "", lferrors.Wrapf(err, "reading image %s", imageURL)
	}
	if int64(len(data)) > s.maxSize {
		return nil, "", &lferrors.ValidationError{
			Field:   "image_url",
			Message: fmt.Sprintf("image exceeds %d byte limit", s.maxSize),
		}
	}
	return data, contentType, nil
}

// suffixed inserts a short random fragment before the extension:
// "final.html" becomes "final-1a2b3c4d.html".
func suffixed(filename, id string) string {
	ext := path.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	return stem + "-" + shortID(id) + ext
}

// shortID returns the first 8 hex characters of a generated ID's body.
func shortID(id string) string {
	if i := strings.IndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

// imageFilename derives a storage filename from the source URL, falling back
// to the content type's extension when the path has none.
func imageFilename(imageURL, contentType string) string {
	name := ""
	if parsed, err := url.Parse(imageURL); err == nil {
		name = path.Base(parsed.Path)
	}
	if name == "" || name == "/" || name == "." {
		name = "image"
	}
	if path.Ext(name) == "" {
		switch contentType {
		case "image/jpeg":
			name += ".jpg"
		case "image/gif":
			name += ".gif"
		case "image/webp":
			name += ".webp"
		default:
			name += ".png"
		}
	}
	return name
}

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

package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	lferrors "github.com/leadforge/engine/pkg/errors"
)

// S3Config configures the S3-backed object store.
type S3Config struct {
	// Bucket holds all artifacts and spilled execution records.
	Bucket string

	// Region of the bucket. Empty uses the SDK's default resolution.
	Region string

	// PublicBaseURL is the CDN or website origin serving the bucket, for
	// example https://cdn.example.com. Empty falls back to the virtual
	// hosted-style S3 URL.
	PublicBaseURL string
}

// Validate checks the configuration.
func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return &lferrors.ConfigError{Key: "bucket", Reason: "bucket name is required"}
	}
	return nil
}

// S3Store implements ObjectStore against an S3 bucket fronted by a CDN.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	cfg     S3Config
}

// NewS3Store builds an S3Store from ambient AWS credentials.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, lferrors.Wrap(err, "loading AWS config")
	}

	client := s3.NewFromConfig(awsCfg)
	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		cfg:     cfg,
	}, nil
}

// NewS3StoreFromClient wraps an existing client (tests, custom endpoints).
func NewS3StoreFromClient(client *s3.Client, cfg S3Config) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		cfg:     cfg,
	}, nil
}

// Put uploads the blob and returns its public URL.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", lferrors.Wrapf(err, "uploading s3://%s/%s", s.cfg.Bucket, key)
	}
	return s.PublicURL(key), nil
}

// Get downloads the blob. A missing key maps to a NotFoundError.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if lferrors.As(err, &noKey) {
			return nil, &lferrors.NotFoundError{Resource: "object", ID: key}
		}
		return nil, lferrors.Wrapf(err, "downloading s3://%s/%s", s.cfg.Bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, lferrors.Wrapf(err, "reading s3://%s/%s", s.cfg.Bucket, key)
	}
	return data, nil
}

// Exists reports whether the key is present.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if lferrors.As(err, &notFound) {
			return false, nil
		}
		return false, lferrors.Wrapf(err, "checking s3://%s/%s", s.cfg.Bucket, key)
	}
	return true, nil
}

// PublicURL returns the CDN URL for key, or the S3 URL when no CDN origin
// is configured.
func (s *S3Store) PublicURL(key string) string {
	if s.cfg.PublicBaseURL != "" {
		return strings.TrimSuffix(s.cfg.PublicBaseURL, "/") + "/" + key
	}
	region := s.cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, region, key)
}

// PresignGet returns a time-limited download URL.
func (s *S3Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", lferrors.Wrapf(err, "presigning s3://%s/%s", s.cfg.Bucket, key)
	}
	return req.URL, nil
}

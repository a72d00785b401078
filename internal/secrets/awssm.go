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

package secrets

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	lferrors "github.com/leadforge/engine/pkg/errors"
)

// ManagerStore resolves secrets from AWS Secrets Manager. Values are
// cached for a short TTL so hot paths (per-step LLM calls) don't hit the
// API on every resolution.
type ManagerStore struct {
	client   smClient
	prefix   string
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cachedSecret
}

type smClient interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type cachedSecret struct {
	value   string
	expires time.Time
}

// ManagerConfig configures the Secrets Manager backend.
type ManagerConfig struct {
	// Region of the secrets. Empty uses the SDK's default resolution.
	Region string

	// Prefix prepended to secret names, for example "leadforge/prod/".
	Prefix string

	// CacheTTL bounds how stale a cached value may be. Zero means one
	// minute.
	CacheTTL time.Duration
}

// NewManagerStore builds a ManagerStore from ambient AWS credentials.
func NewManagerStore(ctx context.Context, cfg ManagerConfig) (*ManagerStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, lferrors.Wrap(err, "loading AWS config")
	}
	return newManagerStore(secretsmanager.NewFromConfig(awsCfg), cfg), nil
}

func newManagerStore(client smClient, cfg ManagerConfig) *ManagerStore {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &ManagerStore{
		client:   client,
		prefix:   cfg.Prefix,
		cacheTTL: ttl,
		cache:    make(map[string]cachedSecret),
	}
}

// Get implements SecretStore.
func (m *ManagerStore) Get(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	if c, ok := m.cache[name]; ok && time.Now().Before(c.expires) {
		m.mu.Unlock()
		return c.value, nil
	}
	m.mu.Unlock()

	out, err := m.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(m.prefix + name),
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if lferrors.As(err, &notFound) {
			return "", &lferrors.NotFoundError{Resource: "secret", ID: name}
		}
		return "", lferrors.Wrapf(err, "resolving secret %q", name)
	}
	if out.SecretString == nil {
		return "", &lferrors.NotFoundError{Resource: "secret", ID: name}
	}

	m.mu.Lock()
	m.cache[name] = cachedSecret{value: *out.SecretString, expires: time.Now().Add(m.cacheTTL)}
	m.mu.Unlock()
	return *out.SecretString, nil
}

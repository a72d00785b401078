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

// Package secrets resolves credentials (LLM API keys, webhook signing
// secrets) from an ordered chain of backends. Resolution order is
// environment, OS keyring, then AWS Secrets Manager, so local overrides
// always win.
package secrets

import (
	"context"
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	lferrors "github.com/leadforge/engine/pkg/errors"
)

// Service namespaces keyring entries for this engine.
const Service = "leadforge"

// SecretStore resolves a named secret.
type SecretStore interface {
	// Get returns the secret value or a NotFoundError.
	Get(ctx context.Context, name string) (string, error)
}

// EnvStore resolves secrets from environment variables. The name is
// upper-cased and non-alphanumerics become underscores, so "openai-api-key"
// reads OPENAI_API_KEY.
type EnvStore struct{}

// Get implements SecretStore.
func (EnvStore) Get(_ context.Context, name string) (string, error) {
	if v := os.Getenv(EnvVar(name)); v != "" {
		return v, nil
	}
	return "", &lferrors.NotFoundError{Resource: "secret", ID: name}
}

// EnvVar returns the environment variable name for a secret.
func EnvVar(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// KeyringStore resolves secrets from the OS keyring under the engine's
// service namespace.
type KeyringStore struct{}

// Get implements SecretStore.
func (KeyringStore) Get(_ context.Context, name string) (string, error) {
	v, err := keyring.Get(Service, name)
	if err != nil {
		if err == keyring.ErrNotFound {
			return "", &lferrors.NotFoundError{Resource: "secret", ID: name}
		}
		return "", lferrors.Wrapf(err, "reading keyring entry %q", name)
	}
	return v, nil
}

// Set stores a secret in the keyring (used by operator tooling).
func (KeyringStore) Set(name, value string) error {
	if err := keyring.Set(Service, name, value); err != nil {
		return lferrors.Wrapf(err, "writing keyring entry %q", name)
	}
	return nil
}

// Delete removes a keyring entry.
func (KeyringStore) Delete(name string) error {
	if err := keyring.Delete(Service, name); err != nil && err != keyring.ErrNotFound {
		return lferrors.Wrapf(err, "deleting keyring entry %q", name)
	}
	return nil
}

// Chain tries each store in order and returns the first hit. Only
// NotFoundError falls through; other errors stop the chain.
type Chain []SecretStore

// Get implements SecretStore.
func (c Chain) Get(ctx context.Context, name string) (string, error) {
	for _, s := range c {
		v, err := s.Get(ctx, name)
		if err == nil {
			return v, nil
		}
		if !lferrors.IsNotFound(err) {
			return "", err
		}
	}
	return "", &lferrors.NotFoundError{Resource: "secret", ID: name}
}

// Static is a fixed secret map for tests.
type Static map[string]string

// Get implements SecretStore.
func (s Static) Get(_ context.Context, name string) (string, error) {
	if v, ok := s[name]; ok {
		return v, nil
	}
	return "", &lferrors.NotFoundError{Resource: "secret", ID: name}
}

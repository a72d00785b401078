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

package shellexec

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"

	lferrors "github.com/leadforge/engine/pkg/errors"
)

// LambdaRunner executes commands in a sandboxed executor Lambda. The
// function owns the workspace filesystem and its TTL enforcement; this
// side only relays the policy.
type LambdaRunner struct {
	client       lambdaInvoker
	functionName string
	cfg          Config
}

type lambdaInvoker interface {
	Invoke(ctx context.Context, in *lambda.InvokeInput, opts ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

type lambdaRequest struct {
	WorkspaceID     string   `json:"workspace_id,omitempty"`
	Commands        []string `json:"commands"`
	TimeoutSeconds  int      `json:"timeout_seconds"`
	WorkspaceTTLHrs int      `json:"workspace_ttl_hours"`
	CleanupLimit    int      `json:"cleanup_limit"`
}

type lambdaResponse struct {
	WorkspaceID string          `json:"workspace_id"`
	Commands    []CommandResult `json:"commands"`
	Error       string          `json:"error,omitempty"`
}

// NewLambdaRunner builds a LambdaRunner from ambient AWS credentials.
func NewLambdaRunner(ctx context.Context, functionName string, cfg Config) (*LambdaRunner, error) {
	if functionName == "" {
		return nil, &lferrors.ConfigError{
			Key:    FunctionNameEnvVar,
			Reason: "executor function name is empty",
		}
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, lferrors.Wrap(err, "loading AWS config")
	}
	return &LambdaRunner{
		client:       lambda.NewFromConfig(awsCfg),
		functionName: functionName,
		cfg:          cfg,
	}, nil
}

// Run relays the command batch to the executor function.
func (r *LambdaRunner) Run(ctx context.Context, workspaceID string, commands []string) (*Result, error) {
	if len(commands) == 0 {
		return nil, &lferrors.ValidationError{Field: "commands", Message: "no commands to run"}
	}

	payload, err := json.Marshal(lambdaRequest{
		WorkspaceID:     workspaceID,
		Commands:        commands,
		TimeoutSeconds:  int(r.cfg.CommandTimeout.Seconds()),
		WorkspaceTTLHrs: int(r.cfg.WorkspaceTTL.Hours()),
		CleanupLimit:    r.cfg.CleanupLimit,
	})
	if err != nil {
		return nil, lferrors.Wrap(err, "encoding executor request")
	}

	out, err := r.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName: aws.String(r.functionName),
		Payload:      payload,
	})
	if err != nil {
		return nil, lferrors.Wrapf(err, "invoking shell executor %s", r.functionName)
	}
	if out.FunctionError != nil {
		return nil, fmt.Errorf("shell executor %s failed: %s: %s",
			r.functionName, aws.ToString(out.FunctionError), string(out.Payload))
	}

	var resp lambdaResponse
	if err := json.Unmarshal(out.Payload, &resp); err != nil {
		return nil, lferrors.Wrap(err, "decoding executor response")
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("shell executor %s: %s", r.functionName, resp.Error)
	}
	return &Result{WorkspaceID: resp.WorkspaceID, Commands: resp.Commands}, nil
}

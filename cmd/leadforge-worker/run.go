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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/leadforge/engine/internal/artifact"
	"github.com/leadforge/engine/internal/blob"
	"github.com/leadforge/engine/internal/deliver"
	"github.com/leadforge/engine/internal/handler"
	"github.com/leadforge/engine/internal/ids"
	"github.com/leadforge/engine/internal/llm"
	"github.com/leadforge/engine/internal/log"
	"github.com/leadforge/engine/internal/model"
	"github.com/leadforge/engine/internal/orchestrator"
	"github.com/leadforge/engine/internal/processor"
	"github.com/leadforge/engine/internal/record"
	"github.com/leadforge/engine/internal/secrets"
	"github.com/leadforge/engine/internal/shellexec"
	"github.com/leadforge/engine/internal/store"
	"github.com/leadforge/engine/internal/toolloop"
	"github.com/leadforge/engine/pkg/httpclient"
	"github.com/leadforge/engine/pkg/observability"
)

// workerOptions collects the flag/env configuration for one invocation.
// Flags win over environment variables because flag defaults are read
// from the environment at registration time.
type workerOptions struct {
	jobID         string
	stepIndex     int
	continueAfter bool

	dbPath        string
	bucket        string
	region        string
	cdnDomain     string
	llmSecretName string
	emailFrom     string
	apiURL        string
	otelExporter  string
	logLevel      string
	logFormat     string
	shellFunction string
	workspaceDir  string
	metricsAddr   string
	workflowFile  string
}

func newRootCmd() *cobra.Command {
	opts := &workerOptions{}

	cmd := &cobra.Command{
		Use:   "leadforge-worker",
		Short: "Process one lead magnet job",
		Long: `leadforge-worker runs a single job invocation to completion.

The job to process comes from --job-id (env: JOB_ID). By default the
whole workflow runs; --step-index reruns one step, and --continue-after
resumes downstream execution from it.

Exit codes:
  0    job succeeded
  1    job failed
  130  interrupted (SIGINT)
  143  terminated (SIGTERM)`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.jobID, "job-id", os.Getenv("JOB_ID"), "Job to process (env: JOB_ID)")
	flags.IntVar(&opts.stepIndex, "step-index", envInt("STEP_INDEX", -1), "Rerun only this step (env: STEP_INDEX)")
	flags.BoolVar(&opts.continueAfter, "continue-after", envBool("CONTINUE_AFTER"), "Resume downstream steps after --step-index (env: CONTINUE_AFTER)")
	flags.StringVar(&opts.dbPath, "db", envOr("KV_SQLITE_PATH", "leadforge.db"), "SQLite database path (env: KV_SQLITE_PATH)")
	flags.StringVar(&opts.bucket, "bucket", os.Getenv("OBJECT_STORE_BUCKET"), "Artifact bucket; empty keeps artifacts in memory (env: OBJECT_STORE_BUCKET)")
	flags.StringVar(&opts.region, "region", os.Getenv("OBJECT_STORE_REGION"), "AWS region (env: OBJECT_STORE_REGION)")
	flags.StringVar(&opts.cdnDomain, "cdn-domain", os.Getenv("CDN_DOMAIN"), "CDN origin serving the bucket (env: CDN_DOMAIN)")
	flags.StringVar(&opts.llmSecretName, "llm-secret", envOr("LLM_SECRET_NAME", "openai-api-key"), "Secret name for the LLM API key (env: LLM_SECRET_NAME)")
	flags.StringVar(&opts.emailFrom, "email-from", os.Getenv("EMAIL_FROM_ADDRESS"), "SES sender for email delivery (env: EMAIL_FROM_ADDRESS)")
	flags.StringVar(&opts.apiURL, "api-url", os.Getenv("API_URL"), "Tracking endpoint base URL (env: API_URL)")
	flags.StringVar(&opts.otelExporter, "otel-exporter", "", "Trace exporter: otlp-grpc, otlp-http, stdout, none (env: OTEL_EXPORTER)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error (env: LOG_LEVEL)")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format: json, text (env: LOG_FORMAT)")
	flags.StringVar(&opts.shellFunction, "shell-function", os.Getenv(shellexec.FunctionNameEnvVar), "Remote shell executor Lambda; empty runs commands locally (env: SHELL_EXECUTOR_FUNCTION_NAME)")
	flags.StringVar(&opts.workspaceDir, "workspace-dir", filepath.Join(os.TempDir(), "leadforge-workspaces"), "Base directory for local shell workspaces")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	flags.StringVar(&opts.workflowFile, "workflow-file", "", "Load this YAML workflow definition into the store before processing (local runs)")

	return cmd
}

func runWorker(ctx context.Context, opts *workerOptions) error {
	if opts.jobID == "" {
		return fmt.Errorf("--job-id is required (or set JOB_ID)")
	}

	logCfg := log.FromEnv()
	if opts.logLevel != "" {
		logCfg.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		logCfg.Format = log.Format(opts.logFormat)
	}
	logger := log.New(logCfg)
	slog.SetDefault(logger)

	obsCfg := observability.FromEnv("leadforge-worker", version)
	if opts.otelExporter != "" {
		obsCfg.Exporter = opts.otelExporter
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", log.Error(err))
		}
	}()

	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", obs.MetricsHandler())
		go func() {
			if err := http.ListenAndServe(opts.metricsAddr, mux); err != nil {
				logger.Warn("metrics endpoint stopped", log.Error(err))
			}
		}()
	}

	proc, cleanup, err := buildProcessor(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	entry := &processor.Entry{JobID: opts.jobID, ContinueAfter: opts.continueAfter}
	if opts.stepIndex >= 0 {
		entry.StepIndex = &opts.stepIndex
	}

	out := proc.Process(ctx, entry)
	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("job %s failed: %s", opts.jobID, out.Error)
	}
	return nil
}

// buildProcessor wires the full stack from configuration. The returned
// cleanup closes the store.
func buildProcessor(ctx context.Context, opts *workerOptions, logger *slog.Logger) (*processor.Processor, func(), error) {
	apiKey, err := resolveAPIKey(ctx, opts, logger)
	if err != nil {
		return nil, nil, err
	}
	client, err := llm.NewOpenAIClient(llm.OpenAIConfig{APIKey: apiKey}, logger)
	if err != nil {
		return nil, nil, err
	}

	blobs, err := buildBlobStore(ctx, opts, logger)
	if err != nil {
		return nil, nil, err
	}
	kv, err := store.NewSQLiteStore(store.SQLiteConfig{Path: opts.dbPath})
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := kv.Close(); err != nil {
			logger.Warn("closing store failed", log.Error(err))
		}
	}

	if opts.workflowFile != "" {
		if err := loadWorkflowFile(ctx, kv, opts.workflowFile); err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	gen := ids.NewGenerator()
	arts := artifact.NewStore(kv, blobs, gen, logger, artifact.Config{})
	recorder := record.NewRecorder(blobs, logger, 0)
	adapter := llm.NewAdapter(client, arts, logger, llm.DefaultAdapterConfig())

	var runner shellexec.Runner
	if opts.shellFunction != "" {
		runner, err = shellexec.NewLambdaRunner(ctx, opts.shellFunction, shellexec.ConfigFromEnv())
		if err != nil {
			cleanup()
			return nil, nil, err
		}
	} else {
		runner = shellexec.NewLocalRunner(opts.workspaceDir, shellexec.ConfigFromEnv(), gen, logger)
	}

	webhooks, err := httpclient.New(webhookClientConfig())
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	handlers := map[model.StepType]handler.Handler{
		model.StepTypeAIGeneration: handler.NewAIGeneration(handler.AIGenerationDeps{
			Adapter:   adapter,
			Artifacts: arts,
			KV:        kv,
			Logger:    logger,
			Computer:  toolloop.NewComputerLoop(client, arts, logger, toolloop.Config{}),
			Shell:     toolloop.NewShellLoop(client, runner, logger, toolloop.Config{}),
			Planner:   toolloop.NewImagePlanner(client, client, arts, logger, toolloop.Config{}),
		}),
		model.StepTypeWebhook: handler.NewWebhook(webhooks, kv, logger),
	}

	var emailer deliver.Emailer
	if opts.emailFrom != "" {
		ses, err := deliver.NewSESEmailer(ctx, opts.region, opts.emailFrom)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		emailer = ses
	}
	finalizer := deliver.New(adapter, arts, kv, emailer, webhooks, logger, deliver.Config{
		APIURL: opts.apiURL,
	})

	orch := orchestrator.New(kv, recorder, handlers, finalizer, logger)
	return processor.New(kv, recorder, orch, logger), cleanup, nil
}

// resolveAPIKey walks the secret chain: environment, OS keyring, then
// Secrets Manager when AWS is configured.
func resolveAPIKey(ctx context.Context, opts *workerOptions, logger *slog.Logger) (string, error) {
	chain := secrets.Chain{secrets.EnvStore{}, secrets.KeyringStore{}}
	if opts.bucket != "" || opts.region != "" {
		sm, err := secrets.NewManagerStore(ctx, secrets.ManagerConfig{Region: opts.region})
		if err != nil {
			logger.Warn("secrets manager unavailable, using env and keyring only", log.Error(err))
		} else {
			chain = append(chain, sm)
		}
	}
	key, err := chain.Get(ctx, opts.llmSecretName)
	if err != nil {
		return "", err
	}
	return key, nil
}

// buildBlobStore picks S3 when a bucket is configured, otherwise an
// in-memory store for local runs.
func buildBlobStore(ctx context.Context, opts *workerOptions, logger *slog.Logger) (blob.ObjectStore, error) {
	if opts.bucket == "" {
		logger.Warn("no object store bucket configured, artifacts are held in memory")
		return blob.NewMemoryStore(""), nil
	}
	return blob.NewS3Store(ctx, blob.S3Config{
		Bucket:        opts.bucket,
		Region:        opts.region,
		PublicBaseURL: cdnBaseURL(opts.cdnDomain),
	})
}

// webhookClientConfig is the outbound webhook policy: bounded retries
// with POST replay enabled. Receivers must tolerate duplicate attempts
// of a failed send.
func webhookClientConfig() httpclient.Config {
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 60 * time.Second
	cfg.UserAgent = "leadforge-webhook/1.0"
	cfg.RetryPost = true
	return cfg
}

// loadWorkflowFile parses a YAML workflow definition and upserts it into
// the store, letting local runs iterate on a file instead of the KV data.
func loadWorkflowFile(ctx context.Context, kv store.Store, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading workflow file: %w", err)
	}
	wf, err := model.FromYAML(data)
	if err != nil {
		return err
	}
	if wf.WorkflowID == "" {
		return fmt.Errorf("workflow file %s has no workflow_id", path)
	}
	return kv.PutWorkflow(ctx, wf)
}

// cdnBaseURL normalizes a bare CDN domain into an https origin.
func cdnBaseURL(domain string) string {
	if domain == "" {
		return ""
	}
	if strings.Contains(domain, "://") {
		return domain
	}
	return "https://" + domain
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(name string) bool {
	v := strings.ToLower(os.Getenv(name))
	return v == "true" || v == "1"
}

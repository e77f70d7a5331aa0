// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"fmt"
	"time"

	"github.com/abcxyz/pkg/cfgloader"
	"github.com/abcxyz/pkg/cli"
	"github.com/sethvargo/go-envconfig"
)

// Config defines the set of environment variables required for running
// the server.
type Config struct {
	Port    string `env:"PORT,default=8080"`
	DataDir string `env:"DATA_DIR,default=.data"`
	BaseURL string `env:"BASE_URL,required"`

	GitHubClientID      string `env:"GITHUB_CLIENT_ID,required"`
	GitHubClientSecret  string `env:"GITHUB_CLIENT_SECRET,required"`
	GitHubWebhookSecret string `env:"GITHUB_WEBHOOK_SECRET,required"`

	GitHubAppID         string `env:"GITHUB_APP_ID"`
	GitHubAppPrivateKey string `env:"GITHUB_APP_PRIVATE_KEY"`
	GitHubAppSlug       string `env:"GITHUB_APP_SLUG"`

	WebhookOpsToken string `env:"WEBHOOK_OPS_TOKEN,required"`

	AllowLocalWebhookRegistration bool `env:"ALLOW_LOCAL_WEBHOOK_REGISTRATION,default=false"`

	SyncParallelism int `env:"SYNC_PARALLELISM,default=4"`

	QueueMaxAttempts         int           `env:"QUEUE_MAX_ATTEMPTS,default=5"`
	QueueProcessedRetention  time.Duration `env:"QUEUE_PROCESSED_RETENTION,default=24h"`
	QueueDeadLetterRetention time.Duration `env:"QUEUE_DEAD_LETTER_RETENTION,default=168h"`
}

// Validate validates the service config after load.
func (cfg *Config) Validate() error {
	if cfg.BaseURL == "" {
		return fmt.Errorf("BASE_URL is required")
	}

	if cfg.GitHubClientID == "" {
		return fmt.Errorf("GITHUB_CLIENT_ID is required")
	}

	if cfg.GitHubClientSecret == "" {
		return fmt.Errorf("GITHUB_CLIENT_SECRET is required")
	}

	if cfg.GitHubWebhookSecret == "" {
		return fmt.Errorf("GITHUB_WEBHOOK_SECRET is required")
	}

	if cfg.WebhookOpsToken == "" {
		return fmt.Errorf("WEBHOOK_OPS_TOKEN is required")
	}

	if cfg.GitHubAppID != "" && cfg.GitHubAppPrivateKey == "" {
		return fmt.Errorf("GITHUB_APP_PRIVATE_KEY is required when GITHUB_APP_ID is set")
	}

	if cfg.SyncParallelism <= 0 {
		return fmt.Errorf("SYNC_PARALLELISM must be greater than 0")
	}

	if cfg.QueueMaxAttempts <= 0 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be greater than 0")
	}

	return nil
}

// NewConfig creates a new Config from environment variables.
func NewConfig(ctx context.Context) (*Config, error) {
	return newConfig(ctx, envconfig.OsLookuper())
}

func newConfig(ctx context.Context, lu envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := cfgloader.Load(ctx, &cfg, cfgloader.WithLookuper(lu)); err != nil {
		return nil, fmt.Errorf("failed to parse server config: %w", err)
	}
	return &cfg, nil
}

// ToFlags binds the config to the given [cli.FlagSet] and returns it.
func (cfg *Config) ToFlags(set *cli.FlagSet) *cli.FlagSet {
	f := set.NewSection("SERVER OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:    "port",
		Target:  &cfg.Port,
		EnvVar:  "PORT",
		Default: "8080",
		Usage:   `The port the server listens to.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "data-dir",
		Target:  &cfg.DataDir,
		EnvVar:  "DATA_DIR",
		Default: ".data",
		Usage:   `Directory holding the local mirror database.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "base-url",
		Target: &cfg.BaseURL,
		EnvVar: "BASE_URL",
		Usage:  `Public URL of this deployment; webhooks deliver here.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "github-client-id",
		Target: &cfg.GitHubClientID,
		EnvVar: "GITHUB_CLIENT_ID",
		Usage:  `GitHub OAuth application client ID.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "github-client-secret",
		Target: &cfg.GitHubClientSecret,
		EnvVar: "GITHUB_CLIENT_SECRET",
		Usage:  `GitHub OAuth application client secret.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "github-webhook-secret",
		Target: &cfg.GitHubWebhookSecret,
		EnvVar: "GITHUB_WEBHOOK_SECRET",
		Usage:  `GitHub webhook signing secret.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "github-app-id",
		Target: &cfg.GitHubAppID,
		EnvVar: "GITHUB_APP_ID",
		Usage:  `GitHub App ID, for installation token minting.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "github-app-private-key",
		Target: &cfg.GitHubAppPrivateKey,
		EnvVar: "GITHUB_APP_PRIVATE_KEY",
		Usage:  `GitHub App private key PEM (literal \n escapes allowed).`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "github-app-slug",
		Target: &cfg.GitHubAppSlug,
		EnvVar: "GITHUB_APP_SLUG",
		Usage:  `GitHub App slug.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "webhook-ops-token",
		Target: &cfg.WebhookOpsToken,
		EnvVar: "WEBHOOK_OPS_TOKEN",
		Usage:  `Operator token guarding the webhook management endpoints.`,
	})

	f.BoolVar(&cli.BoolVar{
		Name:    "allow-local-webhook-registration",
		Target:  &cfg.AllowLocalWebhookRegistration,
		EnvVar:  "ALLOW_LOCAL_WEBHOOK_REGISTRATION",
		Default: false,
		Usage:   `Register webhooks even when BASE_URL is loopback or private.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "sync-parallelism",
		Target:  &cfg.SyncParallelism,
		EnvVar:  "SYNC_PARALLELISM",
		Default: 4,
		Usage:   `Bound on per-repo sync fan-out.`,
	})

	f.IntVar(&cli.IntVar{
		Name:    "queue-max-attempts",
		Target:  &cfg.QueueMaxAttempts,
		EnvVar:  "QUEUE_MAX_ATTEMPTS",
		Default: 5,
		Usage:   `Attempts before a webhook delivery is dead-lettered.`,
	})

	return set
}

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

package cli

import (
	"context"
	"fmt"
	"net/http"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
	"github.com/abcxyz/pkg/serving"

	"github.com/stefkors/gitmirror/pkg/auth"
	"github.com/stefkors/gitmirror/pkg/dispatch"
	"github.com/stefkors/gitmirror/pkg/githubclient"
	"github.com/stefkors/gitmirror/pkg/queue"
	"github.com/stefkors/gitmirror/pkg/ratelimit"
	"github.com/stefkors/gitmirror/pkg/server"
	"github.com/stefkors/gitmirror/pkg/store"
	syncer "github.com/stefkors/gitmirror/pkg/sync"
	"github.com/stefkors/gitmirror/pkg/version"
	"github.com/stefkors/gitmirror/pkg/webhook"
)

var _ cli.Command = (*ServerCommand)(nil)

// defaultUserID names the single mirrored account of this process.
const defaultUserID = "local"

// ServerCommand starts the mirror server: HTTP surface, webhook receiver,
// and queue processor.
type ServerCommand struct {
	cli.BaseCommand

	cfg *server.Config

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option
}

func (c *ServerCommand) Desc() string {
	return `Start the gitmirror server`
}

func (c *ServerCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]

  Start the mirror server: the HTTP sync API, the GitHub webhook receiver,
  and the webhook queue processor.
`
}

func (c *ServerCommand) Flags() *cli.FlagSet {
	c.cfg = &server.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *ServerCommand) Run(ctx context.Context, args []string) error {
	srv, mux, closer, err := c.RunUnstarted(ctx, args)
	if closer != nil {
		defer closer()
	}
	if err != nil {
		return err
	}

	return srv.StartHTTPHandler(ctx, mux)
}

// RunUnstarted builds the server without starting it; tests drive the
// returned handler directly.
func (c *ServerCommand) RunUnstarted(ctx context.Context, args []string) (*serving.Server, http.Handler, func(), error) {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return nil, nil, nil, fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "server starting",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	if err := c.cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	h, err := renderer.New(ctx, nil,
		renderer.WithOnError(func(err error) {
			logger.ErrorContext(ctx, "failed to render", "error", err)
		}))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create renderer: %w", err)
	}

	db, err := store.Open(ctx, c.cfg.DataDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	closer := func() {
		if err := db.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close store", "error", err)
		}
	}

	tokens := auth.NewTokenStore(db)
	limiter := ratelimit.New()

	clients := func(ctx context.Context, userID string) (*githubclient.Client, error) {
		token, err := tokens.AccessToken(ctx, userID)
		if err != nil {
			return nil, err
		}
		return githubclient.New(ctx, userID, token, limiter,
			githubclient.WithAuthErrorHandler(func(ctx context.Context, uid string) error {
				return tokens.MarkAuthInvalid(ctx, uid, "github rejected credentials")
			})), nil
	}

	states := syncer.NewStates(db)
	sy := syncer.New(db, states, clients, syncer.Options{
		BaseURL:            c.cfg.BaseURL,
		WebhookSecret:      c.cfg.GitHubWebhookSecret,
		AllowLocalWebhooks: c.cfg.AllowLocalWebhookRegistration,
		Parallelism:        c.cfg.SyncParallelism,
	})

	dispatcher := dispatch.New(db, defaultUserID)
	processor := queue.NewProcessor(db, dispatcher, queue.Config{
		ProcessedRetention:  c.cfg.QueueProcessedRetention,
		DeadLetterRetention: c.cfg.QueueDeadLetterRetention,
	})
	receiver := webhook.NewReceiver(db, h, c.cfg.GitHubWebhookSecret,
		webhook.WithMaxAttempts(c.cfg.QueueMaxAttempts))

	// Recover any sync rows a previous process left mid-flight.
	if _, err := states.RecoverStale(ctx); err != nil {
		logger.ErrorContext(ctx, "failed to recover stale sync states", "error", err)
	}

	// The queue drains in the background for the life of the server.
	go func() {
		if err := processor.Start(ctx); err != nil {
			logger.ErrorContext(ctx, "queue processor exited", "error", err)
		}
	}()

	apiServer := server.NewServer(c.cfg, db, h, tokens, clients, sy, processor, receiver, limiter)
	if c.cfg.GitHubAppID != "" {
		appTokens, err := auth.NewAppTokenSource(c.cfg.GitHubAppID, c.cfg.GitHubAppPrivateKey)
		if err != nil {
			return nil, nil, closer, fmt.Errorf("failed to create app token source: %w", err)
		}
		apiServer.WithAppTokenSource(appTokens)
	}
	mux := apiServer.Routes(ctx)

	srv, err := serving.New(c.cfg.Port)
	if err != nil {
		return nil, nil, closer, fmt.Errorf("failed to create serving infrastructure: %w", err)
	}

	return srv, mux, closer, nil
}


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

package githubclient

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-github/v56/github"
)

// webhookEvents are the event types the mirror subscribes to.
var webhookEvents = []string{
	"push", "create", "delete", "fork", "repository", "star", "organization",
	"pull_request", "pull_request_review", "pull_request_review_comment",
	"issues", "issue_comment",
}

// WebhookRegistration is the outcome of registering one repository hook.
type WebhookRegistration struct {
	HookID  int64
	Created bool
	Updated bool
}

// RegisterRepoWebhook creates (or updates in place) a webhook pointing at
// endpointURL, signing deliveries with secret. Registration is idempotent:
// an existing hook with the same URL is patched rather than duplicated.
func (c *Client) RegisterRepoWebhook(ctx context.Context, owner, repo, endpointURL, secret string) (*WebhookRegistration, error) {
	hooks, resp, err := c.gh.Repositories.ListHooks(ctx, owner, repo, &github.ListOptions{PerPage: perPage})
	c.observe(resp)
	if err != nil {
		return nil, c.noteError(ctx, fmt.Errorf("failed to list hooks: %w", err))
	}

	config := map[string]any{
		"url":          endpointURL,
		"content_type": "json",
		"secret":       secret,
	}
	hook := &github.Hook{
		Active: github.Bool(true),
		Events: webhookEvents,
		Config: config,
	}

	for _, existing := range hooks {
		if existing.Config == nil {
			continue
		}
		if u, ok := existing.Config["url"].(string); ok && u == endpointURL {
			updated, resp, err := c.gh.Repositories.EditHook(ctx, owner, repo, existing.GetID(), hook)
			c.observe(resp)
			if err != nil {
				return nil, c.noteError(ctx, fmt.Errorf("failed to update hook: %w", err))
			}
			return &WebhookRegistration{HookID: updated.GetID(), Updated: true}, nil
		}
	}

	created, resp, err := c.gh.Repositories.CreateHook(ctx, owner, repo, hook)
	c.observe(resp)
	if err != nil {
		return nil, c.noteError(ctx, fmt.Errorf("failed to create hook: %w", err))
	}
	return &WebhookRegistration{HookID: created.GetID(), Created: true}, nil
}

// CanAdminRepo reports whether the token can manage hooks on the
// repository. Hook listing requires admin access; a 403/404 means no.
func (c *Client) CanAdminRepo(ctx context.Context, owner, repo string) (bool, error) {
	_, resp, err := c.gh.Repositories.ListHooks(ctx, owner, repo, &github.ListOptions{PerPage: 1})
	c.observe(resp)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound) {
			return false, nil
		}
		return false, c.noteError(ctx, fmt.Errorf("failed to probe hook access: %w", err))
	}
	return true, nil
}

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

package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/abcxyz/pkg/logging"
	"github.com/stefkors/gitmirror/pkg/apply"
	"github.com/stefkors/gitmirror/pkg/githubclient"
	"github.com/stefkors/gitmirror/pkg/store"
)

// Initial sync steps, in order.
const (
	StepOrganizations = "organizations"
	StepRepositories  = "repositories"
	StepWebhooks      = "webhooks"
	StepPullRequests  = "pull_requests"
	StepCompleted     = "completed"
)

// Progress is the record the UI observes while the initial sync runs. It
// is persisted on the github:initial sync-state row after every phase.
type Progress struct {
	Step           string `json:"step"`
	Organizations  int    `json:"organizations,omitempty"`
	Repositories   int    `json:"repositories,omitempty"`
	HooksTotal     int    `json:"hooksTotal,omitempty"`
	HooksInstalled int    `json:"hooksInstalled,omitempty"`
	HooksNoAccess  int    `json:"hooksNoAccess,omitempty"`
	PullsSynced    int    `json:"pullsSynced,omitempty"`
	Error          string `json:"error,omitempty"`
}

// WebhookResults summarizes a register-all pass.
type WebhookResults struct {
	Total     int                 `json:"total"`
	Installed int                 `json:"installed"`
	NoAccess  int                 `json:"noAccess"`
	Errors    int                 `json:"errors"`
	Results   []WebhookRepoResult `json:"results"`
}

// WebhookRepoResult is one repository's registration outcome.
type WebhookRepoResult struct {
	Repo      string `json:"repo"`
	Installed bool   `json:"installed"`
	Skipped   bool   `json:"skipped,omitempty"`
	NoAccess  bool   `json:"noAccess,omitempty"`
	Error     string `json:"error,omitempty"`
}

// InitialSync runs the four strictly ordered phases: organizations,
// repositories, webhook registration, and per-repo open pull requests. A
// failure in a later phase records an error against that phase's
// sync-state and the sync continues; earlier phases are never undone.
func (s *Syncer) InitialSync(ctx context.Context, userID string) (*Progress, error) {
	logger := logging.FromContext(ctx)
	progress := &Progress{}

	// The token gate comes first: a revoked or missing token answers
	// without touching GitHub.
	client, err := s.clients(ctx, userID)
	if err != nil {
		return nil, err
	}

	_, started, err := s.states.Begin(ctx, userID, ResourceInitial, "")
	if err != nil {
		return nil, err
	}
	if !started {
		return nil, fmt.Errorf("%w: initial sync", ErrSyncBlocked)
	}

	// Resolve the user row up front; everything links back to it.
	remoteUser, err := client.FetchUser(ctx)
	if err != nil {
		return progress, s.recordFailure(ctx, client, userID, ResourceInitial, "", err)
	}
	if err := s.db.WithTx(ctx, func(tx *store.Tx) error {
		_, err := apply.User(ctx, tx, remoteUser, userID, s.now().UTC())
		return err
	}); err != nil {
		return progress, s.recordFailure(ctx, client, userID, ResourceInitial, "", err)
	}

	// Phase 1: organizations.
	progress.Step = StepOrganizations
	if err := s.SyncOrganizations(ctx, userID); err != nil && !errors.Is(err, ErrSyncBlocked) {
		if githubclient.IsAuthError(err) {
			return progress, err
		}
		progress.Error = shortError(err)
	}
	progress.Organizations = s.countRows(ctx, "organizations")
	s.publishProgress(ctx, userID, progress)

	// Phase 2: repositories.
	progress.Step = StepRepositories
	if err := s.SyncRepositories(ctx, userID); err != nil && !errors.Is(err, ErrSyncBlocked) {
		if githubclient.IsAuthError(err) {
			return progress, err
		}
		progress.Error = shortError(err)
	}
	progress.Repositories = s.countRows(ctx, "repositories")
	s.publishProgress(ctx, userID, progress)

	repos, err := s.listRepos(ctx)
	if err != nil {
		return progress, s.recordFailure(ctx, client, userID, ResourceInitial, "", err)
	}

	// Phase 3: webhook registration.
	progress.Step = StepWebhooks
	hooks := s.registerWebhooks(ctx, client, repos)
	progress.HooksTotal = hooks.Total
	progress.HooksInstalled = hooks.Installed
	progress.HooksNoAccess = hooks.NoAccess
	s.publishProgress(ctx, userID, progress)

	// Phase 4: per-repo open pull requests, bounded fan-out.
	progress.Step = StepPullRequests
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Parallelism)
	for _, repo := range repos {
		repo := repo
		g.Go(func() error {
			if err := s.SyncRepoPulls(gctx, userID, repo.OwnerLogin, repo.Name); err != nil {
				if githubclient.IsAuthError(err) {
					return err
				}
				if !errors.Is(err, ErrSyncBlocked) {
					logger.WarnContext(gctx, "initial pull sync failed",
						"op", "initialSync", "userId", userID, "repo", repo.FullName, "error", err)
				}
				return nil
			}
			mu.Lock()
			progress.PullsSynced++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return progress, s.recordFailure(ctx, client, userID, ResourceInitial, "", err)
	}
	s.publishProgress(ctx, userID, progress)

	progress.Step = StepCompleted
	s.publishProgress(ctx, userID, progress)
	if err := s.completeInitial(ctx, userID); err != nil {
		return progress, err
	}
	return progress, nil
}

// RegisterAllWebhooks registers webhooks on every mirrored repository.
func (s *Syncer) RegisterAllWebhooks(ctx context.Context, userID string) (*WebhookResults, error) {
	client, err := s.clients(ctx, userID)
	if err != nil {
		return nil, err
	}
	repos, err := s.listRepos(ctx)
	if err != nil {
		return nil, err
	}
	return s.registerWebhooks(ctx, client, repos), nil
}

// registerWebhooks fans out registration over repos with bounded
// parallelism.
func (s *Syncer) registerWebhooks(ctx context.Context, client *githubclient.Client, repos []*store.Repository) *WebhookResults {
	results := &WebhookResults{Total: len(repos)}

	if !s.webhookRegistrationAllowed() {
		logging.FromContext(ctx).WarnContext(ctx, "webhook registration suppressed: base url is not publicly reachable",
			"baseUrl", s.opts.BaseURL)
		for _, repo := range repos {
			results.Results = append(results.Results, WebhookRepoResult{Repo: repo.FullName, Skipped: true})
		}
		return results
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Parallelism)
	for _, repo := range repos {
		repo := repo
		g.Go(func() error {
			result := s.registerWebhookForRepo(gctx, client, repo)
			mu.Lock()
			defer mu.Unlock()
			results.Results = append(results.Results, result)
			switch {
			case result.Installed:
				results.Installed++
			case result.NoAccess:
				results.NoAccess++
			case result.Error != "":
				results.Errors++
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Syncer) registerWebhookForRepo(ctx context.Context, client *githubclient.Client, repo *store.Repository) WebhookRepoResult {
	result := WebhookRepoResult{Repo: repo.FullName}

	canAdmin, err := client.CanAdminRepo(ctx, repo.OwnerLogin, repo.Name)
	if err != nil {
		result.Error = shortError(err)
		s.recordWebhookState(ctx, repo.ID, 0, false, result.Error)
		return result
	}
	if !canAdmin {
		result.NoAccess = true
		s.recordWebhookState(ctx, repo.ID, 0, false, "")
		return result
	}

	reg, err := client.RegisterRepoWebhook(ctx, repo.OwnerLogin, repo.Name,
		s.webhookEndpointURL(), s.opts.WebhookSecret)
	if err != nil {
		result.Error = shortError(err)
		s.recordWebhookState(ctx, repo.ID, 0, false, result.Error)
		return result
	}

	result.Installed = true
	s.recordWebhookState(ctx, repo.ID, reg.HookID, true, "")
	return result
}

// registerWebhook registers a single repo's webhook (add-repo flow).
func (s *Syncer) registerWebhook(ctx context.Context, client *githubclient.Client, owner, repo string) (*WebhookRepoResult, error) {
	if !s.webhookRegistrationAllowed() {
		return &WebhookRepoResult{Repo: owner + "/" + repo, Skipped: true}, nil
	}
	var target *store.Repository
	if err := s.db.ReadTx(ctx, func(tx *store.Tx) error {
		r, err := tx.GetRepositoryByFullName(ctx, owner+"/"+repo)
		if err != nil {
			return err
		}
		target = r
		return nil
	}); err != nil {
		return nil, err
	}
	result := s.registerWebhookForRepo(ctx, client, target)
	return &result, nil
}

// recordWebhookState persists per-repo webhook bookkeeping.
func (s *Syncer) recordWebhookState(ctx context.Context, repoID string, hookID int64, active bool, errMsg string) {
	err := s.db.WithTx(ctx, func(tx *store.Tx) error {
		repo, err := tx.GetRepository(ctx, repoID)
		if err != nil {
			return err
		}
		repo.WebhookActive = active
		repo.WebhookID = sql.NullInt64{Int64: hookID, Valid: hookID != 0}
		repo.WebhookError = sql.NullString{String: errMsg, Valid: errMsg != ""}
		repo.UpdatedAt = s.now().UTC()
		return tx.UpsertRepository(ctx, repo)
	})
	if err != nil {
		logging.FromContext(ctx).ErrorContext(ctx, "failed to record webhook state",
			"repoId", repoID, "error", err)
	}
}

// publishProgress persists the progress record on the github:initial row.
// The record rides in the last_etag column, which composite resources do
// not otherwise use.
func (s *Syncer) publishProgress(ctx context.Context, userID string, p *Progress) {
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	err = s.db.WithTx(ctx, func(tx *store.Tx) error {
		state, err := tx.GetSyncState(ctx, userID, ResourceInitial, "")
		if err != nil {
			return err
		}
		state.LastETag = sql.NullString{String: string(raw), Valid: true}
		return tx.UpsertSyncState(ctx, state)
	})
	if err != nil {
		logging.FromContext(ctx).ErrorContext(ctx, "failed to publish initial sync progress",
			"userId", userID, "error", err)
	}
}

// InitialProgress reads the last published progress record.
func (s *Syncer) InitialProgress(ctx context.Context, userID string) (*Progress, error) {
	var p Progress
	err := s.db.ReadTx(ctx, func(tx *store.Tx) error {
		state, err := tx.GetSyncState(ctx, userID, ResourceInitial, "")
		if err != nil {
			return err
		}
		if state.LastETag.Valid {
			return json.Unmarshal([]byte(state.LastETag.String), &p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// completeInitial transitions the initial-sync row to completed.
func (s *Syncer) completeInitial(ctx context.Context, userID string) error {
	err := s.db.WithTx(ctx, func(tx *store.Tx) error {
		state, err := tx.GetSyncState(ctx, userID, ResourceInitial, "")
		if err != nil {
			return err
		}
		state.SyncStatus = store.SyncStatusCompleted
		state.SyncError = sql.NullString{}
		return tx.UpsertSyncState(ctx, state)
	})
	if err != nil {
		return fmt.Errorf("failed to complete initial sync: %w", err)
	}
	return nil
}

func (s *Syncer) listRepos(ctx context.Context) ([]*store.Repository, error) {
	var repos []*store.Repository
	err := s.db.ReadTx(ctx, func(tx *store.Tx) error {
		rs, err := tx.ListRepositories(ctx)
		if err != nil {
			return err
		}
		repos = rs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return repos, nil
}

func (s *Syncer) countRows(ctx context.Context, table string) int {
	count := 0
	_ = s.db.ReadTx(ctx, func(tx *store.Tx) error {
		n, err := tx.Count(ctx, table)
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	return count
}

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
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/stefkors/gitmirror/pkg/apply"
	"github.com/stefkors/gitmirror/pkg/githubclient"
	"github.com/stefkors/gitmirror/pkg/ratelimit"
	"github.com/stefkors/gitmirror/pkg/store"
)

// defaultParallelism bounds per-repo fan-out (webhook registration,
// per-repo pull fetches).
const defaultParallelism = 4

// ErrSyncBlocked is returned when a resource cannot enter syncing because
// it is already running, in error, or auth_invalid.
var ErrSyncBlocked = errors.New("sync not started")

// ClientFactory resolves the user's stored token into an API client. It
// returns auth.ErrAuthInvalid or auth.ErrNotConnected without touching
// GitHub when no usable token exists.
type ClientFactory func(ctx context.Context, userID string) (*githubclient.Client, error)

// Options configures a Syncer.
type Options struct {
	// BaseURL is this deployment's public URL; webhook registration points
	// GitHub at BaseURL + the receiver path.
	BaseURL string

	// WebhookSecret signs registered webhooks.
	WebhookSecret string

	// AllowLocalWebhooks permits registration even when BaseURL is a
	// loopback or private address.
	AllowLocalWebhooks bool

	// Parallelism bounds per-repo fan-out. Zero means the default.
	Parallelism int
}

// Syncer orchestrates pull-based syncs for one process.
type Syncer struct {
	db      *store.Store
	states  *States
	clients ClientFactory
	opts    Options
	now     func() time.Time
}

// New creates a Syncer.
func New(db *store.Store, states *States, clients ClientFactory, opts Options) *Syncer {
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	return &Syncer{
		db:      db,
		states:  states,
		clients: clients,
		opts:    opts,
		now:     time.Now,
	}
}

// States exposes the state machine for the HTTP layer (reset, retry).
func (s *Syncer) States() *States {
	return s.states
}

// run wraps one resource sync with the state machine and failure
// classification. fn returns the new ETag to persist (empty keeps the old
// one).
func (s *Syncer) run(ctx context.Context, userID, resourceType, resourceID string, fn func(ctx context.Context, client *githubclient.Client) (string, error)) error {
	// The token gate comes first: a revoked or missing token answers
	// without touching GitHub or the resource's sync-state.
	client, err := s.clients(ctx, userID)
	if err != nil {
		return err
	}

	_, started, err := s.states.Begin(ctx, userID, resourceType, resourceID)
	if err != nil {
		return err
	}
	if !started {
		return fmt.Errorf("%w: %s/%s", ErrSyncBlocked, resourceType, resourceID)
	}

	etag, err := fn(ctx, client)
	if err != nil {
		return s.recordFailure(ctx, client, userID, resourceType, resourceID, err)
	}
	return s.states.Complete(ctx, userID, resourceType, resourceID, etag, client.RateLimit())
}

// recordFailure translates a sync failure into a state transition and
// returns the original error for the HTTP layer.
func (s *Syncer) recordFailure(ctx context.Context, client *githubclient.Client, userID, resourceType, resourceID string, err error) error {
	logger := logging.FromContext(ctx)
	logger.ErrorContext(ctx, "sync failed",
		"op", resourceType, "userId", userID, "resource", resourceID, "error", err)

	var rlErr *ratelimit.Error
	switch {
	case githubclient.IsAuthError(err):
		if stErr := s.states.MarkAuthInvalid(ctx, userID, resourceType, resourceID, "github token rejected"); stErr != nil {
			logger.ErrorContext(ctx, "failed to stamp auth_invalid", "error", stErr)
		}
	case errors.As(err, &rlErr):
		if stErr := s.states.Fail(ctx, userID, resourceType, resourceID, rlErr.Error(), client.RateLimit()); stErr != nil {
			logger.ErrorContext(ctx, "failed to record rate limit error", "error", stErr)
		}
	default:
		if stErr := s.states.Fail(ctx, userID, resourceType, resourceID, shortError(err), client.RateLimit()); stErr != nil {
			logger.ErrorContext(ctx, "failed to record sync error", "error", stErr)
		}
	}
	return err
}

// shortError keeps user-visible failures short; full context is logged.
func shortError(err error) string {
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// SyncOrganizations mirrors the user's organizations.
func (s *Syncer) SyncOrganizations(ctx context.Context, userID string) error {
	return s.run(ctx, userID, ResourceOrgs, "", func(ctx context.Context, client *githubclient.Client) (string, error) {
		etag := s.storedETag(ctx, userID, ResourceOrgs, "")
		res, err := client.FetchOrganizations(ctx, etag)
		if err != nil {
			return "", err
		}
		if res.Unchanged {
			return etag, nil
		}

		now := s.now().UTC()
		err = s.db.WithTx(ctx, func(tx *store.Tx) error {
			for i := range res.Items {
				if _, err := apply.Organization(ctx, tx, &res.Items[i], userID, now); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return "", err
		}
		return res.ETag, nil
	})
}

// SyncRepositories mirrors the repositories the user can access.
func (s *Syncer) SyncRepositories(ctx context.Context, userID string) error {
	return s.run(ctx, userID, ResourceRepos, "", func(ctx context.Context, client *githubclient.Client) (string, error) {
		etag := s.storedETag(ctx, userID, ResourceRepos, "")
		res, err := client.FetchRepositories(ctx, etag)
		if err != nil {
			return "", err
		}
		if res.Unchanged {
			return etag, nil
		}

		now := s.now().UTC()
		err = s.db.WithTx(ctx, func(tx *store.Tx) error {
			for i := range res.Items {
				if _, err := apply.Repository(ctx, tx, &res.Items[i], userID, now); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return "", err
		}
		return res.ETag, nil
	})
}

// SyncRepoPulls mirrors a repository's open pull requests. All pulls of
// the listing are applied in one transaction; the stored PR set is not reaped here
// because closed PRs simply stop appearing in the open listing.
func (s *Syncer) SyncRepoPulls(ctx context.Context, userID, owner, repo string) error {
	resourceID := owner + "/" + repo
	return s.run(ctx, userID, ResourcePulls, resourceID, func(ctx context.Context, client *githubclient.Client) (string, error) {
		etag := s.storedETag(ctx, userID, ResourcePulls, resourceID)
		res, err := client.FetchPullRequests(ctx, owner, repo, "open", etag)
		if err != nil {
			return "", err
		}
		if res.Unchanged {
			return etag, nil
		}

		repoID, err := s.repoID(ctx, owner, repo)
		if err != nil {
			return "", err
		}

		now := s.now().UTC()
		err = s.db.WithTx(ctx, func(tx *store.Tx) error {
			for i := range res.Items {
				if _, err := apply.PullRequest(ctx, tx, &res.Items[i], repoID, now); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return "", err
		}
		return res.ETag, nil
	})
}

// SyncPullDetail mirrors one pull request's full detail as a single
// coherent transaction.
func (s *Syncer) SyncPullDetail(ctx context.Context, userID, owner, repo string, number int, force bool) error {
	resourceID := fmt.Sprintf("%s/%s#%d", owner, repo, number)
	if force {
		if err := s.states.Reset(ctx, userID, ResourcePull, resourceID); err != nil {
			return err
		}
	}
	return s.run(ctx, userID, ResourcePull, resourceID, func(ctx context.Context, client *githubclient.Client) (string, error) {
		detail, err := client.FetchPullRequestDetail(ctx, owner, repo, number)
		if err != nil {
			return "", err
		}

		repoID, err := s.repoID(ctx, owner, repo)
		if err != nil {
			return "", err
		}

		now := s.now().UTC()
		err = s.db.WithTx(ctx, func(tx *store.Tx) error {
			_, err := apply.PullDetail(ctx, tx, detail, repoID, now)
			return err
		})
		if err != nil {
			return "", err
		}
		return "", nil
	})
}

// SyncIssue mirrors one issue and its comments.
func (s *Syncer) SyncIssue(ctx context.Context, userID, owner, repo string, number int) error {
	resourceID := fmt.Sprintf("%s/%s#%d", owner, repo, number)
	return s.run(ctx, userID, ResourceIssue, resourceID, func(ctx context.Context, client *githubclient.Client) (string, error) {
		issue, err := client.FetchIssue(ctx, owner, repo, number)
		if err != nil {
			return "", err
		}
		comments, err := client.FetchIssueComments(ctx, owner, repo, number)
		if err != nil {
			return "", err
		}

		repoID, err := s.repoID(ctx, owner, repo)
		if err != nil {
			return "", err
		}

		now := s.now().UTC()
		err = s.db.WithTx(ctx, func(tx *store.Tx) error {
			issueID, err := apply.Issue(ctx, tx, issue, repoID, now)
			if err != nil {
				return err
			}
			for i := range comments.Items {
				if _, err := apply.IssueComment(ctx, tx, &comments.Items[i], issueID, now); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return "", err
		}
		return "", nil
	})
}

// SyncTree mirrors the repository tree at ref (default branch when empty).
// The reap-then-insert pair runs in one transaction.
func (s *Syncer) SyncTree(ctx context.Context, userID, owner, repo, ref string) error {
	resourceID := owner + "/" + repo
	if ref != "" {
		resourceID += "@" + ref
	}
	return s.run(ctx, userID, ResourceTree, resourceID, func(ctx context.Context, client *githubclient.Client) (string, error) {
		repoID, resolvedRef, err := s.repoRef(ctx, owner, repo, ref)
		if err != nil {
			return "", err
		}

		etag := s.storedETag(ctx, userID, ResourceTree, resourceID)
		res, err := client.FetchRepoTree(ctx, owner, repo, resolvedRef, etag)
		if err != nil {
			return "", err
		}
		if res.Unchanged {
			return etag, nil
		}
		if res.Truncated {
			logging.FromContext(ctx).WarnContext(ctx, "tree listing truncated by github",
				"owner", owner, "repo", repo, "ref", resolvedRef)
		}

		now := s.now().UTC()
		err = s.db.WithTx(ctx, func(tx *store.Tx) error {
			_, err := apply.Tree(ctx, tx, repoID, resolvedRef, res.Entries, now)
			return err
		})
		if err != nil {
			return "", err
		}
		return res.ETag, nil
	})
}

// SyncCommits mirrors the commit listing of a ref.
func (s *Syncer) SyncCommits(ctx context.Context, userID, owner, repo, ref string) error {
	resourceID := owner + "/" + repo
	if ref != "" {
		resourceID += "@" + ref
	}
	return s.run(ctx, userID, ResourceCommits, resourceID, func(ctx context.Context, client *githubclient.Client) (string, error) {
		repoID, resolvedRef, err := s.repoRef(ctx, owner, repo, ref)
		if err != nil {
			return "", err
		}

		etag := s.storedETag(ctx, userID, ResourceCommits, resourceID)
		res, err := client.FetchRepoCommits(ctx, owner, repo, resolvedRef, etag)
		if err != nil {
			return "", err
		}
		if res.Unchanged {
			return etag, nil
		}

		now := s.now().UTC()
		err = s.db.WithTx(ctx, func(tx *store.Tx) error {
			return apply.Commits(ctx, tx, repoID, resolvedRef, res.Items, now)
		})
		if err != nil {
			return "", err
		}
		return res.ETag, nil
	})
}

// AddRepo parses a repository reference, fetches its pull requests, and
// registers a webhook on it.
func (s *Syncer) AddRepo(ctx context.Context, userID, rawRef string) (owner, repo string, err error) {
	owner, repo, err = ParseRepoRef(rawRef)
	if err != nil {
		return "", "", err
	}

	client, err := s.clients(ctx, userID)
	if err != nil {
		return "", "", err
	}

	// The repository row must exist before children hang off it.
	remoteRepo, err := client.FetchRepository(ctx, owner, repo)
	if err != nil {
		return "", "", err
	}
	pulls, err := client.FetchPullRequests(ctx, owner, repo, "open", "")
	if err != nil {
		return "", "", err
	}

	now := s.now().UTC()
	if err := s.db.WithTx(ctx, func(tx *store.Tx) error {
		repoID, err := apply.Repository(ctx, tx, remoteRepo, userID, now)
		if err != nil {
			return err
		}
		for i := range pulls.Items {
			if _, err := apply.PullRequest(ctx, tx, &pulls.Items[i], repoID, now); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return "", "", err
	}

	if _, err := s.registerWebhook(ctx, client, owner, repo); err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "failed to register webhook for added repo",
			"owner", owner, "repo", repo, "error", err)
	}
	return owner, repo, nil
}

// ParseRepoRef accepts "https://github.com/owner/repo",
// "github.com/owner/repo", and "owner/repo", with or without a trailing
// ".git".
func ParseRepoRef(raw string) (owner, repo string, err error) {
	ref := strings.TrimSpace(raw)
	ref = strings.TrimPrefix(ref, "https://")
	ref = strings.TrimPrefix(ref, "http://")
	ref = strings.TrimPrefix(ref, "github.com/")
	ref = strings.TrimSuffix(ref, "/")
	ref = strings.TrimSuffix(ref, ".git")

	parts := strings.Split(ref, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("unrecognized repository reference %q", raw)
	}
	return parts[0], parts[1], nil
}

// storedETag reads the last persisted ETag for a resource; missing rows
// yield an empty tag.
func (s *Syncer) storedETag(ctx context.Context, userID, resourceType, resourceID string) string {
	var etag string
	_ = s.db.ReadTx(ctx, func(tx *store.Tx) error {
		state, err := tx.GetSyncState(ctx, userID, resourceType, resourceID)
		if err != nil {
			return nil //nolint:nilerr // missing rows mean no etag
		}
		if state.LastETag.Valid {
			etag = state.LastETag.String
		}
		return nil
	})
	return etag
}

// repoID resolves a mirrored repository's local ID.
func (s *Syncer) repoID(ctx context.Context, owner, repo string) (string, error) {
	var id string
	err := s.db.ReadTx(ctx, func(tx *store.Tx) error {
		r, err := tx.GetRepositoryByFullName(ctx, owner+"/"+repo)
		if err != nil {
			return err
		}
		id = r.ID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("repository %s/%s is not mirrored: %w", owner, repo, err)
	}
	return id, nil
}

// repoRef resolves the repo ID and the effective ref (default branch when
// none given).
func (s *Syncer) repoRef(ctx context.Context, owner, repo, ref string) (string, string, error) {
	var id, resolved string
	err := s.db.ReadTx(ctx, func(tx *store.Tx) error {
		r, err := tx.GetRepositoryByFullName(ctx, owner+"/"+repo)
		if err != nil {
			return err
		}
		id = r.ID
		resolved = ref
		if resolved == "" {
			if r.DefaultBranch.Valid && r.DefaultBranch.String != "" {
				resolved = r.DefaultBranch.String
			} else {
				resolved = "main"
			}
		}
		return nil
	})
	if err != nil {
		return "", "", fmt.Errorf("repository %s/%s is not mirrored: %w", owner, repo, err)
	}
	return id, resolved, nil
}

// webhookEndpointURL is where registered webhooks deliver.
func (s *Syncer) webhookEndpointURL() string {
	return strings.TrimSuffix(s.opts.BaseURL, "/") + "/api/github/webhook"
}

// webhookRegistrationAllowed reports whether BASE_URL is publicly
// reachable (or the local override is set). GitHub cannot deliver to
// loopback or private addresses.
func (s *Syncer) webhookRegistrationAllowed() bool {
	if s.opts.AllowLocalWebhooks {
		return true
	}
	u, err := url.Parse(s.opts.BaseURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || strings.HasSuffix(host, ".local") {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified())
	}
	return true
}

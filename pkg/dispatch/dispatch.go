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

// Package dispatch routes validated webhook events to the entity applier.
// The result of dispatching an event is identical to the result of pull
// syncing the same state: both paths end in the same applier calls.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/stefkors/gitmirror/pkg/apply"
	"github.com/stefkors/gitmirror/pkg/githubclient"
	"github.com/stefkors/gitmirror/pkg/store"
)

// Dispatcher applies webhook events for the process's user.
type Dispatcher struct {
	db     *store.Store
	userID string
	now    func() time.Time
}

// New creates a dispatcher.
func New(db *store.Store, userID string) *Dispatcher {
	return &Dispatcher{db: db, userID: userID, now: time.Now}
}

// eventPayload is the union of the webhook payload fields the mirror
// consumes. Unknown fields are ignored.
type eventPayload struct {
	Action       string                      `json:"action"`
	Repository   *githubclient.RemoteRepo    `json:"repository"`
	Organization *githubclient.RemoteOrg     `json:"organization"`
	PullRequest  *githubclient.RemotePull    `json:"pull_request"`
	Review       *githubclient.RemoteReview  `json:"review"`
	Comment      *githubclient.RemoteComment `json:"comment"`
	Issue        *githubclient.RemoteIssue   `json:"issue"`
	Ref          string                      `json:"ref"`
	RefType      string                      `json:"ref_type"`
	After        string                      `json:"after"`
	Commits      []pushCommit                `json:"commits"`
	Sender       *githubclient.RemoteUser    `json:"sender"`
}

// pushCommit is the commit shape of a push payload, which differs from
// the REST commit listing.
type pushCommit struct {
	ID        string     `json:"id"`
	Message   string     `json:"message"`
	Timestamp *time.Time `json:"timestamp"`
	Author    struct {
		Name     string `json:"name"`
		Username string `json:"username"`
	} `json:"author"`
}

// Dispatch applies one event inside a single store transaction. Unhandled
// event types are logged and succeed so the queue marks them processed.
func (d *Dispatcher) Dispatch(ctx context.Context, deliveryID, event string, payload []byte) error {
	var p eventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("failed to parse event payload: %w", err)
	}

	now := d.now().UTC()
	return d.db.WithTx(ctx, func(tx *store.Tx) error {
		switch event {
		case "push":
			return d.applyPush(ctx, tx, &p, now)
		case "create", "delete":
			return d.applyRefChange(ctx, tx, event, &p, now)
		case "fork", "repository", "star":
			return d.applyRepo(ctx, tx, &p, now)
		case "organization":
			return d.applyOrganization(ctx, tx, &p, now)
		case "pull_request":
			return d.applyPullRequest(ctx, tx, deliveryID, &p, now)
		case "pull_request_review":
			return d.applyPullReview(ctx, tx, &p, now)
		case "pull_request_review_comment":
			return d.applyPullReviewComment(ctx, tx, &p, now)
		case "issues":
			return d.applyIssue(ctx, tx, &p, now)
		case "issue_comment":
			return d.applyIssueComment(ctx, tx, &p, now)
		default:
			logging.FromContext(ctx).InfoContext(ctx, "ignoring unhandled webhook event",
				"event", event, "deliveryId", deliveryID)
			return nil
		}
	})
}

// repoID upserts the payload's repository (events can arrive before any
// pull sync) and returns its local ID.
func (d *Dispatcher) repoID(ctx context.Context, tx *store.Tx, p *eventPayload, now time.Time) (string, error) {
	if p.Repository == nil {
		return "", fmt.Errorf("event payload has no repository")
	}
	return apply.Repository(ctx, tx, p.Repository, d.userID, now)
}

func (d *Dispatcher) applyPush(ctx context.Context, tx *store.Tx, p *eventPayload, now time.Time) error {
	repoID, err := d.repoID(ctx, tx, p, now)
	if err != nil {
		return err
	}

	ref := shortRef(p.Ref)
	commits := make([]githubclient.RemoteCommitRef, 0, len(p.Commits))
	for _, pc := range p.Commits {
		var rc githubclient.RemoteCommitRef
		rc.SHA = pc.ID
		rc.Commit.Message = pc.Message
		rc.Commit.Author.Name = pc.Author.Name
		rc.Commit.Author.Date = pc.Timestamp
		if pc.Author.Username != "" {
			rc.Author = &githubclient.RemoteUser{Login: pc.Author.Username}
		}
		commits = append(commits, rc)
	}
	return apply.Commits(ctx, tx, repoID, ref, commits, now)
}

func (d *Dispatcher) applyRefChange(ctx context.Context, tx *store.Tx, event string, p *eventPayload, now time.Time) error {
	repoID, err := d.repoID(ctx, tx, p, now)
	if err != nil {
		return err
	}
	if event != "delete" || p.RefType != "branch" {
		return nil
	}

	// A deleted branch takes its mirrored tree and commit listing with it.
	ref := shortRef(p.Ref)
	entries, err := tx.ListTreeEntries(ctx, repoID, ref)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := tx.Delete(ctx, "tree_entries", e.ID); err != nil {
			return err
		}
	}
	return tx.DeleteCommitsForRef(ctx, repoID, ref)
}

func (d *Dispatcher) applyRepo(ctx context.Context, tx *store.Tx, p *eventPayload, now time.Time) error {
	if p.Action == "deleted" && p.Repository != nil {
		repo, err := tx.GetRepositoryByGitHubID(ctx, p.Repository.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		return tx.Delete(ctx, "repositories", repo.ID)
	}
	_, err := d.repoID(ctx, tx, p, now)
	return err
}

func (d *Dispatcher) applyOrganization(ctx context.Context, tx *store.Tx, p *eventPayload, now time.Time) error {
	if p.Organization == nil {
		return nil
	}
	_, err := apply.Organization(ctx, tx, p.Organization, d.userID, now)
	return err
}

func (d *Dispatcher) applyPullRequest(ctx context.Context, tx *store.Tx, deliveryID string, p *eventPayload, now time.Time) error {
	if p.PullRequest == nil {
		return fmt.Errorf("pull_request event has no pull_request")
	}
	repoID, err := d.repoID(ctx, tx, p, now)
	if err != nil {
		return err
	}
	pullID, err := apply.PullRequest(ctx, tx, p.PullRequest, repoID, now)
	if err != nil {
		return err
	}

	// The payload carries no timeline event ID; derive a stable one from
	// the delivery ID so redeliveries stay idempotent.
	event := &githubclient.RemoteTimelineEvent{
		ID:        deliveryEventID(deliveryID),
		Event:     p.Action,
		Actor:     p.Sender,
		CreatedAt: &now,
	}
	_, err = apply.PullEvent(ctx, tx, event, pullID, now)
	return err
}

func (d *Dispatcher) findPull(ctx context.Context, tx *store.Tx, p *eventPayload, now time.Time) (string, error) {
	if p.PullRequest == nil {
		return "", fmt.Errorf("event has no pull_request")
	}
	repoID, err := d.repoID(ctx, tx, p, now)
	if err != nil {
		return "", err
	}
	return apply.PullRequest(ctx, tx, p.PullRequest, repoID, now)
}

func (d *Dispatcher) applyPullReview(ctx context.Context, tx *store.Tx, p *eventPayload, now time.Time) error {
	if p.Review == nil {
		return fmt.Errorf("pull_request_review event has no review")
	}
	pullID, err := d.findPull(ctx, tx, p, now)
	if err != nil {
		return err
	}
	_, err = apply.PullReview(ctx, tx, p.Review, pullID, now)
	return err
}

func (d *Dispatcher) applyPullReviewComment(ctx context.Context, tx *store.Tx, p *eventPayload, now time.Time) error {
	if p.Comment == nil {
		return fmt.Errorf("pull_request_review_comment event has no comment")
	}
	if p.Action == "deleted" {
		return tx.DeletePRCommentByGitHubID(ctx, p.Comment.ID, store.PRCommentKindReview)
	}
	pullID, err := d.findPull(ctx, tx, p, now)
	if err != nil {
		return err
	}
	_, err = apply.PullComment(ctx, tx, p.Comment, pullID, store.PRCommentKindReview, now)
	return err
}

func (d *Dispatcher) applyIssue(ctx context.Context, tx *store.Tx, p *eventPayload, now time.Time) error {
	if p.Issue == nil {
		return fmt.Errorf("issues event has no issue")
	}
	repoID, err := d.repoID(ctx, tx, p, now)
	if err != nil {
		return err
	}
	if p.Action == "deleted" {
		issue, err := tx.GetIssueByGitHubID(ctx, p.Issue.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		return tx.Delete(ctx, "issues", issue.ID)
	}
	_, err = apply.Issue(ctx, tx, p.Issue, repoID, now)
	return err
}

// applyIssueComment routes a comment to the pull request it belongs to
// when the issue is a pull request, otherwise to the issue.
func (d *Dispatcher) applyIssueComment(ctx context.Context, tx *store.Tx, p *eventPayload, now time.Time) error {
	if p.Issue == nil || p.Comment == nil {
		return fmt.Errorf("issue_comment event is missing issue or comment")
	}

	if p.Issue.PullRequest != nil {
		if p.Action == "deleted" {
			return tx.DeletePRCommentByGitHubID(ctx, p.Comment.ID, store.PRCommentKindIssue)
		}
		repoID, err := d.repoID(ctx, tx, p, now)
		if err != nil {
			return err
		}
		pull, err := tx.GetPullRequestByNumber(ctx, repoID, p.Issue.Number)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// The pull request has not been mirrored yet; the comment
				// arrives with the next pull sync.
				logging.FromContext(ctx).InfoContext(ctx, "dropping comment for unmirrored pull request",
					"repo", p.Repository.FullName, "number", p.Issue.Number)
				return nil
			}
			return err
		}
		_, err = apply.PullComment(ctx, tx, p.Comment, pull.ID, store.PRCommentKindIssue, now)
		return err
	}

	if p.Action == "deleted" {
		return tx.DeleteIssueCommentByGitHubID(ctx, p.Comment.ID)
	}
	repoID, err := d.repoID(ctx, tx, p, now)
	if err != nil {
		return err
	}
	issueID, err := apply.Issue(ctx, tx, p.Issue, repoID, now)
	if err != nil {
		return err
	}
	_, err = apply.IssueComment(ctx, tx, p.Comment, issueID, now)
	return err
}

// shortRef strips the refs/heads/ prefix push payloads carry.
func shortRef(ref string) string {
	const prefix = "refs/heads/"
	if len(ref) > len(prefix) && ref[:len(prefix)] == prefix {
		return ref[len(prefix):]
	}
	return ref
}

// deliveryEventID derives a stable synthetic timeline-event ID from a
// delivery ID.
func deliveryEventID(deliveryID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(deliveryID))
	return int64(h.Sum64() >> 1)
}

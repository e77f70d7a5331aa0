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

package store

import (
	"context"
	"database/sql"
	"time"
)

// User is the process owner. One row per installation.
type User struct {
	ID        string         `db:"id"`
	GitHubID  int64          `db:"github_id"`
	Login     string         `db:"login"`
	Name      sql.NullString `db:"name"`
	Email     sql.NullString `db:"email"`
	AvatarURL sql.NullString `db:"avatar_url"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

// Organization mirrors a GitHub organization.
type Organization struct {
	ID          string         `db:"id"`
	GitHubID    int64          `db:"github_id"`
	Login       string         `db:"login"`
	Name        sql.NullString `db:"name"`
	Description sql.NullString `db:"description"`
	AvatarURL   sql.NullString `db:"avatar_url"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// Repository mirrors a GitHub repository.
type Repository struct {
	ID             string         `db:"id"`
	GitHubID       int64          `db:"github_id"`
	OrganizationID sql.NullString `db:"organization_id"`
	Name           string         `db:"name"`
	FullName       string         `db:"full_name"`
	OwnerLogin     string         `db:"owner_login"`
	Description    sql.NullString `db:"description"`
	Private        bool           `db:"private"`
	Fork           bool           `db:"fork"`
	DefaultBranch  sql.NullString `db:"default_branch"`
	StarCount      int            `db:"star_count"`
	ForkCount      int            `db:"fork_count"`
	OpenIssues     int            `db:"open_issues"`
	PushedAt       sql.NullTime   `db:"pushed_at"`
	WebhookID      sql.NullInt64  `db:"webhook_id"`
	WebhookActive  bool           `db:"webhook_active"`
	WebhookError   sql.NullString `db:"webhook_error"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// PullRequest mirrors a GitHub pull request.
type PullRequest struct {
	ID                 string         `db:"id"`
	GitHubID           int64          `db:"github_id"`
	RepositoryID       string         `db:"repository_id"`
	Number             int            `db:"number"`
	Title              string         `db:"title"`
	State              string         `db:"state"`
	Body               sql.NullString `db:"body"`
	Draft              bool           `db:"draft"`
	Merged             bool           `db:"merged"`
	MergeableState     sql.NullString `db:"mergeable_state"`
	AuthorLogin        sql.NullString `db:"author_login"`
	BaseRef            sql.NullString `db:"base_ref"`
	HeadRef            sql.NullString `db:"head_ref"`
	HeadSHA            sql.NullString `db:"head_sha"`
	Additions          int            `db:"additions"`
	Deletions          int            `db:"deletions"`
	ChangedFiles       int            `db:"changed_files"`
	CommentCount       int            `db:"comment_count"`
	Labels             sql.NullString `db:"labels"`
	Assignees          sql.NullString `db:"assignees"`
	RequestedReviewers sql.NullString `db:"requested_reviewers"`
	MergedAt           sql.NullTime   `db:"merged_at"`
	ClosedAt           sql.NullTime   `db:"closed_at"`
	RemoteCreatedAt    sql.NullTime   `db:"remote_created_at"`
	RemoteUpdatedAt    sql.NullTime   `db:"remote_updated_at"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

// PRFile is one changed file on a pull request.
type PRFile struct {
	ID          string         `db:"id"`
	PullID      string         `db:"pull_id"`
	Filename    string         `db:"filename"`
	Status      string         `db:"status"`
	Additions   int            `db:"additions"`
	Deletions   int            `db:"deletions"`
	Patch       sql.NullString `db:"patch"`
	PatchDigest sql.NullString `db:"patch_digest"`
	Viewed      bool           `db:"viewed"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// PRReview is a submitted pull request review.
type PRReview struct {
	ID          string         `db:"id"`
	GitHubID    int64          `db:"github_id"`
	PullID      string         `db:"pull_id"`
	AuthorLogin sql.NullString `db:"author_login"`
	State       string         `db:"state"`
	Body        sql.NullString `db:"body"`
	CommitSHA   sql.NullString `db:"commit_sha"`
	SubmittedAt sql.NullTime   `db:"submitted_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// PRComment is a review comment or an issue-style comment on a pull
// request; Kind distinguishes the two.
type PRComment struct {
	ID              string         `db:"id"`
	GitHubID        int64          `db:"github_id"`
	PullID          string         `db:"pull_id"`
	Kind            string         `db:"kind"`
	AuthorLogin     sql.NullString `db:"author_login"`
	Body            sql.NullString `db:"body"`
	Path            sql.NullString `db:"path"`
	Line            sql.NullInt64  `db:"line"`
	InReplyTo       sql.NullInt64  `db:"in_reply_to"`
	Resolved        bool           `db:"resolved"`
	RemoteCreatedAt sql.NullTime   `db:"remote_created_at"`
	RemoteUpdatedAt sql.NullTime   `db:"remote_updated_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// PRComment kinds.
const (
	PRCommentKindReview = "review"
	PRCommentKindIssue  = "issue"
)

// PRCheck is a check run against the head commit of a pull request.
type PRCheck struct {
	ID          string         `db:"id"`
	GitHubID    int64          `db:"github_id"`
	PullID      string         `db:"pull_id"`
	Name        string         `db:"name"`
	Status      string         `db:"status"`
	Conclusion  sql.NullString `db:"conclusion"`
	DetailsURL  sql.NullString `db:"details_url"`
	StartedAt   sql.NullTime   `db:"started_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// PREvent is a timeline event on a pull request.
type PREvent struct {
	ID         string         `db:"id"`
	GitHubID   int64          `db:"github_id"`
	PullID     string         `db:"pull_id"`
	Event      string         `db:"event"`
	ActorLogin sql.NullString `db:"actor_login"`
	OccurredAt sql.NullTime   `db:"occurred_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

// PRCommit is a commit included in a pull request.
type PRCommit struct {
	ID          string         `db:"id"`
	PullID      string         `db:"pull_id"`
	SHA         string         `db:"sha"`
	Message     sql.NullString `db:"message"`
	AuthorLogin sql.NullString `db:"author_login"`
	AuthoredAt  sql.NullTime   `db:"authored_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// Issue mirrors a GitHub issue.
type Issue struct {
	ID              string         `db:"id"`
	GitHubID        int64          `db:"github_id"`
	RepositoryID    string         `db:"repository_id"`
	Number          int            `db:"number"`
	Title           string         `db:"title"`
	State           string         `db:"state"`
	Body            sql.NullString `db:"body"`
	AuthorLogin     sql.NullString `db:"author_login"`
	Labels          sql.NullString `db:"labels"`
	Assignees       sql.NullString `db:"assignees"`
	CommentCount    int            `db:"comment_count"`
	RemoteCreatedAt sql.NullTime   `db:"remote_created_at"`
	RemoteUpdatedAt sql.NullTime   `db:"remote_updated_at"`
	ClosedAt        sql.NullTime   `db:"closed_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// IssueComment is a comment on an issue.
type IssueComment struct {
	ID              string         `db:"id"`
	GitHubID        int64          `db:"github_id"`
	IssueID         string         `db:"issue_id"`
	AuthorLogin     sql.NullString `db:"author_login"`
	Body            sql.NullString `db:"body"`
	RemoteCreatedAt sql.NullTime   `db:"remote_created_at"`
	RemoteUpdatedAt sql.NullTime   `db:"remote_updated_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// TreeEntry is one file or directory in a repository tree, keyed by the
// deterministic ID "repoID:ref:path".
type TreeEntry struct {
	ID           string         `db:"id"`
	RepositoryID string         `db:"repository_id"`
	Ref          string         `db:"ref"`
	Path         string         `db:"path"`
	EntryType    string         `db:"entry_type"`
	SHA          sql.NullString `db:"sha"`
	Size         int64          `db:"size"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

// Commit is a commit on a repository ref.
type Commit struct {
	ID           string         `db:"id"`
	RepositoryID string         `db:"repository_id"`
	SHA          string         `db:"sha"`
	Ref          sql.NullString `db:"ref"`
	Message      sql.NullString `db:"message"`
	AuthorLogin  sql.NullString `db:"author_login"`
	AuthorName   sql.NullString `db:"author_name"`
	AuthoredAt   sql.NullTime   `db:"authored_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (t *Tx) UpsertUser(ctx context.Context, u *User) error {
	return t.namedExec(ctx, `
		INSERT INTO users (id, github_id, login, name, email, avatar_url, created_at, updated_at)
		VALUES (:id, :github_id, :login, :name, :email, :avatar_url, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			login = excluded.login, name = excluded.name, email = excluded.email,
			avatar_url = excluded.avatar_url, updated_at = excluded.updated_at`, u)
}

func (t *Tx) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	if err := t.get(ctx, &u, `SELECT * FROM users WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &u, nil
}

func (t *Tx) UpsertOrganization(ctx context.Context, o *Organization) error {
	return t.namedExec(ctx, `
		INSERT INTO organizations (id, github_id, login, name, description, avatar_url, created_at, updated_at)
		VALUES (:id, :github_id, :login, :name, :description, :avatar_url, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			login = excluded.login, name = excluded.name, description = excluded.description,
			avatar_url = excluded.avatar_url, updated_at = excluded.updated_at`, o)
}

func (t *Tx) GetOrganizationByGitHubID(ctx context.Context, githubID int64) (*Organization, error) {
	var o Organization
	if err := t.get(ctx, &o, `SELECT * FROM organizations WHERE github_id = ?`, githubID); err != nil {
		return nil, err
	}
	return &o, nil
}

func (t *Tx) UpsertRepository(ctx context.Context, r *Repository) error {
	return t.namedExec(ctx, `
		INSERT INTO repositories (id, github_id, organization_id, name, full_name, owner_login,
			description, private, fork, default_branch, star_count, fork_count, open_issues,
			pushed_at, webhook_id, webhook_active, webhook_error, created_at, updated_at)
		VALUES (:id, :github_id, :organization_id, :name, :full_name, :owner_login,
			:description, :private, :fork, :default_branch, :star_count, :fork_count, :open_issues,
			:pushed_at, :webhook_id, :webhook_active, :webhook_error, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			organization_id = excluded.organization_id, name = excluded.name,
			full_name = excluded.full_name, owner_login = excluded.owner_login,
			description = excluded.description, private = excluded.private, fork = excluded.fork,
			default_branch = excluded.default_branch, star_count = excluded.star_count,
			fork_count = excluded.fork_count, open_issues = excluded.open_issues,
			pushed_at = excluded.pushed_at, webhook_id = excluded.webhook_id,
			webhook_active = excluded.webhook_active, webhook_error = excluded.webhook_error,
			updated_at = excluded.updated_at`, r)
}

func (t *Tx) GetRepository(ctx context.Context, id string) (*Repository, error) {
	var r Repository
	if err := t.get(ctx, &r, `SELECT * FROM repositories WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *Tx) GetRepositoryByGitHubID(ctx context.Context, githubID int64) (*Repository, error) {
	var r Repository
	if err := t.get(ctx, &r, `SELECT * FROM repositories WHERE github_id = ?`, githubID); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *Tx) GetRepositoryByFullName(ctx context.Context, fullName string) (*Repository, error) {
	var r Repository
	if err := t.get(ctx, &r, `SELECT * FROM repositories WHERE full_name = ?`, fullName); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *Tx) ListRepositories(ctx context.Context) ([]*Repository, error) {
	var rs []*Repository
	if err := t.selectAll(ctx, &rs, `SELECT * FROM repositories ORDER BY full_name`); err != nil {
		return nil, err
	}
	return rs, nil
}

func (t *Tx) UpsertPullRequest(ctx context.Context, p *PullRequest) error {
	return t.namedExec(ctx, `
		INSERT INTO pull_requests (id, github_id, repository_id, number, title, state, body, draft,
			merged, mergeable_state, author_login, base_ref, head_ref, head_sha, additions, deletions,
			changed_files, comment_count, labels, assignees, requested_reviewers, merged_at, closed_at,
			remote_created_at, remote_updated_at, created_at, updated_at)
		VALUES (:id, :github_id, :repository_id, :number, :title, :state, :body, :draft,
			:merged, :mergeable_state, :author_login, :base_ref, :head_ref, :head_sha, :additions, :deletions,
			:changed_files, :comment_count, :labels, :assignees, :requested_reviewers, :merged_at, :closed_at,
			:remote_created_at, :remote_updated_at, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			repository_id = excluded.repository_id, number = excluded.number, title = excluded.title,
			state = excluded.state, body = excluded.body, draft = excluded.draft,
			merged = excluded.merged, mergeable_state = excluded.mergeable_state,
			author_login = excluded.author_login, base_ref = excluded.base_ref,
			head_ref = excluded.head_ref, head_sha = excluded.head_sha,
			additions = excluded.additions, deletions = excluded.deletions,
			changed_files = excluded.changed_files, comment_count = excluded.comment_count,
			labels = excluded.labels, assignees = excluded.assignees,
			requested_reviewers = excluded.requested_reviewers, merged_at = excluded.merged_at,
			closed_at = excluded.closed_at, remote_created_at = excluded.remote_created_at,
			remote_updated_at = excluded.remote_updated_at, updated_at = excluded.updated_at`, p)
}

func (t *Tx) GetPullRequest(ctx context.Context, id string) (*PullRequest, error) {
	var p PullRequest
	if err := t.get(ctx, &p, `SELECT * FROM pull_requests WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *Tx) GetPullRequestByGitHubID(ctx context.Context, githubID int64) (*PullRequest, error) {
	var p PullRequest
	if err := t.get(ctx, &p, `SELECT * FROM pull_requests WHERE github_id = ?`, githubID); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *Tx) GetPullRequestByNumber(ctx context.Context, repoID string, number int) (*PullRequest, error) {
	var p PullRequest
	if err := t.get(ctx, &p, `SELECT * FROM pull_requests WHERE repository_id = ? AND number = ?`, repoID, number); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *Tx) UpsertPRFile(ctx context.Context, f *PRFile) error {
	return t.namedExec(ctx, `
		INSERT INTO pr_files (id, pull_id, filename, status, additions, deletions, patch, patch_digest, viewed, updated_at)
		VALUES (:id, :pull_id, :filename, :status, :additions, :deletions, :patch, :patch_digest, :viewed, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			filename = excluded.filename, status = excluded.status, additions = excluded.additions,
			deletions = excluded.deletions, patch = excluded.patch,
			patch_digest = excluded.patch_digest, viewed = excluded.viewed,
			updated_at = excluded.updated_at`, f)
}

func (t *Tx) ListPRFiles(ctx context.Context, pullID string) ([]*PRFile, error) {
	var fs []*PRFile
	if err := t.selectAll(ctx, &fs, `SELECT * FROM pr_files WHERE pull_id = ? ORDER BY filename`, pullID); err != nil {
		return nil, err
	}
	return fs, nil
}

func (t *Tx) SetPRFileViewed(ctx context.Context, pullID, filename string, viewed bool, now time.Time) error {
	return t.exec(ctx, `UPDATE pr_files SET viewed = ?, updated_at = ? WHERE pull_id = ? AND filename = ?`,
		viewed, now, pullID, filename)
}

func (t *Tx) UpsertPRReview(ctx context.Context, r *PRReview) error {
	return t.namedExec(ctx, `
		INSERT INTO pr_reviews (id, github_id, pull_id, author_login, state, body, commit_sha, submitted_at, updated_at)
		VALUES (:id, :github_id, :pull_id, :author_login, :state, :body, :commit_sha, :submitted_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state, body = excluded.body, commit_sha = excluded.commit_sha,
			author_login = excluded.author_login, submitted_at = excluded.submitted_at,
			updated_at = excluded.updated_at`, r)
}

func (t *Tx) GetPRReviewByGitHubID(ctx context.Context, githubID int64) (*PRReview, error) {
	var r PRReview
	if err := t.get(ctx, &r, `SELECT * FROM pr_reviews WHERE github_id = ?`, githubID); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *Tx) UpsertPRComment(ctx context.Context, c *PRComment) error {
	return t.namedExec(ctx, `
		INSERT INTO pr_comments (id, github_id, pull_id, kind, author_login, body, path, line,
			in_reply_to, resolved, remote_created_at, remote_updated_at, updated_at)
		VALUES (:id, :github_id, :pull_id, :kind, :author_login, :body, :path, :line,
			:in_reply_to, :resolved, :remote_created_at, :remote_updated_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			author_login = excluded.author_login, body = excluded.body, path = excluded.path,
			line = excluded.line, in_reply_to = excluded.in_reply_to, resolved = excluded.resolved,
			remote_created_at = excluded.remote_created_at,
			remote_updated_at = excluded.remote_updated_at, updated_at = excluded.updated_at`, c)
}

func (t *Tx) GetPRCommentByGitHubID(ctx context.Context, githubID int64, kind string) (*PRComment, error) {
	var c PRComment
	if err := t.get(ctx, &c, `SELECT * FROM pr_comments WHERE github_id = ? AND kind = ?`, githubID, kind); err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *Tx) DeletePRCommentByGitHubID(ctx context.Context, githubID int64, kind string) error {
	return t.exec(ctx, `DELETE FROM pr_comments WHERE github_id = ? AND kind = ?`, githubID, kind)
}

func (t *Tx) UpsertPRCheck(ctx context.Context, c *PRCheck) error {
	return t.namedExec(ctx, `
		INSERT INTO pr_checks (id, github_id, pull_id, name, status, conclusion, details_url, started_at, completed_at, updated_at)
		VALUES (:id, :github_id, :pull_id, :name, :status, :conclusion, :details_url, :started_at, :completed_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, status = excluded.status, conclusion = excluded.conclusion,
			details_url = excluded.details_url, started_at = excluded.started_at,
			completed_at = excluded.completed_at, updated_at = excluded.updated_at`, c)
}

func (t *Tx) GetPRCheckByGitHubID(ctx context.Context, githubID int64) (*PRCheck, error) {
	var c PRCheck
	if err := t.get(ctx, &c, `SELECT * FROM pr_checks WHERE github_id = ?`, githubID); err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *Tx) UpsertPREvent(ctx context.Context, e *PREvent) error {
	return t.namedExec(ctx, `
		INSERT INTO pr_events (id, github_id, pull_id, event, actor_login, occurred_at, updated_at)
		VALUES (:id, :github_id, :pull_id, :event, :actor_login, :occurred_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			event = excluded.event, actor_login = excluded.actor_login,
			occurred_at = excluded.occurred_at, updated_at = excluded.updated_at`, e)
}

func (t *Tx) GetPREventByGitHubID(ctx context.Context, githubID int64) (*PREvent, error) {
	var e PREvent
	if err := t.get(ctx, &e, `SELECT * FROM pr_events WHERE github_id = ?`, githubID); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *Tx) UpsertPRCommit(ctx context.Context, c *PRCommit) error {
	return t.namedExec(ctx, `
		INSERT INTO pr_commits (id, pull_id, sha, message, author_login, authored_at, updated_at)
		VALUES (:id, :pull_id, :sha, :message, :author_login, :authored_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			message = excluded.message, author_login = excluded.author_login,
			authored_at = excluded.authored_at, updated_at = excluded.updated_at`, c)
}

func (t *Tx) UpsertIssue(ctx context.Context, i *Issue) error {
	return t.namedExec(ctx, `
		INSERT INTO issues (id, github_id, repository_id, number, title, state, body, author_login,
			labels, assignees, comment_count, remote_created_at, remote_updated_at, closed_at,
			created_at, updated_at)
		VALUES (:id, :github_id, :repository_id, :number, :title, :state, :body, :author_login,
			:labels, :assignees, :comment_count, :remote_created_at, :remote_updated_at, :closed_at,
			:created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			repository_id = excluded.repository_id, number = excluded.number, title = excluded.title,
			state = excluded.state, body = excluded.body, author_login = excluded.author_login,
			labels = excluded.labels, assignees = excluded.assignees,
			comment_count = excluded.comment_count, remote_created_at = excluded.remote_created_at,
			remote_updated_at = excluded.remote_updated_at, closed_at = excluded.closed_at,
			updated_at = excluded.updated_at`, i)
}

func (t *Tx) GetIssueByGitHubID(ctx context.Context, githubID int64) (*Issue, error) {
	var i Issue
	if err := t.get(ctx, &i, `SELECT * FROM issues WHERE github_id = ?`, githubID); err != nil {
		return nil, err
	}
	return &i, nil
}

func (t *Tx) GetIssueByNumber(ctx context.Context, repoID string, number int) (*Issue, error) {
	var i Issue
	if err := t.get(ctx, &i, `SELECT * FROM issues WHERE repository_id = ? AND number = ?`, repoID, number); err != nil {
		return nil, err
	}
	return &i, nil
}

func (t *Tx) UpsertIssueComment(ctx context.Context, c *IssueComment) error {
	return t.namedExec(ctx, `
		INSERT INTO issue_comments (id, github_id, issue_id, author_login, body,
			remote_created_at, remote_updated_at, updated_at)
		VALUES (:id, :github_id, :issue_id, :author_login, :body,
			:remote_created_at, :remote_updated_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			author_login = excluded.author_login, body = excluded.body,
			remote_created_at = excluded.remote_created_at,
			remote_updated_at = excluded.remote_updated_at, updated_at = excluded.updated_at`, c)
}

func (t *Tx) GetIssueCommentByGitHubID(ctx context.Context, githubID int64) (*IssueComment, error) {
	var c IssueComment
	if err := t.get(ctx, &c, `SELECT * FROM issue_comments WHERE github_id = ?`, githubID); err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *Tx) DeleteIssueCommentByGitHubID(ctx context.Context, githubID int64) error {
	return t.exec(ctx, `DELETE FROM issue_comments WHERE github_id = ?`, githubID)
}

func (t *Tx) UpsertTreeEntry(ctx context.Context, e *TreeEntry) error {
	return t.namedExec(ctx, `
		INSERT INTO tree_entries (id, repository_id, ref, path, entry_type, sha, size, updated_at)
		VALUES (:id, :repository_id, :ref, :path, :entry_type, :sha, :size, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			entry_type = excluded.entry_type, sha = excluded.sha, size = excluded.size,
			updated_at = excluded.updated_at`, e)
}

func (t *Tx) ListTreeEntries(ctx context.Context, repoID, ref string) ([]*TreeEntry, error) {
	var es []*TreeEntry
	if err := t.selectAll(ctx, &es, `SELECT * FROM tree_entries WHERE repository_id = ? AND ref = ? ORDER BY path`, repoID, ref); err != nil {
		return nil, err
	}
	return es, nil
}

func (t *Tx) UpsertCommit(ctx context.Context, c *Commit) error {
	return t.namedExec(ctx, `
		INSERT INTO commits (id, repository_id, sha, ref, message, author_login, author_name, authored_at, updated_at)
		VALUES (:id, :repository_id, :sha, :ref, :message, :author_login, :author_name, :authored_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			ref = excluded.ref, message = excluded.message, author_login = excluded.author_login,
			author_name = excluded.author_name, authored_at = excluded.authored_at,
			updated_at = excluded.updated_at`, c)
}

// DeleteCommitsForRef drops the mirrored commit listing of one ref.
func (t *Tx) DeleteCommitsForRef(ctx context.Context, repoID, ref string) error {
	return t.exec(ctx, `DELETE FROM commits WHERE repository_id = ? AND ref = ?`, repoID, ref)
}

func (t *Tx) GetCommit(ctx context.Context, repoID, sha string) (*Commit, error) {
	var c Commit
	if err := t.get(ctx, &c, `SELECT * FROM commits WHERE repository_id = ? AND sha = ?`, repoID, sha); err != nil {
		return nil, err
	}
	return &c, nil
}

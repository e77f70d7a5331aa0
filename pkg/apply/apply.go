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

// Package apply maps GitHub shapes onto local entities. It is the single
// point where remote JSON becomes store rows; both the pull orchestrators
// and the webhook dispatcher call into it. Every applier is an idempotent
// keyed upsert: re-applying the same payload yields the same rows.
package apply

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/stefkors/gitmirror/pkg/githubclient"
	"github.com/stefkors/gitmirror/pkg/store"
)

// Link relationship names.
const (
	RelOwner        = "owner"
	RelOrganization = "organization"
	RelRepository   = "repository"
	RelPull         = "pull"
	RelIssue        = "issue"
)

func newID() string {
	return uuid.NewString()
}

func ns(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nt(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// jsonList serializes a list to a JSON string for schema columns that hold
// opaque strings. A nil or empty list serializes to "[]" so re-application
// is stable.
func jsonList(v any) sql.NullString {
	raw, err := json.Marshal(v)
	if err != nil || string(raw) == "null" {
		raw = []byte("[]")
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func loginNames(users []githubclient.RemoteUser) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.Login)
	}
	return out
}

func labelNames(labels []githubclient.RemoteLabel) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		out = append(out, l.Name)
	}
	return out
}

func userLogin(u *githubclient.RemoteUser) sql.NullString {
	if u == nil {
		return sql.NullString{}
	}
	return ns(u.Login)
}

// User upserts the process owner.
func User(ctx context.Context, tx *store.Tx, remote *githubclient.RemoteUser, userID string, now time.Time) (string, error) {
	existing, err := tx.GetUser(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	u := &store.User{
		ID:        userID,
		GitHubID:  remote.ID,
		Login:     remote.Login,
		Name:      ns(remote.Name),
		Email:     ns(remote.Email),
		AvatarURL: ns(remote.AvatarURL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing != nil {
		u.CreatedAt = existing.CreatedAt
	}
	if err := tx.UpsertUser(ctx, u); err != nil {
		return "", err
	}
	return u.ID, nil
}

// Organization upserts an organization and links it to its owning user.
func Organization(ctx context.Context, tx *store.Tx, remote *githubclient.RemoteOrg, userID string, now time.Time) (string, error) {
	id := newID()
	createdAt := now
	if existing, err := tx.GetOrganizationByGitHubID(ctx, remote.ID); err == nil {
		id = existing.ID
		createdAt = existing.CreatedAt
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	org := &store.Organization{
		ID:          id,
		GitHubID:    remote.ID,
		Login:       remote.Login,
		Name:        ns(remote.Name),
		Description: ns(remote.Description),
		AvatarURL:   ns(remote.AvatarURL),
		CreatedAt:   createdAt,
		UpdatedAt:   now,
	}
	if err := tx.UpsertOrganization(ctx, org); err != nil {
		return "", err
	}
	if err := tx.Link(ctx, id, RelOwner, userID); err != nil {
		return "", err
	}
	return id, nil
}

// Repository upserts a repository, resolving its organization link when
// the owner is an organization already mirrored.
func Repository(ctx context.Context, tx *store.Tx, remote *githubclient.RemoteRepo, userID string, now time.Time) (string, error) {
	id := newID()
	createdAt := now
	var existing *store.Repository
	if found, err := tx.GetRepositoryByGitHubID(ctx, remote.ID); err == nil {
		existing = found
		id = found.ID
		createdAt = found.CreatedAt
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	ownerLogin := ""
	var orgID sql.NullString
	if remote.Owner != nil {
		ownerLogin = remote.Owner.Login
		if remote.Owner.Type == "Organization" {
			if org, err := tx.GetOrganizationByGitHubID(ctx, remote.Owner.ID); err == nil {
				orgID = ns(org.ID)
			} else if !errors.Is(err, store.ErrNotFound) {
				return "", err
			}
		}
	}

	repo := &store.Repository{
		ID:             id,
		GitHubID:       remote.ID,
		OrganizationID: orgID,
		Name:           remote.Name,
		FullName:       remote.FullName,
		OwnerLogin:     ownerLogin,
		Description:    ns(remote.Description),
		Private:        remote.Private,
		Fork:           remote.Fork,
		DefaultBranch:  ns(remote.DefaultBranch),
		StarCount:      remote.StargazersCount,
		ForkCount:      remote.ForksCount,
		OpenIssues:     remote.OpenIssuesCount,
		PushedAt:       nt(remote.PushedAt),
		CreatedAt:      createdAt,
		UpdatedAt:      now,
	}
	if existing != nil {
		// Webhook bookkeeping is owned by the registration flow, not the
		// remote payload.
		repo.WebhookID = existing.WebhookID
		repo.WebhookActive = existing.WebhookActive
		repo.WebhookError = existing.WebhookError
	}
	if err := tx.UpsertRepository(ctx, repo); err != nil {
		return "", err
	}
	if err := tx.Link(ctx, id, RelOwner, userID); err != nil {
		return "", err
	}
	if orgID.Valid {
		if err := tx.Link(ctx, id, RelOrganization, orgID.String); err != nil {
			return "", err
		}
	}
	return id, nil
}

// PullRequest upserts a pull request row under its repository.
func PullRequest(ctx context.Context, tx *store.Tx, remote *githubclient.RemotePull, repoID string, now time.Time) (string, error) {
	id := newID()
	createdAt := now
	if existing, err := tx.GetPullRequestByGitHubID(ctx, remote.ID); err == nil {
		id = existing.ID
		createdAt = existing.CreatedAt
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	p := &store.PullRequest{
		ID:                 id,
		GitHubID:           remote.ID,
		RepositoryID:       repoID,
		Number:             remote.Number,
		Title:              remote.Title,
		State:              remote.State,
		Body:               ns(remote.Body),
		Draft:              remote.Draft,
		Merged:             remote.Merged || remote.MergedAt != nil,
		MergeableState:     ns(remote.MergeableState),
		AuthorLogin:        userLogin(remote.User),
		Additions:          remote.Additions,
		Deletions:          remote.Deletions,
		ChangedFiles:       remote.ChangedFiles,
		CommentCount:       remote.Comments,
		Labels:             jsonList(labelNames(remote.Labels)),
		Assignees:          jsonList(loginNames(remote.Assignees)),
		RequestedReviewers: jsonList(loginNames(remote.RequestedReviewers)),
		MergedAt:           nt(remote.MergedAt),
		ClosedAt:           nt(remote.ClosedAt),
		RemoteCreatedAt:    nt(remote.CreatedAt),
		RemoteUpdatedAt:    nt(remote.UpdatedAt),
		CreatedAt:          createdAt,
		UpdatedAt:          now,
	}
	if remote.Base != nil {
		p.BaseRef = ns(remote.Base.Ref)
	}
	if remote.Head != nil {
		p.HeadRef = ns(remote.Head.Ref)
		p.HeadSHA = ns(remote.Head.SHA)
	}
	if err := tx.UpsertPullRequest(ctx, p); err != nil {
		return "", err
	}
	if err := tx.Link(ctx, id, RelRepository, repoID); err != nil {
		return "", err
	}
	return id, nil
}

// patchDigest fingerprints a file's patch so local viewed flags survive
// re-syncs that did not change the diff.
func patchDigest(patch string) string {
	sum := sha256.Sum256([]byte(patch))
	return hex.EncodeToString(sum[:8])
}

// PullFiles replaces the changed-file set of a pull request: incoming
// files are upserted by (pullID, filename) and files absent from the new
// set are deleted in the same transaction.
func PullFiles(ctx context.Context, tx *store.Tx, pullID string, files []githubclient.RemotePullFile, now time.Time) error {
	existing, err := tx.ListPRFiles(ctx, pullID)
	if err != nil {
		return err
	}
	byName := make(map[string]*store.PRFile, len(existing))
	for _, f := range existing {
		byName[f.Filename] = f
	}

	incoming := make(map[string]bool, len(files))
	for _, rf := range files {
		incoming[rf.Filename] = true

		digest := patchDigest(rf.Patch)
		f := &store.PRFile{
			ID:          pullID + ":" + rf.Filename,
			PullID:      pullID,
			Filename:    rf.Filename,
			Status:      rf.Status,
			Additions:   rf.Additions,
			Deletions:   rf.Deletions,
			Patch:       ns(rf.Patch),
			PatchDigest: ns(digest),
			UpdatedAt:   now,
		}
		if prev, ok := byName[rf.Filename]; ok {
			f.ID = prev.ID
			// The viewed flag is local state; it survives unless the diff
			// actually changed underneath it.
			if prev.PatchDigest.Valid && prev.PatchDigest.String == digest {
				f.Viewed = prev.Viewed
			}
		}
		if err := tx.UpsertPRFile(ctx, f); err != nil {
			return err
		}
	}

	for name, f := range byName {
		if !incoming[name] {
			if err := tx.Delete(ctx, "pr_files", f.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// PullReview upserts one review.
func PullReview(ctx context.Context, tx *store.Tx, remote *githubclient.RemoteReview, pullID string, now time.Time) (string, error) {
	id := newID()
	if existing, err := tx.GetPRReviewByGitHubID(ctx, remote.ID); err == nil {
		id = existing.ID
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	r := &store.PRReview{
		ID:          id,
		GitHubID:    remote.ID,
		PullID:      pullID,
		AuthorLogin: userLogin(remote.User),
		State:       remote.State,
		Body:        ns(remote.Body),
		CommitSHA:   ns(remote.CommitID),
		SubmittedAt: nt(remote.SubmittedAt),
		UpdatedAt:   now,
	}
	if err := tx.UpsertPRReview(ctx, r); err != nil {
		return "", err
	}
	if err := tx.Link(ctx, id, RelPull, pullID); err != nil {
		return "", err
	}
	return id, nil
}

// PullComment upserts one comment of the given kind (review or issue).
func PullComment(ctx context.Context, tx *store.Tx, remote *githubclient.RemoteComment, pullID, kind string, now time.Time) (string, error) {
	id := newID()
	resolved := false
	if existing, err := tx.GetPRCommentByGitHubID(ctx, remote.ID, kind); err == nil {
		id = existing.ID
		resolved = existing.Resolved
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	c := &store.PRComment{
		ID:              id,
		GitHubID:        remote.ID,
		PullID:          pullID,
		Kind:            kind,
		AuthorLogin:     userLogin(remote.User),
		Body:            ns(remote.Body),
		Resolved:        resolved,
		RemoteCreatedAt: nt(remote.CreatedAt),
		RemoteUpdatedAt: nt(remote.UpdatedAt),
		UpdatedAt:       now,
	}
	if kind == store.PRCommentKindReview {
		c.Path = ns(remote.Path)
		if remote.Line > 0 {
			c.Line = sql.NullInt64{Int64: int64(remote.Line), Valid: true}
		}
		if remote.InReplyTo > 0 {
			c.InReplyTo = sql.NullInt64{Int64: remote.InReplyTo, Valid: true}
		}
	}
	if err := tx.UpsertPRComment(ctx, c); err != nil {
		return "", err
	}
	if err := tx.Link(ctx, id, RelPull, pullID); err != nil {
		return "", err
	}
	return id, nil
}

// CheckRun upserts one check run.
func CheckRun(ctx context.Context, tx *store.Tx, remote *githubclient.RemoteCheckRun, pullID string, now time.Time) (string, error) {
	id := newID()
	if existing, err := tx.GetPRCheckByGitHubID(ctx, remote.ID); err == nil {
		id = existing.ID
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	c := &store.PRCheck{
		ID:          id,
		GitHubID:    remote.ID,
		PullID:      pullID,
		Name:        remote.Name,
		Status:      remote.Status,
		Conclusion:  ns(remote.Conclusion),
		DetailsURL:  ns(remote.DetailsURL),
		StartedAt:   nt(remote.StartedAt),
		CompletedAt: nt(remote.CompletedAt),
		UpdatedAt:   now,
	}
	if err := tx.UpsertPRCheck(ctx, c); err != nil {
		return "", err
	}
	if err := tx.Link(ctx, id, RelPull, pullID); err != nil {
		return "", err
	}
	return id, nil
}

// PullEvent upserts one timeline event.
func PullEvent(ctx context.Context, tx *store.Tx, remote *githubclient.RemoteTimelineEvent, pullID string, now time.Time) (string, error) {
	id := newID()
	if existing, err := tx.GetPREventByGitHubID(ctx, remote.ID); err == nil {
		id = existing.ID
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	e := &store.PREvent{
		ID:         id,
		GitHubID:   remote.ID,
		PullID:     pullID,
		Event:      remote.Event,
		ActorLogin: userLogin(remote.Actor),
		OccurredAt: nt(remote.CreatedAt),
		UpdatedAt:  now,
	}
	if err := tx.UpsertPREvent(ctx, e); err != nil {
		return "", err
	}
	if err := tx.Link(ctx, id, RelPull, pullID); err != nil {
		return "", err
	}
	return id, nil
}

// PullCommits upserts the commits of a pull request, keyed by
// (pullID, sha).
func PullCommits(ctx context.Context, tx *store.Tx, pullID string, commits []githubclient.RemoteCommitRef, now time.Time) error {
	for _, rc := range commits {
		c := &store.PRCommit{
			ID:         pullID + ":" + rc.SHA,
			PullID:     pullID,
			SHA:        rc.SHA,
			Message:    ns(rc.Commit.Message),
			AuthoredAt: nt(rc.Commit.Author.Date),
			UpdatedAt:  now,
		}
		if rc.Author != nil {
			c.AuthorLogin = ns(rc.Author.Login)
		}
		if err := tx.UpsertPRCommit(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// PullDetail applies a composed detail fetch as one coherent group. The
// caller wraps it in a single transaction so readers never see a
// half-applied pull request.
func PullDetail(ctx context.Context, tx *store.Tx, detail *githubclient.PullDetail, repoID string, now time.Time) (string, error) {
	pullID, err := PullRequest(ctx, tx, detail.Pull, repoID, now)
	if err != nil {
		return "", err
	}
	if err := PullFiles(ctx, tx, pullID, detail.Files, now); err != nil {
		return "", err
	}
	for i := range detail.Reviews {
		if _, err := PullReview(ctx, tx, &detail.Reviews[i], pullID, now); err != nil {
			return "", err
		}
	}
	for i := range detail.ReviewComments {
		if _, err := PullComment(ctx, tx, &detail.ReviewComments[i], pullID, store.PRCommentKindReview, now); err != nil {
			return "", err
		}
	}
	for i := range detail.IssueComments {
		if _, err := PullComment(ctx, tx, &detail.IssueComments[i], pullID, store.PRCommentKindIssue, now); err != nil {
			return "", err
		}
	}
	for i := range detail.Events {
		if _, err := PullEvent(ctx, tx, &detail.Events[i], pullID, now); err != nil {
			return "", err
		}
	}
	for i := range detail.Checks {
		if _, err := CheckRun(ctx, tx, &detail.Checks[i], pullID, now); err != nil {
			return "", err
		}
	}
	if err := PullCommits(ctx, tx, pullID, detail.Commits, now); err != nil {
		return "", err
	}
	return pullID, nil
}

// Issue upserts an issue row under its repository.
func Issue(ctx context.Context, tx *store.Tx, remote *githubclient.RemoteIssue, repoID string, now time.Time) (string, error) {
	id := newID()
	createdAt := now
	if existing, err := tx.GetIssueByGitHubID(ctx, remote.ID); err == nil {
		id = existing.ID
		createdAt = existing.CreatedAt
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	i := &store.Issue{
		ID:              id,
		GitHubID:        remote.ID,
		RepositoryID:    repoID,
		Number:          remote.Number,
		Title:           remote.Title,
		State:           remote.State,
		Body:            ns(remote.Body),
		AuthorLogin:     userLogin(remote.User),
		Labels:          jsonList(labelNames(remote.Labels)),
		Assignees:       jsonList(loginNames(remote.Assignees)),
		CommentCount:    remote.Comments,
		RemoteCreatedAt: nt(remote.CreatedAt),
		RemoteUpdatedAt: nt(remote.UpdatedAt),
		ClosedAt:        nt(remote.ClosedAt),
		CreatedAt:       createdAt,
		UpdatedAt:       now,
	}
	if err := tx.UpsertIssue(ctx, i); err != nil {
		return "", err
	}
	if err := tx.Link(ctx, id, RelRepository, repoID); err != nil {
		return "", err
	}
	return id, nil
}

// IssueComment upserts a comment under its issue.
func IssueComment(ctx context.Context, tx *store.Tx, remote *githubclient.RemoteComment, issueID string, now time.Time) (string, error) {
	id := newID()
	if existing, err := tx.GetIssueCommentByGitHubID(ctx, remote.ID); err == nil {
		id = existing.ID
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	c := &store.IssueComment{
		ID:              id,
		GitHubID:        remote.ID,
		IssueID:         issueID,
		AuthorLogin:     userLogin(remote.User),
		Body:            ns(remote.Body),
		RemoteCreatedAt: nt(remote.CreatedAt),
		RemoteUpdatedAt: nt(remote.UpdatedAt),
		UpdatedAt:       now,
	}
	if err := tx.UpsertIssueComment(ctx, c); err != nil {
		return "", err
	}
	if err := tx.Link(ctx, id, RelIssue, issueID); err != nil {
		return "", err
	}
	return id, nil
}

// Commits upserts commits on a repository ref, keyed by (repoID, sha).
func Commits(ctx context.Context, tx *store.Tx, repoID, ref string, commits []githubclient.RemoteCommitRef, now time.Time) error {
	for _, rc := range commits {
		c := &store.Commit{
			ID:           repoID + ":" + rc.SHA,
			RepositoryID: repoID,
			SHA:          rc.SHA,
			Ref:          ns(ref),
			Message:      ns(rc.Commit.Message),
			AuthorName:   ns(rc.Commit.Author.Name),
			AuthoredAt:   nt(rc.Commit.Author.Date),
			UpdatedAt:    now,
		}
		if rc.Author != nil {
			c.AuthorLogin = ns(rc.Author.Login)
		}
		if err := tx.UpsertCommit(ctx, c); err != nil {
			return err
		}
		if err := tx.Link(ctx, c.ID, RelRepository, repoID); err != nil {
			return err
		}
	}
	return nil
}

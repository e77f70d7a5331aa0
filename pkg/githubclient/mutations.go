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

	"github.com/google/go-github/v56/github"

	"github.com/abcxyz/pkg/logging"
)

// noteError runs the auth-error hook for mutation failures, which flow
// through go-github rather than the raw request path.
func (c *Client) noteError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if IsAuthError(err) && c.onAuthError != nil {
		if hookErr := c.onAuthError(ctx, c.userID); hookErr != nil {
			logging.FromContext(ctx).ErrorContext(ctx, "failed to record auth error",
				"userId", c.userID, "error", hookErr)
		}
	}
	return err
}

// MergePullRequest merges a pull request with the given method
// (merge, squash, or rebase).
func (c *Client) MergePullRequest(ctx context.Context, owner, repo string, number int, method string) error {
	if method == "" {
		method = "merge"
	}
	opts := &github.PullRequestOptions{MergeMethod: method}
	result, resp, err := c.gh.PullRequests.Merge(ctx, owner, repo, number, "", opts)
	c.observe(resp)
	if err != nil {
		return c.noteError(ctx, fmt.Errorf("failed to merge pull request: %w", err))
	}
	if result.Merged == nil || !*result.Merged {
		return &APIError{StatusCode: resp.StatusCode, Message: result.GetMessage()}
	}
	return nil
}

// UpdatePullRequestState opens or closes a pull request.
func (c *Client) UpdatePullRequestState(ctx context.Context, owner, repo string, number int, state string) error {
	_, resp, err := c.gh.PullRequests.Edit(ctx, owner, repo, number, &github.PullRequest{State: &state})
	c.observe(resp)
	if err != nil {
		return c.noteError(ctx, fmt.Errorf("failed to update pull request state: %w", err))
	}
	return nil
}

// UpdatePullRequestBody replaces a pull request's body.
func (c *Client) UpdatePullRequestBody(ctx context.Context, owner, repo string, number int, body string) error {
	_, resp, err := c.gh.PullRequests.Edit(ctx, owner, repo, number, &github.PullRequest{Body: &body})
	c.observe(resp)
	if err != nil {
		return c.noteError(ctx, fmt.Errorf("failed to update pull request body: %w", err))
	}
	return nil
}

// CreateIssueComment posts a comment on an issue or pull request.
func (c *Client) CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) (*RemoteComment, error) {
	comment, resp, err := c.gh.Issues.CreateComment(ctx, owner, repo, number,
		&github.IssueComment{Body: &body})
	c.observe(resp)
	if err != nil {
		return nil, c.noteError(ctx, fmt.Errorf("failed to create comment: %w", err))
	}
	return issueCommentToRemote(comment), nil
}

// UpdateIssueComment edits an existing comment.
func (c *Client) UpdateIssueComment(ctx context.Context, owner, repo string, commentID int64, body string) (*RemoteComment, error) {
	comment, resp, err := c.gh.Issues.EditComment(ctx, owner, repo, commentID,
		&github.IssueComment{Body: &body})
	c.observe(resp)
	if err != nil {
		return nil, c.noteError(ctx, fmt.Errorf("failed to update comment: %w", err))
	}
	return issueCommentToRemote(comment), nil
}

// DeleteIssueComment deletes a comment.
func (c *Client) DeleteIssueComment(ctx context.Context, owner, repo string, commentID int64) error {
	resp, err := c.gh.Issues.DeleteComment(ctx, owner, repo, commentID)
	c.observe(resp)
	if err != nil {
		return c.noteError(ctx, fmt.Errorf("failed to delete comment: %w", err))
	}
	return nil
}

// CreateDraftReview opens a pending review, optionally with inline
// comments.
func (c *Client) CreateDraftReview(ctx context.Context, owner, repo string, number int, body string, comments []DraftReviewComment) (int64, error) {
	req := &github.PullRequestReviewRequest{Body: &body}
	for _, dc := range comments {
		dc := dc
		req.Comments = append(req.Comments, &github.DraftReviewComment{
			Path: &dc.Path,
			Line: &dc.Line,
			Body: &dc.Body,
			Side: nonEmpty(dc.Side),
		})
	}
	review, resp, err := c.gh.PullRequests.CreateReview(ctx, owner, repo, number, req)
	c.observe(resp)
	if err != nil {
		return 0, c.noteError(ctx, fmt.Errorf("failed to create draft review: %w", err))
	}
	return review.GetID(), nil
}

// DraftReviewComment is one inline comment attached to a draft review.
type DraftReviewComment struct {
	Path string
	Line int
	Body string
	Side string
}

// SubmitReview submits a pending review with an event of APPROVE,
// REQUEST_CHANGES, or COMMENT.
func (c *Client) SubmitReview(ctx context.Context, owner, repo string, number int, reviewID int64, event, body string) error {
	req := &github.PullRequestReviewRequest{Body: &body, Event: &event}
	_, resp, err := c.gh.PullRequests.SubmitReview(ctx, owner, repo, number, reviewID, req)
	c.observe(resp)
	if err != nil {
		return c.noteError(ctx, fmt.Errorf("failed to submit review: %w", err))
	}
	return nil
}

// DiscardDraftReview deletes a pending review.
func (c *Client) DiscardDraftReview(ctx context.Context, owner, repo string, number int, reviewID int64) error {
	_, resp, err := c.gh.PullRequests.DeletePendingReview(ctx, owner, repo, number, reviewID)
	c.observe(resp)
	if err != nil {
		return c.noteError(ctx, fmt.Errorf("failed to discard draft review: %w", err))
	}
	return nil
}

// CreateReviewComment posts a standalone inline comment on a pull
// request's diff. A suggestion comment is an inline comment whose body
// carries a ```suggestion fence; the caller builds the body.
func (c *Client) CreateReviewComment(ctx context.Context, owner, repo string, number int, body, path, commitID string, line int, side string) (*RemoteComment, error) {
	comment := &github.PullRequestComment{
		Body:     &body,
		Path:     &path,
		CommitID: &commitID,
		Line:     &line,
		Side:     nonEmpty(side),
	}
	created, resp, err := c.gh.PullRequests.CreateComment(ctx, owner, repo, number, comment)
	c.observe(resp)
	if err != nil {
		return nil, c.noteError(ctx, fmt.Errorf("failed to create review comment: %w", err))
	}
	return pullCommentToRemote(created), nil
}

// ReplyToReviewComment replies in an existing review thread.
func (c *Client) ReplyToReviewComment(ctx context.Context, owner, repo string, number int, body string, inReplyTo int64) (*RemoteComment, error) {
	created, resp, err := c.gh.PullRequests.CreateCommentInReplyTo(ctx, owner, repo, number, body, inReplyTo)
	c.observe(resp)
	if err != nil {
		return nil, c.noteError(ctx, fmt.Errorf("failed to reply to review comment: %w", err))
	}
	return pullCommentToRemote(created), nil
}

// RequestReviewers re-requests a review from the given logins.
func (c *Client) RequestReviewers(ctx context.Context, owner, repo string, number int, reviewers []string) error {
	_, resp, err := c.gh.PullRequests.RequestReviewers(ctx, owner, repo, number,
		github.ReviewersRequest{Reviewers: reviewers})
	c.observe(resp)
	if err != nil {
		return c.noteError(ctx, fmt.Errorf("failed to request reviewers: %w", err))
	}
	return nil
}

// DeleteBranch deletes a ref.
func (c *Client) DeleteBranch(ctx context.Context, owner, repo, branch string) error {
	resp, err := c.gh.Git.DeleteRef(ctx, owner, repo, "heads/"+branch)
	c.observe(resp)
	if err != nil {
		return c.noteError(ctx, fmt.Errorf("failed to delete branch: %w", err))
	}
	return nil
}

// RestoreBranch recreates a ref at the given SHA.
func (c *Client) RestoreBranch(ctx context.Context, owner, repo, branch, sha string) error {
	ref := "refs/heads/" + branch
	_, resp, err := c.gh.Git.CreateRef(ctx, owner, repo, &github.Reference{
		Ref:    &ref,
		Object: &github.GitObject{SHA: &sha},
	})
	c.observe(resp)
	if err != nil {
		return c.noteError(ctx, fmt.Errorf("failed to restore branch: %w", err))
	}
	return nil
}

// observe feeds a go-github response into the shared rate limit tracker.
func (c *Client) observe(resp *github.Response) {
	if resp != nil {
		c.limiter.Update(resp.Response)
	}
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func issueCommentToRemote(comment *github.IssueComment) *RemoteComment {
	out := &RemoteComment{
		ID:   comment.GetID(),
		Body: comment.GetBody(),
	}
	if u := comment.GetUser(); u != nil {
		out.User = &RemoteUser{ID: u.GetID(), Login: u.GetLogin(), AvatarURL: u.GetAvatarURL()}
	}
	if ts := comment.GetCreatedAt(); !ts.IsZero() {
		t := ts.Time
		out.CreatedAt = &t
	}
	if ts := comment.GetUpdatedAt(); !ts.IsZero() {
		t := ts.Time
		out.UpdatedAt = &t
	}
	return out
}

func pullCommentToRemote(comment *github.PullRequestComment) *RemoteComment {
	out := &RemoteComment{
		ID:        comment.GetID(),
		Body:      comment.GetBody(),
		Path:      comment.GetPath(),
		Line:      comment.GetLine(),
		InReplyTo: comment.GetInReplyTo(),
	}
	if u := comment.GetUser(); u != nil {
		out.User = &RemoteUser{ID: u.GetID(), Login: u.GetLogin(), AvatarURL: u.GetAvatarURL()}
	}
	if ts := comment.GetCreatedAt(); !ts.IsZero() {
		t := ts.Time
		out.CreatedAt = &t
	}
	if ts := comment.GetUpdatedAt(); !ts.IsZero() {
		t := ts.Time
		out.UpdatedAt = &t
	}
	return out
}

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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stefkors/gitmirror/pkg/apply"
	"github.com/stefkors/gitmirror/pkg/githubclient"
	"github.com/stefkors/gitmirror/pkg/store"
)

// handleMutations routes /api/github/mutate/{owner}/{repo}/... Writes go
// to GitHub first; the local mirror is updated on success so the UI
// reflects the change before the webhook echo arrives.
func (s *Server) handleMutations() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		segments := pathSegments(r, "/api/github/mutate/")
		if len(segments) < 3 {
			s.notFound(w)
			return
		}
		owner, repo := segments[0], segments[1]
		rest := segments[2:]

		client, err := s.clients(ctx, userID(ctx))
		if err != nil {
			s.renderError(ctx, w, err)
			return
		}

		switch rest[0] {
		case "pull":
			if len(rest) < 3 {
				s.notFound(w)
				return
			}
			number, ok := atoi(rest[1])
			if !ok {
				s.badRequest(w, "invalid pull request number")
				return
			}
			s.handlePullMutation(w, r, client, owner, repo, number, rest[2:])

		case "comment":
			if len(rest) != 2 {
				s.notFound(w)
				return
			}
			commentID, ok := atoi(rest[1])
			if !ok {
				s.badRequest(w, "invalid comment id")
				return
			}
			s.handleCommentMutation(w, r, client, owner, repo, int64(commentID))

		case "issue":
			if len(rest) != 3 || rest[2] != "comment" || r.Method != http.MethodPost {
				s.notFound(w)
				return
			}
			number, ok := atoi(rest[1])
			if !ok {
				s.badRequest(w, "invalid issue number")
				return
			}
			var body struct {
				Body string `json:"body"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Body == "" {
				s.badRequest(w, "body is required")
				return
			}
			comment, err := client.CreateIssueComment(ctx, owner, repo, number, body.Body)
			if err != nil {
				s.renderError(ctx, w, err)
				return
			}
			s.h.RenderJSON(w, http.StatusOK, comment)

		default:
			s.notFound(w)
		}
	})
}

func (s *Server) handlePullMutation(w http.ResponseWriter, r *http.Request, client *githubclient.Client, owner, repo string, number int, op []string) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}

	switch {
	case len(op) == 1 && op[0] == "merge":
		var body struct {
			Method string `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if err := client.MergePullRequest(ctx, owner, repo, number, body.Method); err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.refreshPull(ctx, client, owner, repo, number)
		s.h.RenderJSON(w, http.StatusOK, map[string]bool{"merged": true})

	case len(op) == 1 && op[0] == "state":
		var body struct {
			State string `json:"state"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || (body.State != "open" && body.State != "closed") {
			s.badRequest(w, "state must be open or closed")
			return
		}
		if err := client.UpdatePullRequestState(ctx, owner, repo, number, body.State); err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.refreshPull(ctx, client, owner, repo, number)
		s.h.RenderJSON(w, http.StatusOK, map[string]string{"state": body.State})

	case len(op) == 1 && op[0] == "body":
		var body struct {
			Body string `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.badRequest(w, "invalid request body")
			return
		}
		if err := client.UpdatePullRequestBody(ctx, owner, repo, number, body.Body); err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.refreshPull(ctx, client, owner, repo, number)
		s.h.RenderJSON(w, http.StatusOK, map[string]bool{"updated": true})

	case len(op) == 1 && op[0] == "comment":
		var body struct {
			Body string `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Body == "" {
			s.badRequest(w, "body is required")
			return
		}
		comment, err := client.CreateIssueComment(ctx, owner, repo, number, body.Body)
		if err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.applyPullComment(ctx, owner, repo, number, comment, store.PRCommentKindIssue)
		s.h.RenderJSON(w, http.StatusOK, comment)

	case len(op) == 2 && op[0] == "comment" && op[1] == "inline":
		var body struct {
			Body       string `json:"body"`
			Path       string `json:"path"`
			Line       int    `json:"line"`
			Side       string `json:"side"`
			CommitID   string `json:"commitId"`
			Suggestion string `json:"suggestion"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" || body.Line <= 0 {
			s.badRequest(w, "path and line are required")
			return
		}
		text := body.Body
		if body.Suggestion != "" {
			text = fmt.Sprintf("%s\n```suggestion\n%s\n```", body.Body, body.Suggestion)
		}
		comment, err := client.CreateReviewComment(ctx, owner, repo, number, text, body.Path, body.CommitID, body.Line, body.Side)
		if err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.applyPullComment(ctx, owner, repo, number, comment, store.PRCommentKindReview)
		s.h.RenderJSON(w, http.StatusOK, comment)

	case len(op) == 2 && op[0] == "comment" && op[1] == "reply":
		var body struct {
			Body      string `json:"body"`
			InReplyTo int64  `json:"inReplyTo"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Body == "" || body.InReplyTo == 0 {
			s.badRequest(w, "body and inReplyTo are required")
			return
		}
		comment, err := client.ReplyToReviewComment(ctx, owner, repo, number, body.Body, body.InReplyTo)
		if err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.applyPullComment(ctx, owner, repo, number, comment, store.PRCommentKindReview)
		s.h.RenderJSON(w, http.StatusOK, comment)

	case len(op) == 1 && op[0] == "review":
		var body struct {
			Body     string                            `json:"body"`
			Comments []githubclient.DraftReviewComment `json:"comments"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.badRequest(w, "invalid request body")
			return
		}
		reviewID, err := client.CreateDraftReview(ctx, owner, repo, number, body.Body, body.Comments)
		if err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]int64{"reviewId": reviewID})

	case len(op) == 3 && op[0] == "review" && op[2] == "submit":
		reviewID, ok := atoi(op[1])
		if !ok {
			s.badRequest(w, "invalid review id")
			return
		}
		var body struct {
			Event string `json:"event"`
			Body  string `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Event == "" {
			s.badRequest(w, "event is required")
			return
		}
		if err := client.SubmitReview(ctx, owner, repo, number, int64(reviewID), body.Event, body.Body); err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]bool{"submitted": true})

	case len(op) == 3 && op[0] == "review" && op[2] == "discard":
		reviewID, ok := atoi(op[1])
		if !ok {
			s.badRequest(w, "invalid review id")
			return
		}
		if err := client.DiscardDraftReview(ctx, owner, repo, number, int64(reviewID)); err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]bool{"discarded": true})

	case len(op) == 1 && op[0] == "reviewers":
		var body struct {
			Reviewers []string `json:"reviewers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Reviewers) == 0 {
			s.badRequest(w, "reviewers are required")
			return
		}
		if err := client.RequestReviewers(ctx, owner, repo, number, body.Reviewers); err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]bool{"requested": true})

	case len(op) == 3 && op[0] == "thread" && (op[2] == "resolve" || op[2] == "unresolve"):
		commentID, ok := atoi(op[1])
		if !ok {
			s.badRequest(w, "invalid thread comment id")
			return
		}
		// Thread resolution is mirror-local state; the REST surface has no
		// resolve operation.
		if err := s.setThreadResolved(ctx, int64(commentID), op[2] == "resolve"); err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]bool{"resolved": op[2] == "resolve"})

	case len(op) == 1 && op[0] == "file-viewed":
		var body struct {
			Filename string `json:"filename"`
			Viewed   bool   `json:"viewed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Filename == "" {
			s.badRequest(w, "filename is required")
			return
		}
		if err := s.setFileViewed(ctx, owner, repo, number, body.Filename, body.Viewed); err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]bool{"viewed": body.Viewed})

	case len(op) == 2 && op[0] == "branch" && op[1] == "delete":
		s.handleBranchMutation(w, r, client, owner, repo, number, false)

	case len(op) == 2 && op[0] == "branch" && op[1] == "restore":
		s.handleBranchMutation(w, r, client, owner, repo, number, true)

	default:
		s.notFound(w)
	}
}

// handleBranchMutation deletes or restores a pull request's head branch.
func (s *Server) handleBranchMutation(w http.ResponseWriter, r *http.Request, client *githubclient.Client, owner, repo string, number int, restore bool) {
	ctx := r.Context()

	var branch, sha string
	err := s.db.ReadTx(ctx, func(tx *store.Tx) error {
		repoRow, err := tx.GetRepositoryByFullName(ctx, owner+"/"+repo)
		if err != nil {
			return err
		}
		pull, err := tx.GetPullRequestByNumber(ctx, repoRow.ID, number)
		if err != nil {
			return err
		}
		if pull.HeadRef.Valid {
			branch = pull.HeadRef.String
		}
		if pull.HeadSHA.Valid {
			sha = pull.HeadSHA.String
		}
		return nil
	})
	if err != nil {
		s.renderError(ctx, w, err)
		return
	}
	if branch == "" {
		s.badRequest(w, "pull request has no recorded head branch")
		return
	}

	if restore {
		if sha == "" {
			s.badRequest(w, "pull request has no recorded head sha")
			return
		}
		if err := client.RestoreBranch(ctx, owner, repo, branch, sha); err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]string{"restored": branch})
		return
	}

	if err := client.DeleteBranch(ctx, owner, repo, branch); err != nil {
		s.renderError(ctx, w, err)
		return
	}
	s.h.RenderJSON(w, http.StatusOK, map[string]string{"deleted": branch})
}

// handleCommentMutation edits or deletes an existing comment by its
// GitHub ID.
func (s *Server) handleCommentMutation(w http.ResponseWriter, r *http.Request, client *githubclient.Client, owner, repo string, commentID int64) {
	ctx := r.Context()

	switch r.Method {
	case http.MethodPatch:
		var body struct {
			Body string `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Body == "" {
			s.badRequest(w, "body is required")
			return
		}
		comment, err := client.UpdateIssueComment(ctx, owner, repo, commentID, body.Body)
		if err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, comment)

	case http.MethodDelete:
		if err := client.DeleteIssueComment(ctx, owner, repo, commentID); err != nil {
			s.renderError(ctx, w, err)
			return
		}
		err := s.db.WithTx(ctx, func(tx *store.Tx) error {
			if err := tx.DeletePRCommentByGitHubID(ctx, commentID, store.PRCommentKindIssue); err != nil {
				return err
			}
			return tx.DeleteIssueCommentByGitHubID(ctx, commentID)
		})
		if err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]bool{"deleted": true})

	default:
		s.methodNotAllowed(w)
	}
}

// refreshPull re-applies a pull request head after a mutation.
func (s *Server) refreshPull(ctx context.Context, client *githubclient.Client, owner, repo string, number int) {
	pull, err := client.FetchPullRequest(ctx, owner, repo, number)
	if err != nil {
		return
	}
	_ = s.db.WithTx(ctx, func(tx *store.Tx) error {
		repoRow, err := tx.GetRepositoryByFullName(ctx, owner+"/"+repo)
		if err != nil {
			return err
		}
		_, err = apply.PullRequest(ctx, tx, pull, repoRow.ID, time.Now().UTC())
		return err
	})
}

// applyPullComment mirrors a freshly created comment locally.
func (s *Server) applyPullComment(ctx context.Context, owner, repo string, number int, comment *githubclient.RemoteComment, kind string) {
	_ = s.db.WithTx(ctx, func(tx *store.Tx) error {
		repoRow, err := tx.GetRepositoryByFullName(ctx, owner+"/"+repo)
		if err != nil {
			return err
		}
		pull, err := tx.GetPullRequestByNumber(ctx, repoRow.ID, number)
		if err != nil {
			return err
		}
		_, err = apply.PullComment(ctx, tx, comment, pull.ID, kind, time.Now().UTC())
		return err
	})
}

func (s *Server) setThreadResolved(ctx context.Context, commentGitHubID int64, resolved bool) error {
	return s.db.WithTx(ctx, func(tx *store.Tx) error {
		comment, err := tx.GetPRCommentByGitHubID(ctx, commentGitHubID, store.PRCommentKindReview)
		if err != nil {
			return err
		}
		comment.Resolved = resolved
		comment.UpdatedAt = time.Now().UTC()
		return tx.UpsertPRComment(ctx, comment)
	})
}

func (s *Server) setFileViewed(ctx context.Context, owner, repo string, number int, filename string, viewed bool) error {
	return s.db.WithTx(ctx, func(tx *store.Tx) error {
		repoRow, err := tx.GetRepositoryByFullName(ctx, owner+"/"+repo)
		if err != nil {
			return err
		}
		pull, err := tx.GetPullRequestByNumber(ctx, repoRow.ID, number)
		if err != nil {
			return err
		}
		files, err := tx.ListPRFiles(ctx, pull.ID)
		if err != nil {
			return err
		}
		for _, f := range files {
			if f.Filename == filename {
				return tx.SetPRFileViewed(ctx, pull.ID, filename, viewed, time.Now().UTC())
			}
		}
		return fmt.Errorf("file %q is not part of the pull request: %w", filename, store.ErrNotFound)
	})
}

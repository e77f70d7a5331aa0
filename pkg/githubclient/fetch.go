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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/stefkors/gitmirror/pkg/ratelimit"
)

// ListResult is the outcome of a paginated, conditional list fetch.
type ListResult[T any] struct {
	Items     []T
	Unchanged bool
	ETag      string
	RateLimit ratelimit.Snapshot
}

// fetchList runs a conditional paginated GET and decodes every page
// leniently.
func fetchList[T any](ctx context.Context, c *Client, rawURL, etag string) (*ListResult[T], error) {
	out := &ListResult[T]{}
	first, err := c.getPaged(ctx, rawURL, etag, func(page *response) (bool, error) {
		items, err := decodeLenient[T](ctx, page.body)
		if err != nil {
			return false, err
		}
		out.Items = append(out.Items, items...)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	out.Unchanged = first.unchanged
	out.ETag = first.etag
	out.RateLimit = first.rateLimit
	return out, nil
}

// FetchUser returns the authenticated user.
func (c *Client) FetchUser(ctx context.Context) (*RemoteUser, error) {
	resp, err := c.get(ctx, c.apiURL("/user", nil), "")
	if err != nil {
		return nil, err
	}
	var u RemoteUser
	if err := json.Unmarshal(resp.body, &u); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	return &u, nil
}

// FetchOrganizations lists the user's organizations.
func (c *Client) FetchOrganizations(ctx context.Context, etag string) (*ListResult[RemoteOrg], error) {
	return fetchList[RemoteOrg](ctx, c, c.apiURL("/user/orgs", pageQuery(nil)), etag)
}

// FetchRepositories lists the repositories the user can access, most
// recently pushed first.
func (c *Client) FetchRepositories(ctx context.Context, etag string) (*ListResult[RemoteRepo], error) {
	q := pageQuery(map[string]string{"sort": "pushed", "direction": "desc"})
	return fetchList[RemoteRepo](ctx, c, c.apiURL("/user/repos", q), etag)
}

// FetchRepository returns one repository.
func (c *Client) FetchRepository(ctx context.Context, owner, repo string) (*RemoteRepo, error) {
	path := fmt.Sprintf("/repos/%s/%s", url.PathEscape(owner), url.PathEscape(repo))
	resp, err := c.get(ctx, c.apiURL(path, nil), "")
	if err != nil {
		return nil, err
	}
	var r RemoteRepo
	if err := json.Unmarshal(resp.body, &r); err != nil {
		return nil, fmt.Errorf("failed to decode repository: %w", err)
	}
	return &r, nil
}

// FetchPullRequests lists a repository's pull requests in the given state.
func (c *Client) FetchPullRequests(ctx context.Context, owner, repo, state, etag string) (*ListResult[RemotePull], error) {
	if state == "" {
		state = "open"
	}
	q := pageQuery(map[string]string{"state": state, "sort": "updated", "direction": "desc"})
	path := fmt.Sprintf("/repos/%s/%s/pulls", url.PathEscape(owner), url.PathEscape(repo))
	return fetchList[RemotePull](ctx, c, c.apiURL(path, q), etag)
}

// FetchPullRequest returns one pull request head with its counters.
func (c *Client) FetchPullRequest(ctx context.Context, owner, repo string, number int) (*RemotePull, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", url.PathEscape(owner), url.PathEscape(repo), number)
	resp, err := c.get(ctx, c.apiURL(path, nil), "")
	if err != nil {
		return nil, err
	}
	var p RemotePull
	if err := json.Unmarshal(resp.body, &p); err != nil {
		return nil, fmt.Errorf("failed to decode pull request: %w", err)
	}
	return &p, nil
}

// FetchPullRequestDetail composes the full detail for one pull request:
// head, files, reviews, review comments, issue comments, timeline events,
// commits, and check runs against the head SHA.
func (c *Client) FetchPullRequestDetail(ctx context.Context, owner, repo string, number int) (*PullDetail, error) {
	pull, err := c.FetchPullRequest(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}

	detail := &PullDetail{Pull: pull}
	base := fmt.Sprintf("/repos/%s/%s", url.PathEscape(owner), url.PathEscape(repo))

	files, err := fetchList[RemotePullFile](ctx, c,
		c.apiURL(fmt.Sprintf("%s/pulls/%d/files", base, number), pageQuery(nil)), "")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch files: %w", err)
	}
	detail.Files = files.Items

	reviews, err := fetchList[RemoteReview](ctx, c,
		c.apiURL(fmt.Sprintf("%s/pulls/%d/reviews", base, number), pageQuery(nil)), "")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch reviews: %w", err)
	}
	detail.Reviews = reviews.Items

	reviewComments, err := fetchList[RemoteComment](ctx, c,
		c.apiURL(fmt.Sprintf("%s/pulls/%d/comments", base, number), pageQuery(nil)), "")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch review comments: %w", err)
	}
	detail.ReviewComments = reviewComments.Items

	issueComments, err := fetchList[RemoteComment](ctx, c,
		c.apiURL(fmt.Sprintf("%s/issues/%d/comments", base, number), pageQuery(nil)), "")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch issue comments: %w", err)
	}
	detail.IssueComments = issueComments.Items

	events, err := fetchList[RemoteTimelineEvent](ctx, c,
		c.apiURL(fmt.Sprintf("%s/issues/%d/events", base, number), pageQuery(nil)), "")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}
	detail.Events = events.Items

	commits, err := fetchList[RemoteCommitRef](ctx, c,
		c.apiURL(fmt.Sprintf("%s/pulls/%d/commits", base, number), pageQuery(nil)), "")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch commits: %w", err)
	}
	detail.Commits = commits.Items

	if headSHA := pull.headSHA(); headSHA != "" {
		checks, err := c.ListCheckRuns(ctx, owner, repo, headSHA)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch check runs: %w", err)
		}
		detail.Checks = checks
	}

	return detail, nil
}

func (p *RemotePull) headSHA() string {
	if p.Head == nil {
		return ""
	}
	return p.Head.SHA
}

// ListCheckRuns lists check runs for a commit.
func (c *Client) ListCheckRuns(ctx context.Context, owner, repo, headSHA string) ([]RemoteCheckRun, error) {
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/check-runs",
		url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(headSHA))

	var runs []RemoteCheckRun
	_, err := c.getPaged(ctx, c.apiURL(path, pageQuery(nil)), "", func(page *response) (bool, error) {
		var wrapper struct {
			CheckRuns []json.RawMessage `json:"check_runs"`
		}
		if err := json.Unmarshal(page.body, &wrapper); err != nil {
			return false, fmt.Errorf("failed to decode check runs: %w", err)
		}
		inner, err := json.Marshal(wrapper.CheckRuns)
		if err != nil {
			return false, fmt.Errorf("failed to rewrap check runs: %w", err)
		}
		items, err := decodeLenient[RemoteCheckRun](ctx, inner)
		if err != nil {
			return false, err
		}
		runs = append(runs, items...)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// FetchIssues lists a repository's issues. Pull requests masquerading as
// issues are filtered out.
func (c *Client) FetchIssues(ctx context.Context, owner, repo, etag string) (*ListResult[RemoteIssue], error) {
	q := pageQuery(map[string]string{"state": "all", "sort": "updated", "direction": "desc"})
	path := fmt.Sprintf("/repos/%s/%s/issues", url.PathEscape(owner), url.PathEscape(repo))
	res, err := fetchList[RemoteIssue](ctx, c, c.apiURL(path, q), etag)
	if err != nil {
		return nil, err
	}

	issues := res.Items[:0]
	for _, issue := range res.Items {
		if issue.PullRequest == nil {
			issues = append(issues, issue)
		}
	}
	res.Items = issues
	return res, nil
}

// FetchIssue returns one issue.
func (c *Client) FetchIssue(ctx context.Context, owner, repo string, number int) (*RemoteIssue, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", url.PathEscape(owner), url.PathEscape(repo), number)
	resp, err := c.get(ctx, c.apiURL(path, nil), "")
	if err != nil {
		return nil, err
	}
	var issue RemoteIssue
	if err := json.Unmarshal(resp.body, &issue); err != nil {
		return nil, fmt.Errorf("failed to decode issue: %w", err)
	}
	return &issue, nil
}

// FetchIssueComments lists the comments on one issue.
func (c *Client) FetchIssueComments(ctx context.Context, owner, repo string, number int) (*ListResult[RemoteComment], error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", url.PathEscape(owner), url.PathEscape(repo), number)
	return fetchList[RemoteComment](ctx, c, c.apiURL(path, pageQuery(nil)), "")
}

// TreeResult is the outcome of a tree fetch.
type TreeResult struct {
	Entries   []RemoteTreeEntry
	Truncated bool
	Unchanged bool
	ETag      string
	RateLimit ratelimit.Snapshot
}

// FetchRepoTree fetches the recursive tree at ref.
func (c *Client) FetchRepoTree(ctx context.Context, owner, repo, ref, etag string) (*TreeResult, error) {
	path := fmt.Sprintf("/repos/%s/%s/git/trees/%s",
		url.PathEscape(owner), url.PathEscape(repo), url.PathEscape(ref))
	q := url.Values{}
	q.Set("recursive", "1")

	resp, err := c.get(ctx, c.apiURL(path, q), etag)
	if err != nil {
		return nil, err
	}
	out := &TreeResult{
		Unchanged: resp.unchanged,
		ETag:      resp.etag,
		RateLimit: resp.rateLimit,
	}
	if resp.unchanged {
		return out, nil
	}

	var tree remoteTree
	if err := json.Unmarshal(resp.body, &tree); err != nil {
		return nil, fmt.Errorf("failed to decode tree: %w", err)
	}
	out.Entries = tree.Tree
	out.Truncated = tree.Truncated
	return out, nil
}

// FetchRepoCommits lists commits on a ref.
func (c *Client) FetchRepoCommits(ctx context.Context, owner, repo, ref, etag string) (*ListResult[RemoteCommitRef], error) {
	extra := map[string]string{}
	if ref != "" {
		extra["sha"] = ref
	}
	path := fmt.Sprintf("/repos/%s/%s/commits", url.PathEscape(owner), url.PathEscape(repo))
	return fetchList[RemoteCommitRef](ctx, c, c.apiURL(path, pageQuery(extra)), etag)
}

// FileContents is a decoded file fetched from the contents API.
type FileContents struct {
	Path    string
	SHA     string
	Size    int64
	Content []byte
}

// GetFileContents fetches one file's contents at ref.
func (c *Client) GetFileContents(ctx context.Context, owner, repo, path, ref string) (*FileContents, error) {
	apiPath := fmt.Sprintf("/repos/%s/%s/contents/%s", url.PathEscape(owner), url.PathEscape(repo), path)
	q := url.Values{}
	if ref != "" {
		q.Set("ref", ref)
	}
	resp, err := c.get(ctx, c.apiURL(apiPath, q), "")
	if err != nil {
		return nil, err
	}

	var file struct {
		Path     string `json:"path"`
		SHA      string `json:"sha"`
		Size     int64  `json:"size"`
		Encoding string `json:"encoding"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(resp.body, &file); err != nil {
		return nil, fmt.Errorf("failed to decode file contents: %w", err)
	}

	out := &FileContents{Path: file.Path, SHA: file.SHA, Size: file.Size}
	if file.Encoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(
			// The contents API wraps base64 at 60 columns.
			stripNewlines(file.Content))
		if err != nil {
			return nil, fmt.Errorf("failed to decode file content: %w", err)
		}
		out.Content = decoded
	} else {
		out.Content = []byte(file.Content)
	}
	return out, nil
}

func stripNewlines(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\n' && s[i] != '\r' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

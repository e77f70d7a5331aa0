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

import "time"

// Remote shapes decoded from the REST API. Fields the mirror does not use
// are omitted; decoding is lenient so unknown fields never break a page.

// RemoteUser is an account reference embedded in most payloads.
type RemoteUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
	Type      string `json:"type"`
}

// RemoteOrg is an organization membership entry.
type RemoteOrg struct {
	ID          int64  `json:"id"`
	Login       string `json:"login"`
	Name        string `json:"name"`
	Description string `json:"description"`
	AvatarURL   string `json:"avatar_url"`
}

// RemoteRepo is a repository listing entry.
type RemoteRepo struct {
	ID              int64       `json:"id"`
	Name            string      `json:"name"`
	FullName        string      `json:"full_name"`
	Owner           *RemoteUser `json:"owner"`
	Description     string      `json:"description"`
	Private         bool        `json:"private"`
	Fork            bool        `json:"fork"`
	DefaultBranch   string      `json:"default_branch"`
	StargazersCount int         `json:"stargazers_count"`
	ForksCount      int         `json:"forks_count"`
	OpenIssuesCount int         `json:"open_issues_count"`
	PushedAt        *time.Time  `json:"pushed_at"`
}

// RemoteLabel is a label on an issue or pull request.
type RemoteLabel struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// RemotePull is a pull request listing entry.
type RemotePull struct {
	ID                 int64         `json:"id"`
	Number             int           `json:"number"`
	State              string        `json:"state"`
	Title              string        `json:"title"`
	Body               string        `json:"body"`
	Draft              bool          `json:"draft"`
	Merged             bool          `json:"merged"`
	MergeableState     string        `json:"mergeable_state"`
	User               *RemoteUser   `json:"user"`
	Labels             []RemoteLabel `json:"labels"`
	Assignees          []RemoteUser  `json:"assignees"`
	RequestedReviewers []RemoteUser  `json:"requested_reviewers"`
	Additions          int           `json:"additions"`
	Deletions          int           `json:"deletions"`
	ChangedFiles       int           `json:"changed_files"`
	Comments           int           `json:"comments"`
	Base               *RemoteRef    `json:"base"`
	Head               *RemoteRef    `json:"head"`
	MergedAt           *time.Time    `json:"merged_at"`
	ClosedAt           *time.Time    `json:"closed_at"`
	CreatedAt          *time.Time    `json:"created_at"`
	UpdatedAt          *time.Time    `json:"updated_at"`
}

// RemoteRef is a base/head reference on a pull request.
type RemoteRef struct {
	Ref  string      `json:"ref"`
	SHA  string      `json:"sha"`
	Repo *RemoteRepo `json:"repo"`
}

// RemotePullFile is one changed file on a pull request.
type RemotePullFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch"`
}

// RemoteReview is a submitted pull request review.
type RemoteReview struct {
	ID          int64       `json:"id"`
	User        *RemoteUser `json:"user"`
	State       string      `json:"state"`
	Body        string      `json:"body"`
	CommitID    string      `json:"commit_id"`
	SubmittedAt *time.Time  `json:"submitted_at"`
}

// RemoteComment is a review comment or an issue comment.
type RemoteComment struct {
	ID        int64       `json:"id"`
	User      *RemoteUser `json:"user"`
	Body      string      `json:"body"`
	Path      string      `json:"path"`
	Line      int         `json:"line"`
	InReplyTo int64       `json:"in_reply_to_id"`
	CreatedAt *time.Time  `json:"created_at"`
	UpdatedAt *time.Time  `json:"updated_at"`
}

// RemoteTimelineEvent is a pull request timeline entry.
type RemoteTimelineEvent struct {
	ID        int64       `json:"id"`
	Event     string      `json:"event"`
	Actor     *RemoteUser `json:"actor"`
	CreatedAt *time.Time  `json:"created_at"`
}

// RemoteCommitRef is a commit listing entry.
type RemoteCommitRef struct {
	SHA    string      `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name string     `json:"name"`
			Date *time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
	Author *RemoteUser `json:"author"`
}

// RemoteCheckRun is one check run against a commit.
type RemoteCheckRun struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Conclusion  string     `json:"conclusion"`
	DetailsURL  string     `json:"details_url"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// RemoteIssue is an issue listing entry. Pull requests appear in the
// issues API with the pull_request field set and are skipped.
type RemoteIssue struct {
	ID          int64         `json:"id"`
	Number      int           `json:"number"`
	Title       string        `json:"title"`
	State       string        `json:"state"`
	Body        string        `json:"body"`
	User        *RemoteUser   `json:"user"`
	Labels      []RemoteLabel `json:"labels"`
	Assignees   []RemoteUser  `json:"assignees"`
	Comments    int           `json:"comments"`
	PullRequest *struct {
		URL string `json:"url"`
	} `json:"pull_request"`
	CreatedAt *time.Time `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at"`
}

// RemoteTreeEntry is one entry of a git tree listing.
type RemoteTreeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
	Size int64  `json:"size"`
}

type remoteTree struct {
	SHA       string            `json:"sha"`
	Truncated bool              `json:"truncated"`
	Tree      []RemoteTreeEntry `json:"tree"`
}

// PullDetail is the composed detail fetch for one pull request.
type PullDetail struct {
	Pull           *RemotePull
	Files          []RemotePullFile
	Reviews        []RemoteReview
	ReviewComments []RemoteComment
	IssueComments  []RemoteComment
	Events         []RemoteTimelineEvent
	Commits        []RemoteCommitRef
	Checks         []RemoteCheckRun
}

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

// schema is the full database schema. Every statement is idempotent so the
// schema can be re-applied on startup.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	github_id     INTEGER NOT NULL,
	login         TEXT NOT NULL,
	name          TEXT,
	email         TEXT,
	avatar_url    TEXT,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS users_github_id ON users(github_id);

CREATE TABLE IF NOT EXISTS organizations (
	id            TEXT PRIMARY KEY,
	github_id     INTEGER NOT NULL,
	login         TEXT NOT NULL,
	name          TEXT,
	description   TEXT,
	avatar_url    TEXT,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS organizations_github_id ON organizations(github_id);

CREATE TABLE IF NOT EXISTS repositories (
	id              TEXT PRIMARY KEY,
	github_id       INTEGER NOT NULL,
	organization_id TEXT,
	name            TEXT NOT NULL,
	full_name       TEXT NOT NULL,
	owner_login     TEXT NOT NULL,
	description     TEXT,
	private         INTEGER NOT NULL DEFAULT 0,
	fork            INTEGER NOT NULL DEFAULT 0,
	default_branch  TEXT,
	star_count      INTEGER NOT NULL DEFAULT 0,
	fork_count      INTEGER NOT NULL DEFAULT 0,
	open_issues     INTEGER NOT NULL DEFAULT 0,
	pushed_at       DATETIME,
	webhook_id      INTEGER,
	webhook_active  INTEGER NOT NULL DEFAULT 0,
	webhook_error   TEXT,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS repositories_github_id ON repositories(github_id);
CREATE INDEX IF NOT EXISTS repositories_full_name ON repositories(full_name);

CREATE TABLE IF NOT EXISTS pull_requests (
	id                  TEXT PRIMARY KEY,
	github_id           INTEGER NOT NULL,
	repository_id       TEXT NOT NULL,
	number              INTEGER NOT NULL,
	title               TEXT NOT NULL,
	state               TEXT NOT NULL,
	body                TEXT,
	draft               INTEGER NOT NULL DEFAULT 0,
	merged              INTEGER NOT NULL DEFAULT 0,
	mergeable_state     TEXT,
	author_login        TEXT,
	base_ref            TEXT,
	head_ref            TEXT,
	head_sha            TEXT,
	additions           INTEGER NOT NULL DEFAULT 0,
	deletions           INTEGER NOT NULL DEFAULT 0,
	changed_files       INTEGER NOT NULL DEFAULT 0,
	comment_count       INTEGER NOT NULL DEFAULT 0,
	labels              TEXT,
	assignees           TEXT,
	requested_reviewers TEXT,
	merged_at           DATETIME,
	closed_at           DATETIME,
	remote_created_at   DATETIME,
	remote_updated_at   DATETIME,
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS pull_requests_github_id ON pull_requests(github_id);
CREATE UNIQUE INDEX IF NOT EXISTS pull_requests_repo_number ON pull_requests(repository_id, number);

CREATE TABLE IF NOT EXISTS pr_files (
	id           TEXT PRIMARY KEY,
	pull_id      TEXT NOT NULL,
	filename     TEXT NOT NULL,
	status       TEXT NOT NULL,
	additions    INTEGER NOT NULL DEFAULT 0,
	deletions    INTEGER NOT NULL DEFAULT 0,
	patch        TEXT,
	patch_digest TEXT,
	viewed       INTEGER NOT NULL DEFAULT 0,
	updated_at   DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS pr_files_pull_filename ON pr_files(pull_id, filename);

CREATE TABLE IF NOT EXISTS pr_reviews (
	id           TEXT PRIMARY KEY,
	github_id    INTEGER NOT NULL,
	pull_id      TEXT NOT NULL,
	author_login TEXT,
	state        TEXT NOT NULL,
	body         TEXT,
	commit_sha   TEXT,
	submitted_at DATETIME,
	updated_at   DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS pr_reviews_github_id ON pr_reviews(github_id);

CREATE TABLE IF NOT EXISTS pr_comments (
	id           TEXT PRIMARY KEY,
	github_id    INTEGER NOT NULL,
	pull_id      TEXT NOT NULL,
	kind         TEXT NOT NULL,
	author_login TEXT,
	body         TEXT,
	path         TEXT,
	line         INTEGER,
	in_reply_to  INTEGER,
	resolved     INTEGER NOT NULL DEFAULT 0,
	remote_created_at DATETIME,
	remote_updated_at DATETIME,
	updated_at   DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS pr_comments_github_kind ON pr_comments(github_id, kind);

CREATE TABLE IF NOT EXISTS pr_checks (
	id           TEXT PRIMARY KEY,
	github_id    INTEGER NOT NULL,
	pull_id      TEXT NOT NULL,
	name         TEXT NOT NULL,
	status       TEXT NOT NULL,
	conclusion   TEXT,
	details_url  TEXT,
	started_at   DATETIME,
	completed_at DATETIME,
	updated_at   DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS pr_checks_github_id ON pr_checks(github_id);

CREATE TABLE IF NOT EXISTS pr_events (
	id           TEXT PRIMARY KEY,
	github_id    INTEGER NOT NULL,
	pull_id      TEXT NOT NULL,
	event        TEXT NOT NULL,
	actor_login  TEXT,
	occurred_at  DATETIME,
	updated_at   DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS pr_events_github_id ON pr_events(github_id);

CREATE TABLE IF NOT EXISTS pr_commits (
	id           TEXT PRIMARY KEY,
	pull_id      TEXT NOT NULL,
	sha          TEXT NOT NULL,
	message      TEXT,
	author_login TEXT,
	authored_at  DATETIME,
	updated_at   DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS pr_commits_pull_sha ON pr_commits(pull_id, sha);

CREATE TABLE IF NOT EXISTS issues (
	id                TEXT PRIMARY KEY,
	github_id         INTEGER NOT NULL,
	repository_id     TEXT NOT NULL,
	number            INTEGER NOT NULL,
	title             TEXT NOT NULL,
	state             TEXT NOT NULL,
	body              TEXT,
	author_login      TEXT,
	labels            TEXT,
	assignees         TEXT,
	comment_count     INTEGER NOT NULL DEFAULT 0,
	remote_created_at DATETIME,
	remote_updated_at DATETIME,
	closed_at         DATETIME,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS issues_github_id ON issues(github_id);
CREATE UNIQUE INDEX IF NOT EXISTS issues_repo_number ON issues(repository_id, number);

CREATE TABLE IF NOT EXISTS issue_comments (
	id                TEXT PRIMARY KEY,
	github_id         INTEGER NOT NULL,
	issue_id          TEXT NOT NULL,
	author_login      TEXT,
	body              TEXT,
	remote_created_at DATETIME,
	remote_updated_at DATETIME,
	updated_at        DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS issue_comments_github_id ON issue_comments(github_id);

CREATE TABLE IF NOT EXISTS tree_entries (
	id            TEXT PRIMARY KEY,
	repository_id TEXT NOT NULL,
	ref           TEXT NOT NULL,
	path          TEXT NOT NULL,
	entry_type    TEXT NOT NULL,
	sha           TEXT,
	size          INTEGER NOT NULL DEFAULT 0,
	updated_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS tree_entries_repo_ref ON tree_entries(repository_id, ref);

CREATE TABLE IF NOT EXISTS commits (
	id            TEXT PRIMARY KEY,
	repository_id TEXT NOT NULL,
	sha           TEXT NOT NULL,
	ref           TEXT,
	message       TEXT,
	author_login  TEXT,
	author_name   TEXT,
	authored_at   DATETIME,
	updated_at    DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS commits_repo_sha ON commits(repository_id, sha);

CREATE TABLE IF NOT EXISTS entity_links (
	src_id TEXT NOT NULL,
	rel    TEXT NOT NULL,
	dst_id TEXT NOT NULL,
	PRIMARY KEY (src_id, rel, dst_id)
);

CREATE TABLE IF NOT EXISTS sync_states (
	user_id              TEXT NOT NULL,
	resource_type        TEXT NOT NULL,
	resource_id          TEXT NOT NULL DEFAULT '',
	sync_status          TEXT NOT NULL DEFAULT 'idle',
	sync_error           TEXT,
	last_etag            TEXT,
	last_synced_at       DATETIME,
	rate_limit_remaining INTEGER,
	rate_limit_reset     DATETIME,
	PRIMARY KEY (user_id, resource_type, resource_id)
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	delivery_id  TEXT PRIMARY KEY,
	event        TEXT NOT NULL,
	status       TEXT NOT NULL,
	received_at  DATETIME NOT NULL,
	processed_at DATETIME,
	error        TEXT,
	raw_payload  TEXT
);

CREATE TABLE IF NOT EXISTS webhook_queue (
	id            TEXT PRIMARY KEY,
	delivery_id   TEXT NOT NULL UNIQUE,
	event         TEXT NOT NULL,
	action        TEXT,
	payload       TEXT,
	status        TEXT NOT NULL DEFAULT 'pending',
	attempts      INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL DEFAULT 5,
	next_retry_at DATETIME NOT NULL,
	last_error    TEXT,
	lease_owner   TEXT,
	leased_at     DATETIME,
	created_at    DATETIME NOT NULL,
	processed_at  DATETIME,
	failed_at     DATETIME
);
CREATE INDEX IF NOT EXISTS webhook_queue_status_retry ON webhook_queue(status, next_retry_at);
`

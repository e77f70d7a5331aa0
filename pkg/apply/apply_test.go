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

package apply

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/stefkors/gitmirror/pkg/githubclient"
	"github.com/stefkors/gitmirror/pkg/store"
)

func testStore(ctx context.Context, t *testing.T) *store.Store {
	t.Helper()

	db, err := store.Open(ctx, "")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Fatalf("failed to close store: %v", err)
		}
	})
	return db
}

func seedRepo(ctx context.Context, t *testing.T, db *store.Store) string {
	t.Helper()

	var repoID string
	if err := db.WithTx(ctx, func(tx *store.Tx) error {
		id, err := Repository(ctx, tx, &githubclient.RemoteRepo{
			ID:       100,
			Name:     "mirror",
			FullName: "octocat/mirror",
			Owner:    &githubclient.RemoteUser{ID: 1, Login: "octocat", Type: "User"},
		}, "user-1", time.Now().UTC())
		if err != nil {
			return err
		}
		repoID = id
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return repoID
}

func TestPullRequest_IdempotentUpsert(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testStore(ctx, t)
	repoID := seedRepo(ctx, t, db)

	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	remote := &githubclient.RemotePull{
		ID:     555,
		Number: 7,
		State:  "open",
		Title:  "Add feature",
		Body:   "body",
		User:   &githubclient.RemoteUser{ID: 1, Login: "octocat"},
		Labels: []githubclient.RemoteLabel{{Name: "bug"}, {Name: "p1"}},
		Base:   &githubclient.RemoteRef{Ref: "main"},
		Head:   &githubclient.RemoteRef{Ref: "feature", SHA: "abc123"},
		CreatedAt: &created,
	}

	applyOnce := func(now time.Time) (string, *store.PullRequest) {
		var id string
		if err := db.WithTx(ctx, func(tx *store.Tx) error {
			got, err := PullRequest(ctx, tx, remote, repoID, now)
			if err != nil {
				return err
			}
			id = got
			return nil
		}); err != nil {
			t.Fatal(err)
		}
		var row *store.PullRequest
		if err := db.ReadTx(ctx, func(tx *store.Tx) error {
			p, err := tx.GetPullRequestByGitHubID(ctx, 555)
			if err != nil {
				return err
			}
			row = p
			return nil
		}); err != nil {
			t.Fatal(err)
		}
		return id, row
	}

	firstID, first := applyOnce(time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC))
	secondID, second := applyOnce(time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC))

	if firstID != secondID {
		t.Fatalf("re-applying the same payload created a new row: %q != %q", firstID, secondID)
	}
	if got, want := first.Labels.String, `["bug","p1"]`; got != want {
		t.Errorf("labels = %q, want %q", got, want)
	}
	if diff := cmp.Diff(first, second, cmpopts.IgnoreFields(store.PullRequest{}, "UpdatedAt")); diff != "" {
		t.Errorf("unexpected drift between applications (-first +second):\n%s", diff)
	}
}

func TestPullFiles_PreservesViewedOnUnchangedPatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testStore(ctx, t)
	repoID := seedRepo(ctx, t, db)
	now := time.Now().UTC()

	var pullID string
	if err := db.WithTx(ctx, func(tx *store.Tx) error {
		id, err := PullRequest(ctx, tx, &githubclient.RemotePull{ID: 1, Number: 1, State: "open", Title: "t"}, repoID, now)
		if err != nil {
			return err
		}
		pullID = id
		return PullFiles(ctx, tx, pullID, []githubclient.RemotePullFile{
			{Filename: "a.go", Status: "modified", Patch: "@@ -1 +1 @@"},
			{Filename: "b.go", Status: "added", Patch: "@@ +1 @@"},
		}, now)
	}); err != nil {
		t.Fatal(err)
	}

	// Mark a.go viewed.
	if err := db.WithTx(ctx, func(tx *store.Tx) error {
		return tx.SetPRFileViewed(ctx, pullID, "a.go", true, now)
	}); err != nil {
		t.Fatal(err)
	}

	// Re-sync: a.go unchanged, b.go's diff changed.
	if err := db.WithTx(ctx, func(tx *store.Tx) error {
		return PullFiles(ctx, tx, pullID, []githubclient.RemotePullFile{
			{Filename: "a.go", Status: "modified", Patch: "@@ -1 +1 @@"},
			{Filename: "b.go", Status: "modified", Patch: "@@ different @@"},
		}, now.Add(time.Minute))
	}); err != nil {
		t.Fatal(err)
	}

	if err := db.ReadTx(ctx, func(tx *store.Tx) error {
		files, err := tx.ListPRFiles(ctx, pullID)
		if err != nil {
			return err
		}
		byName := map[string]*store.PRFile{}
		for _, f := range files {
			byName[f.Filename] = f
		}
		if !byName["a.go"].Viewed {
			t.Error("viewed flag lost on unchanged file")
		}
		if byName["b.go"].Viewed {
			t.Error("viewed flag must reset when the patch changes")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestPullFiles_ReapsRemovedFiles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testStore(ctx, t)
	repoID := seedRepo(ctx, t, db)
	now := time.Now().UTC()

	var pullID string
	if err := db.WithTx(ctx, func(tx *store.Tx) error {
		id, err := PullRequest(ctx, tx, &githubclient.RemotePull{ID: 2, Number: 2, State: "open", Title: "t"}, repoID, now)
		if err != nil {
			return err
		}
		pullID = id
		return PullFiles(ctx, tx, pullID, []githubclient.RemotePullFile{
			{Filename: "keep.go", Status: "modified"},
			{Filename: "drop.go", Status: "added"},
		}, now)
	}); err != nil {
		t.Fatal(err)
	}

	if err := db.WithTx(ctx, func(tx *store.Tx) error {
		return PullFiles(ctx, tx, pullID, []githubclient.RemotePullFile{
			{Filename: "keep.go", Status: "modified"},
		}, now.Add(time.Minute))
	}); err != nil {
		t.Fatal(err)
	}

	if err := db.ReadTx(ctx, func(tx *store.Tx) error {
		files, err := tx.ListPRFiles(ctx, pullID)
		if err != nil {
			return err
		}
		if len(files) != 1 || files[0].Filename != "keep.go" {
			t.Errorf("expected only keep.go to remain, got %+v", files)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

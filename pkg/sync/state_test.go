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
	"testing"
	"time"

	"github.com/stefkors/gitmirror/pkg/ratelimit"
	"github.com/stefkors/gitmirror/pkg/store"
)

func testStates(ctx context.Context, t *testing.T) (*States, *store.Store) {
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
	return NewStates(db), db
}

func readState(ctx context.Context, t *testing.T, db *store.Store, resourceType, resourceID string) *store.SyncState {
	t.Helper()

	var state *store.SyncState
	if err := db.ReadTx(ctx, func(tx *store.Tx) error {
		got, err := tx.GetSyncState(ctx, "u1", resourceType, resourceID)
		if err != nil {
			return err
		}
		state = got
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return state
}

func TestStates_BeginIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	states, _ := testStates(ctx, t)

	_, started, err := states.Begin(ctx, "u1", ResourceRepos, "")
	if err != nil {
		t.Fatal(err)
	}
	if !started {
		t.Fatal("first begin must start")
	}

	// Re-entry while syncing is a no-op.
	_, started, err = states.Begin(ctx, "u1", ResourceRepos, "")
	if err != nil {
		t.Fatal(err)
	}
	if started {
		t.Error("second begin must not start while syncing")
	}
}

func TestStates_CompleteAndFail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	states, db := testStates(ctx, t)

	if _, _, err := states.Begin(ctx, "u1", ResourceRepos, ""); err != nil {
		t.Fatal(err)
	}
	if err := states.Complete(ctx, "u1", ResourceRepos, "", `"etag-1"`, ratelimit.Snapshot{
		Remaining: 4000, Limit: 5000, ResetAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	state := readState(ctx, t, db, ResourceRepos, "")
	if state.SyncStatus != store.SyncStatusIdle {
		t.Errorf("expected idle after complete, got %q", state.SyncStatus)
	}
	if state.LastETag.String != `"etag-1"` {
		t.Errorf("etag not persisted: %q", state.LastETag.String)
	}
	if state.RateLimitRemaining.Int64 != 4000 {
		t.Errorf("rate limit not persisted: %+v", state.RateLimitRemaining)
	}

	// error → idle requires an explicit retry; Begin refuses meanwhile.
	if _, _, err := states.Begin(ctx, "u1", ResourceRepos, ""); err != nil {
		t.Fatal(err)
	}
	if err := states.Fail(ctx, "u1", ResourceRepos, "", "boom", ratelimit.Snapshot{}); err != nil {
		t.Fatal(err)
	}
	state = readState(ctx, t, db, ResourceRepos, "")
	if state.SyncStatus != store.SyncStatusError || state.SyncError.String != "boom" {
		t.Errorf("unexpected state after fail: %+v", state)
	}

	_, started, err := states.Begin(ctx, "u1", ResourceRepos, "")
	if err != nil {
		t.Fatal(err)
	}
	if started {
		t.Error("begin must refuse while in error")
	}

	if err := states.Retry(ctx, "u1", ResourceRepos, ""); err != nil {
		t.Fatal(err)
	}
	state = readState(ctx, t, db, ResourceRepos, "")
	if state.SyncStatus != store.SyncStatusIdle || state.SyncError.Valid {
		t.Errorf("unexpected state after retry: %+v", state)
	}
}

func TestStates_ResetClearsProgress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	states, db := testStates(ctx, t)

	if _, _, err := states.Begin(ctx, "u1", ResourceTree, "o/r@main"); err != nil {
		t.Fatal(err)
	}
	if err := states.Complete(ctx, "u1", ResourceTree, "o/r@main", `"etag-7"`, ratelimit.Snapshot{}); err != nil {
		t.Fatal(err)
	}

	if err := states.Reset(ctx, "u1", ResourceTree, "o/r@main"); err != nil {
		t.Fatal(err)
	}

	state := readState(ctx, t, db, ResourceTree, "o/r@main")
	if state.SyncStatus != store.SyncStatusIdle {
		t.Errorf("expected idle, got %q", state.SyncStatus)
	}
	if state.LastETag.Valid || state.LastSyncedAt.Valid || state.SyncError.Valid {
		t.Errorf("reset must clear etag, lastSyncedAt and error: %+v", state)
	}
}

func TestStates_RecoverStale(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	states, db := testStates(ctx, t)

	// A row stuck in syncing since long ago.
	states.now = func() time.Time { return time.Now().Add(-time.Hour) }
	if _, _, err := states.Begin(ctx, "u1", ResourcePulls, "o/r"); err != nil {
		t.Fatal(err)
	}

	// A fresh syncing row must survive recovery.
	states.now = time.Now
	if _, _, err := states.Begin(ctx, "u1", ResourceRepos, ""); err != nil {
		t.Fatal(err)
	}

	recovered, err := states.RecoverStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 recovered row, got %d", recovered)
	}

	stale := readState(ctx, t, db, ResourcePulls, "o/r")
	if stale.SyncStatus != store.SyncStatusError || stale.SyncError.String != "stale" {
		t.Errorf("unexpected stale row state: %+v", stale)
	}
	fresh := readState(ctx, t, db, ResourceRepos, "")
	if fresh.SyncStatus != store.SyncStatusSyncing {
		t.Errorf("fresh syncing row must survive, got %q", fresh.SyncStatus)
	}
}

func TestParseRepoRef(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		in       string
		expOwner string
		expRepo  string
		expErr   bool
	}{
		{name: "https", in: "https://github.com/octocat/mirror", expOwner: "octocat", expRepo: "mirror"},
		{name: "bare_host", in: "github.com/octocat/mirror", expOwner: "octocat", expRepo: "mirror"},
		{name: "slug", in: "octocat/mirror", expOwner: "octocat", expRepo: "mirror"},
		{name: "git_suffix", in: "https://github.com/octocat/mirror.git", expOwner: "octocat", expRepo: "mirror"},
		{name: "trailing_slash", in: "octocat/mirror/", expOwner: "octocat", expRepo: "mirror"},
		{name: "missing_repo", in: "octocat", expErr: true},
		{name: "too_many_parts", in: "octocat/mirror/extra", expErr: true},
		{name: "empty", in: "", expErr: true},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			owner, repo, err := ParseRepoRef(tc.in)
			if tc.expErr {
				if err == nil {
					t.Fatalf("expected an error for %q", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if owner != tc.expOwner || repo != tc.expRepo {
				t.Errorf("got %q/%q, want %q/%q", owner, repo, tc.expOwner, tc.expRepo)
			}
		})
	}
}

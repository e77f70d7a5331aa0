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

	"github.com/stefkors/gitmirror/pkg/githubclient"
	"github.com/stefkors/gitmirror/pkg/store"
)

func TestBuildTreeEntryID_Deterministic(t *testing.T) {
	t.Parallel()

	first := BuildTreeEntryID("repo1", "main", "src/a.ts")
	second := BuildTreeEntryID("repo1", "main", "src/a.ts")
	if first != second {
		t.Errorf("ids differ: %q != %q", first, second)
	}
	if first != "repo1:main:src/a.ts" {
		t.Errorf("unexpected id shape: %q", first)
	}
	if BuildTreeEntryID("repo1", "dev", "src/a.ts") == first {
		t.Error("different refs must produce different ids")
	}
}

func TestComputeStaleEntries(t *testing.T) {
	t.Parallel()

	existing := []*store.TreeEntry{
		{ID: "r:main:a.ts", Path: "a.ts"},
		{ID: "r:main:b.ts", Path: "b.ts"},
		{ID: "r:main:lib", Path: "lib"},
	}

	cases := []struct {
		name     string
		incoming []githubclient.RemoteTreeEntry
		want     []string
	}{
		{
			name:     "all_present",
			incoming: []githubclient.RemoteTreeEntry{{Path: "a.ts"}, {Path: "b.ts"}, {Path: "lib"}},
			want:     nil,
		},
		{
			name:     "one_removed",
			incoming: []githubclient.RemoteTreeEntry{{Path: "a.ts"}, {Path: "lib"}},
			want:     []string{"r:main:b.ts"},
		},
		{
			name:     "all_removed",
			incoming: nil,
			want:     []string{"r:main:a.ts", "r:main:b.ts", "r:main:lib"},
		},
		{
			name:     "new_paths_do_not_reap",
			incoming: []githubclient.RemoteTreeEntry{{Path: "a.ts"}, {Path: "b.ts"}, {Path: "lib"}, {Path: "c.ts"}},
			want:     nil,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ComputeStaleEntries(existing, tc.incoming)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("unexpected stale set (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTree_ReapThenInsert(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testStore(ctx, t)
	repoID := seedRepo(ctx, t, db)
	now := time.Now().UTC()

	sync := func(entries []githubclient.RemoteTreeEntry, at time.Time) {
		t.Helper()
		if err := db.WithTx(ctx, func(tx *store.Tx) error {
			_, err := Tree(ctx, tx, repoID, "main", entries, at)
			return err
		}); err != nil {
			t.Fatal(err)
		}
	}

	sync([]githubclient.RemoteTreeEntry{
		{Path: "a.ts", Type: "blob", SHA: "sha-a-1"},
		{Path: "b.ts", Type: "blob", SHA: "sha-b-1"},
	}, now)

	var firstAID string
	if err := db.ReadTx(ctx, func(tx *store.Tx) error {
		entries, err := tx.ListTreeEntries(ctx, repoID, "main")
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Path == "a.ts" {
				firstAID = e.ID
			}
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	sync([]githubclient.RemoteTreeEntry{
		{Path: "a.ts", Type: "blob", SHA: "sha-a-2"},
		{Path: "c.ts", Type: "blob", SHA: "sha-c-1"},
	}, now.Add(time.Minute))

	if err := db.ReadTx(ctx, func(tx *store.Tx) error {
		entries, err := tx.ListTreeEntries(ctx, repoID, "main")
		if err != nil {
			return err
		}

		paths := map[string]*store.TreeEntry{}
		for _, e := range entries {
			paths[e.Path] = e
		}
		if _, ok := paths["b.ts"]; ok {
			t.Error("b.ts must be reaped")
		}
		if _, ok := paths["c.ts"]; !ok {
			t.Error("c.ts must be inserted")
		}
		a, ok := paths["a.ts"]
		if !ok {
			t.Fatal("a.ts must survive")
		}
		if a.ID != firstAID {
			t.Errorf("a.ts id changed across syncs: %q != %q", a.ID, firstAID)
		}
		if a.SHA.String != "sha-a-2" {
			t.Errorf("a.ts not updated: sha=%q", a.SHA.String)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

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

package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/stefkors/gitmirror/pkg/store"
)

func testTokenStore(ctx context.Context, t *testing.T) (*TokenStore, *store.Store) {
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
	return NewTokenStore(db), db
}

func TestTokenStore_Lifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tokens, db := testTokenStore(ctx, t)

	if _, err := tokens.AccessToken(ctx, "u1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before save, got %v", err)
	}

	if err := tokens.SaveAccessToken(ctx, "u1", "gho_secret", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	token, err := tokens.AccessToken(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if token != "gho_secret" {
		t.Errorf("token = %q", token)
	}

	// The token rides in the github:token sync-state row's lastETag.
	if err := db.ReadTx(ctx, func(tx *store.Tx) error {
		state, err := tx.GetSyncState(ctx, "u1", store.ResourceTypeToken, "")
		if err != nil {
			return err
		}
		if state.LastETag.String != "gho_secret" {
			t.Errorf("token not stored in lastETag: %+v", state)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	// Invalidation flips the row and blocks token reads atomically.
	if err := tokens.MarkAuthInvalid(ctx, "u1", "revoked"); err != nil {
		t.Fatal(err)
	}
	if _, err := tokens.AccessToken(ctx, "u1"); !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("expected ErrAuthInvalid after revocation, got %v", err)
	}

	// Saving a fresh token recovers.
	if err := tokens.SaveAccessToken(ctx, "u1", "gho_fresh", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if token, err := tokens.AccessToken(ctx, "u1"); err != nil || token != "gho_fresh" {
		t.Fatalf("expected recovery after re-auth, got token=%q err=%v", token, err)
	}
}

func TestMissingScopes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		header string
		want   []string
	}{
		{
			name:   "all_granted",
			header: "repo, read:org, read:user, user:email, admin:repo_hook",
			want:   nil,
		},
		{
			name:   "empty",
			header: "",
			want:   []string{"repo", "read:org", "read:user", "user:email", "admin:repo_hook"},
		},
		{
			name:   "missing_hook_scope",
			header: "repo, read:org, read:user, user:email",
			want:   []string{"admin:repo_hook"},
		},
		{
			name:   "admin_org_implies_read",
			header: "repo, admin:org, read:user, user:email, admin:repo_hook",
			want:   nil,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := MissingScopes(tc.header)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("unexpected missing scopes (-want +got):\n%s", diff)
			}
		})
	}
}

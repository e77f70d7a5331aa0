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

// Package auth holds the per-user OAuth access token and the GitHub App
// installation tokens.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stefkors/gitmirror/pkg/store"
)

// ErrNotConnected is returned when no access token is stored for the user.
var ErrNotConnected = errors.New("github account not connected")

// ErrAuthInvalid is returned when the stored token has been revoked or
// rejected; the user must re-authenticate.
var ErrAuthInvalid = errors.New("github token is no longer valid")

// RequiredScopes are the OAuth scopes the sync engine needs.
// admin:repo_hook is required to register webhooks.
var RequiredScopes = []string{"repo", "read:org", "read:user", "user:email", "admin:repo_hook"}

// TokenStore persists the user's OAuth access token. The token lives in
// the LastETag column of the github:token sync-state row so that token
// lookup and invalidation stay atomic with the token's sync status.
type TokenStore struct {
	db *store.Store
}

// NewTokenStore creates a token store over the given store.
func NewTokenStore(db *store.Store) *TokenStore {
	return &TokenStore{db: db}
}

// SaveAccessToken persists the token, resets the token sync-state to
// idle, and releases any resource rows parked in auth_invalid so
// orchestrators schedule work again.
func (s *TokenStore) SaveAccessToken(ctx context.Context, userID, token string, now time.Time) error {
	return s.db.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.UpsertSyncState(ctx, &store.SyncState{
			UserID:       userID,
			ResourceType: store.ResourceTypeToken,
			SyncStatus:   store.SyncStatusIdle,
			LastETag:     sql.NullString{String: token, Valid: true},
			LastSyncedAt: sql.NullTime{Time: now, Valid: true},
		}); err != nil {
			return err
		}

		states, err := tx.ListSyncStates(ctx, userID)
		if err != nil {
			return err
		}
		for _, state := range states {
			if state.SyncStatus != store.SyncStatusAuthInvalid {
				continue
			}
			state.SyncStatus = store.SyncStatusIdle
			state.SyncError = sql.NullString{}
			if err := tx.UpsertSyncState(ctx, state); err != nil {
				return err
			}
		}
		return nil
	})
}

// AccessToken returns the stored token. It returns ErrAuthInvalid when the
// token row is stamped auth_invalid and ErrNotConnected when no token is
// stored, so callers can short-circuit before touching GitHub.
func (s *TokenStore) AccessToken(ctx context.Context, userID string) (string, error) {
	var token string
	err := s.db.ReadTx(ctx, func(tx *store.Tx) error {
		state, err := tx.GetSyncState(ctx, userID, store.ResourceTypeToken, "")
		if err != nil {
			return err
		}
		if state.SyncStatus == store.SyncStatusAuthInvalid {
			return ErrAuthInvalid
		}
		if !state.LastETag.Valid || state.LastETag.String == "" {
			return ErrNotConnected
		}
		token = state.LastETag.String
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNotConnected
		}
		return "", err
	}
	return token, nil
}

// MarkAuthInvalid stamps the token sync-state so no orchestrator schedules
// work until the user reconnects.
func (s *TokenStore) MarkAuthInvalid(ctx context.Context, userID, reason string) error {
	err := s.db.WithTx(ctx, func(tx *store.Tx) error {
		state, err := tx.GetSyncState(ctx, userID, store.ResourceTypeToken, "")
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				state = &store.SyncState{
					UserID:       userID,
					ResourceType: store.ResourceTypeToken,
				}
			} else {
				return err
			}
		}
		state.SyncStatus = store.SyncStatusAuthInvalid
		state.SyncError = sql.NullString{String: reason, Valid: reason != ""}
		return tx.UpsertSyncState(ctx, state)
	})
	if err != nil {
		return fmt.Errorf("failed to mark token auth_invalid: %w", err)
	}
	return nil
}

// Disconnect removes the token row.
func (s *TokenStore) Disconnect(ctx context.Context, userID string) error {
	return s.db.WithTx(ctx, func(tx *store.Tx) error {
		return tx.DeleteSyncState(ctx, userID, store.ResourceTypeToken, "")
	})
}

// MissingScopes compares the x-oauth-scopes response header (the
// authoritative source for granted scopes) against RequiredScopes and
// returns the scopes not granted.
func MissingScopes(scopesHeader string) []string {
	granted := make(map[string]bool)
	for _, s := range strings.Split(scopesHeader, ",") {
		if s = strings.TrimSpace(s); s != "" {
			granted[s] = true
		}
	}

	var missing []string
	for _, want := range RequiredScopes {
		if granted[want] {
			continue
		}
		// A granted admin:org scope covers read:org.
		if want == "read:org" && granted["admin:org"] {
			continue
		}
		missing = append(missing, want)
	}
	return missing
}

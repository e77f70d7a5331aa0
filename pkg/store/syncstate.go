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

import (
	"context"
	"database/sql"
	"time"
)

// Sync statuses.
const (
	SyncStatusIdle        = "idle"
	SyncStatusSyncing     = "syncing"
	SyncStatusError       = "error"
	SyncStatusAuthInvalid = "auth_invalid"
	SyncStatusCompleted   = "completed"
)

// ResourceTypeToken is the sync-state row that carries the user's OAuth
// access token in its LastETag column. The schema predates a dedicated
// secrets table; token lookup and invalidation must stay atomic with the
// row's status, so the overload is kept.
const ResourceTypeToken = "github:token"

// SyncState is the per-resource bookkeeping row.
type SyncState struct {
	UserID             string         `db:"user_id"`
	ResourceType       string         `db:"resource_type"`
	ResourceID         string         `db:"resource_id"`
	SyncStatus         string         `db:"sync_status"`
	SyncError          sql.NullString `db:"sync_error"`
	LastETag           sql.NullString `db:"last_etag"`
	LastSyncedAt       sql.NullTime   `db:"last_synced_at"`
	RateLimitRemaining sql.NullInt64  `db:"rate_limit_remaining"`
	RateLimitReset     sql.NullTime   `db:"rate_limit_reset"`
}

// GetSyncState returns the row for (userID, resourceType, resourceID) or
// ErrNotFound.
func (t *Tx) GetSyncState(ctx context.Context, userID, resourceType, resourceID string) (*SyncState, error) {
	var s SyncState
	if err := t.get(ctx, &s,
		`SELECT * FROM sync_states WHERE user_id = ? AND resource_type = ? AND resource_id = ?`,
		userID, resourceType, resourceID); err != nil {
		return nil, err
	}
	return &s, nil
}

// UpsertSyncState writes the full row. The primary key guarantees at most
// one row per (userID, resourceType, resourceID).
func (t *Tx) UpsertSyncState(ctx context.Context, s *SyncState) error {
	return t.namedExec(ctx, `
		INSERT INTO sync_states (user_id, resource_type, resource_id, sync_status, sync_error,
			last_etag, last_synced_at, rate_limit_remaining, rate_limit_reset)
		VALUES (:user_id, :resource_type, :resource_id, :sync_status, :sync_error,
			:last_etag, :last_synced_at, :rate_limit_remaining, :rate_limit_reset)
		ON CONFLICT (user_id, resource_type, resource_id) DO UPDATE SET
			sync_status = excluded.sync_status, sync_error = excluded.sync_error,
			last_etag = excluded.last_etag, last_synced_at = excluded.last_synced_at,
			rate_limit_remaining = excluded.rate_limit_remaining,
			rate_limit_reset = excluded.rate_limit_reset`, s)
}

// ListSyncStates returns all rows for a user.
func (t *Tx) ListSyncStates(ctx context.Context, userID string) ([]*SyncState, error) {
	var ss []*SyncState
	if err := t.selectAll(ctx, &ss,
		`SELECT * FROM sync_states WHERE user_id = ? ORDER BY resource_type, resource_id`, userID); err != nil {
		return nil, err
	}
	return ss, nil
}

// ListStaleSyncing returns rows stuck in "syncing" whose last_synced_at is
// older than the threshold. The startup recovery pass flips these back to
// error.
func (t *Tx) ListStaleSyncing(ctx context.Context, olderThan time.Time) ([]*SyncState, error) {
	var ss []*SyncState
	if err := t.selectAll(ctx, &ss,
		`SELECT * FROM sync_states WHERE sync_status = ? AND (last_synced_at IS NULL OR last_synced_at < ?)`,
		SyncStatusSyncing, olderThan); err != nil {
		return nil, err
	}
	return ss, nil
}

// DeleteSyncState removes one row.
func (t *Tx) DeleteSyncState(ctx context.Context, userID, resourceType, resourceID string) error {
	return t.exec(ctx,
		`DELETE FROM sync_states WHERE user_id = ? AND resource_type = ? AND resource_id = ?`,
		userID, resourceType, resourceID)
}

// DeleteAllSyncStates removes every row for a user (disconnect).
func (t *Tx) DeleteAllSyncStates(ctx context.Context, userID string) error {
	return t.exec(ctx, `DELETE FROM sync_states WHERE user_id = ?`, userID)
}

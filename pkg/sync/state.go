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

// Package sync coordinates pull-based syncs: the per-resource sync-state
// machine and the orchestrators that drive the GitHub client and the
// entity applier.
package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/stefkors/gitmirror/pkg/ratelimit"
	"github.com/stefkors/gitmirror/pkg/store"
)

// Resource types tracked by the sync-state machine.
const (
	ResourceInitial = "github:initial"
	ResourceOrgs    = "github:orgs"
	ResourceRepos   = "github:repos"
	ResourcePulls   = "github:pulls"
	ResourcePull    = "github:pull"
	ResourceIssue   = "github:issue"
	ResourceTree    = "github:tree"
	ResourceCommits = "github:commits"
)

// staleSyncingThreshold is how old a "syncing" row must be before the
// startup recovery pass flips it to error.
const staleSyncingThreshold = 5 * time.Minute

// States is the per-resource sync-state machine. All transitions are
// explicit; concurrent Begin calls for the same resource are idempotent
// no-ops for the loser.
type States struct {
	db  *store.Store
	now func() time.Time
}

// NewStates creates the state machine over the given store.
func NewStates(db *store.Store) *States {
	return &States{db: db, now: time.Now}
}

// Begin transitions idle → syncing and returns the row. started is false
// when the resource is already syncing (idempotent re-entry), in error
// awaiting an explicit retry, or stamped auth_invalid.
func (s *States) Begin(ctx context.Context, userID, resourceType, resourceID string) (state *store.SyncState, started bool, err error) {
	now := s.now().UTC()
	err = s.db.WithTx(ctx, func(tx *store.Tx) error {
		existing, err := tx.GetSyncState(ctx, userID, resourceType, resourceID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			existing = &store.SyncState{
				UserID:       userID,
				ResourceType: resourceType,
				ResourceID:   resourceID,
				SyncStatus:   store.SyncStatusIdle,
			}
		}

		switch existing.SyncStatus {
		case store.SyncStatusSyncing, store.SyncStatusError, store.SyncStatusAuthInvalid:
			state = existing
			return nil
		}

		existing.SyncStatus = store.SyncStatusSyncing
		existing.SyncError = sql.NullString{}
		existing.LastSyncedAt = sql.NullTime{Time: now, Valid: true}
		if err := tx.UpsertSyncState(ctx, existing); err != nil {
			return err
		}
		state = existing
		started = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin sync: %w", err)
	}
	return state, started, nil
}

// Complete transitions syncing → idle, persisting the new ETag and rate
// limit counters.
func (s *States) Complete(ctx context.Context, userID, resourceType, resourceID, etag string, rl ratelimit.Snapshot) error {
	return s.finish(ctx, userID, resourceType, resourceID, store.SyncStatusIdle, "", etag, true, rl)
}

// Fail transitions syncing → error with a short human-readable message.
func (s *States) Fail(ctx context.Context, userID, resourceType, resourceID, message string, rl ratelimit.Snapshot) error {
	return s.finish(ctx, userID, resourceType, resourceID, store.SyncStatusError, message, "", false, rl)
}

// MarkAuthInvalid stamps one resource row auth_invalid.
func (s *States) MarkAuthInvalid(ctx context.Context, userID, resourceType, resourceID, message string) error {
	return s.finish(ctx, userID, resourceType, resourceID, store.SyncStatusAuthInvalid, message, "", false, ratelimit.Snapshot{})
}

func (s *States) finish(ctx context.Context, userID, resourceType, resourceID, status, message, etag string, setETag bool, rl ratelimit.Snapshot) error {
	err := s.db.WithTx(ctx, func(tx *store.Tx) error {
		state, err := tx.GetSyncState(ctx, userID, resourceType, resourceID)
		if err != nil {
			return err
		}
		state.SyncStatus = status
		state.SyncError = sql.NullString{String: message, Valid: message != ""}
		if setETag && etag != "" {
			state.LastETag = sql.NullString{String: etag, Valid: true}
		}
		if rl.Limit > 0 {
			state.RateLimitRemaining = sql.NullInt64{Int64: int64(rl.Remaining), Valid: true}
			state.RateLimitReset = sql.NullTime{Time: rl.ResetAt, Valid: !rl.ResetAt.IsZero()}
		}
		return tx.UpsertSyncState(ctx, state)
	})
	if err != nil {
		return fmt.Errorf("failed to finish sync (%s): %w", status, err)
	}
	return nil
}

// Retry transitions error → idle; rows in any other state are left
// unchanged. Reset also returns an error row to idle.
func (s *States) Retry(ctx context.Context, userID, resourceType, resourceID string) error {
	err := s.db.WithTx(ctx, func(tx *store.Tx) error {
		state, err := tx.GetSyncState(ctx, userID, resourceType, resourceID)
		if err != nil {
			return err
		}
		if state.SyncStatus != store.SyncStatusError {
			return nil
		}
		state.SyncStatus = store.SyncStatusIdle
		state.SyncError = sql.NullString{}
		return tx.UpsertSyncState(ctx, state)
	})
	if err != nil {
		return fmt.Errorf("failed to retry sync state: %w", err)
	}
	return nil
}

// Reset clears the ETag, error, and lastSyncedAt and returns the row to
// idle, forcing the next sync to refetch from scratch.
func (s *States) Reset(ctx context.Context, userID, resourceType, resourceID string) error {
	err := s.db.WithTx(ctx, func(tx *store.Tx) error {
		state, err := tx.GetSyncState(ctx, userID, resourceType, resourceID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		state.SyncStatus = store.SyncStatusIdle
		state.SyncError = sql.NullString{}
		state.LastETag = sql.NullString{}
		state.LastSyncedAt = sql.NullTime{}
		return tx.UpsertSyncState(ctx, state)
	})
	if err != nil {
		return fmt.Errorf("failed to reset sync state: %w", err)
	}
	return nil
}

// RecoverStale flips any row stuck in syncing longer than the stale
// threshold back to error. A cancelled orchestrator leaves syncing only
// transiently; this runs once on startup.
func (s *States) RecoverStale(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-staleSyncingThreshold)
	recovered := 0
	err := s.db.WithTx(ctx, func(tx *store.Tx) error {
		stale, err := tx.ListStaleSyncing(ctx, cutoff)
		if err != nil {
			return err
		}
		for _, state := range stale {
			state.SyncStatus = store.SyncStatusError
			state.SyncError = sql.NullString{String: "stale", Valid: true}
			if err := tx.UpsertSyncState(ctx, state); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale sync states: %w", err)
	}
	if recovered > 0 {
		logging.FromContext(ctx).WarnContext(ctx, "recovered stale sync states", "count", recovered)
	}
	return recovered, nil
}

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
	"errors"
	"testing"
	"time"
)

func testStore(ctx context.Context, t *testing.T) *Store {
	t.Helper()

	db, err := Open(ctx, "")
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

func TestWithTx_RollbackOnError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testStore(ctx, t)
	now := time.Now().UTC()

	wantErr := errors.New("boom")
	err := db.WithTx(ctx, func(tx *Tx) error {
		if err := tx.UpsertUser(ctx, &User{
			ID: "u1", GitHubID: 1, Login: "octocat", CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected error %v, got %v", wantErr, err)
	}

	if err := db.ReadTx(ctx, func(tx *Tx) error {
		_, err := tx.GetUser(ctx, "u1")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected user write to roll back, got err=%v", err)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestSyncState_OneRowPerResource(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testStore(ctx, t)
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		err := db.WithTx(ctx, func(tx *Tx) error {
			return tx.UpsertSyncState(ctx, &SyncState{
				UserID:       "u1",
				ResourceType: "github:repos",
				SyncStatus:   SyncStatusSyncing,
				LastSyncedAt: sql.NullTime{Time: now, Valid: true},
			})
		})
		if err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	if err := db.ReadTx(ctx, func(tx *Tx) error {
		states, err := tx.ListSyncStates(ctx, "u1")
		if err != nil {
			return err
		}
		if got, want := len(states), 1; got != want {
			t.Errorf("expected %d sync state, got %d", want, got)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestWebhookDelivery_DuplicateInsertRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testStore(ctx, t)
	now := time.Now().UTC()

	delivery := &WebhookDelivery{
		DeliveryID: "d1",
		Event:      "pull_request",
		Status:     DeliveryStatusReceived,
		ReceivedAt: now,
	}
	if err := db.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertWebhookDelivery(ctx, delivery)
	}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := db.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertWebhookDelivery(ctx, delivery)
	}); err == nil {
		t.Fatal("expected second insert of the same delivery id to fail")
	}
}

func TestQueue_ClaimAndLeaseLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testStore(ctx, t)
	now := time.Now().UTC()

	item := &WebhookQueueItem{
		ID:          "item1",
		DeliveryID:  "d1",
		Event:       "push",
		Payload:     sql.NullString{String: "{}", Valid: true},
		Status:      QueueStatusPending,
		MaxAttempts: 5,
		NextRetryAt: now.Add(-time.Second),
		CreatedAt:   now.Add(-time.Minute),
	}
	if err := db.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertWebhookQueueItem(ctx, item)
	}); err != nil {
		t.Fatal(err)
	}

	// Claim moves the item to processing under a lease.
	if err := db.WithTx(ctx, func(tx *Tx) error {
		claimed, err := tx.ClaimPendingQueueItems(ctx, "worker-a", 10, now)
		if err != nil {
			return err
		}
		if len(claimed) != 1 || claimed[0].ID != "item1" {
			t.Errorf("expected to claim item1, got %+v", claimed)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	// A second claim finds nothing.
	if err := db.WithTx(ctx, func(tx *Tx) error {
		claimed, err := tx.ClaimPendingQueueItems(ctx, "worker-b", 10, now)
		if err != nil {
			return err
		}
		if len(claimed) != 0 {
			t.Errorf("expected no claimable items, got %d", len(claimed))
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	// An expired lease returns the item to pending.
	if err := db.WithTx(ctx, func(tx *Tx) error {
		n, err := tx.ReclaimExpiredLeases(ctx, now.Add(time.Hour))
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("expected to reclaim 1 lease, got %d", n)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := db.ReadTx(ctx, func(tx *Tx) error {
		got, err := tx.GetWebhookQueueItem(ctx, "item1")
		if err != nil {
			return err
		}
		if got.Status != QueueStatusPending {
			t.Errorf("expected pending after reclaim, got %q", got.Status)
		}
		if got.LeaseOwner.Valid {
			t.Errorf("expected cleared lease owner, got %q", got.LeaseOwner.String)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestQueue_DeadLetterInvariant(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testStore(ctx, t)
	now := time.Now().UTC()

	if err := db.WithTx(ctx, func(tx *Tx) error {
		if err := tx.InsertWebhookQueueItem(ctx, &WebhookQueueItem{
			ID: "item1", DeliveryID: "d1", Event: "push",
			Status: QueueStatusProcessing, MaxAttempts: 5,
			NextRetryAt: now, CreatedAt: now,
		}); err != nil {
			return err
		}
		return tx.DeadLetterQueueItem(ctx, "item1", 5, now, "exhausted")
	}); err != nil {
		t.Fatal(err)
	}

	if err := db.ReadTx(ctx, func(tx *Tx) error {
		got, err := tx.GetWebhookQueueItem(ctx, "item1")
		if err != nil {
			return err
		}
		if got.Status != QueueStatusDeadLetter {
			t.Errorf("expected dead_letter, got %q", got.Status)
		}
		if got.Attempts < got.MaxAttempts {
			t.Errorf("dead_letter with attempts %d < maxAttempts %d", got.Attempts, got.MaxAttempts)
		}
		if !got.FailedAt.Valid {
			t.Error("dead_letter item must have failedAt set")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestLink_IdempotentAndQueryable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testStore(ctx, t)

	if err := db.WithTx(ctx, func(tx *Tx) error {
		for i := 0; i < 2; i++ {
			if err := tx.Link(ctx, "pr1", "repository", "repo1"); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := db.ReadTx(ctx, func(tx *Tx) error {
		ids, err := tx.Linked(ctx, "pr1", "repository")
		if err != nil {
			return err
		}
		if len(ids) != 1 || ids[0] != "repo1" {
			t.Errorf("expected single link to repo1, got %v", ids)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

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

package queue

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stefkors/gitmirror/pkg/store"
)

// fakeDispatcher fails a configured number of times before succeeding.
type fakeDispatcher struct {
	mu        sync.Mutex
	failures  int
	calls     int
	lastEvent string
	err       error
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, deliveryID, event string, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.lastEvent = event
	if d.err != nil {
		return d.err
	}
	if d.calls <= d.failures {
		return errors.New("transient failure")
	}
	return nil
}

func testProcessor(ctx context.Context, t *testing.T, dispatcher Dispatcher) (*Processor, *store.Store) {
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

	p := NewProcessor(db, dispatcher, Config{
		BatchSize:   10,
		BackoffBase: time.Second,
		BackoffCap:  time.Minute,
	})
	return p, db
}

func enqueueItem(ctx context.Context, t *testing.T, db *store.Store, id, deliveryID string, maxAttempts int) {
	t.Helper()

	now := time.Now().UTC()
	if err := db.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertWebhookDelivery(ctx, &store.WebhookDelivery{
			DeliveryID: deliveryID,
			Event:      "pull_request",
			Status:     store.DeliveryStatusReceived,
			ReceivedAt: now,
		}); err != nil {
			return err
		}
		return tx.InsertWebhookQueueItem(ctx, &store.WebhookQueueItem{
			ID:          id,
			DeliveryID:  deliveryID,
			Event:       "pull_request",
			Payload:     sql.NullString{String: `{"action":"opened"}`, Valid: true},
			Status:      store.QueueStatusPending,
			MaxAttempts: maxAttempts,
			NextRetryAt: now.Add(-time.Second),
			CreatedAt:   now.Add(-time.Minute),
		})
	}); err != nil {
		t.Fatal(err)
	}
}

func getItem(ctx context.Context, t *testing.T, db *store.Store, id string) *store.WebhookQueueItem {
	t.Helper()

	var item *store.WebhookQueueItem
	if err := db.ReadTx(ctx, func(tx *store.Tx) error {
		got, err := tx.GetWebhookQueueItem(ctx, id)
		if err != nil {
			return err
		}
		item = got
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return item
}

func TestProcessBatch_Success(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dispatcher := &fakeDispatcher{}
	p, db := testProcessor(ctx, t, dispatcher)
	enqueueItem(ctx, t, db, "item1", "d1", 5)

	n, err := p.ProcessBatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 item processed, got %d", n)
	}

	item := getItem(ctx, t, db, "item1")
	if item.Status != store.QueueStatusProcessed {
		t.Errorf("expected processed, got %q", item.Status)
	}
	if item.Payload.Valid {
		t.Error("payload must be cleared after processing")
	}
	if !item.ProcessedAt.Valid {
		t.Error("processedAt must be set")
	}

	if err := db.ReadTx(ctx, func(tx *store.Tx) error {
		d, err := tx.GetWebhookDelivery(ctx, "d1")
		if err != nil {
			return err
		}
		if d.Status != store.DeliveryStatusProcessed {
			t.Errorf("expected delivery processed, got %q", d.Status)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestProcessBatch_RetryThenDeadLetter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dispatcher := &fakeDispatcher{err: errors.New("permanent failure")}
	p, db := testProcessor(ctx, t, dispatcher)
	enqueueItem(ctx, t, db, "item1", "d1", 3)

	// Each pass bumps attempts; before max the item returns to pending
	// with a future nextRetryAt.
	for attempt := 1; attempt < 3; attempt++ {
		makeItemDue(ctx, t, db, "item1")
		if _, err := p.ProcessBatch(ctx); err != nil {
			t.Fatal(err)
		}

		item := getItem(ctx, t, db, "item1")
		if item.Status != store.QueueStatusPending {
			t.Fatalf("attempt %d: expected pending, got %q", attempt, item.Status)
		}
		if item.Attempts != attempt {
			t.Fatalf("attempt %d: expected attempts=%d, got %d", attempt, attempt, item.Attempts)
		}
		if !item.NextRetryAt.After(time.Now().UTC()) {
			t.Fatalf("attempt %d: expected future nextRetryAt, got %v", attempt, item.NextRetryAt)
		}
		if !item.LastError.Valid {
			t.Fatalf("attempt %d: expected lastError to be set", attempt)
		}
	}

	// The final attempt dead-letters.
	makeItemDue(ctx, t, db, "item1")
	if _, err := p.ProcessBatch(ctx); err != nil {
		t.Fatal(err)
	}

	item := getItem(ctx, t, db, "item1")
	if item.Status != store.QueueStatusDeadLetter {
		t.Fatalf("expected dead_letter, got %q", item.Status)
	}
	if item.Attempts < item.MaxAttempts {
		t.Errorf("dead_letter with attempts %d < maxAttempts %d", item.Attempts, item.MaxAttempts)
	}
	if !item.FailedAt.Valid {
		t.Error("dead_letter item must have failedAt")
	}
}

// makeItemDue rewinds nextRetryAt so the next pass claims the item again.
func makeItemDue(ctx context.Context, t *testing.T, db *store.Store, id string) {
	t.Helper()

	if err := db.WithTx(ctx, func(tx *store.Tx) error {
		item, err := tx.GetWebhookQueueItem(ctx, id)
		if err != nil {
			return err
		}
		if item.Status != store.QueueStatusPending {
			return nil
		}
		return tx.RequeueQueueItem(ctx, id, item.Attempts, time.Now().UTC().Add(-time.Second), lastError(item))
	}); err != nil {
		t.Fatal(err)
	}
}

func lastError(item *store.WebhookQueueItem) string {
	if item.LastError.Valid {
		return item.LastError.String
	}
	return ""
}

func TestBackoff_CappedExponential(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, _ := testProcessor(ctx, t, &fakeDispatcher{})

	prev := time.Duration(0)
	for attempts := 1; attempts <= 5; attempts++ {
		got := p.backoff(attempts)
		if got <= prev {
			t.Errorf("backoff(%d)=%v not greater than backoff(%d)=%v", attempts, got, attempts-1, prev)
		}
		prev = got
	}

	// Far past the cap the jittered value stays within 110% of it.
	got := p.backoff(30)
	if max := time.Duration(float64(p.cfg.BackoffCap) * 1.1); got > max {
		t.Errorf("backoff(30)=%v exceeds cap with jitter %v", got, max)
	}
}

func TestRetryAllAndDiscardAll(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dispatcher := &fakeDispatcher{err: errors.New("always fails")}
	p, db := testProcessor(ctx, t, dispatcher)
	enqueueItem(ctx, t, db, "item1", "d1", 1)

	if _, err := p.ProcessBatch(ctx); err != nil {
		t.Fatal(err)
	}
	if got := getItem(ctx, t, db, "item1"); got.Status != store.QueueStatusDeadLetter {
		t.Fatalf("expected dead_letter, got %q", got.Status)
	}

	retried, err := p.RetryAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if retried != 1 {
		t.Fatalf("expected 1 retried, got %d", retried)
	}
	item := getItem(ctx, t, db, "item1")
	if item.Status != store.QueueStatusPending || item.Attempts != 0 {
		t.Fatalf("expected reset pending item, got status=%q attempts=%d", item.Status, item.Attempts)
	}

	// Run it back to dead letter, then discard.
	if _, err := p.ProcessBatch(ctx); err != nil {
		t.Fatal(err)
	}
	discarded, err := p.DiscardAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if discarded != 1 {
		t.Fatalf("expected 1 discarded, got %d", discarded)
	}
}

func TestHealth_Thresholds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, db := testProcessor(ctx, t, &fakeDispatcher{})

	snapshot, err := p.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snapshot.Status != HealthOK {
		t.Errorf("expected ok on empty queue, got %q", snapshot.Status)
	}
	if len(snapshot.Alerts) != 0 {
		t.Errorf("expected no alerts, got %v", snapshot.Alerts)
	}

	// One dead-letter item raises a warning.
	now := time.Now().UTC()
	if err := db.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertWebhookQueueItem(ctx, &store.WebhookQueueItem{
			ID: "dead1", DeliveryID: "d-dead", Event: "push",
			Status: store.QueueStatusDeadLetter, MaxAttempts: 5, Attempts: 5,
			NextRetryAt: now, CreatedAt: now,
			FailedAt: sql.NullTime{Time: now, Valid: true},
		}); err != nil {
			return err
		}
		// A very old pending item goes critical.
		return tx.InsertWebhookQueueItem(ctx, &store.WebhookQueueItem{
			ID: "old1", DeliveryID: "d-old", Event: "push",
			Payload: sql.NullString{String: "{}", Valid: true},
			Status:  store.QueueStatusPending, MaxAttempts: 5,
			NextRetryAt: now, CreatedAt: now.Add(-time.Hour),
		})
	}); err != nil {
		t.Fatal(err)
	}

	snapshot, err = p.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snapshot.Status != HealthCritical {
		t.Errorf("expected critical, got %q (alerts %v)", snapshot.Status, snapshot.Alerts)
	}
	if len(snapshot.Alerts) == 0 {
		t.Error("expected alerts to be populated")
	}
	if snapshot.Queue.DeadLetter != 1 || snapshot.Queue.Pending != 1 {
		t.Errorf("unexpected queue counts: %+v", snapshot.Queue)
	}
}

func TestCleanup_DeletesOldFinishedItems(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, db := testProcessor(ctx, t, &fakeDispatcher{})

	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	if err := db.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertWebhookQueueItem(ctx, &store.WebhookQueueItem{
			ID: "done1", DeliveryID: "d1", Event: "push",
			Status: store.QueueStatusProcessed, MaxAttempts: 5,
			NextRetryAt: old, CreatedAt: old,
			ProcessedAt: sql.NullTime{Time: old, Valid: true},
		}); err != nil {
			return err
		}
		return tx.InsertWebhookQueueItem(ctx, &store.WebhookQueueItem{
			ID: "dead1", DeliveryID: "d2", Event: "push",
			Status: store.QueueStatusDeadLetter, MaxAttempts: 5, Attempts: 5,
			NextRetryAt: old, CreatedAt: old,
			FailedAt: sql.NullTime{Time: old, Valid: true},
		})
	}); err != nil {
		t.Fatal(err)
	}

	if err := p.Cleanup(ctx); err != nil {
		t.Fatal(err)
	}

	if err := db.ReadTx(ctx, func(tx *store.Tx) error {
		n, err := tx.Count(ctx, "webhook_queue")
		if err != nil {
			return err
		}
		if n != 0 {
			t.Errorf("expected cleanup to delete both items, %d remain", n)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

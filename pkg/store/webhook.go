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
	"time"
)

// Webhook delivery statuses.
const (
	DeliveryStatusReceived  = "received"
	DeliveryStatusProcessed = "processed"
	DeliveryStatusFailed    = "failed"
)

// Webhook queue item statuses.
const (
	QueueStatusPending    = "pending"
	QueueStatusProcessing = "processing"
	QueueStatusProcessed  = "processed"
	QueueStatusFailed     = "failed"
	QueueStatusDeadLetter = "dead_letter"
)

// WebhookDelivery records one received delivery ID, retained for replay
// suppression.
type WebhookDelivery struct {
	DeliveryID  string         `db:"delivery_id"`
	Event       string         `db:"event"`
	Status      string         `db:"status"`
	ReceivedAt  time.Time      `db:"received_at"`
	ProcessedAt sql.NullTime   `db:"processed_at"`
	Error       sql.NullString `db:"error"`
	RawPayload  sql.NullString `db:"raw_payload"`
}

// WebhookQueueItem is one unit of asynchronous webhook work.
type WebhookQueueItem struct {
	ID          string         `db:"id"`
	DeliveryID  string         `db:"delivery_id"`
	Event       string         `db:"event"`
	Action      sql.NullString `db:"action"`
	Payload     sql.NullString `db:"payload"`
	Status      string         `db:"status"`
	Attempts    int            `db:"attempts"`
	MaxAttempts int            `db:"max_attempts"`
	NextRetryAt time.Time      `db:"next_retry_at"`
	LastError   sql.NullString `db:"last_error"`
	LeaseOwner  sql.NullString `db:"lease_owner"`
	LeasedAt    sql.NullTime   `db:"leased_at"`
	CreatedAt   time.Time      `db:"created_at"`
	ProcessedAt sql.NullTime   `db:"processed_at"`
	FailedAt    sql.NullTime   `db:"failed_at"`
}

// GetWebhookDelivery returns the delivery record or ErrNotFound.
func (t *Tx) GetWebhookDelivery(ctx context.Context, deliveryID string) (*WebhookDelivery, error) {
	var d WebhookDelivery
	if err := t.get(ctx, &d, `SELECT * FROM webhook_deliveries WHERE delivery_id = ?`, deliveryID); err != nil {
		return nil, err
	}
	return &d, nil
}

// InsertWebhookDelivery inserts a new delivery record. The primary key
// rejects a second insert for the same delivery ID.
func (t *Tx) InsertWebhookDelivery(ctx context.Context, d *WebhookDelivery) error {
	return t.namedExec(ctx, `
		INSERT INTO webhook_deliveries (delivery_id, event, status, received_at, processed_at, error, raw_payload)
		VALUES (:delivery_id, :event, :status, :received_at, :processed_at, :error, :raw_payload)`, d)
}

// SetWebhookDeliveryStatus transitions a delivery record.
func (t *Tx) SetWebhookDeliveryStatus(ctx context.Context, deliveryID, status string, processedAt time.Time, errMsg string) error {
	return t.exec(ctx, `
		UPDATE webhook_deliveries SET status = ?, processed_at = ?, error = NULLIF(?, '')
		WHERE delivery_id = ?`, status, processedAt, errMsg, deliveryID)
}

// ListFailedWebhookDeliveries returns deliveries in failed state.
func (t *Tx) ListFailedWebhookDeliveries(ctx context.Context) ([]*WebhookDelivery, error) {
	var ds []*WebhookDelivery
	if err := t.selectAll(ctx, &ds,
		`SELECT * FROM webhook_deliveries WHERE status = ? ORDER BY received_at`, DeliveryStatusFailed); err != nil {
		return nil, err
	}
	return ds, nil
}

// InsertWebhookQueueItem enqueues a new item. The delivery_id unique
// constraint guarantees at most one item per delivery.
func (t *Tx) InsertWebhookQueueItem(ctx context.Context, item *WebhookQueueItem) error {
	return t.namedExec(ctx, `
		INSERT INTO webhook_queue (id, delivery_id, event, action, payload, status, attempts,
			max_attempts, next_retry_at, last_error, lease_owner, leased_at, created_at, processed_at, failed_at)
		VALUES (:id, :delivery_id, :event, :action, :payload, :status, :attempts,
			:max_attempts, :next_retry_at, :last_error, :lease_owner, :leased_at, :created_at, :processed_at, :failed_at)`, item)
}

// GetWebhookQueueItem returns one item or ErrNotFound.
func (t *Tx) GetWebhookQueueItem(ctx context.Context, id string) (*WebhookQueueItem, error) {
	var item WebhookQueueItem
	if err := t.get(ctx, &item, `SELECT * FROM webhook_queue WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &item, nil
}

// ClaimPendingQueueItems marks up to limit due pending items as processing
// under the given lease owner and returns them, oldest first.
func (t *Tx) ClaimPendingQueueItems(ctx context.Context, owner string, limit int, now time.Time) ([]*WebhookQueueItem, error) {
	var items []*WebhookQueueItem
	if err := t.selectAll(ctx, &items, `
		SELECT * FROM webhook_queue
		WHERE status = ? AND next_retry_at <= ?
		ORDER BY created_at LIMIT ?`, QueueStatusPending, now, limit); err != nil {
		return nil, err
	}
	for _, item := range items {
		if err := t.exec(ctx, `
			UPDATE webhook_queue SET status = ?, lease_owner = ?, leased_at = ?
			WHERE id = ?`, QueueStatusProcessing, owner, now, item.ID); err != nil {
			return nil, err
		}
		item.Status = QueueStatusProcessing
		item.LeaseOwner = sql.NullString{String: owner, Valid: true}
		item.LeasedAt = sql.NullTime{Time: now, Valid: true}
	}
	return items, nil
}

// MarkQueueItemProcessed completes an item and clears its payload.
func (t *Tx) MarkQueueItemProcessed(ctx context.Context, id string, now time.Time) error {
	return t.exec(ctx, `
		UPDATE webhook_queue SET status = ?, processed_at = ?, payload = NULL,
			lease_owner = NULL, leased_at = NULL
		WHERE id = ?`, QueueStatusProcessed, now, id)
}

// RequeueQueueItem returns an item to pending after a retryable failure.
func (t *Tx) RequeueQueueItem(ctx context.Context, id string, attempts int, nextRetryAt time.Time, lastError string) error {
	return t.exec(ctx, `
		UPDATE webhook_queue SET status = ?, attempts = ?, next_retry_at = ?, last_error = ?,
			lease_owner = NULL, leased_at = NULL
		WHERE id = ?`, QueueStatusPending, attempts, nextRetryAt, lastError, id)
}

// DeadLetterQueueItem parks an item after exhausted retries.
func (t *Tx) DeadLetterQueueItem(ctx context.Context, id string, attempts int, now time.Time, lastError string) error {
	return t.exec(ctx, `
		UPDATE webhook_queue SET status = ?, attempts = ?, failed_at = ?, last_error = ?,
			lease_owner = NULL, leased_at = NULL
		WHERE id = ?`, QueueStatusDeadLetter, attempts, now, lastError, id)
}

// ReclaimExpiredLeases returns processing items whose lease is older than
// the horizon back to pending. Crashed workers are recovered this way.
func (t *Tx) ReclaimExpiredLeases(ctx context.Context, horizon time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE webhook_queue SET status = ?, lease_owner = NULL, leased_at = NULL
		WHERE status = ? AND leased_at < ?`, QueueStatusPending, QueueStatusProcessing, horizon)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// RetryQueueItem resets a failed or dead-letter item for another attempt.
func (t *Tx) RetryQueueItem(ctx context.Context, id string, now time.Time) error {
	return t.exec(ctx, `
		UPDATE webhook_queue SET status = ?, attempts = 0, next_retry_at = ?, last_error = NULL,
			failed_at = NULL, lease_owner = NULL, leased_at = NULL
		WHERE id = ?`, QueueStatusPending, now, id)
}

// ListQueueItemsByStatus returns items in the given statuses, oldest first.
func (t *Tx) ListQueueItemsByStatus(ctx context.Context, statuses ...string) ([]*WebhookQueueItem, error) {
	query, args, err := inQuery(`SELECT * FROM webhook_queue WHERE status IN (?) ORDER BY created_at`, statuses)
	if err != nil {
		return nil, err
	}
	var items []*WebhookQueueItem
	if err := t.selectAll(ctx, &items, query, args...); err != nil {
		return nil, err
	}
	return items, nil
}

// QueueCounts is the observability snapshot of the queue.
type QueueCounts struct {
	Pending         int          `db:"-"`
	Processing      int          `db:"-"`
	Failed          int          `db:"-"`
	DeadLetter      int          `db:"-"`
	OldestPendingAt sql.NullTime `db:"-"`
	LastProcessedAt sql.NullTime `db:"-"`
}

// CountQueueItems computes the queue health counters.
func (t *Tx) CountQueueItems(ctx context.Context) (*QueueCounts, error) {
	var c QueueCounts
	rows := []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}{}
	if err := t.selectAll(ctx, &rows, `SELECT status, COUNT(*) AS n FROM webhook_queue GROUP BY status`); err != nil {
		return nil, err
	}
	for _, r := range rows {
		switch r.Status {
		case QueueStatusPending:
			c.Pending = r.N
		case QueueStatusProcessing:
			c.Processing = r.N
		case QueueStatusFailed:
			c.Failed = r.N
		case QueueStatusDeadLetter:
			c.DeadLetter = r.N
		}
	}
	if err := t.get(ctx, &c.OldestPendingAt,
		`SELECT created_at FROM webhook_queue WHERE status = ? ORDER BY created_at LIMIT 1`, QueueStatusPending); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err := t.get(ctx, &c.LastProcessedAt,
		`SELECT processed_at FROM webhook_queue WHERE status = ? ORDER BY processed_at DESC LIMIT 1`, QueueStatusProcessed); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return &c, nil
}

// CleanupQueue deletes processed items older than processedBefore and
// dead-letter items older than deadLetterBefore, up to cap rows.
func (t *Tx) CleanupQueue(ctx context.Context, processedBefore, deadLetterBefore time.Time, cap int) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM webhook_queue WHERE id IN (
			SELECT id FROM webhook_queue
			WHERE (status = ? AND processed_at < ?) OR (status = ? AND failed_at < ?)
			ORDER BY created_at LIMIT ?
		)`, QueueStatusProcessed, processedBefore, QueueStatusDeadLetter, deadLetterBefore, cap)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteQueueItem removes one item (operator discard).
func (t *Tx) DeleteQueueItem(ctx context.Context, id string) error {
	return t.exec(ctx, `DELETE FROM webhook_queue WHERE id = ?`, id)
}

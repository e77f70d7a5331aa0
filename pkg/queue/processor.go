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

// Package queue drains the durable webhook queue: claim, dispatch, retry
// with capped exponential backoff, dead-letter, and cleanup.
package queue

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abcxyz/pkg/logging"
	"github.com/stefkors/gitmirror/pkg/githubclient"
	"github.com/stefkors/gitmirror/pkg/store"
)

// Dispatcher routes a queue item's event to the entity applier.
type Dispatcher interface {
	Dispatch(ctx context.Context, deliveryID, event string, payload []byte) error
}

// Config tunes the processor. Zero values take the defaults.
type Config struct {
	// BatchSize is how many due items one pass claims.
	BatchSize int

	// PollInterval is the idle wait between passes.
	PollInterval time.Duration

	// BackoffBase and BackoffCap bound the retry backoff:
	// min(2^attempts * base, cap), with jitter.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// LeaseHorizon is how old a processing lease may grow before the item
	// is considered abandoned and returned to pending.
	LeaseHorizon time.Duration

	// ProcessedRetention and DeadLetterRetention bound how long finished
	// items are kept; CleanupCap bounds deletions per cleanup pass.
	ProcessedRetention  time.Duration
	DeadLetterRetention time.Duration
	CleanupCap          int

	// CleanupInterval is the wait between cleanup passes.
	CleanupInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BatchSize <= 0 {
		out.BatchSize = 10
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 2 * time.Second
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 30 * time.Second
	}
	if out.BackoffCap <= 0 {
		out.BackoffCap = time.Hour
	}
	if out.LeaseHorizon <= 0 {
		out.LeaseHorizon = 10 * time.Minute
	}
	if out.ProcessedRetention <= 0 {
		out.ProcessedRetention = 24 * time.Hour
	}
	if out.DeadLetterRetention <= 0 {
		out.DeadLetterRetention = 7 * 24 * time.Hour
	}
	if out.CleanupCap <= 0 {
		out.CleanupCap = 500
	}
	if out.CleanupInterval <= 0 {
		out.CleanupInterval = time.Hour
	}
	return out
}

// Processor is the queue worker. One processor drains items serially;
// leases make crashed processors recoverable.
type Processor struct {
	db         *store.Store
	dispatcher Dispatcher
	cfg        Config
	workerID   string
	now        func() time.Time

	mu   sync.Mutex
	rand *rand.Rand
}

// NewProcessor creates a processor.
func NewProcessor(db *store.Store, dispatcher Dispatcher, cfg Config) *Processor {
	return &Processor{
		db:         db,
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
		workerID:   uuid.NewString(),
		now:        time.Now,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start runs the processing and cleanup loops until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	logger.InfoContext(ctx, "webhook queue processor starting", "workerId", p.workerID)

	poll := time.NewTicker(p.cfg.PollInterval)
	defer poll.Stop()
	cleanup := time.NewTicker(p.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "webhook queue processor stopping", "workerId", p.workerID)
			return nil
		case <-poll.C:
			if n, err := p.ProcessBatch(ctx); err != nil {
				logger.ErrorContext(ctx, "queue pass failed", "error", err)
			} else if n > 0 {
				logger.DebugContext(ctx, "queue pass finished", "processed", n)
			}
		case <-cleanup.C:
			if err := p.Cleanup(ctx); err != nil {
				logger.ErrorContext(ctx, "queue cleanup failed", "error", err)
			}
		}
	}
}

// ProcessBatch claims up to BatchSize due items and processes them. It
// returns the number of items handled.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	now := p.now().UTC()

	var items []*store.WebhookQueueItem
	err := p.db.WithTx(ctx, func(tx *store.Tx) error {
		claimed, err := tx.ClaimPendingQueueItems(ctx, p.workerID, p.cfg.BatchSize, now)
		if err != nil {
			return err
		}
		items = claimed
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to claim queue items: %w", err)
	}

	for _, item := range items {
		p.processItem(ctx, item)
	}
	return len(items), nil
}

// processItem dispatches one claimed item and records the outcome.
// Processing within a delivery ID is serialized by the claim; across
// deliveries ordering is not guaranteed and the appliers tolerate it.
func (p *Processor) processItem(ctx context.Context, item *store.WebhookQueueItem) {
	logger := logging.FromContext(ctx)

	err := p.dispatchItem(ctx, item)
	if err == nil {
		p.markProcessed(ctx, item, "")
		return
	}

	// A 404 is terminal for the item: the entity is gone and retrying
	// cannot bring it back.
	if githubclient.IsNotFound(err) {
		p.markProcessed(ctx, item, err.Error())
		return
	}

	attempts := item.Attempts + 1
	now := p.now().UTC()
	if attempts >= item.MaxAttempts {
		logger.ErrorContext(ctx, "dead-lettering webhook delivery",
			"deliveryId", item.DeliveryID, "event", item.Event, "attempts", attempts, "error", err)
		p.finishTx(ctx, func(tx *store.Tx) error {
			if err := tx.DeadLetterQueueItem(ctx, item.ID, attempts, now, shortError(err)); err != nil {
				return err
			}
			return tx.SetWebhookDeliveryStatus(ctx, item.DeliveryID, store.DeliveryStatusFailed, now, shortError(err))
		})
		return
	}

	delay := p.backoff(attempts)
	logger.WarnContext(ctx, "webhook delivery failed, will retry",
		"deliveryId", item.DeliveryID, "event", item.Event,
		"attempts", attempts, "nextRetryIn", delay.String(), "error", err)
	p.finishTx(ctx, func(tx *store.Tx) error {
		return tx.RequeueQueueItem(ctx, item.ID, attempts, now.Add(delay), shortError(err))
	})
}

func (p *Processor) dispatchItem(ctx context.Context, item *store.WebhookQueueItem) error {
	if !item.Payload.Valid || item.Payload.String == "" {
		return fmt.Errorf("queue item %s has no payload", item.ID)
	}
	return p.dispatcher.Dispatch(ctx, item.DeliveryID, item.Event, []byte(item.Payload.String))
}

func (p *Processor) markProcessed(ctx context.Context, item *store.WebhookQueueItem, note string) {
	now := p.now().UTC()
	p.finishTx(ctx, func(tx *store.Tx) error {
		if err := tx.MarkQueueItemProcessed(ctx, item.ID, now); err != nil {
			return err
		}
		return tx.SetWebhookDeliveryStatus(ctx, item.DeliveryID, store.DeliveryStatusProcessed, now, note)
	})
}

func (p *Processor) finishTx(ctx context.Context, fn func(tx *store.Tx) error) {
	if err := p.db.WithTx(ctx, fn); err != nil {
		logging.FromContext(ctx).ErrorContext(ctx, "failed to record queue outcome", "error", err)
	}
}

// backoff computes min(2^attempts * base, cap) with up to 10% jitter.
func (p *Processor) backoff(attempts int) time.Duration {
	base := float64(p.cfg.BackoffBase) * math.Pow(2, float64(attempts))
	if capped := float64(p.cfg.BackoffCap); base > capped {
		base = capped
	}

	p.mu.Lock()
	jitter := 1 + 0.1*p.rand.Float64()
	p.mu.Unlock()
	return time.Duration(base * jitter)
}

// Cleanup reclaims expired leases and deletes finished items past their
// retention windows.
func (p *Processor) Cleanup(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	now := p.now().UTC()

	return p.db.WithTx(ctx, func(tx *store.Tx) error {
		reclaimed, err := tx.ReclaimExpiredLeases(ctx, now.Add(-p.cfg.LeaseHorizon))
		if err != nil {
			return fmt.Errorf("failed to reclaim leases: %w", err)
		}
		if reclaimed > 0 {
			logger.WarnContext(ctx, "reclaimed abandoned queue leases", "count", reclaimed)
		}

		deleted, err := tx.CleanupQueue(ctx,
			now.Add(-p.cfg.ProcessedRetention),
			now.Add(-p.cfg.DeadLetterRetention),
			p.cfg.CleanupCap)
		if err != nil {
			return fmt.Errorf("failed to clean up queue: %w", err)
		}
		if deleted > 0 {
			logger.InfoContext(ctx, "cleaned up finished queue items", "count", deleted)
		}
		return nil
	})
}

// RetryItem resets one failed or dead-letter item for reprocessing.
func (p *Processor) RetryItem(ctx context.Context, itemID string) error {
	now := p.now().UTC()
	err := p.db.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetWebhookQueueItem(ctx, itemID); err != nil {
			return err
		}
		return tx.RetryQueueItem(ctx, itemID, now)
	})
	if err != nil {
		return fmt.Errorf("failed to retry queue item: %w", err)
	}
	return nil
}

// DiscardItem deletes one item.
func (p *Processor) DiscardItem(ctx context.Context, itemID string) error {
	err := p.db.WithTx(ctx, func(tx *store.Tx) error {
		return tx.DeleteQueueItem(ctx, itemID)
	})
	if err != nil {
		return fmt.Errorf("failed to discard queue item: %w", err)
	}
	return nil
}

// RetryAll resets every failed and dead-letter item. It returns how many
// were reset.
func (p *Processor) RetryAll(ctx context.Context) (int, error) {
	now := p.now().UTC()
	count := 0
	err := p.db.WithTx(ctx, func(tx *store.Tx) error {
		items, err := tx.ListQueueItemsByStatus(ctx, store.QueueStatusFailed, store.QueueStatusDeadLetter)
		if err != nil {
			return err
		}
		for _, item := range items {
			if err := tx.RetryQueueItem(ctx, item.ID, now); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to retry queue items: %w", err)
	}
	return count, nil
}

// DiscardAll deletes every failed and dead-letter item.
func (p *Processor) DiscardAll(ctx context.Context) (int, error) {
	count := 0
	err := p.db.WithTx(ctx, func(tx *store.Tx) error {
		items, err := tx.ListQueueItemsByStatus(ctx, store.QueueStatusFailed, store.QueueStatusDeadLetter)
		if err != nil {
			return err
		}
		for _, item := range items {
			if err := tx.DeleteQueueItem(ctx, item.ID); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to discard queue items: %w", err)
	}
	return count, nil
}

// ListFailed returns failed and dead-letter items for operator review.
func (p *Processor) ListFailed(ctx context.Context) ([]*store.WebhookQueueItem, error) {
	var items []*store.WebhookQueueItem
	err := p.db.ReadTx(ctx, func(tx *store.Tx) error {
		found, err := tx.ListQueueItemsByStatus(ctx, store.QueueStatusFailed, store.QueueStatusDeadLetter)
		if err != nil {
			return err
		}
		items = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func shortError(err error) string {
	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}

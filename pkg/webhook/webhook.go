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

// Package webhook receives signed GitHub webhook deliveries, suppresses
// replays, and enqueues them for asynchronous processing. The receiver
// never processes an event inline; GitHub's delivery timeout must not
// depend on downstream latency.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
	"github.com/stefkors/gitmirror/pkg/store"
)

const (
	// SHA256SignatureHeader is the GitHub header key used to pass the HMAC-SHA256 hexdigest.
	SHA256SignatureHeader = "X-Hub-Signature-256"
	// EventTypeHeader is the GitHub header key used to pass the event type.
	EventTypeHeader = "X-Github-Event"
	// DeliveryIDHeader is the GitHub header key used to pass the unique ID for the webhook event.
	DeliveryIDHeader = "X-Github-Delivery"
	// mb is used for conversion to megabytes.
	mb = 1000000

	// defaultMaxAttempts is how often a queue item is tried before
	// dead-lettering.
	defaultMaxAttempts = 5

	errReadingPayload   = "failed to read webhook payload"
	errNoPayload        = "no payload received"
	errMissingDelivery  = "missing delivery id header"
	errMissingHeaders   = "missing required webhook headers"
	errInvalidSignature = "failed to validate webhook signature"
	errMalformedPayload = "failed to parse webhook payload"
	errWritingToBackend = "failed to write to backend"
)

// Receiver is the webhook HTTP receiver.
type Receiver struct {
	db            *store.Store
	h             *renderer.Renderer
	webhookSecret string
	maxAttempts   int
	now           func() time.Time
}

// ReceiverOption mutates a Receiver during construction.
type ReceiverOption func(*Receiver)

// WithMaxAttempts overrides how often enqueued items are tried before
// dead-lettering.
func WithMaxAttempts(n int) ReceiverOption {
	return func(r *Receiver) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// NewReceiver creates a receiver writing to the given store.
func NewReceiver(db *store.Store, h *renderer.Renderer, webhookSecret string, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		db:            db,
		h:             h,
		webhookSecret: webhookSecret,
		maxAttempts:   defaultMaxAttempts,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// receiveResponse is the JSON body returned for accepted deliveries.
type receiveResponse struct {
	Received    bool   `json:"received"`
	Queued      bool   `json:"queued,omitempty"`
	Duplicate   bool   `json:"duplicate,omitempty"`
	QueueItemID string `json:"queueItemId,omitempty"`
}

// HandleWebhook handles the logic for receiving github webhooks and
// enqueueing them for the queue processor.
func (r *Receiver) HandleWebhook() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		logger := logging.FromContext(ctx)

		deliveryID := req.Header.Get(DeliveryIDHeader)
		eventType := req.Header.Get(EventTypeHeader)
		signature := req.Header.Get(SHA256SignatureHeader)

		if deliveryID == "" {
			logger.ErrorContext(ctx, "missing delivery id", "code", http.StatusBadRequest)
			r.h.RenderJSON(w, http.StatusBadRequest, errResponse(errMissingDelivery))
			return
		}
		if eventType == "" || signature == "" {
			logger.ErrorContext(ctx, "missing webhook headers",
				"code", http.StatusBadRequest, "deliveryId", deliveryID)
			r.h.RenderJSON(w, http.StatusBadRequest, errResponse(errMissingHeaders))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(req.Body, 25*mb))
		if err != nil {
			logger.ErrorContext(ctx, "failed to read webhook request body",
				"code", http.StatusInternalServerError, "deliveryId", deliveryID, "error", err)
			r.h.RenderJSON(w, http.StatusInternalServerError, errResponse(errReadingPayload))
			return
		}
		if len(payload) == 0 {
			logger.ErrorContext(ctx, "no payload received",
				"code", http.StatusBadRequest, "deliveryId", deliveryID)
			r.h.RenderJSON(w, http.StatusBadRequest, errResponse(errNoPayload))
			return
		}

		if !r.isValidSignature(signature, payload) {
			logger.ErrorContext(ctx, "failed to validate webhook payload",
				"code", http.StatusUnauthorized, "deliveryId", deliveryID)
			r.h.RenderJSON(w, http.StatusUnauthorized, errResponse(errInvalidSignature))
			return
		}

		var body struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			logger.ErrorContext(ctx, "failed to parse webhook payload",
				"code", http.StatusBadRequest, "deliveryId", deliveryID, "error", err)
			r.h.RenderJSON(w, http.StatusBadRequest, errResponse(errMalformedPayload))
			return
		}

		resp, err := r.enqueue(ctx, deliveryID, eventType, body.Action, payload)
		if err != nil {
			logger.ErrorContext(ctx, "failed to enqueue webhook delivery",
				"code", http.StatusInternalServerError, "deliveryId", deliveryID, "error", err)
			r.h.RenderJSON(w, http.StatusInternalServerError, errResponse(errWritingToBackend))
			return
		}

		if resp.Duplicate {
			logger.InfoContext(ctx, "suppressed replayed delivery",
				"deliveryId", deliveryID, "event", eventType)
		}
		r.h.RenderJSON(w, http.StatusOK, resp)
	})
}

// enqueue records the delivery and inserts a queue item in a single
// transaction. A delivery ID seen before is suppressed.
func (r *Receiver) enqueue(ctx context.Context, deliveryID, eventType, action string, payload []byte) (*receiveResponse, error) {
	now := r.now().UTC()
	resp := &receiveResponse{Received: true}

	err := r.db.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetWebhookDelivery(ctx, deliveryID); err == nil {
			resp.Duplicate = true
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if err := tx.InsertWebhookDelivery(ctx, &store.WebhookDelivery{
			DeliveryID: deliveryID,
			Event:      eventType,
			Status:     store.DeliveryStatusReceived,
			ReceivedAt: now,
			RawPayload: sql.NullString{String: string(payload), Valid: true},
		}); err != nil {
			return err
		}

		item := &store.WebhookQueueItem{
			ID:          uuid.NewString(),
			DeliveryID:  deliveryID,
			Event:       eventType,
			Action:      sql.NullString{String: action, Valid: action != ""},
			Payload:     sql.NullString{String: string(payload), Valid: true},
			Status:      store.QueueStatusPending,
			Attempts:    0,
			MaxAttempts: r.maxAttempts,
			NextRetryAt: now,
			CreatedAt:   now,
		}
		if err := tx.InsertWebhookQueueItem(ctx, item); err != nil {
			return err
		}

		resp.Queued = true
		resp.QueueItemID = item.ID
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue delivery: %w", err)
	}
	return resp, nil
}

// isValidSignature validates the http request signature against the
// signature of the payload.
func (r *Receiver) isValidSignature(signature string, payload []byte) bool {
	mac := hmac.New(sha256.New, []byte(r.webhookSecret))
	mac.Write(payload)
	got := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(signature), []byte(got)) == 1
}

func errResponse(msg string) map[string][]string {
	return map[string][]string{"errors": {msg}}
}

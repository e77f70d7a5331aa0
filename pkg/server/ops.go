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

package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// handleWebhookHealth serves the queue health snapshot for operators.
func (s *Server) handleWebhookHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		snapshot, err := s.processor.Health(ctx)
		if err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, snapshot)
	})
}

// queueItemView is the operator-facing projection of a queue item. The
// payload stays server-side.
type queueItemView struct {
	ID          string     `json:"id"`
	DeliveryID  string     `json:"deliveryId"`
	Event       string     `json:"event"`
	Action      string     `json:"action,omitempty"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	NextRetryAt time.Time  `json:"nextRetryAt"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
}

// handleWebhookQueue lists failed and dead-letter items (GET) and applies
// operator actions (POST).
func (s *Server) handleWebhookQueue() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		switch r.Method {
		case http.MethodGet:
			items, err := s.processor.ListFailed(ctx)
			if err != nil {
				s.renderError(ctx, w, err)
				return
			}
			views := make([]queueItemView, 0, len(items))
			for _, item := range items {
				view := queueItemView{
					ID:          item.ID,
					DeliveryID:  item.DeliveryID,
					Event:       item.Event,
					Status:      item.Status,
					Attempts:    item.Attempts,
					MaxAttempts: item.MaxAttempts,
					NextRetryAt: item.NextRetryAt,
					CreatedAt:   item.CreatedAt,
				}
				if item.Action.Valid {
					view.Action = item.Action.String
				}
				if item.LastError.Valid {
					view.LastError = item.LastError.String
				}
				if item.FailedAt.Valid {
					t := item.FailedAt.Time
					view.FailedAt = &t
				}
				views = append(views, view)
			}
			s.h.RenderJSON(w, http.StatusOK, map[string]any{"items": views})

		case http.MethodPost:
			var body struct {
				Action string `json:"action"`
				ItemID string `json:"itemId"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				s.badRequest(w, "invalid request body")
				return
			}

			switch body.Action {
			case "retry":
				if body.ItemID == "" {
					s.badRequest(w, "itemId is required for retry")
					return
				}
				if err := s.processor.RetryItem(ctx, body.ItemID); err != nil {
					s.renderError(ctx, w, err)
					return
				}
				s.h.RenderJSON(w, http.StatusOK, map[string]bool{"retried": true})

			case "discard":
				if body.ItemID == "" {
					s.badRequest(w, "itemId is required for discard")
					return
				}
				if err := s.processor.DiscardItem(ctx, body.ItemID); err != nil {
					s.renderError(ctx, w, err)
					return
				}
				s.h.RenderJSON(w, http.StatusOK, map[string]bool{"discarded": true})

			case "retry-all":
				count, err := s.processor.RetryAll(ctx)
				if err != nil {
					s.renderError(ctx, w, err)
					return
				}
				s.h.RenderJSON(w, http.StatusOK, map[string]int{"retried": count})

			case "discard-all":
				count, err := s.processor.DiscardAll(ctx)
				if err != nil {
					s.renderError(ctx, w, err)
					return
				}
				s.h.RenderJSON(w, http.StatusOK, map[string]int{"discarded": count})

			default:
				s.badRequest(w, "action must be retry, discard, retry-all, or discard-all")
			}

		default:
			s.methodNotAllowed(w)
		}
	})
}

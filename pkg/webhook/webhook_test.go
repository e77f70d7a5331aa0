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

package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/abcxyz/pkg/renderer"
	"github.com/stefkors/gitmirror/pkg/store"
)

const testWebhookSecret = "test-github-webhook-secret"

func createSignature(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func testReceiver(ctx context.Context, t *testing.T) (*Receiver, *store.Store) {
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

	h, err := renderer.New(ctx, nil)
	if err != nil {
		t.Fatalf("failed to create renderer: %v", err)
	}
	return NewReceiver(db, h, testWebhookSecret), db
}

func TestHandleWebhook(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	payload := []byte(`{"action":"opened","pull_request":{"id":1,"number":7}}`)

	cases := []struct {
		name          string
		deliveryID    string
		eventType     string
		signature     string
		payload       []byte
		expStatusCode int
		expQueued     bool
	}{
		{
			name:          "success",
			deliveryID:    "delivery-1",
			eventType:     "pull_request",
			signature:     "sha256=" + createSignature([]byte(testWebhookSecret), payload),
			payload:       payload,
			expStatusCode: http.StatusOK,
			expQueued:     true,
		},
		{
			name:          "missing_delivery_id",
			eventType:     "pull_request",
			signature:     "sha256=" + createSignature([]byte(testWebhookSecret), payload),
			payload:       payload,
			expStatusCode: http.StatusBadRequest,
		},
		{
			name:          "missing_event_header",
			deliveryID:    "delivery-2",
			signature:     "sha256=" + createSignature([]byte(testWebhookSecret), payload),
			payload:       payload,
			expStatusCode: http.StatusBadRequest,
		},
		{
			name:          "empty_payload",
			deliveryID:    "delivery-3",
			eventType:     "pull_request",
			signature:     "sha256=" + createSignature([]byte(testWebhookSecret), nil),
			expStatusCode: http.StatusBadRequest,
		},
		{
			name:          "invalid_signature",
			deliveryID:    "delivery-4",
			eventType:     "pull_request",
			signature:     "sha256=" + createSignature([]byte("not-the-secret"), payload),
			payload:       payload,
			expStatusCode: http.StatusUnauthorized,
		},
		{
			name:          "signature_over_different_body",
			deliveryID:    "delivery-5",
			eventType:     "pull_request",
			signature:     "sha256=" + createSignature([]byte(testWebhookSecret), []byte(`{"other":true}`)),
			payload:       payload,
			expStatusCode: http.StatusUnauthorized,
		},
		{
			name:          "malformed_payload",
			deliveryID:    "delivery-6",
			eventType:     "pull_request",
			signature:     "sha256=" + createSignature([]byte(testWebhookSecret), []byte(`{not json`)),
			payload:       []byte(`{not json`),
			expStatusCode: http.StatusBadRequest,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			receiver, db := testReceiver(ctx, t)

			req := httptest.NewRequest(http.MethodPost, "/api/github/webhook", bytes.NewReader(tc.payload))
			if tc.deliveryID != "" {
				req.Header.Set(DeliveryIDHeader, tc.deliveryID)
			}
			if tc.eventType != "" {
				req.Header.Set(EventTypeHeader, tc.eventType)
			}
			if tc.signature != "" {
				req.Header.Set(SHA256SignatureHeader, tc.signature)
			}

			resp := httptest.NewRecorder()
			receiver.HandleWebhook().ServeHTTP(resp, req)

			if got, want := resp.Code, tc.expStatusCode; got != want {
				t.Errorf("expected status %d, got %d: %s", want, got, resp.Body.String())
			}

			// Rejected deliveries must leave no trace.
			if tc.expStatusCode != http.StatusOK {
				if err := db.ReadTx(ctx, func(tx *store.Tx) error {
					n, err := tx.Count(ctx, "webhook_queue")
					if err != nil {
						return err
					}
					if n != 0 {
						t.Errorf("expected empty queue, found %d items", n)
					}
					n, err = tx.Count(ctx, "webhook_deliveries")
					if err != nil {
						return err
					}
					if n != 0 {
						t.Errorf("expected no delivery records, found %d", n)
					}
					return nil
				}); err != nil {
					t.Fatal(err)
				}
				return
			}

			var body receiveResponse
			if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if body.Queued != tc.expQueued {
				t.Errorf("expected queued=%t, got %+v", tc.expQueued, body)
			}
			if tc.expQueued && body.QueueItemID == "" {
				t.Error("expected a queue item id")
			}
		})
	}
}

func TestHandleWebhook_DuplicateDelivery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	receiver, db := testReceiver(ctx, t)

	payload := []byte(`{"action":"opened"}`)
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/github/webhook", bytes.NewReader(payload))
		req.Header.Set(DeliveryIDHeader, "delivery-dup")
		req.Header.Set(EventTypeHeader, "pull_request")
		req.Header.Set(SHA256SignatureHeader, "sha256="+createSignature([]byte(testWebhookSecret), payload))
		resp := httptest.NewRecorder()
		receiver.HandleWebhook().ServeHTTP(resp, req)
		return resp
	}

	first := send()
	if first.Code != http.StatusOK {
		t.Fatalf("first delivery failed: %d %s", first.Code, first.Body.String())
	}

	second := send()
	if second.Code != http.StatusOK {
		t.Fatalf("replayed delivery failed: %d %s", second.Code, second.Body.String())
	}

	var body receiveResponse
	if err := json.Unmarshal(second.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Duplicate {
		t.Errorf("expected duplicate=true, got %+v", body)
	}
	if body.Queued {
		t.Errorf("replay must not enqueue, got %+v", body)
	}

	if err := db.ReadTx(ctx, func(tx *store.Tx) error {
		n, err := tx.Count(ctx, "webhook_queue")
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("expected exactly one queue item, found %d", n)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

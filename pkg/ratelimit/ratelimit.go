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

// Package ratelimit tracks the GitHub rate limit headers and throttles
// outgoing requests.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// authenticatedLimit is the authenticated per-token quota (5000/hour).
	authenticatedLimit = 5000

	// proactiveRate keeps steady-state usage under the hourly quota
	// (~1.2 req/sec = 4320/hr).
	proactiveRate = 1.2

	// HeaderRateLimit is the quota header.
	HeaderRateLimit = "X-Ratelimit-Limit"

	// HeaderRateRemaining is the remaining-requests header.
	HeaderRateRemaining = "X-Ratelimit-Remaining"

	// HeaderRateReset is the reset timestamp header (Unix seconds).
	HeaderRateReset = "X-Ratelimit-Reset"

	// HeaderRetryAfter is the retry-after header (seconds).
	HeaderRetryAfter = "Retry-After"
)

// Error is returned when a request is rejected because the quota is
// exhausted. The orchestrator decides whether to wait or surface it.
type Error struct {
	RetryAfter time.Duration
	Remaining  int
	Limit      int
	ResetAt    time.Time
}

func (e *Error) Error() string {
	return fmt.Sprintf("github rate limit exhausted (remaining %d of %d, resets %s)",
		e.Remaining, e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

// Snapshot is the current rate limit view, surfaced in sync-state and on
// the rate-limit endpoint.
type Snapshot struct {
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"resetAt"`
}

// Tracker parses GitHub rate limit headers and exposes a throttle latch.
// One tracker is shared by both ingestion paths of a user.
type Tracker struct {
	mu        sync.Mutex
	remaining int
	limit     int
	resetAt   time.Time
	bucket    *rate.Limiter
	now       func() time.Time
}

// New creates a tracker that assumes a full quota until the first response
// is observed.
func New() *Tracker {
	return &Tracker{
		remaining: authenticatedLimit,
		limit:     authenticatedLimit,
		bucket:    rate.NewLimiter(rate.Limit(proactiveRate), 1),
		now:       time.Now,
	}
}

// Update records the rate limit headers of a GitHub response.
func (t *Tracker) Update(resp *http.Response) {
	if resp == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if v := resp.Header.Get(HeaderRateRemaining); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			t.remaining = n
		}
	}
	if v := resp.Header.Get(HeaderRateLimit); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			t.limit = n
		}
	}
	if v := resp.Header.Get(HeaderRateReset); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			t.resetAt = time.Unix(n, 0)
		}
	}
}

// Check inspects a response for a rate-limit rejection (429, or 403 with
// the quota exhausted) and returns an *Error when one applies. It also
// updates the tracker from the response headers.
func (t *Tracker) Check(resp *http.Response) error {
	if resp == nil {
		return nil
	}
	t.Update(resp)

	t.mu.Lock()
	defer t.mu.Unlock()

	if resp.StatusCode != http.StatusTooManyRequests &&
		!(resp.StatusCode == http.StatusForbidden && t.remaining == 0) {
		return nil
	}

	resetAt := t.resetAt
	if v := resp.Header.Get(HeaderRetryAfter); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			resetAt = t.now().Add(time.Duration(secs) * time.Second)
		}
	}

	retryAfter := time.Until(resetAt)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &Error{
		RetryAfter: retryAfter,
		Remaining:  t.remaining,
		Limit:      t.limit,
		ResetAt:    resetAt,
	}
}

// Reserve rejects immediately with an *Error when the tracked quota is
// exhausted, otherwise it admits the request. It does not draw from the
// proactive bucket; only WaitIfThrottled uses that.
// Policy per the sync engine: reject, let the orchestrator decide.
func (t *Tracker) Reserve() error {
	t.mu.Lock()
	remaining := t.remaining
	limit := t.limit
	resetAt := t.resetAt
	t.mu.Unlock()

	if remaining == 0 && t.now().Before(resetAt) {
		return &Error{
			RetryAfter: time.Until(resetAt),
			Remaining:  remaining,
			Limit:      limit,
			ResetAt:    resetAt,
		}
	}

	return nil
}

// WaitIfThrottled blocks on the proactive bucket and returns how long the
// caller was held. Cancellable through ctx.
func (t *Tracker) WaitIfThrottled(ctx context.Context) (time.Duration, error) {
	start := t.now()
	if err := t.bucket.Wait(ctx); err != nil {
		return 0, fmt.Errorf("throttle wait cancelled: %w", err)
	}
	return t.now().Sub(start), nil
}

// Snapshot returns the current view for display.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Remaining: t.remaining,
		Limit:     t.limit,
		ResetAt:   t.resetAt,
	}
}

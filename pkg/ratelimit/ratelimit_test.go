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

package ratelimit

import (
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"
)

func responseWithHeaders(statusCode, remaining, limit int, reset time.Time) *http.Response {
	header := http.Header{}
	header.Set(HeaderRateRemaining, strconv.Itoa(remaining))
	header.Set(HeaderRateLimit, strconv.Itoa(limit))
	header.Set(HeaderRateReset, strconv.FormatInt(reset.Unix(), 10))
	return &http.Response{StatusCode: statusCode, Header: header}
}

func TestUpdateAndSnapshot(t *testing.T) {
	t.Parallel()

	tracker := New()
	reset := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	tracker.Update(responseWithHeaders(http.StatusOK, 4999, 5000, reset))

	snapshot := tracker.Snapshot()
	if snapshot.Remaining != 4999 || snapshot.Limit != 5000 {
		t.Errorf("unexpected snapshot: %+v", snapshot)
	}
	if !snapshot.ResetAt.Equal(reset) {
		t.Errorf("resetAt = %v, want %v", snapshot.ResetAt, reset)
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()

	future := time.Now().Add(time.Hour)

	cases := []struct {
		name       string
		statusCode int
		remaining  int
		expErr     bool
	}{
		{name: "ok", statusCode: http.StatusOK, remaining: 4000, expErr: false},
		{name: "forbidden_with_quota", statusCode: http.StatusForbidden, remaining: 10, expErr: false},
		{name: "forbidden_exhausted", statusCode: http.StatusForbidden, remaining: 0, expErr: true},
		{name: "too_many_requests", statusCode: http.StatusTooManyRequests, remaining: 100, expErr: true},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			tracker := New()
			err := tracker.Check(responseWithHeaders(tc.statusCode, tc.remaining, 5000, future))
			if tc.expErr {
				var rlErr *Error
				if !errors.As(err, &rlErr) {
					t.Fatalf("expected rate limit error, got %v", err)
				}
				if rlErr.RetryAfter <= 0 {
					t.Errorf("expected positive retryAfter, got %v", rlErr.RetryAfter)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestReserve_RejectsWhenExhausted(t *testing.T) {
	t.Parallel()

	tracker := New()
	if err := tracker.Reserve(); err != nil {
		t.Fatalf("fresh tracker must allow requests: %v", err)
	}

	tracker.Update(responseWithHeaders(http.StatusOK, 0, 5000, time.Now().Add(time.Hour)))

	err := tracker.Reserve()
	var rlErr *Error
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected rejection when exhausted, got %v", err)
	}

	// Past the reset the tracker admits requests again.
	tracker.Update(responseWithHeaders(http.StatusOK, 0, 5000, time.Now().Add(-time.Minute)))
	if err := tracker.Reserve(); err != nil {
		t.Errorf("expected admission after reset, got %v", err)
	}
}

func TestRetryAfterHeaderWins(t *testing.T) {
	t.Parallel()

	tracker := New()
	resp := responseWithHeaders(http.StatusTooManyRequests, 0, 5000, time.Now().Add(time.Hour))
	resp.Header.Set(HeaderRetryAfter, "120")

	err := tracker.Check(resp)
	var rlErr *Error
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if rlErr.RetryAfter > 121*time.Second || rlErr.RetryAfter < 110*time.Second {
		t.Errorf("retryAfter should honor Retry-After (~120s), got %v", rlErr.RetryAfter)
	}
}

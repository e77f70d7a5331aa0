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

package githubclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/stefkors/gitmirror/pkg/ratelimit"
)

func testClient(t *testing.T, handler http.Handler, opts ...Option) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts = append([]Option{WithBaseURL(srv.URL)}, opts...)
	return New(context.Background(), "user-1", "test-token", ratelimit.New(), opts...)
}

func TestFetchOrganizations_LenientDecoding(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Etag", `"tag-1"`)
		// The second element is malformed (login is an object); it must be
		// skipped without aborting the page.
		fmt.Fprint(w, `[
			{"id": 1, "login": "octo-org"},
			{"id": 2, "login": {"bad": true}},
			{"id": 3, "login": "other-org"}
		]`)
	})

	client := testClient(t, handler)
	res, err := client.FetchOrganizations(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}

	var logins []string
	for _, org := range res.Items {
		logins = append(logins, org.Login)
	}
	if diff := cmp.Diff([]string{"octo-org", "other-org"}, logins); diff != "" {
		t.Errorf("unexpected orgs (-want +got):\n%s", diff)
	}
	if res.ETag != `"tag-1"` {
		t.Errorf("etag = %q", res.ETag)
	}
}

func TestFetchOrganizations_NotModified(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"tag-1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Etag", `"tag-1"`)
		fmt.Fprint(w, `[]`)
	})

	client := testClient(t, handler)
	res, err := client.FetchOrganizations(context.Background(), `"tag-1"`)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Unchanged {
		t.Error("expected unchanged result for matching etag")
	}
	if len(res.Items) != 0 {
		t.Errorf("unchanged result must carry no items, got %d", len(res.Items))
	}
}

func TestFetchPullRequests_Pagination(t *testing.T) {
	t.Parallel()

	var baseURL string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "", "1":
			w.Header().Set("Link", fmt.Sprintf(`<%s/repos/o/r/pulls?page=2>; rel="next"`, baseURL))
			fmt.Fprint(w, `[{"id": 1, "number": 1, "state": "open", "title": "one"}]`)
		case "2":
			fmt.Fprint(w, `[{"id": 2, "number": 2, "state": "open", "title": "two"}]`)
		default:
			http.Error(w, "unexpected page", http.StatusBadRequest)
		}
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	baseURL = srv.URL

	client := New(context.Background(), "user-1", "test-token", ratelimit.New(), WithBaseURL(srv.URL))
	res, err := client.FetchPullRequests(context.Background(), "o", "r", "open", "")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(res.Items), 2; got != want {
		t.Fatalf("expected %d pulls across pages, got %d", want, got)
	}
	if res.Items[1].Number != 2 {
		t.Errorf("unexpected second page item: %+v", res.Items[1])
	}
}

func TestAuthErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		statusCode int
		body       string
		expAuthErr bool
		expHandler bool
	}{
		{
			name:       "unauthorized",
			statusCode: http.StatusUnauthorized,
			body:       `{"message": "Bad credentials"}`,
			expAuthErr: true,
			expHandler: true,
		},
		{
			name:       "forbidden_bad_credentials",
			statusCode: http.StatusForbidden,
			body:       `{"message": "Bad credentials"}`,
			expAuthErr: true,
			expHandler: true,
		},
		{
			name:       "forbidden_other",
			statusCode: http.StatusForbidden,
			body:       `{"message": "Resource not accessible"}`,
			expAuthErr: false,
			expHandler: false,
		},
		{
			name:       "not_found",
			statusCode: http.StatusNotFound,
			body:       `{"message": "Not Found"}`,
			expAuthErr: false,
			expHandler: false,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.statusCode)
				fmt.Fprint(w, tc.body)
			})

			var handlerFired atomic.Bool
			client := testClient(t, handler, WithAuthErrorHandler(func(ctx context.Context, userID string) error {
				handlerFired.Store(true)
				return nil
			}))

			_, err := client.FetchOrganizations(context.Background(), "")
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := IsAuthError(err); got != tc.expAuthErr {
				t.Errorf("IsAuthError = %t, want %t (err=%v)", got, tc.expAuthErr, err)
			}
			if got := handlerFired.Load(); got != tc.expHandler {
				t.Errorf("auth handler fired = %t, want %t", got, tc.expHandler)
			}
			if tc.statusCode == http.StatusNotFound && !IsNotFound(err) {
				t.Errorf("expected IsNotFound for 404, got %v", err)
			}
		})
	}
}

func TestRateLimitError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Ratelimit-Remaining", "0")
		w.Header().Set("X-Ratelimit-Limit", "5000")
		w.Header().Set("X-Ratelimit-Reset", "4102444800")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message": "API rate limit exceeded"}`)
	})

	client := testClient(t, handler)
	_, err := client.FetchOrganizations(context.Background(), "")

	var rlErr *ratelimit.Error
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected a rate limit error, got %v", err)
	}
	if rlErr.Remaining != 0 || rlErr.Limit != 5000 {
		t.Errorf("unexpected counters: %+v", rlErr)
	}
	if rlErr.RetryAfter <= 0 {
		t.Errorf("expected a positive retryAfter, got %v", rlErr.RetryAfter)
	}
	if IsAuthError(err) {
		t.Error("a rate limit rejection must not classify as an auth error")
	}
}

func TestParseNextLink(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		header string
		want   string
	}{
		{
			name:   "empty",
			header: "",
			want:   "",
		},
		{
			name:   "next_and_last",
			header: `<https://api.github.com/user/repos?page=2>; rel="next", <https://api.github.com/user/repos?page=9>; rel="last"`,
			want:   "https://api.github.com/user/repos?page=2",
		},
		{
			name:   "only_prev",
			header: `<https://api.github.com/user/repos?page=1>; rel="prev"`,
			want:   "",
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := parseNextLink(tc.header); got != tc.want {
				t.Errorf("parseNextLink(%q) = %q, want %q", tc.header, got, tc.want)
			}
		})
	}
}

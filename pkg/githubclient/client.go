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

// Package githubclient exposes the typed GitHub REST operations the sync
// engine uses: conditional requests, pagination, lenient decoding, and
// auth/rate-limit failure classification.
package githubclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/go-github/v56/github"
	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"

	"github.com/abcxyz/pkg/logging"
	"github.com/stefkors/gitmirror/pkg/ratelimit"
)

const (
	defaultBaseURL = "https://api.github.com"
	perPage        = 100
	maxBodyBytes   = 25 * 1000 * 1000

	requestTimeout = 30 * time.Second
)

// AuthErrorHandler is notified when a request fails with invalid
// credentials; it stamps the user's token sync-state.
type AuthErrorHandler func(ctx context.Context, userID string) error

// Client is a GitHub API client bound to one (userID, accessToken) pair.
type Client struct {
	userID      string
	baseURL     string
	httpClient  *http.Client
	gh          *github.Client
	limiter     *ratelimit.Tracker
	onAuthError AuthErrorHandler
}

// Option mutates a Client during construction.
type Option func(*Client)

// WithBaseURL points the client at a different API base URL (tests, GHES).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithAuthErrorHandler installs the token-invalidation hook.
func WithAuthErrorHandler(h AuthErrorHandler) Option {
	return func(c *Client) { c.onAuthError = h }
}

// New creates a client for the given user and token. The tracker is shared
// with the webhook path so both observe the same quota.
func New(ctx context.Context, userID, accessToken string, limiter *ratelimit.Tracker, opts ...Option) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	httpClient := oauth2.NewClient(ctx, ts)
	httpClient.Timeout = requestTimeout

	c := &Client{
		userID:     userID,
		baseURL:    defaultBaseURL,
		httpClient: httpClient,
		limiter:    limiter,
	}
	for _, opt := range opts {
		opt(c)
	}

	gh := github.NewClient(httpClient)
	if c.baseURL != defaultBaseURL {
		if u, err := url.Parse(c.baseURL + "/"); err == nil {
			gh.BaseURL = u
		}
	}
	c.gh = gh
	return c
}

// UserID returns the user this client is bound to.
func (c *Client) UserID() string {
	return c.userID
}

// RateLimit returns the current rate limit snapshot.
func (c *Client) RateLimit() ratelimit.Snapshot {
	return c.limiter.Snapshot()
}

// response is the outcome of one raw GET.
type response struct {
	body      []byte
	etag      string
	nextURL   string
	unchanged bool
	rateLimit ratelimit.Snapshot
}

// get performs one conditional GET with bounded retries for transport
// failures and 5xx responses. A non-empty etag is sent as If-None-Match;
// a 304 sets unchanged. Auth and rate-limit failures are classified
// before generic status handling and never retried here.
func (c *Client) get(ctx context.Context, rawURL, etag string) (*response, error) {
	if err := c.limiter.Reserve(); err != nil {
		return nil, err
	}

	var out *response
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		got, err := c.getOnce(ctx, rawURL, etag)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode >= 500 {
				return retry.RetryableError(err)
			}
			var transportErr *transportError
			if errors.As(err, &transportErr) {
				return retry.RetryableError(err)
			}
			return err
		}
		out = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// transportError marks a network-level failure (DNS, TCP, TLS, timeout).
type transportError struct {
	err error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("failed to call github: %v", e.err)
}

func (e *transportError) Unwrap() error {
	return e.err
}

func (c *Client) getOnce(ctx context.Context, rawURL, etag string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if rlErr := c.limiter.Check(resp); rlErr != nil {
		return nil, rlErr
	}

	out := &response{
		body:      body,
		etag:      resp.Header.Get("Etag"),
		nextURL:   parseNextLink(resp.Header.Get("Link")),
		rateLimit: c.limiter.Snapshot(),
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		out.unchanged = true
		return out, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return out, nil
	default:
		return nil, c.classifyError(ctx, resp.StatusCode, body, rawURL)
	}
}

// classifyError maps a non-2xx response to a typed error and fires the
// auth-error hook when credentials are bad.
func (c *Client) classifyError(ctx context.Context, statusCode int, body []byte, rawURL string) error {
	message := errorMessage(body)

	if classifyAuthStatus(statusCode, message) {
		if c.onAuthError != nil {
			if err := c.onAuthError(ctx, c.userID); err != nil {
				logging.FromContext(ctx).ErrorContext(ctx, "failed to record auth error",
					"userId", c.userID, "error", err)
			}
		}
		return &AuthError{StatusCode: statusCode, Message: message}
	}
	if statusCode == http.StatusNotFound {
		return &NotFoundError{Resource: rawURL}
	}
	return &APIError{StatusCode: statusCode, Message: message}
}

func errorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		return parsed.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// getPaged follows Link headers until exhausted or until collect returns
// false, letting the orchestrator cut pagination short. The returned etag
// belongs to the first page, which is the one conditional requests replay.
func (c *Client) getPaged(ctx context.Context, rawURL, etag string, collect func(page *response) (bool, error)) (*response, error) {
	first, err := c.get(ctx, rawURL, etag)
	if err != nil {
		return nil, err
	}
	if first.unchanged {
		return first, nil
	}

	page := first
	for {
		more, err := collect(page)
		if err != nil {
			return nil, err
		}
		if !more || page.nextURL == "" {
			return first, nil
		}
		page, err = c.get(ctx, page.nextURL, "")
		if err != nil {
			return nil, err
		}
	}
}

// decodeLenient decodes a JSON array element by element. A malformed
// element is logged with its index and skipped; it never aborts the page.
func decodeLenient[T any](ctx context.Context, body []byte) ([]T, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode array: %w", err)
	}

	logger := logging.FromContext(ctx)
	out := make([]T, 0, len(raw))
	for i, elem := range raw {
		var v T
		if err := json.Unmarshal(elem, &v); err != nil {
			logger.WarnContext(ctx, "skipping malformed element",
				"index", i, "error", err, "rawValue", truncateForLog(elem))
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func truncateForLog(raw []byte) string {
	const max = 256
	if len(raw) <= max {
		return string(raw)
	}
	return string(raw[:max]) + "..."
}

// apiURL builds an API URL from a path and query values.
func (c *Client) apiURL(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func pageQuery(extra map[string]string) url.Values {
	q := url.Values{}
	q.Set("per_page", fmt.Sprintf("%d", perPage))
	for k, v := range extra {
		q.Set(k, v)
	}
	return q
}

var linkNextRe = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// parseNextLink extracts the rel="next" URL from a Link header.
func parseNextLink(linkHeader string) string {
	if linkHeader == "" {
		return ""
	}
	for _, part := range strings.Split(linkHeader, ",") {
		if m := linkNextRe.FindStringSubmatch(strings.TrimSpace(part)); m != nil {
			return m[1]
		}
	}
	return ""
}

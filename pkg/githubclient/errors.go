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
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v56/github"
)

// AuthError marks a 401 or a 403-with-bad-credentials response. Receiving
// one invalidates the stored token for the user.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("github auth failed (%d): %s", e.StatusCode, e.Message)
}

// NotFoundError marks a 404.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("github resource not found: %s", e.Resource)
}

// APIError is any other non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github returned %d: %s", e.StatusCode, e.Message)
}

// IsAuthError reports whether err (from this package or go-github)
// represents an invalid-credentials failure.
func IsAuthError(err error) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return true
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return classifyAuthStatus(ghErr.Response.StatusCode, ghErr.Message)
	}
	return false
}

// IsNotFound reports whether err represents a 404.
func IsNotFound(err error) bool {
	var nfErr *NotFoundError
	if errors.As(err, &nfErr) {
		return true
	}

	var ghErr *github.ErrorResponse
	return errors.As(err, &ghErr) && ghErr.Response != nil &&
		ghErr.Response.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a 409 or 422, which mutation callers
// receive verbatim and never retry.
func IsConflict(err error) (int, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) &&
		(apiErr.StatusCode == http.StatusConflict || apiErr.StatusCode == http.StatusUnprocessableEntity) {
		return apiErr.StatusCode, true
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil &&
		(ghErr.Response.StatusCode == http.StatusConflict || ghErr.Response.StatusCode == http.StatusUnprocessableEntity) {
		return ghErr.Response.StatusCode, true
	}
	return 0, false
}

// classifyAuthStatus implements the auth classification rule: 401 always,
// 403 only when the body says the credentials are bad (a plain 403 may be
// a rate limit or a permissions gap).
func classifyAuthStatus(statusCode int, message string) bool {
	switch statusCode {
	case http.StatusUnauthorized:
		return true
	case http.StatusForbidden:
		return strings.Contains(strings.ToLower(message), "bad credentials")
	default:
		return false
	}
}

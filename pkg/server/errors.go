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
	"context"
	"errors"
	"net/http"

	"github.com/abcxyz/pkg/logging"

	"github.com/stefkors/gitmirror/pkg/auth"
	"github.com/stefkors/gitmirror/pkg/githubclient"
	"github.com/stefkors/gitmirror/pkg/ratelimit"
	"github.com/stefkors/gitmirror/pkg/store"
	syncer "github.com/stefkors/gitmirror/pkg/sync"
)

// Error codes of the JSON error envelope.
const (
	CodeAuthMissing   = "auth_missing"
	CodeAuthInvalid   = "auth_invalid"
	CodeNotFound      = "not_found"
	CodeMergeConflict = "merge_conflict"
	CodeUnprocessable = "unprocessable"
	CodeGitHubError   = "github_error"
	CodeInternalError = "internal_error"
)

// errorEnvelope is the JSON error body every endpoint returns.
type errorEnvelope struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// renderError maps an error onto the envelope and status code.
func (s *Server) renderError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := logging.FromContext(ctx)

	var rlErr *ratelimit.Error
	switch {
	case errors.Is(err, auth.ErrNotConnected):
		s.h.RenderJSON(w, http.StatusUnauthorized, &errorEnvelope{
			Error: err.Error(), Code: CodeAuthMissing,
		})
	case errors.Is(err, auth.ErrAuthInvalid) || githubclient.IsAuthError(err):
		s.h.RenderJSON(w, http.StatusUnauthorized, &errorEnvelope{
			Error: "github authorization is no longer valid", Code: CodeAuthInvalid,
		})
	case errors.Is(err, store.ErrNotFound) || githubclient.IsNotFound(err):
		s.h.RenderJSON(w, http.StatusNotFound, &errorEnvelope{
			Error: err.Error(), Code: CodeNotFound,
		})
	case errors.As(err, &rlErr):
		s.h.RenderJSON(w, http.StatusTooManyRequests, &errorEnvelope{
			Error: rlErr.Error(), Code: CodeGitHubError,
			Details: map[string]any{
				"retryAfterMs": rlErr.RetryAfter.Milliseconds(),
				"remaining":    rlErr.Remaining,
				"resetAt":      rlErr.ResetAt,
			},
		})
	case errors.Is(err, syncer.ErrSyncBlocked):
		s.h.RenderJSON(w, http.StatusConflict, &errorEnvelope{
			Error: err.Error(), Code: CodeMergeConflict,
		})
	default:
		if statusCode, ok := githubclient.IsConflict(err); ok {
			code := CodeMergeConflict
			if statusCode == http.StatusUnprocessableEntity {
				code = CodeUnprocessable
			}
			s.h.RenderJSON(w, statusCode, &errorEnvelope{Error: err.Error(), Code: code})
			return
		}

		var apiErr *githubclient.APIError
		if errors.As(err, &apiErr) {
			s.h.RenderJSON(w, http.StatusBadGateway, &errorEnvelope{
				Error: err.Error(), Code: CodeGitHubError,
			})
			return
		}

		logger.ErrorContext(ctx, "internal error", "error", err)
		s.h.RenderJSON(w, http.StatusInternalServerError, &errorEnvelope{
			Error: "internal error", Code: CodeInternalError,
		})
	}
}

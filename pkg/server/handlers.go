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

	"github.com/stefkors/gitmirror/pkg/store"
	syncer "github.com/stefkors/gitmirror/pkg/sync"
)

// handleSync routes the /api/github/sync/ tree.
func (s *Server) handleSync() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		uid := userID(ctx)
		segments := pathSegments(r, "/api/github/sync/")

		if len(segments) == 1 {
			switch segments[0] {
			case "overview":
				switch r.Method {
				case http.MethodPost:
					progress, err := s.syncer.InitialSync(ctx, uid)
					if err != nil {
						s.renderError(ctx, w, err)
						return
					}
					s.h.RenderJSON(w, http.StatusOK, progress)
				case http.MethodGet:
					// The UI polls this while the initial sync runs.
					progress, err := s.syncer.InitialProgress(ctx, uid)
					if err != nil {
						s.renderError(ctx, w, err)
						return
					}
					s.h.RenderJSON(w, http.StatusOK, progress)
				default:
					s.methodNotAllowed(w)
				}
				return

			case "webhooks":
				if r.Method != http.MethodPost {
					s.methodNotAllowed(w)
					return
				}
				results, err := s.syncer.RegisterAllWebhooks(ctx, uid)
				if err != nil {
					s.renderError(ctx, w, err)
					return
				}
				s.h.RenderJSON(w, http.StatusOK, results)
				return

			case "add-repo":
				if r.Method != http.MethodPost {
					s.methodNotAllowed(w)
					return
				}
				s.handleAddRepo(w, r)
				return

			case "reset":
				s.handleReset(w, r)
				return

			case "retry":
				if r.Method != http.MethodPost {
					s.methodNotAllowed(w)
					return
				}
				s.handleRetry(w, r)
				return
			}
		}

		if len(segments) >= 2 && r.Method == http.MethodPost {
			owner, repo := segments[0], segments[1]
			rest := segments[2:]

			switch {
			case len(rest) == 0:
				if err := s.syncer.SyncRepoPulls(ctx, uid, owner, repo); err != nil {
					s.renderError(ctx, w, err)
					return
				}
				s.h.RenderJSON(w, http.StatusOK, map[string]bool{"synced": true})
				return

			case len(rest) == 2 && rest[0] == "pull":
				number, ok := atoi(rest[1])
				if !ok {
					s.badRequest(w, "invalid pull request number")
					return
				}
				force := r.URL.Query().Get("force") == "true"
				if err := s.syncer.SyncPullDetail(ctx, uid, owner, repo, number, force); err != nil {
					s.renderError(ctx, w, err)
					return
				}
				s.h.RenderJSON(w, http.StatusOK, map[string]bool{"synced": true})
				return

			case len(rest) == 2 && rest[0] == "issue":
				number, ok := atoi(rest[1])
				if !ok {
					s.badRequest(w, "invalid issue number")
					return
				}
				if err := s.syncer.SyncIssue(ctx, uid, owner, repo, number); err != nil {
					s.renderError(ctx, w, err)
					return
				}
				s.h.RenderJSON(w, http.StatusOK, map[string]bool{"synced": true})
				return

			case len(rest) == 1 && rest[0] == "tree":
				if err := s.syncer.SyncTree(ctx, uid, owner, repo, r.URL.Query().Get("ref")); err != nil {
					s.renderError(ctx, w, err)
					return
				}
				s.h.RenderJSON(w, http.StatusOK, map[string]bool{"synced": true})
				return

			case len(rest) == 1 && rest[0] == "commits":
				if err := s.syncer.SyncCommits(ctx, uid, owner, repo, r.URL.Query().Get("ref")); err != nil {
					s.renderError(ctx, w, err)
					return
				}
				s.h.RenderJSON(w, http.StatusOK, map[string]bool{"synced": true})
				return
			}
		}

		s.notFound(w)
	})
}

func (s *Server) handleAddRepo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URL == "" {
		s.badRequest(w, "body must include url")
		return
	}

	owner, repo, err := s.syncer.AddRepo(ctx, userID(ctx), body.URL)
	if err != nil {
		if _, _, parseErr := syncer.ParseRepoRef(body.URL); parseErr != nil {
			s.badRequest(w, parseErr.Error())
			return
		}
		s.renderError(ctx, w, err)
		return
	}
	s.h.RenderJSON(w, http.StatusOK, map[string]string{"owner": owner, "repo": repo})
}

// handleReset resets one sync-state (POST) or deletes all of the user's
// sync-states (DELETE, disconnect).
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid := userID(ctx)

	switch r.Method {
	case http.MethodPost:
		var body struct {
			ResourceType string `json:"resourceType"`
			ResourceID   string `json:"resourceId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ResourceType == "" {
			s.badRequest(w, "body must include resourceType")
			return
		}
		if err := s.syncer.States().Reset(ctx, uid, body.ResourceType, body.ResourceID); err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]bool{"reset": true})

	case http.MethodDelete:
		err := s.db.WithTx(ctx, func(tx *store.Tx) error {
			return tx.DeleteAllSyncStates(ctx, uid)
		})
		if err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]bool{"disconnected": true})

	default:
		s.methodNotAllowed(w)
	}
}

// handleRetry retries a named resource's sync-state, or replays all failed
// webhook deliveries when no resource is named.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid := userID(ctx)

	var body struct {
		ResourceType string `json:"resourceType"`
		ResourceID   string `json:"resourceId"`
	}
	// An empty body means "replay failed webhook deliveries".
	_ = json.NewDecoder(r.Body).Decode(&body)

	if body.ResourceType != "" {
		if err := s.syncer.States().Retry(ctx, uid, body.ResourceType, body.ResourceID); err != nil {
			s.renderError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]bool{"retried": true})
		return
	}

	count, err := s.processor.RetryAll(ctx)
	if err != nil {
		s.renderError(ctx, w, err)
		return
	}
	s.h.RenderJSON(w, http.StatusOK, map[string]int{"retried": count})
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.h.RenderJSON(w, http.StatusBadRequest, &errorEnvelope{Error: msg, Code: CodeUnprocessable})
}

func (s *Server) notFound(w http.ResponseWriter) {
	s.h.RenderJSON(w, http.StatusNotFound, &errorEnvelope{Error: "not found", Code: CodeNotFound})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter) {
	s.h.RenderJSON(w, http.StatusMethodNotAllowed, &errorEnvelope{Error: "method not allowed", Code: CodeUnprocessable})
}

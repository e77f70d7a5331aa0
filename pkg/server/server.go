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

// Package server is the application-local HTTP surface: sync triggers,
// OAuth flow, webhook receiver, and operator tooling.
package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/abcxyz/pkg/healthcheck"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"

	"github.com/stefkors/gitmirror/pkg/auth"
	"github.com/stefkors/gitmirror/pkg/queue"
	"github.com/stefkors/gitmirror/pkg/ratelimit"
	"github.com/stefkors/gitmirror/pkg/store"
	syncer "github.com/stefkors/gitmirror/pkg/sync"
	"github.com/stefkors/gitmirror/pkg/version"
	"github.com/stefkors/gitmirror/pkg/webhook"
)

// Server wires the HTTP surface to the sync engine.
type Server struct {
	cfg       *Config
	db        *store.Store
	h         *renderer.Renderer
	tokens    *auth.TokenStore
	appTokens *auth.AppTokenSource
	clients   syncer.ClientFactory
	syncer    *syncer.Syncer
	processor *queue.Processor
	receiver  *webhook.Receiver
	limiter   *ratelimit.Tracker
}

// WithAppTokenSource installs the GitHub App installation-token source;
// without it the App install callback is rejected.
func (s *Server) WithAppTokenSource(source *auth.AppTokenSource) *Server {
	s.appTokens = source
	return s
}

// NewServer creates the server.
func NewServer(cfg *Config, db *store.Store, h *renderer.Renderer, tokens *auth.TokenStore,
	clients syncer.ClientFactory, sy *syncer.Syncer, processor *queue.Processor,
	receiver *webhook.Receiver, limiter *ratelimit.Tracker,
) *Server {
	return &Server{
		cfg:       cfg,
		db:        db,
		h:         h,
		tokens:    tokens,
		clients:   clients,
		syncer:    sy,
		processor: processor,
		receiver:  receiver,
		limiter:   limiter,
	}
}

// Routes creates a ServeMux of all of the routes this server supports.
func (s *Server) Routes(ctx context.Context) http.Handler {
	logger := logging.FromContext(ctx)
	mux := http.NewServeMux()

	mux.Handle("/healthz", healthcheck.HandleHTTPHealthCheck())
	mux.Handle("/version", s.handleVersion())

	mux.Handle("/api/github/webhook", s.receiver.HandleWebhook())
	mux.Handle("/api/github/oauth/", s.handleOAuth())
	mux.Handle("/api/github/rate-limit", s.requireUser(s.handleRateLimit()))
	mux.Handle("/api/github/sync/", s.requireUser(s.handleSync()))
	mux.Handle("/api/github/mutate/", s.requireUser(s.handleMutations()))
	mux.Handle("/api/github/webhook-health", s.requireWebhookOpsAuth(s.handleWebhookHealth()))
	mux.Handle("/api/github/webhook-queue", s.requireWebhookOpsAuth(s.handleWebhookQueue()))

	return logging.HTTPInterceptor(logger, "")(mux)
}

// handleVersion responds with version information for the server.
func (s *Server) handleVersion() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.h.RenderJSON(w, http.StatusOK, map[string]string{"version": version.HumanVersion})
	})
}

type contextKey string

const userIDKey = contextKey("userID")

// requireUser resolves the opaque bearer token into the acting user ID.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := bearerToken(r)
		if userID == "" {
			s.h.RenderJSON(w, http.StatusUnauthorized, &errorEnvelope{
				Error: "missing bearer token", Code: CodeAuthMissing,
			})
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireWebhookOpsAuth gates the queue management endpoints behind the
// operator token, which is distinct from user auth.
func (s *Server) requireWebhookOpsAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.WebhookOpsToken)) != 1 {
			s.h.RenderJSON(w, http.StatusUnauthorized, &errorEnvelope{
				Error: "operator token required", Code: CodeAuthMissing,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func userID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// handleRateLimit returns the current rate limit snapshot.
func (s *Server) handleRateLimit() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.h.RenderJSON(w, http.StatusOK, s.limiter.Snapshot())
	})
}

// pathSegments splits the request path after the given prefix.
func pathSegments(r *http.Request, prefix string) []string {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func atoi(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	return n, err == nil
}

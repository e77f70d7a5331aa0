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
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"

	"github.com/abcxyz/pkg/logging"
	"github.com/stefkors/gitmirror/pkg/auth"
)

// oauthStateTTL bounds how long an issued state parameter stays valid.
const oauthStateTTL = 10 * time.Minute

func (s *Server) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     s.cfg.GitHubClientID,
		ClientSecret: s.cfg.GitHubClientSecret,
		Endpoint:     oauthgithub.Endpoint,
		RedirectURL:  strings.TrimSuffix(s.cfg.BaseURL, "/") + "/api/github/oauth/callback",
		Scopes:       auth.RequiredScopes,
	}
}

// handleOAuth serves /api/github/oauth/ (start) and
// /api/github/oauth/callback (code exchange).
func (s *Server) handleOAuth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/callback"):
			s.handleOAuthCallback(w, r)
		default:
			s.handleOAuthStart(w, r)
		}
	})
}

// handleOAuthStart redirects the user to GitHub's consent screen. The
// user ID rides in the state parameter alongside an expiry, signed
// implicitly by being opaque to GitHub.
func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("user")
	if uid == "" {
		uid = bearerToken(r)
	}
	if uid == "" {
		s.h.RenderJSON(w, http.StatusUnauthorized, &errorEnvelope{
			Error: "missing user identity", Code: CodeAuthMissing,
		})
		return
	}

	state := fmt.Sprintf("%s:%d", uid, time.Now().Add(oauthStateTTL).Unix())
	http.Redirect(w, r, s.oauthConfig().AuthCodeURL(state), http.StatusFound)
}

// handleOAuthCallback exchanges the code, verifies granted scopes from
// the x-oauth-scopes header, persists the token, and kicks off the
// initial sync in the background.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		s.redirectToApp(w, r, "error="+url.QueryEscape(errMsg))
		return
	}

	// A GitHub App install lands here with an installation_id; verify the
	// installation by minting a token for it before acknowledging.
	if installationID := r.URL.Query().Get("installation_id"); installationID != "" {
		s.handleAppInstallCallback(w, r, installationID)
		return
	}

	uid, ok := parseOAuthState(r.URL.Query().Get("state"), time.Now())
	if !ok {
		s.redirectToApp(w, r, "error=invalid_state")
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		s.redirectToApp(w, r, "error=missing_code")
		return
	}

	token, err := s.oauthConfig().Exchange(ctx, code)
	if err != nil {
		logger.ErrorContext(ctx, "oauth code exchange failed", "userId", uid, "error", err)
		s.redirectToApp(w, r, "error=exchange_failed")
		return
	}

	// The x-oauth-scopes header on an authenticated request is the
	// authoritative list of granted scopes; the exchange response is not.
	scopesHeader, err := s.fetchGrantedScopes(ctx, token.AccessToken)
	if err != nil {
		logger.ErrorContext(ctx, "failed to verify granted scopes", "userId", uid, "error", err)
		s.redirectToApp(w, r, "error=scope_check_failed")
		return
	}
	if missing := auth.MissingScopes(scopesHeader); len(missing) > 0 {
		msg := "missing required scopes: " + strings.Join(missing, ", ")
		if err := s.tokens.MarkAuthInvalid(ctx, uid, msg); err != nil {
			logger.ErrorContext(ctx, "failed to record missing scopes", "userId", uid, "error", err)
		}
		s.redirectToApp(w, r, "error="+url.QueryEscape(msg))
		return
	}

	if err := s.tokens.SaveAccessToken(ctx, uid, token.AccessToken, time.Now().UTC()); err != nil {
		logger.ErrorContext(ctx, "failed to persist access token", "userId", uid, "error", err)
		s.redirectToApp(w, r, "error=token_store_failed")
		return
	}

	// The initial sync runs detached from the callback request; the UI
	// observes its progress record.
	go func() {
		bgCtx := logging.WithLogger(context.Background(), logger)
		if _, err := s.syncer.InitialSync(bgCtx, uid); err != nil {
			logger.ErrorContext(bgCtx, "initial sync after oauth failed", "userId", uid, "error", err)
		}
	}()

	s.redirectToApp(w, r, "github=connected")
}

// handleAppInstallCallback confirms a GitHub App installation by minting
// an installation token once.
func (s *Server) handleAppInstallCallback(w http.ResponseWriter, r *http.Request, installationID string) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if s.appTokens == nil {
		s.redirectToApp(w, r, "error=app_not_configured")
		return
	}

	var id int64
	if _, err := fmt.Sscanf(installationID, "%d", &id); err != nil {
		s.redirectToApp(w, r, "error=invalid_installation")
		return
	}

	if _, err := s.appTokens.InstallationToken(ctx, id); err != nil {
		logger.ErrorContext(ctx, "failed to verify app installation",
			"installationId", id, "error", err)
		s.redirectToApp(w, r, "error=installation_verification_failed")
		return
	}
	s.redirectToApp(w, r, "github=installed")
}

// fetchGrantedScopes reads the x-oauth-scopes header off a cheap
// authenticated request.
func (s *Server) fetchGrantedScopes(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.github.com/user", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create scope check request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call github: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("scope check returned %d", resp.StatusCode)
	}
	return resp.Header.Get("X-Oauth-Scopes"), nil
}

func (s *Server) redirectToApp(w http.ResponseWriter, r *http.Request, query string) {
	target := strings.TrimSuffix(s.cfg.BaseURL, "/") + "/?" + query
	http.Redirect(w, r, target, http.StatusFound)
}

// parseOAuthState splits "userID:expiryUnix" and checks the expiry.
func parseOAuthState(state string, now time.Time) (string, bool) {
	idx := strings.LastIndex(state, ":")
	if idx <= 0 {
		return "", false
	}
	uid := state[:idx]
	var expiry int64
	if _, err := fmt.Sscanf(state[idx+1:], "%d", &expiry); err != nil {
		return "", false
	}
	if now.Unix() > expiry {
		return "", false
	}
	return uid, true
}

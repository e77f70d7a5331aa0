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

package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	// appJWTLifetime is the validity window GitHub allows for App JWTs.
	appJWTLifetime = 10 * time.Minute

	// appJWTClockDrift backdates iat to tolerate clock skew.
	appJWTClockDrift = 60 * time.Second

	// installationTokenMargin refreshes cached installation tokens this
	// long before their expiry.
	installationTokenMargin = 5 * time.Minute

	defaultAPIBaseURL = "https://api.github.com"
)

// ParsePrivateKey parses a PEM encoded RSA private key. Keys delivered via
// environment variables may carry literal \n escapes.
func ParsePrivateKey(privateKeyPEM string) (*rsa.PrivateKey, error) {
	normalized := strings.ReplaceAll(privateKeyPEM, `\n`, "\n")
	block, _ := pem.Decode([]byte(normalized))
	if block == nil {
		return nil, fmt.Errorf("failed to parse pem: no pem block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key pem: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, expected RSA", parsed)
	}
	return key, nil
}

type cachedInstallationToken struct {
	token     string
	expiresAt time.Time
}

// AppTokenSource mints installation tokens for a GitHub App. Tokens are
// cached per installation with a safety margin before expiry.
type AppTokenSource struct {
	appID      string
	privateKey *rsa.PrivateKey
	baseURL    string
	httpClient *http.Client
	now        func() time.Time

	mu    sync.Mutex
	cache map[int64]cachedInstallationToken
}

// AppTokenSourceOption mutates an AppTokenSource during construction.
type AppTokenSourceOption func(*AppTokenSource)

// WithBaseURL overrides the GitHub API base URL (tests, GHES).
func WithBaseURL(u string) AppTokenSourceOption {
	return func(s *AppTokenSource) { s.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient overrides the HTTP client used for token exchange.
func WithHTTPClient(c *http.Client) AppTokenSourceOption {
	return func(s *AppTokenSource) { s.httpClient = c }
}

// NewAppTokenSource creates a token source for the given App.
func NewAppTokenSource(appID, privateKeyPEM string, opts ...AppTokenSourceOption) (*AppTokenSource, error) {
	if appID == "" {
		return nil, fmt.Errorf("missing app id")
	}
	key, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to create app token source: %w", err)
	}

	s := &AppTokenSource{
		appID:      appID,
		privateKey: key,
		baseURL:    defaultAPIBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
		cache:      make(map[int64]cachedInstallationToken),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AppJWT signs a short-lived RS256 JWT identifying the App itself.
func (s *AppTokenSource) AppJWT() (string, error) {
	now := s.now().UTC()
	token, err := jwt.NewBuilder().
		Issuer(s.appID).
		IssuedAt(now.Add(-appJWTClockDrift)).
		Expiration(now.Add(appJWTLifetime)).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build app jwt: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, s.privateKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign app jwt: %w", err)
	}
	return string(signed), nil
}

type installationTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// InstallationToken returns an installation-scoped token, minting a new one
// when the cached token is within the refresh margin of its expiry.
func (s *AppTokenSource) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	s.mu.Lock()
	if cached, ok := s.cache[installationID]; ok {
		if s.now().Before(cached.expiresAt.Add(-installationTokenMargin)) {
			s.mu.Unlock()
			return cached.token, nil
		}
	}
	s.mu.Unlock()

	appJWT, err := s.AppJWT()
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", s.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to exchange app jwt: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("failed to mint installation token: github returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tokenResp installationTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResp.Token == "" {
		return "", fmt.Errorf("no token in github response")
	}

	s.mu.Lock()
	s.cache[installationID] = cachedInstallationToken{
		token:     tokenResp.Token,
		expiresAt: tokenResp.ExpiresAt,
	}
	s.mu.Unlock()

	return tokenResp.Token, nil
}

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
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

func testPrivateKeyPEM(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	return string(pem.EncodeToMemory(block)), key
}

func TestParsePrivateKey_EscapedNewlines(t *testing.T) {
	t.Parallel()

	pemStr, _ := testPrivateKeyPEM(t)
	escaped := strings.ReplaceAll(pemStr, "\n", `\n`)

	if _, err := ParsePrivateKey(escaped); err != nil {
		t.Fatalf("failed to parse escaped pem: %v", err)
	}
	if _, err := ParsePrivateKey(pemStr); err != nil {
		t.Fatalf("failed to parse plain pem: %v", err)
	}
	if _, err := ParsePrivateKey("not a key"); err == nil {
		t.Fatal("expected an error for garbage input")
	}
}

func TestAppJWT_ClaimsAndSignature(t *testing.T) {
	t.Parallel()

	pemStr, key := testPrivateKeyPEM(t)
	source, err := NewAppTokenSource("12345", pemStr)
	if err != nil {
		t.Fatal(err)
	}

	signed, err := source.AppJWT()
	if err != nil {
		t.Fatal(err)
	}

	token, err := jwt.Parse([]byte(signed), jwt.WithKey(jwa.RS256, key.Public()))
	if err != nil {
		t.Fatalf("failed to verify jwt: %v", err)
	}
	if token.Issuer() != "12345" {
		t.Errorf("issuer = %q, want 12345", token.Issuer())
	}
	lifetime := token.Expiration().Sub(token.IssuedAt())
	if lifetime != appJWTLifetime+appJWTClockDrift {
		t.Errorf("unexpected lifetime %v", lifetime)
	}
}

func TestInstallationToken_ExchangeAndCache(t *testing.T) {
	t.Parallel()

	pemStr, _ := testPrivateKeyPEM(t)

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/app/installations/42/access_tokens" {
			http.Error(w, "wrong path", http.StatusNotFound)
			return
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			http.Error(w, "missing jwt", http.StatusUnauthorized)
			return
		}
		calls.Add(1)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"token": "ghs_installation", "expires_at": %q}`,
			time.Now().Add(time.Hour).Format(time.RFC3339))
	}))
	t.Cleanup(srv.Close)

	source, err := NewAppTokenSource("12345", pemStr, WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		token, err := source.InstallationToken(ctx, 42)
		if err != nil {
			t.Fatal(err)
		}
		if token != "ghs_installation" {
			t.Errorf("token = %q", token)
		}
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 exchange (cache hits after), got %d", got)
	}
}

func TestInstallationToken_RefreshesNearExpiry(t *testing.T) {
	t.Parallel()

	pemStr, _ := testPrivateKeyPEM(t)

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusCreated)
		// Expires inside the 5-minute refresh margin.
		fmt.Fprintf(w, `{"token": "ghs_short", "expires_at": %q}`,
			time.Now().Add(2*time.Minute).Format(time.RFC3339))
	}))
	t.Cleanup(srv.Close)

	source, err := NewAppTokenSource("12345", pemStr, WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := source.InstallationToken(ctx, 42); err != nil {
			t.Fatal(err)
		}
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected a fresh exchange per call near expiry, got %d", got)
	}
}

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestAuthenticatorTokenSources(t *testing.T) {
	issuer := newTestIssuer(t, "secret", nil)
	authenticator, err := NewRequestAuthenticator(RequestAuthenticatorConfig{Issuer: issuer})
	if err != nil {
		t.Fatalf("failed to construct authenticator: %v", err)
	}
	token, _, err := issuer.IssueModeratorToken(context.Background(), "owner-1", "")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	testCases := []struct {
		name    string
		prepare func(r *http.Request)
	}{
		{name: "header", prepare: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }},
		{name: "lowercase-scheme", prepare: func(r *http.Request) { r.Header.Set("Authorization", "bearer "+token) }},
		{name: "query", prepare: func(r *http.Request) { r.URL.RawQuery = AccessTokenQueryParam + "=" + token }},
		{name: "cookie", prepare: func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: token})
		}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, "/api/moderation/1/comments", nil)
			testCase.prepare(request)
			claims, err := authenticator.Authenticate(request)
			if err != nil {
				t.Fatalf("expected authentication success: %v", err)
			}
			if claims.Subject != "owner-1" {
				t.Fatalf("unexpected subject %s", claims.Subject)
			}
		})
	}
}

func TestRequestAuthenticatorHeaderWinsOverQuery(t *testing.T) {
	request := httptest.NewRequest(http.MethodGet, "/ws?access_token=from-query", nil)
	request.Header.Set("Authorization", "Bearer from-header")
	if token := RequestToken(request, DefaultCookieName); token != "from-header" {
		t.Fatalf("expected header token, got %q", token)
	}
}

func TestRequestAuthenticatorRejectsMissingAndInvalid(t *testing.T) {
	issuer := newTestIssuer(t, "secret", nil)
	authenticator, err := NewRequestAuthenticator(RequestAuthenticatorConfig{Issuer: issuer, CookieName: "custom"})
	if err != nil {
		t.Fatalf("failed to construct authenticator: %v", err)
	}
	if authenticator.CookieName() != "custom" {
		t.Fatalf("unexpected cookie name %s", authenticator.CookieName())
	}

	request := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := authenticator.Authenticate(request); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}

	request.Header.Set("Authorization", "Basic abc")
	if _, err := authenticator.Authenticate(request); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected non-bearer header to be ignored, got %v", err)
	}

	request.Header.Set("Authorization", "Bearer not-a-jwt")
	if _, err := authenticator.Authenticate(request); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	if _, err := NewRequestAuthenticator(RequestAuthenticatorConfig{}); err == nil {
		t.Fatalf("expected error without issuer")
	}
}

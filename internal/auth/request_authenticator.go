package auth

import (
	"errors"
	"net/http"
	"strings"
)

// DefaultCookieName carries a moderator token for browser sessions.
const DefaultCookieName = "metastream_moderator"

// AccessTokenQueryParam carries a moderator token where headers cannot be set,
// such as a browser WebSocket handshake.
const AccessTokenQueryParam = "access_token"

var (
	ErrMissingToken = errors.New("auth: token required")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token expired")

	errMissingTokenIssuer = errors.New("auth: token issuer required")
)

// RequestAuthenticatorConfig describes where moderator tokens are looked up.
type RequestAuthenticatorConfig struct {
	Issuer     *TokenIssuer
	CookieName string
}

// RequestAuthenticator validates the moderator token attached to a request.
type RequestAuthenticator struct {
	issuer     *TokenIssuer
	cookieName string
}

// NewRequestAuthenticator constructs an authenticator backed by issuer.
func NewRequestAuthenticator(cfg RequestAuthenticatorConfig) (*RequestAuthenticator, error) {
	if cfg.Issuer == nil {
		return nil, errMissingTokenIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &RequestAuthenticator{issuer: cfg.Issuer, cookieName: cookieName}, nil
}

// CookieName returns the cookie name configured for token lookups.
func (a *RequestAuthenticator) CookieName() string {
	return a.cookieName
}

// Authenticate reads the token from the Authorization header, then the
// access_token query parameter, then the cookie, and validates the first one
// found.
func (a *RequestAuthenticator) Authenticate(r *http.Request) (ModeratorClaims, error) {
	token := RequestToken(r, a.cookieName)
	if token == "" {
		return ModeratorClaims{}, ErrMissingToken
	}
	return a.issuer.ValidateToken(token)
}

// RequestToken extracts the raw token from r, or "" when none is attached.
func RequestToken(r *http.Request, cookieName string) string {
	if r == nil {
		return ""
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if token := strings.TrimSpace(parts[1]); token != "" {
				return token
			}
		}
	}
	if token := strings.TrimSpace(r.URL.Query().Get(AccessTokenQueryParam)); token != "" {
		return token
	}
	if cookieName != "" {
		if cookie, err := r.Cookie(cookieName); err == nil && cookie != nil {
			return strings.TrimSpace(cookie.Value)
		}
	}
	return ""
}

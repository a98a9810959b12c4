package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestIssuer(t *testing.T, secret string, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(secret),
		Issuer:        "metastream-auth",
		Audience:      "metastream-moderation",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerIssuesModeratorTokens(t *testing.T) {
	issuer := newTestIssuer(t, "super-secret", nil)

	tokenString, expiresIn, err := issuer.IssueModeratorToken(context.Background(), "owner-123", "admin")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	parser := jwt.Parser{}
	claims := &ModeratorClaims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}

	if claims.Subject != "owner-123" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Role != "admin" {
		t.Fatalf("unexpected role %s", claims.Role)
	}
	if claims.Issuer != "metastream-auth" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "metastream-moderation" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerRequiresSubject(t *testing.T) {
	issuer := newTestIssuer(t, "secret", nil)
	if _, _, err := issuer.IssueModeratorToken(context.Background(), "  ", ""); err == nil {
		t.Fatalf("expected error for empty subject")
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer := newTestIssuer(t, "another-secret", nil)

	tokenString, _, err := issuer.IssueModeratorToken(context.Background(), "owner-321", "")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	claims, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if claims.Subject != "owner-321" || claims.Role != "" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	if _, err := issuer.ValidateToken("invalid.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for malformed token, got %v", err)
	}
	if _, err := issuer.ValidateToken(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestTokenIssuerRejectsForeignTokens(t *testing.T) {
	issuer := newTestIssuer(t, "secret-a", nil)
	other := newTestIssuer(t, "secret-b", nil)

	tokenString, _, err := other.IssueModeratorToken(context.Background(), "owner", "")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature mismatch to be rejected, got %v", err)
	}
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	issuedAt := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	now := issuedAt
	issuer := newTestIssuer(t, "secret", func() time.Time { return now })

	tokenString, _, err := issuer.IssueModeratorToken(context.Background(), "owner", "")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	now = issuedAt.Add(31 * time.Minute)
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	testCases := []struct {
		name string
		cfg  TokenIssuerConfig
	}{
		{name: "missing-secret", cfg: TokenIssuerConfig{Issuer: "i", Audience: "a", TokenTTL: time.Minute}},
		{name: "missing-issuer", cfg: TokenIssuerConfig{SigningSecret: []byte("s"), Audience: "a", TokenTTL: time.Minute}},
		{name: "blank-audience", cfg: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "i", Audience: " ", TokenTTL: time.Minute}},
		{name: "zero-ttl", cfg: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "i", Audience: "a"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewTokenIssuer(testCase.cfg); err == nil {
				t.Fatalf("expected constructor error")
			}
		})
	}
}

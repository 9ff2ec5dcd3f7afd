package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/notes"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningSecret = "secret"
	testIssuer        = "duet-auth"
	testCookieName    = "duet_session"
	testUserID        = notes.UserID("user-123")
)

func newTestValidator(t *testing.T, clockNow time.Time) *TokenValidator {
	t.Helper()
	validator, err := NewTokenValidator(TokenValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signToken(t *testing.T, claims Claims, secret string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims(now time.Time) Claims {
	return Claims{
		Name: "Ada Lovelace",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   testUserID.String(),
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestTokenValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	identity, err := validator.ValidateToken(signToken(t, validClaims(clockNow), testSigningSecret))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if identity.UserID != testUserID || identity.DisplayName != "Ada Lovelace" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestTokenValidatorRejectsBadTokens(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	expired := validClaims(clockNow)
	expired.ExpiresAt = jwt.NewNumericDate(clockNow.Add(-time.Hour))
	wrongIssuer := validClaims(clockNow)
	wrongIssuer.Issuer = "someone-else"
	noSubject := validClaims(clockNow)
	noSubject.Subject = ""

	testCases := []struct {
		name  string
		token string
		want  error
	}{
		{name: "empty", token: " ", want: ErrMissingToken},
		{name: "expired", token: signToken(t, expired, testSigningSecret), want: ErrExpiredToken},
		{name: "wrong secret", token: signToken(t, validClaims(clockNow), "other"), want: ErrInvalidToken},
		{name: "wrong issuer", token: signToken(t, wrongIssuer, testSigningSecret), want: ErrInvalidToken},
		{name: "missing subject", token: signToken(t, noSubject, testSigningSecret), want: ErrMissingSubject},
		{name: "garbage", token: "not-a-jwt", want: ErrInvalidToken},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := validator.ValidateToken(testCase.token); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestTokenValidatorDefaultsDisplayNameToSubject(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)
	claims := validClaims(clockNow)
	claims.Name = ""

	identity, err := validator.ValidateToken(signToken(t, claims, testSigningSecret))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if identity.DisplayName != testUserID.String() {
		t.Fatalf("expected subject as display name, got %q", identity.DisplayName)
	}
}

func TestTokenValidatorValidateRequestSources(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)
	signed := signToken(t, validClaims(clockNow), testSigningSecret)

	header := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	header.Header.Set("Authorization", "Bearer "+signed)
	query := httptest.NewRequest(http.MethodGet, "/ws?access_token="+signed, http.NoBody)
	cookie := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	cookie.AddCookie(&http.Cookie{Name: testCookieName, Value: signed})

	for name, request := range map[string]*http.Request{"header": header, "query": query, "cookie": cookie} {
		identity, err := validator.ValidateRequest(request)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		if identity.UserID != testUserID {
			t.Fatalf("%s: unexpected user %s", name, identity.UserID)
		}
	}

	basic := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	basic.Header.Set("Authorization", "Basic abc")
	if _, err := validator.ValidateRequest(basic); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token for non-bearer scheme, got %v", err)
	}
	if _, err := validator.ValidateRequest(httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
}

func TestNewTokenValidatorRequiresConfiguration(t *testing.T) {
	if _, err := NewTokenValidator(TokenValidatorConfig{Issuer: testIssuer}); !errors.Is(err, ErrMissingSigningKey) {
		t.Fatalf("expected missing signing key, got %v", err)
	}
	if _, err := NewTokenValidator(TokenValidatorConfig{SigningSecret: []byte(testSigningSecret)}); !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected missing issuer, got %v", err)
	}
}

package middleware

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// signedAdminToken signs claims with secret for tests. Subject and expiry
// default to "admin-user" and five minutes from now.
func signedAdminToken(t testing.TB, secret string, claims AdminClaims) string {
	t.Helper()
	if claims.Subject == "" {
		claims.Subject = "admin-user"
	}
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(5 * time.Minute))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

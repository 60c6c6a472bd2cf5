package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// AdminAuth guards the admin and metrics surfaces. The core performs
// no authorization of inspected traffic; this protects only the
// service's own mutation entry points. Two credentials are accepted:
// an HS256 JWT signed with the shared secret, or the static admin
// token whose bcrypt hash is configured at startup.
type AdminAuth struct {
	secret    []byte
	tokenHash []byte
}

// NewAdminAuth creates an AdminAuth. secret signs/verifies JWTs;
// tokenHash is the bcrypt hash of the static admin token (empty
// disables the static token).
func NewAdminAuth(secret, tokenHash string) *AdminAuth {
	return &AdminAuth{secret: []byte(secret), tokenHash: []byte(tokenHash)}
}

// IssueToken mints a short-lived admin JWT, used by sentinelctl.
func (a *AdminAuth) IssueToken(subject string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Middleware returns the Gin middleware enforcing admin auth.
func (a *AdminAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if raw == "" || raw == c.GetHeader("Authorization") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		if len(a.tokenHash) > 0 && bcrypt.CompareHashAndPassword(a.tokenHash, []byte(raw)) == nil {
			c.Next()
			return
		}

		token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return a.secret, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// Package adminauth protects the admin HTTP surface with a single bearer
// JWT rather than a full multi-user auth system (spec.md scopes "auth
// mechanism unspecified" as a non-goal). Grounded on the teacher's
// internal/microservices/http-api/middleware/auth.go and
// service/auth_service.go: same Claims shape (jwt.RegisteredClaims plus a
// Role field), same HS256 ParseWithClaims signing-method guard, same
// RequireRole/RequireAdmin gin middleware pattern, pared down to the one
// role this server ever issues.
package adminauth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role is the only principal this server's tokens ever carry; there is no
// per-user role hierarchy to model here.
const Role = "admin"

var (
	// ErrInvalidToken covers malformed tokens and signature failures.
	ErrInvalidToken = errors.New("invalid admin token")
	// ErrWrongRole is returned when a token parses but doesn't claim Role.
	ErrWrongRole = errors.New("token does not carry the admin role")
)

// Claims is the JWT payload expected on the admin surface's bearer tokens.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs a Role-claiming token valid for ttl, for operators
// minting their own admin credential out of band (e.g. a CLI helper).
func IssueToken(secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "mangaforge",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateToken parses and verifies tokenString against secret, rejecting
// anything not signed with HMAC, expired, or missing the admin role.
func ValidateToken(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Role != Role {
		return nil, ErrWrongRole
	}
	return claims, nil
}

// RequireAdmin is a gin middleware that rejects requests without a valid
// Role-claiming bearer token. Every admitted request gets a fresh request
// id (independent of the token's own jti) stashed in the gin context, so
// handlers and access logs can correlate an admin action across the
// command bus round trip without reusing the long-lived token identifier.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		claims, err := ValidateToken(secret, parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set("admin_request_id", uuid.NewString())
		c.Set("claims", claims)
		c.Next()
	}
}

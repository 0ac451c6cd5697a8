package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"ankercloud/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
)

const apiKeyHeader = "X-API-Key"

// Context keys set by the auth middlewares.
const (
	CtxAccountID = "account_id"
	CtxAdmin     = "admin"
)

// APIKeyAuth authenticates ingest producers. The key must exist, not be
// revoked, and not be expired; the owning account lands in the context.
func APIKeyAuth(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(apiKeyHeader)
		if key == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
			c.Abort()
			return
		}

		var apiKey models.APIKey
		err := db.WithContext(c.Request.Context()).
			Where("key = ? AND revoked = ?", key, false).
			First(&apiKey).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			c.Abort()
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify API key"})
			c.Abort()
			return
		}
		if apiKey.ExpiresAt != nil && time.Now().After(*apiKey.ExpiresAt) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "API key expired"})
			c.Abort()
			return
		}

		c.Set(CtxAccountID, apiKey.AccountID)
		c.Next()
	}
}

// AccountClaims is the JWT payload issued to dashboard sessions.
type AccountClaims struct {
	AccountID string `json:"account_id"`
	Admin     bool   `json:"admin"`
	jwt.RegisteredClaims
}

// ParseToken validates a signed session token and returns its claims.
func ParseToken(secret, tokenString string) (*AccountClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccountClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*AccountClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.AccountID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// JWTAuth authenticates dashboard and API consumers with a bearer token.
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			c.Abort()
			return
		}

		claims, err := ParseToken(secret, strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set(CtxAccountID, claims.AccountID)
		c.Set(CtxAdmin, claims.Admin)
		c.Next()
	}
}

// IssueToken signs a session token for an account. Used by tests and by
// operators provisioning long-lived dashboard credentials.
func IssueToken(secret, accountID string, admin bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AccountClaims{
		AccountID: accountID,
		Admin:     admin,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

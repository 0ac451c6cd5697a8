package middleware

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"ankercloud/internal/database"
	"ankercloud/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(database.Config{
		Driver: "sqlite",
		DBName: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return db
}

func TestTokenRoundTrip(t *testing.T) {
	token, err := IssueToken("secret", "acc-1", true, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := ParseToken("secret", token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.AccountID != "acc-1" || !claims.Admin {
		t.Fatalf("claims = %+v", claims)
	}

	if _, err := ParseToken("wrong-secret", token); err == nil {
		t.Fatal("token verified with wrong secret")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	token, err := IssueToken("secret", "acc-1", false, -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := ParseToken("secret", token); err == nil {
		t.Fatal("expired token accepted")
	}
}

func jwtTestRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", JWTAuth(secret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"account_id": c.GetString(CtxAccountID),
			"admin":      c.GetBool(CtxAdmin),
		})
	})
	return r
}

func TestJWTAuthMiddleware(t *testing.T) {
	r := jwtTestRouter("secret")

	// No header.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", w.Code)
	}

	// Valid token.
	token, err := IssueToken("secret", "acc-1", false, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("valid token status = %d, want 200", w.Code)
	}

	// Garbage token.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d, want 401", w.Code)
	}
}

func TestAPIKeyAuthMiddleware(t *testing.T) {
	db := openTestDB(t)

	expired := time.Now().Add(-time.Hour)
	for _, key := range []models.APIKey{
		{Key: "good-key", AccountID: "acc-1"},
		{Key: "revoked-key", AccountID: "acc-1", Revoked: true},
		{Key: "expired-key", AccountID: "acc-1", ExpiresAt: &expired},
	} {
		if err := db.Create(&key).Error; err != nil {
			t.Fatalf("create key: %v", err)
		}
	}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/push", APIKeyAuth(db), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"account_id": c.GetString(CtxAccountID)})
	})

	cases := []struct {
		name string
		key  string
		want int
	}{
		{"valid", "good-key", http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"unknown", "nope", http.StatusUnauthorized},
		{"revoked", "revoked-key", http.StatusUnauthorized},
		{"expired", "expired-key", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/push", nil)
			if tc.key != "" {
				req.Header.Set("X-API-Key", tc.key)
			}
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"

	"counselbot/internal/models"
	"counselbot/internal/redis"
	"counselbot/internal/storage"
	"counselbot/internal/storage/storagetest"
)

func newStore(t *testing.T, userIDs ...int64) *storage.Store {
	t.Helper()
	store := storagetest.Open(t)
	for _, id := range userIDs {
		storagetest.CreateUser(t, store, id, models.RoleSupervisor)
	}
	return store
}

func TestAuthIssueValidateRevoke(t *testing.T) {
	store := newStore(t, 1)
	svc := NewService(store, nil, time.Hour)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, 1)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if len(token) != 64 {
		t.Fatalf("unexpected token %q", token)
	}
	userID, err := svc.ValidateToken(ctx, token)
	if err != nil || userID != 1 {
		t.Fatalf("ValidateToken failed: id=%d err=%v", userID, err)
	}
	if err := svc.RevokeToken(ctx, token); err != nil {
		t.Fatalf("RevokeToken error: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken after revoke, got %v", err)
	}

	token2, err := svc.IssueToken(ctx, 1)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if err := svc.RevokeUserTokens(ctx, 1); err != nil {
		t.Fatalf("RevokeUserTokens error: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token2); err == nil {
		t.Fatalf("expected error after revoke all")
	}
	if _, err := svc.ValidateToken(ctx, ""); err != ErrTokenRequired {
		t.Fatalf("expected ErrTokenRequired, got %v", err)
	}
}

func TestAuthValidateExpiredToken(t *testing.T) {
	store := newStore(t, 2)
	svc := NewService(store, nil, 10*time.Millisecond)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, 2)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := svc.ValidateToken(ctx, token); err != ErrTokenExpired {
		t.Fatalf("expected expiration error, got %v", err)
	}
	// expired token purged
	if _, _, err := store.LookupToken(ctx, token); err == nil {
		t.Fatalf("expired token not purged")
	}
}

func newRedisCache(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { raw.Close() })
	return redis.NewFromRaw(raw, "test:"), mr
}

func TestAuthTokenCacheUsesRedis(t *testing.T) {
	store := newStore(t, 10)
	cache, mr := newRedisCache(t)
	svc := NewService(store, cache, time.Hour)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, 10)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	key := "test:" + redisTokenPrefix + token
	got, err := mr.Get(key)
	if err != nil || got != "10" {
		t.Fatalf("expected user 10 in redis, got %q %v", got, err)
	}
	if ttl := mr.TTL(key); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	// the cache answers even when the row is gone
	if err := store.DeleteToken(ctx, token); err != nil {
		t.Fatalf("DeleteToken: %v", err)
	}
	userID, err := svc.ValidateToken(ctx, token)
	if err != nil || userID != 10 {
		t.Fatalf("ValidateToken via redis failed: id=%d err=%v", userID, err)
	}

	if err := svc.RevokeToken(ctx, token); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if mr.Exists(key) {
		t.Fatalf("expected redis key deleted")
	}
	if _, err := svc.ValidateToken(ctx, token); err == nil {
		t.Fatalf("expected error after revoke")
	}
}

func TestAuthCacheRefilledFromStore(t *testing.T) {
	store := newStore(t, 11)
	cache, mr := newRedisCache(t)
	svc := NewService(store, cache, time.Hour)
	ctx := context.Background()

	token, _ := svc.IssueToken(ctx, 11)
	mr.FlushAll()

	if id, err := svc.ValidateToken(ctx, token); err != nil || id != 11 {
		t.Fatalf("ValidateToken from store: %d %v", id, err)
	}
	if !mr.Exists("test:" + redisTokenPrefix + token) {
		t.Fatalf("cache not refilled")
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newStore(t, 3)
	svc := NewService(store, nil, time.Hour)
	token, _ := svc.IssueToken(context.Background(), 3)

	r := gin.New()
	r.GET("/me", svc.Middleware(), func(c *gin.Context) {
		id, _ := UserIDFromContext(c)
		tok, _ := AuthTokenFromContext(c)
		c.JSON(http.StatusOK, gin.H{"id": id, "same": tok == token})
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"unknown", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
		{"lowercase scheme", "bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Fatalf("%s: status %d, want %d (%s)", tt.name, w.Code, tt.want, w.Body.String())
		}
	}
}

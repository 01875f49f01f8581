package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-match/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const secret = "test-secret"

func newAuth(t *testing.T) *auth.Service {
	t.Helper()
	s := auth.NewService(secret, time.Hour)
	require.NoError(t, s.Register(auth.Client{ID: "alice", APIKey: "ak", APISecret: "as", Permissions: auth.AllPermissions}))
	require.NoError(t, s.Register(auth.Client{ID: "viewer", APIKey: "vk", APISecret: "vs", Permissions: []auth.Permission{auth.PermissionRead}}))
	return s
}

func token(t *testing.T, s *auth.Service, key, pass string) string {
	t.Helper()
	tok, err := s.Issue(auth.Credentials{APIKey: key, APISecret: pass})
	require.NoError(t, err)
	return tok.Token
}

func sign(t *testing.T, key string, claims auth.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return s
}

func get(r http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestJWTAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newAuth(t)
	r := gin.New()
	r.GET("/private", JWTAuth(s), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("clientID"))
	})

	rec := get(r, http.MethodGet, "/private", token(t, s, "ak", "as"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", rec.Body.String())

	valid := func(exp time.Time) auth.Claims {
		return auth.Claims{
			RegisteredClaims: jwt.RegisteredClaims{Issuer: "klear-match", ExpiresAt: jwt.NewNumericDate(exp)},
			ClientID:         "alice",
		}
	}
	noClient := valid(time.Now().Add(time.Hour))
	noClient.ClientID = ""
	foreign := valid(time.Now().Add(time.Hour))
	foreign.Issuer = "someone-else"

	tests := map[string]string{
		"missing header": "",
		"wrong secret":   sign(t, "other", valid(time.Now().Add(time.Hour))),
		"expired":        sign(t, secret, valid(time.Now().Add(-time.Hour))),
		"no client id":   sign(t, secret, noClient),
		"other issuer":   sign(t, secret, foreign),
	}
	for name, tok := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, get(r, http.MethodGet, "/private", tok).Code)
		})
	}
}

func TestRequirePermission(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newAuth(t)
	r := gin.New()
	g := r.Group("/orders", JWTAuth(s))
	g.GET("", RequirePermission(auth.PermissionRead), func(c *gin.Context) { c.Status(http.StatusOK) })
	g.POST("", RequirePermission(auth.PermissionTrade), func(c *gin.Context) { c.Status(http.StatusCreated) })
	g.DELETE("", RequirePermission(auth.PermissionCancel), func(c *gin.Context) { c.Status(http.StatusOK) })

	trader := token(t, s, "ak", "as")
	viewer := token(t, s, "vk", "vs")

	assert.Equal(t, http.StatusCreated, get(r, http.MethodPost, "/orders", trader).Code)
	assert.Equal(t, http.StatusOK, get(r, http.MethodDelete, "/orders", trader).Code)

	assert.Equal(t, http.StatusOK, get(r, http.MethodGet, "/orders", viewer).Code)
	assert.Equal(t, http.StatusForbidden, get(r, http.MethodPost, "/orders", viewer).Code)
	assert.Equal(t, http.StatusForbidden, get(r, http.MethodDelete, "/orders", viewer).Code)
}

func TestRateLimiter_KeysOnAuthenticatedClient(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(map[string]rate.Limit{"/api/v1/orders": rate.Every(time.Hour)}, 1)
	r := gin.New()
	// every request comes from the same address, so only the client ID
	// set before the limiter can tell them apart
	r.GET("/api/v1/orders", func(c *gin.Context) {
		c.Set("clientID", c.GetHeader("X-Client"))
		c.Next()
	}, rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(client string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
		req.Header.Set("X-Client", client)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("alice"))
	assert.Equal(t, http.StatusTooManyRequests, send("alice"))
	assert.Equal(t, http.StatusOK, send("bob"), "a second client has its own bucket")
}

func TestRateLimiter_PerPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(map[string]rate.Limit{"/api/v1/orders": rate.Every(time.Hour)}, 2)
	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/api/v1/orders", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/v1/books", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, get(r, http.MethodGet, "/api/v1/orders", "").Code)
	assert.Equal(t, http.StatusOK, get(r, http.MethodGet, "/api/v1/orders", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(r, http.MethodGet, "/api/v1/orders", "").Code)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get(r, http.MethodGet, "/api/v1/books", "").Code, "unlisted prefixes are unlimited")
	}
}

func TestRateLimiter_CleanupForgetsIdleClients(t *testing.T) {
	rl := NewRateLimiter(DefaultLimits, 1)
	now := time.Now()
	rl.now = func() time.Time { return now }
	rl.getLimiter("/api/v1/orders", "a")

	now = now.Add(10 * time.Minute)
	rl.getLimiter("/api/v1/orders", "b")
	rl.Cleanup(3 * time.Minute)

	assert.Len(t, rl.visitors, 1)
	assert.Contains(t, rl.visitors, "b:/api/v1/orders")
}

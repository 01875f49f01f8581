package middleware

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-match/internal/auth"
	"github.com/ksred/klear-match/pkg/response"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Route limits applied per client and path prefix
var DefaultLimits = map[string]rate.Limit{
	"/api/v1/auth":   rate.Limit(10.0 / 60.0),   // 10 requests per minute
	"/api/v1/orders": rate.Limit(6000.0 / 60.0), // 100 requests per second
	"/api/v1/books":  rate.Limit(1000.0 / 60.0),
}

// RateLimiter keeps one token bucket per client and path.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limits   map[string]rate.Limit
	burst    int
	now      func() time.Time
}

func NewRateLimiter(limits map[string]rate.Limit, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limits:   limits,
		burst:    burst,
		now:      time.Now,
	}
}

func (rl *RateLimiter) limitFor(path string) rate.Limit {
	best, limit := "", rate.Inf // no limit for other paths
	for prefix, l := range rl.limits {
		if strings.HasPrefix(path, prefix) && len(prefix) > len(best) {
			best, limit = prefix, l
		}
	}
	return limit
}

func (rl *RateLimiter) getLimiter(path, client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := client + ":" + path
	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.limitFor(path), rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = rl.now()
	return v.limiter
}

// Cleanup forgets clients not seen for longer than idle.
func (rl *RateLimiter) Cleanup(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if rl.now().Sub(v.lastSeen) > idle {
			delete(rl.visitors, key)
		}
	}
}

// Run cleans up idle clients every minute until stop is closed.
func (rl *RateLimiter) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rl.Cleanup(3 * time.Minute)
		}
	}
}

// Middleware limits each client separately. It keys on the clientID an
// earlier JWTAuth put on the context and falls back to the remote address,
// so it belongs after JWTAuth on authenticated routes.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		if clientID == "" {
			clientID = c.ClientIP()
		}

		limiter := rl.getLimiter(c.FullPath(), clientID)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// TokenVerifier checks a bearer token and returns its claims.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// JWTAuth verifies the bearer token and puts its claims and client ID on
// the context
func JWTAuth(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := verifier.Verify(bearerToken[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("clientID", claims.ClientID)
		c.Next()
	}
}

// RequirePermission refuses requests whose token does not grant p. It must
// run after JWTAuth.
func RequirePermission(p auth.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, _ := c.Get("claims")
		if !auth.HasPermission(claims, p) {
			response.Forbidden(c, fmt.Sprintf("token does not allow %s", p))
			c.Abort()
			return
		}
		c.Next()
	}
}

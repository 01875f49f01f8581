package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-match/pkg/response"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrInvalidClient      = errors.New("invalid API client")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

// DefaultTokenTTL is how long an issued token stays valid unless the
// service is told otherwise.
const DefaultTokenTTL = 24 * time.Hour

const issuer = "klear-match"

// Permission is an action a token allows its holder to take.
type Permission string

const (
	PermissionRead   Permission = "read"   // order status, trades and books
	PermissionTrade  Permission = "trade"  // submit orders
	PermissionCancel Permission = "cancel" // cancel resting orders
)

// AllPermissions is granted to clients that do not list their own.
var AllPermissions = []Permission{PermissionRead, PermissionTrade, PermissionCancel}

func (p Permission) valid() bool {
	return p == PermissionRead || p == PermissionTrade || p == PermissionCancel
}

// Client is an API client allowed to exchange its key and secret for a
// token. Its ID becomes the client_id of every order it submits.
type Client struct {
	ID          string
	APIKey      string
	APISecret   string
	Permissions []Permission
}

// ParseClient reads a client from "id:key:secret" with an optional
// ":perm|perm" suffix. Without the suffix the client gets AllPermissions.
func ParseClient(entry string) (Client, error) {
	parts := strings.Split(strings.TrimSpace(entry), ":")
	if len(parts) < 3 || len(parts) > 4 {
		return Client{}, fmt.Errorf("%w: want id:key:secret[:perm|perm], got %d fields", ErrInvalidClient, len(parts))
	}

	c := Client{ID: parts[0], APIKey: parts[1], APISecret: parts[2]}
	if len(parts) == 3 {
		c.Permissions = AllPermissions
		return c, c.validate()
	}
	for _, p := range strings.Split(parts[3], "|") {
		if p = strings.TrimSpace(p); p != "" {
			c.Permissions = append(c.Permissions, Permission(strings.ToLower(p)))
		}
	}
	return c, c.validate()
}

func (c Client) validate() error {
	if c.ID == "" || c.APIKey == "" || c.APISecret == "" {
		return fmt.Errorf("%w: id, key and secret are required", ErrInvalidClient)
	}
	if len(c.Permissions) == 0 {
		return fmt.Errorf("%w: client %s has no permissions", ErrInvalidClient, c.ID)
	}
	for _, p := range c.Permissions {
		if !p.valid() {
			return fmt.Errorf("%w: unknown permission %q", ErrInvalidClient, p)
		}
	}
	return nil
}

// Credentials is the body of a token request.
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse is a signed token and what it allows.
type TokenResponse struct {
	Token       string       `json:"jwt_token"`
	Expiration  time.Time    `json:"expiration"`
	Permissions []Permission `json:"permissions"`
}

// Claims are the claims of a token issued by the Service.
type Claims struct {
	jwt.RegisteredClaims
	ClientID    string       `json:"client_id"`
	Permissions []Permission `json:"permissions"`
}

// Allows reports whether the claims grant p.
func (c *Claims) Allows(p Permission) bool {
	for _, granted := range c.Permissions {
		if granted == p {
			return true
		}
	}
	return false
}

// Service issues and verifies the tokens of registered clients.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	clients map[string]Client // by API key
}

// NewService creates a service signing with secret. A ttl of zero means
// DefaultTokenTTL.
func NewService(secret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Service{
		secret:  []byte(secret),
		ttl:     ttl,
		now:     time.Now,
		clients: make(map[string]Client),
	}
}

// Register adds a client, replacing any client with the same API key.
func (s *Service) Register(c Client) error {
	if err := c.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.APIKey] = c
	return nil
}

func (s *Service) lookup(creds Credentials) (Client, bool) {
	s.mu.RLock()
	c, ok := s.clients[creds.APIKey]
	s.mu.RUnlock()
	if !ok {
		return Client{}, false
	}
	return c, subtle.ConstantTimeCompare([]byte(c.APISecret), []byte(creds.APISecret)) == 1
}

// Issue signs a token for the client owning creds.
func (s *Service) Issue(creds Credentials) (*TokenResponse, error) {
	client, ok := s.lookup(creds)
	if !ok {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	expiration := now.Add(s.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   client.ID,
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		ClientID:    client.ID,
		Permissions: client.Permissions,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, ErrTokenGeneration
	}
	return &TokenResponse{
		Token:       signed,
		Expiration:  expiration,
		Permissions: client.Permissions,
	}, nil
}

// Verify checks a token's signature, issuer and lifetime and returns its
// claims.
func (s *Service) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.ClientID == "" {
		return nil, errors.New("token has no client")
	}
	return claims, nil
}

// GinHandlers serves the token endpoint.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// IssueTokenHandler exchanges API credentials for a token.
func (h *GinHandlers) IssueTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "api_key and api_secret are required")
			return
		}

		token, err := h.service.Issue(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			log.Warn().Str("api_key", creds.APIKey).Str("ip", c.ClientIP()).Msg("token refused")
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// GetClientID extracts the client ID from parsed token claims, or returns
// an empty string when there is none.
func GetClientID(claims interface{}) string {
	switch c := claims.(type) {
	case jwt.MapClaims:
		if clientID, ok := c["client_id"].(string); ok {
			return clientID
		}
	case *Claims:
		return c.ClientID
	}
	return ""
}

// HasPermission reports whether parsed token claims grant p.
func HasPermission(claims interface{}, p Permission) bool {
	switch c := claims.(type) {
	case jwt.MapClaims:
		granted, _ := c["permissions"].([]interface{})
		for _, g := range granted {
			if s, ok := g.(string); ok && Permission(s) == p {
				return true
			}
		}
	case *Claims:
		return c.Allows(p)
	}
	return false
}

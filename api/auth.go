package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"example.com/backstage/plm/config"
	"example.com/backstage/plm/domain"
)

const (
	actorKey = "plm.actor"

	// Development headers, honoured only while auth is disabled
	userHeader  = "X-PLM-User"
	rolesHeader = "X-PLM-Roles"
)

// Claims are the bearer token claims: sub is the actor id
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Authenticator resolves the actor of a request
type Authenticator struct {
	enabled bool
	secret  []byte
	issuer  string
}

// NewAuthenticator creates an authenticator from config
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{enabled: cfg.Enabled, secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer}
}

// IssueToken signs an HS256 token for actor
func (a *Authenticator) IssueToken(actor domain.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Roles: actor.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Parse validates a token and returns its actor
func (a *Authenticator) Parse(tokenString string) (domain.Actor, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return domain.Actor{}, fmt.Errorf("invalid or expired token")
	}
	return domain.Actor{ID: claims.Subject, Roles: claims.Roles}, nil
}

// Middleware puts the request actor in the gin context. With auth disabled
// the actor comes from the development headers.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.enabled {
			c.Set(actorKey, devActor(c))
			c.Next()
			return
		}

		tokenString := bearerToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, &domain.Result{Error: "missing or invalid token", Code: "UNAUTHORIZED"})
			return
		}
		actor, err := a.Parse(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, &domain.Result{Error: err.Error(), Code: "UNAUTHORIZED"})
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return header[7:]
	}
	return ""
}

func devActor(c *gin.Context) domain.Actor {
	actor := domain.Actor{ID: c.GetHeader(userHeader)}
	if actor.ID == "" {
		actor.ID = "anonymous"
	}
	for _, r := range strings.Split(c.GetHeader(rolesHeader), ",") {
		if r = strings.TrimSpace(r); r != "" {
			actor.Roles = append(actor.Roles, r)
		}
	}
	return actor
}

// actorFrom returns the actor set by the auth middleware
func actorFrom(c *gin.Context) domain.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(domain.Actor); ok {
			return actor
		}
	}
	return domain.Actor{}
}

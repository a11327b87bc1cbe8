package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// UserKey 上下文中保存用户名的键
const UserKey = "user"

// 作用域
const (
	ScopeRead  = "jobs.read"
	ScopeWrite = "jobs.write"
)

const scopesKey = "scopes"

// Claims 自定义 JWT claims
type Claims struct {
	Username string   `json:"username"`
	Scopes   []string `json:"scopes"`
	jwt.RegisteredClaims
}

// TokenVerifier 使用 HS256 共享密钥签发和校验令牌
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier 创建校验器，secret 不能为空
func NewTokenVerifier(secret []byte) (*TokenVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret key required")
	}
	return &TokenVerifier{secret: secret}, nil
}

// Issue 签发令牌；ttl 为 0 时不设置过期时间
func (v *TokenVerifier) Issue(username string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Username:         username,
		Scopes:           scopes,
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(now), Subject: username},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Parse 验证并返回 claims
func (v *TokenVerifier) Parse(tokenStr string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid claims")
	}
	return claims, nil
}

// BearerAuth 校验 Authorization: Bearer 令牌，成功后写入用户名与作用域
func BearerAuth(v *TokenVerifier, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || len(auth) <= len("Bearer ") {
			logger.Warn("missing bearer token", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := v.Parse(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			logger.Warn("invalid token", "method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(UserKey, claims.Username)
		c.Set(scopesKey, claims.Scopes)
		c.Next()
	}
}

// RequireScope 要求令牌携带 scope；未启用认证时（上下文无作用域）直接放行
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, exists := c.Get(scopesKey)
		if !exists {
			c.Next()
			return
		}
		scopes, _ := raw.([]string)
		for _, s := range scopes {
			if s == scope {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}

// CurrentUser 返回请求用户，未认证时为空
func CurrentUser(c *gin.Context) string {
	return c.GetString(UserKey)
}

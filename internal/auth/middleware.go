package auth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	userIDContextKey    = "auth_user_id"
	authTokenContextKey = "auth_token"
	sourceContextKey    = "auth_source"
)

// credentialSource says where the auth token of a request was found.
type credentialSource string

const (
	sourceBearer credentialSource = "bearer"
	sourceCookie credentialSource = "cookie"
	sourceQuery  credentialSource = "query"
)

// Middleware resolves the auth token to an account and stores it in the
// gin context. Browsers cannot set headers on a websocket upgrade, so
// upgrades may carry the token as the "token" query parameter instead.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authToken, source := s.extractToken(c)
		if authToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required", "code": "token_required"})
			return
		}
		userID, err := s.ValidateToken(c.Request.Context(), authToken)
		if err != nil {
			code := "invalid_token"
			if errors.Is(err, ErrTokenExpired) {
				code = "token_expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "code": code})
			return
		}
		c.Set(userIDContextKey, userID)
		c.Set(authTokenContextKey, authToken)
		c.Set(sourceContextKey, source)
		c.Next()
	}
}

// UserIDFromContext retrieves the authenticated account id.
func UserIDFromContext(c *gin.Context) (int64, bool) {
	userID, ok := c.Get(userIDContextKey)
	if !ok {
		return 0, false
	}
	id, ok := userID.(int64)
	return id, ok
}

// StoreKey returns the authenticated account id in the form the per-user
// stores are keyed by.
func StoreKey(c *gin.Context) (string, bool) {
	userID, ok := UserIDFromContext(c)
	if !ok || userID <= 0 {
		return "", false
	}
	return strconv.FormatInt(userID, 10), true
}

// AuthTokenFromContext retrieves the token the request authenticated with.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	token, ok := c.Get(authTokenContextKey)
	if !ok {
		return "", false
	}
	s, ok := token.(string)
	return s, ok
}

func sourceFromContext(c *gin.Context) credentialSource {
	v, _ := c.Get(sourceContextKey)
	src, _ := v.(credentialSource)
	return src
}

func (s *Service) extractToken(c *gin.Context) (string, credentialSource) {
	if token, ok := bearerToken(c.GetHeader(s.headerName)); ok {
		return token, sourceBearer
	}
	if token, err := c.Cookie(s.cookieName); err == nil && token != "" {
		return token, sourceCookie
	}
	if c.IsWebsocket() {
		if token := strings.TrimSpace(c.Query("token")); token != "" {
			return token, sourceQuery
		}
	}
	return "", ""
}

func bearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

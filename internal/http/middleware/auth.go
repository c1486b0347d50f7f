package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/gig-escrow/internal/pkg/apperror"
	"github.com/ignatzorin/gig-escrow/internal/service"
)

// Ключи gin.Context, которые выставляет AuthMiddleware.
const (
	ContextUserIDKey = "userID"
	ContextRoleKey   = "role"
)

const bearerPrefix = "Bearer "

// BearerToken достаёт access токен из заголовка Authorization.
// queryFallback разрешает ?token=..., браузер не передаёт заголовки при апгрейде WebSocket.
func BearerToken(c *gin.Context, queryFallback bool) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(auth, bearerPrefix))
	}
	if queryFallback {
		return c.Query("token")
	}
	return ""
}

// Authenticate проверяет токен и кладёт пользователя с ролью в контекст.
func Authenticate(c *gin.Context, tokens *service.TokenManager, raw string) error {
	if raw == "" {
		return apperror.ErrUnauthorized
	}
	userID, role, err := tokens.ParseAccess(raw)
	if err != nil || userID == uuid.Nil {
		return apperror.New(apperror.ErrCodeUnauthorized, "токен невалиден")
	}
	c.Set(ContextUserIDKey, userID)
	c.Set(ContextRoleKey, role)
	return nil
}

// AuthMiddleware пропускает запросы только с валидным JWT access токеном.
func AuthMiddleware(tokens *service.TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := Authenticate(c, tokens, BearerToken(c, false)); err != nil {
			abortWithError(c, err)
			return
		}
		c.Next()
	}
}

// RequireRole ставится после AuthMiddleware.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(ContextRoleKey)
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		abortWithError(c, apperror.ErrForbidden)
	}
}

func abortWithError(c *gin.Context, err error) {
	status, body := ErrorBody(err)
	c.AbortWithStatusJSON(status, body)
}

package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"studychat/pkg/auth"
	"studychat/pkg/httpx"
	"studychat/pkg/logger"
)

// AuthMiddleware 认证中间件配置
type AuthMiddleware struct {
	log       logger.Logger
	skipPaths []string
}

// NewAuthMiddleware 创建认证中间件
func NewAuthMiddleware(log logger.Logger, skipPaths ...string) *AuthMiddleware {
	return &AuthMiddleware{
		log:       log,
		skipPaths: skipPaths,
	}
}

// GinAuth Gin认证中间件
// 校验会话token并把用户ID写入请求上下文。
func (am *AuthMiddleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if am.shouldSkipAuth(c.Request.URL.Path) {
			c.Next()
			return
		}

		token := extractTokenFromHeader(c.GetHeader("Authorization"))
		if token == "" {
			am.log.Warn(c.Request.Context(), "Missing authorization token",
				logger.F("path", c.Request.URL.Path))
			httpx.WriteError(c, 401, "missing authorization token")
			c.Abort()
			return
		}

		userID, err := auth.ValidateToken(token)
		if err != nil {
			am.log.Warn(c.Request.Context(), "Invalid session token",
				logger.F("path", c.Request.URL.Path),
				logger.F("error", err.Error()))
			httpx.WriteError(c, 401, "invalid session token")
			c.Abort()
			return
		}

		c.Set("user_id", userID)
		c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

// extractTokenFromHeader 从Authorization头中提取token
// 支持 "Bearer token" 和直接的 "token" 格式。
func extractTokenFromHeader(authHeader string) string {
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return authHeader
}

// shouldSkipAuth 判断是否跳过认证
func (am *AuthMiddleware) shouldSkipAuth(path string) bool {
	for _, skipPath := range am.skipPaths {
		if strings.HasPrefix(path, skipPath) {
			return true
		}
	}
	return false
}

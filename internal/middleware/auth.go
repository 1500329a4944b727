package middleware

import (
	"buylist_backend/internal/config"
	"buylist_backend/internal/util"
	"buylist_backend/pkg/logger"
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ConfigMiddleware 把当前配置放进请求上下文；热加载后取到的是新配置
func ConfigMiddleware(current func() *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("config", current())
		c.Next()
	}
}

// TokenDenylist 已注销的 token
type TokenDenylist interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// AuthMiddleware 解析 JWT，调用者身份放在上下文的 "user" 中。
// EventSource 和 WebSocket 无法自定义请求头，允许用 ?token= 传递。
// denylist 为 nil 时不检查注销状态。
func AuthMiddleware(denylist TokenDenylist) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := ""
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
		}

		if tokenString == "" {
			tokenString = c.Query("token")
		}

		if tokenString == "" {
			util.Unauthorized(c)
			c.Abort()
			return
		}

		cfg := c.MustGet("config").(*config.Config)
		claims, err := util.ParseJWT(tokenString, cfg.JWT.Secret)
		if err != nil {
			logger.Log.Debug("JWT parse failed", zap.Error(err))
			util.Unauthorized(c)
			c.Abort()
			return
		}

		if denylist != nil && claims.ID != "" {
			revoked, err := denylist.IsRevoked(c.Request.Context(), claims.ID)
			if err != nil {
				util.HandleServiceError(c, util.TryAgain(err))
				c.Abort()
				return
			}
			if revoked {
				util.Unauthorized(c)
				c.Abort()
				return
			}
		}

		c.Set("user", claims)
		c.Next()
	}
}

// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tgstate-go/pkg/token"
)

const (
	// SessionCookie 是网页登录后保存 token 的 cookie 名。
	SessionCookie = "tgstate_session"
	// APIKeyHeader 是 PicGo 等客户端携带 API Key 的请求头。
	APIKeyHeader = "X-API-Key"
)

// AuthMiddleware 创建一个 Gin 中间件，接受 Bearer token、会话 cookie 或 API Key。
// 未设置密码时为公开模式：不带凭证的请求直接放行，携带的 API Key 仍会被校验。
func AuthMiddleware(jwtManager *token.JWTManager, passwordSet bool, apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// API Key 只用于上传等程序化调用
		if key := c.GetHeader(APIKeyHeader); key != "" && apiKey != "" {
			if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
				c.Set("scope", "api")
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效的 API Key"})
			return
		}

		if !passwordSet {
			c.Next()
			return
		}

		tokenString := ""
		const bearerPrefix = "Bearer "
		if authHeader := c.GetHeader("Authorization"); strings.HasPrefix(authHeader, bearerPrefix) {
			tokenString = strings.TrimPrefix(authHeader, bearerPrefix)
		} else if cookie, err := c.Cookie(SessionCookie); err == nil {
			tokenString = cookie
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "请求未包含授权信息"})
			return
		}

		claims, err := jwtManager.VerifyToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效或已过期的 token"})
			return
		}

		c.Set("claims", claims)
		c.Set("scope", claims.Scope)
		c.Next()
	}
}

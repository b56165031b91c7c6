package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"tgstate-go/internal/middleware"
	"tgstate-go/pkg/log"
	"tgstate-go/pkg/token"
)

// AuthHandler 负责网页登录：校验管理口令并签发会话 token。
type AuthHandler struct {
	passwordHash []byte
	jwtManager   *token.JWTManager
	secureCookie bool
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
// password 可以是明文，也可以是 bcrypt 哈希；为空时为公开模式。
func NewAuthHandler(password string, jwtManager *token.JWTManager, secureCookie bool) (*AuthHandler, error) {
	h := &AuthHandler{jwtManager: jwtManager, secureCookie: secureCookie}
	if password == "" {
		return h, nil
	}
	if strings.HasPrefix(password, "$2") {
		if _, err := bcrypt.Cost([]byte(password)); err == nil {
			h.passwordHash = []byte(password)
			return h, nil
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	h.passwordHash = hash
	return h, nil
}

// PasswordSet 表示是否配置了管理口令。
func (h *AuthHandler) PasswordSet() bool {
	return len(h.passwordHash) > 0
}

// LoginRequest 定义了登录 API 的请求体结构。
type LoginRequest struct {
	Password string `json:"password" binding:"required"`
}

// Login 校验口令，成功后写入会话 cookie 并返回 token。
func (h *AuthHandler) Login(c *gin.Context) {
	if !h.PasswordSet() {
		respond(c, http.StatusOK, "未设置密码，无需登录", gin.H{"auth_required": false})
		return
	}

	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "无效的请求负载：password 不能为空")
		return
	}
	if err := bcrypt.CompareHashAndPassword(h.passwordHash, []byte(req.Password)); err != nil {
		log.Warnf("[Login] 口令错误, clientIP: %s", c.ClientIP())
		abort(c, http.StatusUnauthorized, "密码错误")
		return
	}

	tok, err := h.jwtManager.GenerateToken("web")
	if err != nil {
		log.Error("[Login] 生成 token 失败", err)
		abort(c, http.StatusInternalServerError, "服务器内部错误")
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.SessionCookie, tok, int(h.jwtManager.TTL().Seconds()), "/", "", h.secureCookie, true)
	respond(c, http.StatusOK, "登录成功", gin.H{"token": tok, "auth_required": true})
}

// Logout 清除会话 cookie。
func (h *AuthHandler) Logout(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.SessionCookie, "", -1, "/", "", h.secureCookie, true)
	respond(c, http.StatusOK, "已退出登录", nil)
}

// Status 告诉前端是否需要登录。
func (h *AuthHandler) Status(c *gin.Context) {
	respond(c, http.StatusOK, "success", gin.H{"auth_required": h.PasswordSet()})
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgstate-go/pkg/token"
)

func newAuthRouter(jwt *token.JWTManager, passwordSet bool, apiKey string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger())
	r.GET("/p", AuthMiddleware(jwt, passwordSet, apiKey), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("scope"))
	})
	return r
}

func doGet(r http.Handler, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/p", nil)
	if mutate != nil {
		mutate(req)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware_PublicMode(t *testing.T) {
	r := newAuthRouter(token.NewJWTManager("s", 1), false, "")
	assert.Equal(t, http.StatusOK, doGet(r, nil).Code)
}

func TestAuthMiddleware_PublicModeWithAPIKey(t *testing.T) {
	r := newAuthRouter(token.NewJWTManager("s", 1), false, "key")

	w := doGet(r, nil)
	assert.Equal(t, http.StatusOK, w.Code, "no password means anonymous calls pass")
	assert.Empty(t, w.Body.String())

	w = doGet(r, func(req *http.Request) { req.Header.Set(APIKeyHeader, "key") })
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "api", w.Body.String())

	w = doGet(r, func(req *http.Request) { req.Header.Set(APIKeyHeader, "wrong") })
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_Credentials(t *testing.T) {
	jwt := token.NewJWTManager("s", 1)
	r := newAuthRouter(jwt, true, "key")
	tok, err := jwt.GenerateToken("web")
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, doGet(r, nil).Code)

	w := doGet(r, func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+tok) })
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "web", w.Body.String())

	w = doGet(r, func(req *http.Request) { req.AddCookie(&http.Cookie{Name: SessionCookie, Value: tok}) })
	assert.Equal(t, http.StatusOK, w.Code)

	w = doGet(r, func(req *http.Request) { req.Header.Set(APIKeyHeader, "key") })
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "api", w.Body.String())

	w = doGet(r, func(req *http.Request) { req.Header.Set(APIKeyHeader, "wrong") })
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doGet(r, func(req *http.Request) { req.Header.Set("Authorization", "Bearer garbage") })
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

package service

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/edirooss/procd/internal/config"
	"github.com/edirooss/procd/internal/principal"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func init() { gin.SetMode(gin.TestMode) }

func testContext() *gin.Context {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	return c
}

func TestAuthDisabled(t *testing.T) {
	svc, err := NewAuthService(zaptest.NewLogger(t), config.AuthConfig{}, true, config.RedisConfig{})
	require.NoError(t, err)
	assert.False(t, svc.Enabled())
	assert.Nil(t, svc.UserSession)

	c := testContext()
	pr := svc.AuthenticateAnonymous(c)
	assert.Equal(t, principal.Anonymous, pr.PrincipalType)
	assert.Equal(t, principal.None, pr.CredentialType)
	assert.Same(t, pr, svc.WhoAmI(c))
}

func TestAuthBearerToken(t *testing.T) {
	svc, err := NewAuthService(zaptest.NewLogger(t), config.AuthConfig{Tokens: []string{"", "alpha", "beta"}}, true, config.RedisConfig{})
	require.NoError(t, err)
	assert.True(t, svc.Enabled())
	assert.Nil(t, svc.UserSession, "tokens alone need no sessions")

	c := testContext()
	pr, ok := svc.AuthenticateWithBearerToken(c, "beta")
	require.True(t, ok)
	assert.Equal(t, "token-1", pr.ID)
	assert.Equal(t, principal.ServiceAccount, pr.PrincipalType)
	assert.Equal(t, principal.Bearer, pr.CredentialType)
	assert.Same(t, pr, svc.WhoAmI(c))

	_, ok = svc.AuthenticateWithBearerToken(testContext(), "gamma")
	assert.False(t, ok)
	_, ok = svc.AuthenticateWithBearerToken(testContext(), "")
	assert.False(t, ok)

	_, ok = svc.AuthenticateWithPassword(testContext(), "admin", "alpha")
	assert.False(t, ok, "no operator configured")
	_, ok = svc.AuthenticateWithSession(testContext())
	assert.False(t, ok)
}

func TestAuthPassword(t *testing.T) {
	svc, err := NewAuthService(zaptest.NewLogger(t), config.AuthConfig{
		Username:      "admin",
		Password:      "hunter2",
		SessionSecret: testSecret,
	}, true, config.RedisConfig{})
	require.NoError(t, err)
	require.NotNil(t, svc.UserSession)

	c := testContext()
	pr, ok := svc.AuthenticateWithPassword(c, "admin", "hunter2")
	require.True(t, ok)
	assert.Equal(t, &principal.Principal{ID: "admin", PrincipalType: principal.Operator, CredentialType: principal.Login}, pr)

	_, ok = svc.AuthenticateWithPassword(testContext(), "admin", "wrong")
	assert.False(t, ok)
	_, ok = svc.AuthenticateWithPassword(testContext(), "root", "hunter2")
	assert.False(t, ok)
}

func TestAuthShortSessionSecret(t *testing.T) {
	_, err := NewAuthService(zaptest.NewLogger(t), config.AuthConfig{
		Username:      "admin",
		Password:      "hunter2",
		SessionSecret: "short",
	}, true, config.RedisConfig{})
	assert.Error(t, err)
}

func TestAuthSessionRoundTrip(t *testing.T) {
	svc, err := NewAuthService(zaptest.NewLogger(t), config.AuthConfig{
		Username:      "admin",
		Password:      "hunter2",
		SessionSecret: testSecret,
	}, true, config.RedisConfig{})
	require.NoError(t, err)

	r := gin.New()
	r.Use(svc.UserSession.Middleware())
	r.POST("/api/login", func(c *gin.Context) {
		if _, ok := svc.AuthenticateWithPassword(c, "admin", "hunter2"); !ok {
			c.Status(http.StatusUnauthorized)
			return
		}
		if err := svc.UserSession.SetUserSession(sessions.Default(c), "admin"); err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	})
	r.GET("/api/me", func(c *gin.Context) {
		pr, ok := svc.AuthenticateWithSession(c)
		if !ok {
			c.Status(http.StatusUnauthorized)
			return
		}
		c.String(http.StatusOK, pr.ID+" "+pr.CredentialType.String())
	})
	r.POST("/api/logout", func(c *gin.Context) {
		_ = svc.UserSession.ClearUserSession(sessions.Default(c))
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/login", nil))
	require.Equal(t, http.StatusNoContent, w.Code)
	cookie := w.Header().Get("Set-Cookie")
	require.True(t, strings.HasPrefix(cookie, sessionCookieName+"="), cookie)
	assert.Contains(t, cookie, "HttpOnly")
	assert.Contains(t, cookie, "Path=/api")

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Cookie", strings.SplitN(cookie, ";", 2)[0])
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "admin session", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/logout", nil)
	req.Header.Set("Cookie", strings.SplitN(cookie, ";", 2)[0])
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Set-Cookie"), "Max-Age=0")
}

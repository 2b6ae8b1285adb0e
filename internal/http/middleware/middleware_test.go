package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/edirooss/procd/internal/config"
	"github.com/edirooss/procd/internal/principal"
	"github.com/edirooss/procd/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func init() { gin.SetMode(gin.TestMode) }

func whoami(c *gin.Context) {
	p := principal.GetPrincipal(c)
	c.String(http.StatusOK, p.ID+" "+p.PrincipalType.String())
}

func newAuthRouter(t *testing.T, cfg config.AuthConfig) *gin.Engine {
	t.Helper()
	authsvc, err := service.NewAuthService(zaptest.NewLogger(t), cfg, true, config.RedisConfig{})
	require.NoError(t, err)

	r := gin.New()
	if authsvc.UserSession != nil {
		r.Use(authsvc.UserSession.Middleware())
	}
	r.GET("/api/me", Authentication(authsvc), whoami)
	return r
}

func get(r http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthenticationDisabled(t *testing.T) {
	r := newAuthRouter(t, config.AuthConfig{})

	w := get(r, "/api/me")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "anonymous anonymous", w.Body.String())
}

func TestAuthenticationBearer(t *testing.T) {
	r := newAuthRouter(t, config.AuthConfig{Tokens: []string{"s3cret"}})

	w := get(r, "/api/me", "Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "token-0 service_account", w.Body.String())

	w = get(r, "/api/me", "Authorization", "bearer  s3cret ")
	assert.Equal(t, http.StatusOK, w.Code, "scheme is case-insensitive")

	w = get(r, "/api/me", "Authorization", "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid token")

	w = get(r, "/api/me", "Authorization", "Basic s3cret")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "authentication required")

	assert.Equal(t, http.StatusUnauthorized, get(r, "/api/me").Code)
}

func TestAuthenticationSessionRequired(t *testing.T) {
	r := newAuthRouter(t, config.AuthConfig{
		Username:      "admin",
		Password:      "hunter2",
		SessionSecret: strings.Repeat("k", 32),
	})
	assert.Equal(t, http.StatusUnauthorized, get(r, "/api/me").Code)
}

func TestRequireValidProcessID(t *testing.T) {
	r := gin.New()
	r.GET("/processes/:id", RequireValidProcessID(), func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, get(r, "/processes/job-1").Code)
	assert.Equal(t, http.StatusOK, get(r, "/processes/"+strings.Repeat("a", 128)).Code)
	assert.Equal(t, http.StatusBadRequest, get(r, "/processes/"+strings.Repeat("a", 129)).Code)
	assert.Equal(t, http.StatusBadRequest, get(r, "/processes/a%20b").Code)
	assert.Equal(t, http.StatusBadRequest, get(r, "/processes/a%09b").Code)

	assert.False(t, validProcessID(""))
	assert.True(t, validProcessID("svc.worker_2"))
}

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, GetRequestID(c)) })

	w := get(r, "/", "X-Request-ID", "abc")
	assert.Equal(t, "abc", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "abc", w.Body.String())

	w = get(r, "/")
	id := w.Header().Get("X-Request-ID")
	assert.Len(t, id, 36)
	assert.Equal(t, id, w.Body.String())

	w = get(r, "/", "X-Request-ID", strings.Repeat("x", 65))
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)
}

func TestLimitConcurrentRequests(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	r := gin.New()
	r.GET("/slow", LimitConcurrentRequests(1, 3), func(c *gin.Context) {
		entered <- struct{}{}
		<-release
		c.Status(http.StatusOK)
	})

	var wg sync.WaitGroup
	var first *httptest.ResponseRecorder
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = get(r, "/slow")
	}()
	<-entered

	w := get(r, "/slow")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3", w.Header().Get("Retry-After"))

	close(release)
	wg.Wait()
	assert.Equal(t, http.StatusOK, first.Code)

	go func() { <-entered }()
	assert.Equal(t, http.StatusOK, get(r, "/slow").Code, "slot is released")
}

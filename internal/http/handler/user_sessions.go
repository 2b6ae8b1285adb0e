package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/edirooss/procd/internal/principal"
	"github.com/edirooss/procd/internal/service"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type UserSessionsHandler struct {
	log *zap.Logger
	svc *service.AuthService
}

func NewUserSessionsHandler(log *zap.Logger, authsvc *service.AuthService) *UserSessionsHandler {
	return &UserSessionsHandler{log.Named("usr_sessions"), authsvc}
}

// Login authenticates an operator and creates a new session.
//
// Status Codes:
//   - 200 OK
//   - 400 Bad Request  → malformed body
//   - 401 Unauthorized → invalid credentials
//   - 404 Not Found    → operator login is not configured
func (h *UserSessionsHandler) Login(c *gin.Context) {
	if h.svc.UserSession == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "login disabled"})
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := bind(c.Request, &req); err != nil {
		c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	p, ok := h.svc.AuthenticateWithPassword(c, req.Username, req.Password)
	if !ok {
		h.log.Warn("login failed", zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"message": "invalid credentials"})
		return
	}

	s := sessions.Default(c)
	if err := h.svc.UserSession.SetUserSession(s, p.ID); err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}

	c.Status(http.StatusOK)
}

// Logout clears the current session.
func (h *UserSessionsHandler) Logout(c *gin.Context) {
	if h.svc.UserSession != nil {
		_ = h.svc.UserSession.ClearUserSession(sessions.Default(c))
	}
	c.Status(http.StatusNoContent)
}

// Me returns the principal the request authenticated as.
func (h *UserSessionsHandler) Me(c *gin.Context) {
	p := principal.GetPrincipal(c)
	if p == nil {
		// Authentication middleware was not applied
		c.Status(http.StatusUnauthorized)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":              p.ID,
		"principal_type":  p.PrincipalType.String(),
		"credential_type": p.CredentialType.String(),
	})
}

func bind(req *http.Request, obj any) error {
	if req == nil || req.Body == nil {
		return errors.New("invalid request")
	}
	return decodeJSON(req.Body, obj)
}

func decodeJSON(r io.Reader, obj any) error {
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	return decoder.Decode(obj)
}

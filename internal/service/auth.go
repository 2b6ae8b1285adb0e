package service

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"github.com/edirooss/procd/internal/config"
	"github.com/edirooss/procd/internal/principal"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthService handles authentication logic. With no operator and no tokens
// configured it is disabled and every request is anonymous.
type AuthService struct {
	log         *zap.Logger
	UserSession *UserSessionService // nil without an operator login

	username [32]byte
	password [32]byte
	hasUser  bool
	tokens   [][32]byte
}

// NewAuthService creates a new AuthService.
func NewAuthService(log *zap.Logger, cfg config.AuthConfig, isDev bool, redisCfg config.RedisConfig) (*AuthService, error) {
	s := &AuthService{log: log.Named("auth")}

	if cfg.Username != "" {
		usrsesssvc, err := NewUserSessionService(SessionOptions{
			Secret:    []byte(cfg.SessionSecret),
			MaxAge:    cfg.SessionMaxAge,
			Secure:    !isDev,
			RedisAddr: redisCfg.Address,
			RedisDB:   redisCfg.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("new user session service: %w", err)
		}
		s.UserSession = usrsesssvc
		s.username = sha256.Sum256([]byte(cfg.Username))
		s.password = sha256.Sum256([]byte(cfg.Password))
		s.hasUser = true
	}
	for _, t := range cfg.Tokens {
		if t == "" {
			continue
		}
		s.tokens = append(s.tokens, sha256.Sum256([]byte(t)))
	}

	if !s.Enabled() {
		s.log.Warn("no credentials configured; API is open")
	}
	return s, nil
}

// Enabled reports whether requests must authenticate.
func (s *AuthService) Enabled() bool { return s.hasUser || len(s.tokens) > 0 }

// AuthenticateWithPassword authenticates using username and password.
// On success, it sets and returns the Principal.
func (s *AuthService) AuthenticateWithPassword(c *gin.Context, username, password string) (*principal.Principal, bool) {
	if !s.hasUser {
		return nil, false
	}
	u := sha256.Sum256([]byte(username))
	p := sha256.Sum256([]byte(password))
	userOK := subtle.ConstantTimeCompare(u[:], s.username[:])
	passOK := subtle.ConstantTimeCompare(p[:], s.password[:])
	if userOK&passOK != 1 {
		return nil, false
	}

	pr := &principal.Principal{ID: username, PrincipalType: principal.Operator, CredentialType: principal.Login}
	principal.SetPrincipal(c, pr)
	return pr, true
}

// AuthenticateWithSession reads session from context and authenticates user ID.
func (s *AuthService) AuthenticateWithSession(c *gin.Context) (*principal.Principal, bool) {
	if s.UserSession == nil {
		return nil, false
	}
	session := sessions.Default(c)
	uid, ok := s.UserSession.GetUserID(session)
	if !ok {
		return nil, false
	}
	u := sha256.Sum256([]byte(uid))
	if subtle.ConstantTimeCompare(u[:], s.username[:]) != 1 {
		return nil, false
	}
	s.UserSession.Touch(session)

	pr := &principal.Principal{ID: uid, PrincipalType: principal.Operator, CredentialType: principal.Session}
	principal.SetPrincipal(c, pr)
	return pr, true
}

// AuthenticateWithBearerToken authenticates using a configured API token.
func (s *AuthService) AuthenticateWithBearerToken(c *gin.Context, token string) (*principal.Principal, bool) {
	if token == "" {
		return nil, false
	}
	h := sha256.Sum256([]byte(token))
	for i, t := range s.tokens {
		if subtle.ConstantTimeCompare(h[:], t[:]) == 1 {
			pr := &principal.Principal{
				ID:             fmt.Sprintf("token-%d", i),
				PrincipalType:  principal.ServiceAccount,
				CredentialType: principal.Bearer,
			}
			principal.SetPrincipal(c, pr)
			return pr, true
		}
	}
	return nil, false
}

// AuthenticateAnonymous marks the request as unauthenticated; used when auth is disabled.
func (s *AuthService) AuthenticateAnonymous(c *gin.Context) *principal.Principal {
	pr := &principal.Principal{ID: "anonymous", PrincipalType: principal.Anonymous, CredentialType: principal.None}
	principal.SetPrincipal(c, pr)
	return pr
}

// WhoAmI returns the authenticated Principal from the Gin context.
// Returns nil if no principal is set.
func (s *AuthService) WhoAmI(c *gin.Context) *principal.Principal {
	return principal.GetPrincipal(c)
}

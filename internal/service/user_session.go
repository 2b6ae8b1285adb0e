package service

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-contrib/sessions/redis"
	"github.com/gin-gonic/gin"
)

// UserSessionService manages operator sessions. Sessions live in Redis when
// an address is given, otherwise in the signed cookie itself.
type UserSessionService struct {
	store         sessions.Store
	cookieOptions sessions.Options
}

const (
	sessionCookieName   = "procd_sid"
	sessionKeyUserID    = "uid"
	sessionKeyLastTouch = "last_touch"
)

// SessionOptions configures the store and its cookies.
type SessionOptions struct {
	Secret    []byte // signing key; at least 32 bytes
	MaxAge    time.Duration
	Secure    bool // cookies only over TLS
	RedisAddr string
	RedisDB   int
}

// NewUserSessionService creates a new UserSessionService.
func NewUserSessionService(opts SessionOptions) (*UserSessionService, error) {
	if len(opts.Secret) < 32 {
		return nil, errors.New("session secret must be at least 32 bytes")
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 4 * time.Hour
	}

	var store sessions.Store
	if opts.RedisAddr != "" {
		rs, err := redis.NewStoreWithDB(10, "tcp", opts.RedisAddr, "", "", fmt.Sprint(opts.RedisDB), opts.Secret)
		if err != nil {
			return nil, fmt.Errorf("new redis store: %w", err)
		}
		store = rs
	} else {
		store = cookie.NewStore(opts.Secret)
	}

	cookieOptions := sessions.Options{
		Path:     "/api",
		MaxAge:   int(opts.MaxAge / time.Second),
		Secure:   opts.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
	store.Options(cookieOptions)

	return &UserSessionService{store: store, cookieOptions: cookieOptions}, nil
}

// Middleware attaches session handling.
func (s *UserSessionService) Middleware() gin.HandlerFunc {
	return sessions.Sessions(sessionCookieName, s.store)
}

// SetUserSession stores the given user ID in the session and persists it.
func (s *UserSessionService) SetUserSession(session sessions.Session, uid string) error {
	session.Set(sessionKeyUserID, uid)
	session.Set(sessionKeyLastTouch, time.Now().Unix())

	if err := session.Save(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// ClearUserSession clears all session data and expires the cookie.
func (s *UserSessionService) ClearUserSession(session sessions.Session) error {
	session.Clear()

	opts := s.cookieOptions
	opts.MaxAge = -1
	session.Options(opts)

	if err := session.Save(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetUserID returns the user ID from the given session.
// It reports false if no valid user ID is present.
func (s *UserSessionService) GetUserID(session sessions.Session) (string, bool) {
	uid, ok := session.Get(sessionKeyUserID).(string)
	if !ok || uid == "" {
		return "", false
	}
	return uid, true
}

// Touch refreshes the last-activity stamp at most every 15 minutes.
func (s *UserSessionService) Touch(session sessions.Session) {
	const every = 15 * 60
	now := time.Now().Unix()
	last, _ := session.Get(sessionKeyLastTouch).(int64)
	if last == 0 || now-last > every {
		session.Set(sessionKeyLastTouch, now)
		_ = session.Save()
	}
}

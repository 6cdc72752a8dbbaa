package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	SessionKey contextKey = "session"

	DeviceCookie  = "dietcare_device"
	SessionCookie = "dietcare_session"
	AdminCookie   = "dietcare_admin"

	DeviceHeader = "X-Device-Token"

	issuer        = "dietcare"
	deviceMaxAge  = 5 * 365 * 24 * time.Hour
	adminTokenTTL = 12 * time.Hour

	maxDeviceTokenLen = 128
)

var ErrInvalidToken = errors.New("invalid session token")

type Role string

const (
	RolePatient Role = "patient"
	RoleAdmin   Role = "admin"
)

type Claims struct {
	jwt.RegisteredClaims
	Role    Role   `json:"role"`
	KakaoID string `json:"kakao_id,omitempty"`
}

// Session is the per-request identity context. DeviceToken is always set once
// SessionMiddleware has run; PatientID is uuid.Nil for anonymous callers.
type Session struct {
	DeviceToken string
	NewDevice   bool
	PatientID   uuid.UUID
	KakaoID     string
	Admin       bool

	// AdminSessionID is the admin token id; it keys the live change stream.
	AdminSessionID string
}

func (s *Session) HasPatient() bool {
	return s != nil && s.PatientID != uuid.Nil
}

type SessionConfig struct {
	Secret []byte
	TTL    time.Duration
	Secure bool
}

// SessionManager issues and verifies HS256 session tokens and owns the
// client-side cookies that carry them.
type SessionManager struct {
	cfg     SessionConfig
	revoked *revocationList
}

func NewSessionManager(cfg SessionConfig) *SessionManager {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	return &SessionManager{cfg: cfg, revoked: newRevocationList()}
}

func (m *SessionManager) sign(claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.Issuer = issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(m.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return s, nil
}

// IssuePatient signs a patient session for id, optionally bound to a Kakao
// identity. A nil id yields a social-only session used between a Kakao login
// miss and signup.
func (m *SessionManager) IssuePatient(id uuid.UUID, kakaoID string) (string, error) {
	subject := ""
	if id != uuid.Nil {
		subject = id.String()
	}
	return m.sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
		Role:             RolePatient,
		KakaoID:          kakaoID,
	}, m.cfg.TTL)
}

func (m *SessionManager) IssueAdmin() (string, error) {
	return m.sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "admin", ID: uuid.NewString()},
		Role:             RoleAdmin,
	}, adminTokenTTL)
}

func (m *SessionManager) Parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return m.cfg.Secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(issuer))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// SessionMiddleware builds the Session for every request. A caller without a
// device token gets a fresh one persisted as a long-lived cookie and echoed in
// the X-Device-Token header before any handler runs. Invalid or expired
// session tokens are dropped and the request proceeds anonymously.
func (m *SessionManager) SessionMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if IsPublicPath(c.Path()) {
				return next(c)
			}

			s := &Session{DeviceToken: deviceToken(c)}
			if s.DeviceToken == "" {
				s.DeviceToken = uuid.NewString()
				s.NewDevice = true
				m.setCookie(c, DeviceCookie, s.DeviceToken, deviceMaxAge)
			}
			c.Response().Header().Set(DeviceHeader, s.DeviceToken)

			if tok := patientToken(c); tok != "" {
				if claims, err := m.Parse(tok); err == nil && claims.Role == RolePatient {
					s.KakaoID = claims.KakaoID
					if id, err := uuid.Parse(claims.Subject); err == nil {
						s.PatientID = id
					}
				}
			}
			if cookie, err := c.Cookie(AdminCookie); err == nil && cookie.Value != "" {
				if claims, err := m.Parse(cookie.Value); err == nil && claims.Role == RoleAdmin && !m.revoked.IsRevoked(claims.ID) {
					s.Admin = true
					s.AdminSessionID = claims.ID
				}
			}

			c.Set(string(SessionKey), s)
			ctx := context.WithValue(c.Request().Context(), SessionKey, s)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

func deviceToken(c echo.Context) string {
	v := strings.TrimSpace(c.Request().Header.Get(DeviceHeader))
	if v == "" {
		if cookie, err := c.Cookie(DeviceCookie); err == nil {
			v = cookie.Value
		}
	}
	if len(v) > maxDeviceTokenLen {
		return ""
	}
	return v
}

func patientToken(c echo.Context) string {
	if h := c.Request().Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if cookie, err := c.Cookie(SessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// SessionFromContext returns the Session set by SessionMiddleware, or nil.
func SessionFromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(SessionKey).(*Session)
	return s
}

func FromEcho(c echo.Context) *Session {
	if s, ok := c.Get(string(SessionKey)).(*Session); ok {
		return s
	}
	return SessionFromContext(c.Request().Context())
}

// BindPatient issues a patient session, stores it in the session cookie and
// returns the token for clients that prefer the Authorization header.
func (m *SessionManager) BindPatient(c echo.Context, id uuid.UUID, kakaoID string) (string, error) {
	tok, err := m.IssuePatient(id, kakaoID)
	if err != nil {
		return "", err
	}
	m.setCookie(c, SessionCookie, tok, m.cfg.TTL)
	if s := FromEcho(c); s != nil {
		s.PatientID = id
		s.KakaoID = kakaoID
	}
	return tok, nil
}

func (m *SessionManager) ClearPatient(c echo.Context) {
	m.expireCookie(c, SessionCookie)
	if s := FromEcho(c); s != nil {
		s.PatientID = uuid.Nil
		s.KakaoID = ""
	}
}

// DiscardDevice expires both the device and patient cookies. The next request
// from the client is treated as a first launch.
func (m *SessionManager) DiscardDevice(c echo.Context) {
	m.expireCookie(c, DeviceCookie)
	m.ClearPatient(c)
	c.Response().Header().Del(DeviceHeader)
}

func (m *SessionManager) BindAdmin(c echo.Context) error {
	tok, err := m.IssueAdmin()
	if err != nil {
		return err
	}
	m.setCookie(c, AdminCookie, tok, adminTokenTTL)
	if s := FromEcho(c); s != nil {
		s.Admin = true
		if claims, err := m.Parse(tok); err == nil {
			s.AdminSessionID = claims.ID
		}
	}
	return nil
}

// ClearAdmin expires the admin cookie and revokes the session's token, so a
// copy of it stops working before it expires.
func (m *SessionManager) ClearAdmin(c echo.Context) {
	m.expireCookie(c, AdminCookie)
	if s := FromEcho(c); s != nil {
		m.revoked.Revoke(s.AdminSessionID, time.Now().Add(adminTokenTTL))
		s.Admin = false
		s.AdminSessionID = ""
	}
}

func (m *SessionManager) setCookie(c echo.Context, name, value string, maxAge time.Duration) {
	c.SetCookie(&http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (m *SessionManager) expireCookie(c echo.Context, name string) {
	c.SetCookie(&http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Package admin serves the dashboard login. There is one shared admin
// password; a successful login mints an admin session cookie.
package admin

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dietcare/dietcare/internal/platform/auth"
	"github.com/dietcare/dietcare/internal/platform/validation"
)

const (
	msgBadPassword = "비밀번호가 올바르지 않습니다."
	msgInternal    = "일시적인 오류가 발생했습니다. 잠시 후 다시 시도해주세요."
)

// Verifier checks the admin password.
type Verifier interface {
	Verify(password string) error
}

// StreamCloser drops live dashboard streams opened by an admin session.
type StreamCloser interface {
	DisconnectOwner(owner string) int
}

type Handler struct {
	sessions *auth.SessionManager
	verifier Verifier
	streams  StreamCloser
	logger   zerolog.Logger
}

func NewHandler(sessions *auth.SessionManager, verifier Verifier, streams StreamCloser, logger zerolog.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		verifier: verifier,
		streams:  streams,
		logger:   logger.With().Str("component", "admin").Logger(),
	}
}

// RegisterRoutes mounts POST /admin/login on api and the session endpoints on
// admin, which must already require an admin session.
func (h *Handler) RegisterRoutes(api, admin *echo.Group) {
	api.POST("/admin/login", h.Login)
	admin.POST("/logout", h.Logout)
	admin.GET("/session", h.Session)
}

type loginRequest struct {
	Password string `json:"password" validate:"required"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	if err := h.verifier.Verify(req.Password); err != nil {
		if errors.Is(err, auth.ErrBadPassword) {
			h.logger.Warn().Str("remote_ip", c.RealIP()).Msg("admin login rejected")
			return echo.NewHTTPError(http.StatusUnauthorized, msgBadPassword)
		}
		h.logger.Error().Err(err).Msg("admin password check failed")
		return echo.NewHTTPError(http.StatusInternalServerError, msgInternal)
	}
	if err := h.sessions.BindAdmin(c); err != nil {
		h.logger.Error().Err(err).Msg("issue admin session")
		return echo.NewHTTPError(http.StatusInternalServerError, msgInternal)
	}
	h.logger.Info().Str("remote_ip", c.RealIP()).Msg("admin logged in")
	return c.JSON(http.StatusOK, map[string]bool{"admin": true})
}

// Logout expires the admin cookie and closes every change stream the
// session opened.
func (h *Handler) Logout(c echo.Context) error {
	owner := ""
	if s := auth.FromEcho(c); s != nil {
		owner = s.AdminSessionID
	}
	h.sessions.ClearAdmin(c)
	if h.streams != nil {
		if n := h.streams.DisconnectOwner(owner); n > 0 {
			h.logger.Info().Int("streams", n).Msg("closed admin streams on logout")
		}
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Session(c echo.Context) error {
	s := auth.FromEcho(c)
	return c.JSON(http.StatusOK, map[string]bool{"admin": s != nil && s.Admin})
}

package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RequirePatient rejects requests without a patient session.
func RequirePatient() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !FromEcho(c).HasPatient() {
				return echo.NewHTTPError(http.StatusUnauthorized, "로그인이 필요합니다.")
			}
			return next(c)
		}
	}
}

// RequireAdmin rejects requests without an admin session.
func RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			s := FromEcho(c)
			if s == nil || !s.Admin {
				return echo.NewHTTPError(http.StatusUnauthorized, "관리자 로그인이 필요합니다.")
			}
			return next(c)
		}
	}
}

package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dietcare/dietcare/internal/platform/auth"
)

// AuditEntry records one state-changing request against patient data: who
// (admin or patient), what action, which patient, and the outcome.
type AuditEntry struct {
	Actor      string // "admin" or "patient"
	ActorID    string // admin session id or patient id
	PatientID  string
	Action     string // create, update, delete
	Method     string
	Path       string
	IPAddress  string
	UserAgent  string
	RequestID  string
	StatusCode int
	Timestamp  time.Time
}

// AuditRecorder persists audit entries. The middleware always logs; a
// recorder is optional.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every non-GET request under /api/v1/admin/ and /api/v1/me/.
// Reads and anonymous session traffic are not audited.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditable(req.Method, req.URL.Path) {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				Action:     httpMethodToAction(req.Method),
				Method:     req.Method,
				Path:       req.URL.Path,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: c.Response().Status,
				Timestamp:  time.Now().UTC(),
			}
			if he, ok := err.(*echo.HTTPError); ok {
				entry.StatusCode = he.Code
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			s := auth.FromEcho(c)
			switch {
			case strings.HasPrefix(req.URL.Path, "/api/v1/admin/"):
				entry.Actor = "admin"
				if s != nil {
					entry.ActorID = s.AdminSessionID
				}
				entry.PatientID = extractPatientID(req.URL.Path)
			case s.HasPatient():
				entry.Actor = "patient"
				entry.ActorID = s.PatientID.String()
				entry.PatientID = entry.ActorID
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("actor", entry.Actor).
				Str("actor_id", entry.ActorID).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("patient_data_change")

			return err
		}
	}
}

func isAuditable(method, path string) bool {
	if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
		return false
	}
	if path == "/api/v1/admin/login" {
		return false
	}
	return strings.HasPrefix(path, "/api/v1/admin/") || strings.HasPrefix(path, "/api/v1/me/")
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractPatientID finds the id in /api/v1/admin/patients/<uuid>[/...].
func extractPatientID(path string) string {
	const prefix = "/api/v1/admin/patients/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	seg, _, _ := strings.Cut(strings.TrimPrefix(path, prefix), "/")
	if _, err := uuid.Parse(seg); err != nil {
		return ""
	}
	return seg
}

package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fitfull/consultation/internal/platform/auth"
)

const sessionsPrefix = "/api/v1/sessions"

// AuditEntry records who touched which consultation session and how.
type AuditEntry struct {
	Actor      string
	ActorKind  string
	SessionID  string
	Action     string
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every request under /api/v1/sessions as a session_audit entry
// after the handler has run, and hands it to the optional recorder.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}

			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: status,
			}
			if actor, ok := auth.ActorFromContext(req.Context()); ok {
				entry.Actor = actor.String()
				entry.ActorKind = string(actor.Kind)
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}
			entry.SessionID, entry.Action = sessionAction(req.Method, path)

			if len(recorders) > 0 && recorders[0] != nil {
				if recErr := recorders[0].RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if status == http.StatusForbidden {
				evt = logger.Warn()
			}
			evt.
				Str("type", "session_audit").
				Str("request_id", entry.RequestID).
				Str("actor", entry.Actor).
				Str("session_id", entry.SessionID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("session_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return path == sessionsPrefix || strings.HasPrefix(path, sessionsPrefix+"/")
}

// sessionAction derives the session id and lifecycle action from a path:
//
//	POST /api/v1/sessions              -> "", request
//	GET  /api/v1/sessions              -> "", list
//	GET  /api/v1/sessions/<id>         -> <id>, read
//	POST /api/v1/sessions/<id>/accept  -> <id>, accept
func sessionAction(method, path string) (string, string) {
	rest := strings.Trim(strings.TrimPrefix(path, sessionsPrefix), "/")
	if rest == "" {
		if method == http.MethodPost {
			return "", "request"
		}
		return "", "list"
	}

	segments := strings.Split(rest, "/")
	id := ""
	if _, err := uuid.Parse(segments[0]); err == nil {
		id = segments[0]
	}
	if len(segments) > 1 && segments[1] != "" {
		return id, segments[1]
	}
	return id, "read"
}

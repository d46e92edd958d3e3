package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hmis/billing/internal/platform/auth"
	"github.com/hmis/billing/internal/platform/db"
)

// AuditEntry records who touched which billing resource and how it went.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	TenantID   string
	Resource   string
	ResourceID string
	Action     string
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every /api/v1 request after it has been handled. Entries are
// also handed to the first recorder, if any; recorder failures are logged and
// never fail the request.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			ctx := req.Context()
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			resource, id := extractResource(path)
			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: status,
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				TenantID:   db.TenantFromContext(ctx),
				Resource:   resource,
				ResourceID: id,
				Action:     auditAction(req.Method, path),
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			if len(recorders) > 0 && recorders[0] != nil {
				if recErr := recorders[0].RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "billing_audit").
				Str("request_id", entry.RequestID).
				Str("tenant_id", entry.TenantID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("billing_access")

			return err
		}
	}
}

// commandActions are trailing path segments that name the operation.
var commandActions = map[string]string{
	"finalize":   "finalize",
	"cancel":     "cancel",
	"refund":     "refund",
	"void":       "void",
	"payments":   "collect",
	"discount":   "discount",
	"line-items": "add_line",
}

// auditAction names the operation: an explicit command segment for POST/PUT,
// otherwise the CRUD verb of the method.
func auditAction(method, path string) string {
	if method == http.MethodPost || method == http.MethodPut {
		segs := strings.Split(strings.Trim(path, "/"), "/")
		if len(segs) > 3 {
			if a, ok := commandActions[segs[len(segs)-1]]; ok {
				return a
			}
		}
	}
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

// extractResource returns the collection and, when present, the identifier
// from /api/v1/<collection>/<id>/...
func extractResource(path string) (string, string) {
	segs := strings.Split(strings.TrimPrefix(path, "/api/v1/"), "/")
	if len(segs) == 0 || segs[0] == "" {
		return "unknown", ""
	}
	if len(segs) > 1 && isIdentifier(segs[0], segs[1]) {
		return segs[0], segs[1]
	}
	return segs[0], ""
}

func isIdentifier(collection, seg string) bool {
	if seg == "" {
		return false
	}
	if _, err := uuid.Parse(seg); err == nil {
		return true
	}
	// service codes and patient ids are not uuids everywhere
	return collection == "services" || collection == "coverage-profiles"
}

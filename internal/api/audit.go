package api

import (
	"log/slog"
	"net/http"

	"github.com/alecgard/gabelle/internal/auth"
)

// auditLog emits a structured audit log entry for an admin or billing action.
func auditLog(r *http.Request, action string, resourceType string, resourceID string, detail ...any) {
	attrs := []any{
		"action", action,
		"resource_type", resourceType,
		"resource_id", resourceID,
		"ip", clientIP(r),
		"request_id", RequestIDFromContext(r.Context()),
	}

	if o := auth.OrgFromContext(r.Context()); o != nil {
		attrs = append(attrs, "org_id", o.ID, "org_name", o.Name)
	}

	attrs = append(attrs, detail...)
	slog.Info("audit", attrs...)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
